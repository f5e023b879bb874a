// Package human provides a model.Model answered by a person. It backs
// human-in-the-loop roster members (an expert who refines criteria or
// approves a summary) without the engine having to know the difference.
package human

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/hupe1980/researchmesh/model"
)

// ErrInputClosed is reported once the input reader is exhausted.
var ErrInputClosed = errors.New("human: input closed")

// Options configures the human model.
type Options struct {
	// Name is reported by Info.
	Name string
	// Output receives the message the human is asked to answer; nil discards it.
	Output io.Writer
	// Prompt is written before every answer is read.
	Prompt string
}

// Model reads one non-empty line per request from an input reader.
//
// Lines are read by a single goroutine, so a request abandoned through
// ctx cancellation does not lose the answer typed for it; the next request
// receives it instead.
type Model struct {
	in   io.Reader
	opts Options

	once  sync.Once
	lines chan line

	// mu pairs each question with its answer.
	mu sync.Mutex
	// pending holds a line read after its request was cancelled.
	pending *line
}

type line struct {
	text string
	err  error
}

// NewModel creates a human model reading answers from in.
func NewModel(in io.Reader, optFns ...func(o *Options)) *Model {
	opts := Options{
		Name:   "human",
		Output: io.Discard,
		Prompt: "> ",
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Output == nil {
		opts.Output = io.Discard
	}

	return &Model{
		in:    in,
		opts:  opts,
		lines: make(chan line),
	}
}

// Generate implements model.Model. Tool definitions are ignored.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	respCh := make(chan model.Response, 2)
	errCh := make(chan error, 1)

	m.once.Do(func() { go m.read() })

	go func() {
		defer close(respCh)
		defer close(errCh)

		m.mu.Lock()
		defer m.mu.Unlock()

		m.ask(req)

		text, err := m.answer(ctx)
		if err != nil {
			errCh <- err
			return
		}

		if req.Stream {
			respCh <- model.Response{Partial: true, Text: text}
		}
		respCh <- model.Response{Text: text, FinishReason: "stop"}
	}()

	return respCh, errCh
}

// Info implements model.Model.
func (m *Model) Info() model.Info {
	return model.Info{Name: m.opts.Name, Provider: "human"}
}

func (m *Model) ask(req model.Request) {
	w := m.opts.Output

	if n := len(req.Messages); n > 0 {
		last := req.Messages[n-1]
		fmt.Fprintf(w, "\n[%s] %s\n", last.Author, last.Text())
	}

	if req.Agent != "" {
		fmt.Fprintf(w, "Answer as %s.\n", req.Agent)
	}
}

func (m *Model) answer(ctx context.Context) (string, error) {
	for {
		fmt.Fprint(m.opts.Output, m.opts.Prompt)

		l, ok, err := m.next(ctx)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", ErrInputClosed
		}
		if l.err != nil {
			return "", fmt.Errorf("human: read input: %w", l.err)
		}
		if text := strings.TrimSpace(l.text); text != "" {
			return text, nil
		}
	}
}

func (m *Model) next(ctx context.Context) (line, bool, error) {
	if l := m.pending; l != nil {
		m.pending = nil
		return *l, true, nil
	}

	select {
	case <-ctx.Done():
		return line{}, false, ctx.Err()
	case l, ok := <-m.lines:
		if ok && ctx.Err() != nil {
			m.pending = &l
			return line{}, false, ctx.Err()
		}
		return l, ok, nil
	}
}

func (m *Model) read() {
	defer close(m.lines)

	sc := bufio.NewScanner(m.in)
	for sc.Scan() {
		m.lines <- line{text: sc.Text()}
	}

	if err := sc.Err(); err != nil {
		m.lines <- line{err: err}
	}
}
