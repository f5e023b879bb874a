package model

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/researchmesh/core"
)

// ErrScriptExhausted is reported when a ScriptedModel runs out of steps.
var ErrScriptExhausted = errors.New("scripted model: no steps left")

// Step is one scripted completion.
type Step struct {
	Text      string
	ToolCalls []core.ToolCallRequest
	// Deltas overrides how Text is streamed. Defaults to one delta per word.
	Deltas []string
	// Err is reported on the error channel instead of a response.
	Err error
	// Delay postpones the final response.
	Delay time.Duration
	// Hang blocks until the request context is cancelled.
	Hang bool
	// NoFinal closes the stream without a final response.
	NoFinal bool
}

// Say scripts a plain text reply.
func Say(text string) Step { return Step{Text: text} }

// CallTools scripts a reply requesting tool calls.
func CallTools(calls ...core.ToolCallRequest) Step { return Step{ToolCalls: calls} }

// Fail scripts a transport error.
func Fail(err error) Step { return Step{Err: err} }

// Hang scripts a call that never completes on its own.
func Hang() Step { return Step{Hang: true} }

// ScriptedModel is a deterministic in-memory Model for tests and dry runs. It
// replays its steps in order and records every request it receives.
type ScriptedModel struct {
	mu       sync.Mutex
	info     Info
	steps    []Step
	requests []Request
	fallback func(Request) Step
}

// NewScriptedModel creates a scripted model replaying steps.
func NewScriptedModel(name string, steps ...Step) *ScriptedModel {
	return &ScriptedModel{
		info:  Info{Name: name, Provider: "scripted", SupportsTools: true},
		steps: steps,
	}
}

// Push appends further steps.
func (m *ScriptedModel) Push(steps ...Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, steps...)
}

// SetFallback installs a generator used once the script is exhausted.
func (m *ScriptedModel) SetFallback(fn func(Request) Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = fn
}

// Requests returns a copy of the requests seen so far.
func (m *ScriptedModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Calls returns the number of Generate invocations.
func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *ScriptedModel) next(req Request) (Step, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)

	if len(m.steps) > 0 {
		s := m.steps[0]
		m.steps = m.steps[1:]
		return s, true
	}
	if m.fallback != nil {
		return m.fallback(req), true
	}
	return Step{}, false
}

// Generate implements Model.
func (m *ScriptedModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	step, ok := m.next(req)

	go func() {
		defer close(respCh)
		defer close(errCh)

		if !ok {
			errCh <- ErrScriptExhausted
			return
		}

		if step.Hang {
			<-ctx.Done()
			errCh <- ctx.Err()
			return
		}

		if step.Err != nil {
			errCh <- step.Err
			return
		}

		if req.Stream {
			deltas := step.Deltas
			if deltas == nil && step.Text != "" {
				deltas = splitWords(step.Text)
			}
			for _, d := range deltas {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Text: d}:
				}
			}
		}

		if step.Delay > 0 {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case <-time.After(step.Delay):
			}
		}

		if step.NoFinal {
			return
		}

		finish := "stop"
		if len(step.ToolCalls) > 0 {
			finish = "tool_calls"
		}

		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- Response{Text: step.Text, ToolCalls: step.ToolCalls, FinishReason: finish}:
		}
	}()

	return respCh, errCh
}

// Info implements Model.
func (m *ScriptedModel) Info() Info { return m.info }

// splitWords splits text into deltas that concatenate back to text.
func splitWords(text string) []string {
	var out []string
	for len(text) > 0 {
		i := strings.IndexByte(text[1:], ' ')
		if i < 0 {
			out = append(out, text)
			break
		}
		out = append(out, text[:i+1])
		text = text[i+1:]
	}
	return out
}
