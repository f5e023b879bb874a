// Package dispatch executes tool calls requested by agents against the tool
// registry and folds request and result back into the session history.
//
// Tool failures never escape as Go errors: unauthorized tools, invalid
// arguments, execution errors, panics and timeouts all become a
// core.ToolCallResult the acting agent can react to. The only error Dispatch
// returns is the caller's own context cancellation.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/hupe1980/researchmesh/core"
	"github.com/hupe1980/researchmesh/internal/metrics"
	"github.com/hupe1980/researchmesh/logging"
	"github.com/hupe1980/researchmesh/tool"
)

// History receives the messages produced by a dispatch.
type History interface {
	Append(msgs ...core.Message)
}

// Call is a single tool invocation request on behalf of an agent.
type Call struct {
	Agent   string
	Request core.ToolCallRequest
	// Allowed is the acting agent's tool set.
	Allowed map[string]struct{}
	// Preamble is text the model produced alongside the request. It is kept
	// on the recorded request message.
	Preamble string
}

// Options configures a Dispatcher.
type Options struct {
	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// Dispatcher executes tool calls sequentially for its callers. It holds no
// per-session state and may be shared between sessions.
type Dispatcher struct {
	registry *tool.Registry
	logger   logging.Logger
	metrics  *metrics.Metrics
}

// New creates a dispatcher over registry.
func New(registry *tool.Registry, optFns ...func(o *Options)) *Dispatcher {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Dispatcher{
		registry: registry,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// EnsureCallID assigns a fresh id to requests the model left without one.
func EnsureCallID(req core.ToolCallRequest) core.ToolCallRequest {
	if req.ID == "" {
		req.ID = "call_" + gonanoid.Must(16)
	}
	return req
}

// Dispatch validates and executes call, appends the request followed by its
// result to h and returns the result. If ctx is cancelled before the result
// is known nothing is appended and ctx's error is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, h History, call Call) (core.ToolCallResult, error) {
	call.Request = EnsureCallID(call.Request)

	if err := ctx.Err(); err != nil {
		return core.ToolCallResult{}, err
	}

	start := time.Now()

	res, err := d.execute(ctx, call)
	if err != nil {
		d.logger.Warn("dispatch.tool.cancelled", "agent", call.Agent, "tool", call.Request.Name, "call_id", call.Request.ID)
		return core.ToolCallResult{}, err
	}

	dur := time.Since(start)

	h.Append(
		core.NewToolCallMessage(call.Agent, call.Preamble, call.Request),
		core.NewToolResultMessage(call.Agent, res),
	)

	d.metrics.ToolCall(call.Request.Name, string(res.Status), dur)

	if res.OK() {
		d.logger.Info("dispatch.tool.executed",
			"agent", call.Agent,
			"tool", call.Request.Name,
			"call_id", res.CallID,
			"duration_ms", dur.Milliseconds(),
		)
	} else {
		d.logger.Warn("dispatch.tool.failed",
			"agent", call.Agent,
			"tool", call.Request.Name,
			"call_id", res.CallID,
			"status", res.Status,
			"kind", res.ErrorKind,
			"error", res.Error,
			"duration_ms", dur.Milliseconds(),
		)
	}

	return res, nil
}

type outcome struct {
	value any
	err   error
}

func (d *Dispatcher) execute(ctx context.Context, call Call) (core.ToolCallResult, error) {
	req := call.Request
	res := core.ToolCallResult{CallID: req.ID, Name: req.Name}

	fail := func(kind core.ErrorKind, msg string) core.ToolCallResult {
		res.Status = core.ToolCallStatusError
		res.ErrorKind = kind
		res.Error = msg
		return res
	}

	if _, ok := call.Allowed[req.Name]; !ok || !d.registry.Has(req.Name) {
		return fail(core.ErrorKindUnauthorizedTool,
			fmt.Sprintf("tool %q is not available to agent %s", req.Name, call.Agent)), nil
	}

	args, err := decodeArguments(req.Arguments)
	if err != nil {
		return fail(core.ErrorKindInvalidArguments, err.Error()), nil
	}

	if err := d.registry.Validate(req.Name, args); err != nil {
		return fail(core.ErrorKindInvalidArguments, err.Error()), nil
	}

	impl, _ := d.registry.Get(req.Name)
	timeout := d.registry.Timeout(req.Name)

	info, _ := tool.CallInfoFromContext(ctx)
	info.Agent = call.Agent
	info.CallID = req.ID

	callCtx, cancel := context.WithTimeout(tool.WithCallInfo(ctx, info), timeout)
	defer cancel()

	d.logger.Debug("dispatch.tool.start", "agent", call.Agent, "tool", req.Name, "call_id", req.ID, "timeout", timeout.String())

	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("dispatch.tool.panic", "agent", call.Agent, "tool", req.Name, "recover", fmt.Sprint(r))
				done <- outcome{err: panicError(r)}
			}
		}()
		v, err := impl.Call(callCtx, args)
		done <- outcome{value: v, err: err}
	}()

	var (
		out      outcome
		received bool
	)
	select {
	case out = <-done:
		received = true
	case <-callCtx.Done():
	}

	if ctx.Err() != nil {
		return core.ToolCallResult{}, ctx.Err()
	}

	if !received || (out.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded)) {
		res.Status = core.ToolCallStatusTimeout
		res.ErrorKind = core.ErrorKindTimeout
		res.Error = fmt.Sprintf("no result after %s", timeout)
		return res, nil
	}

	if out.err != nil {
		return fail(core.ErrorKindToolExecution, out.err.Error()), nil
	}

	payload, err := json.Marshal(out.value)
	if err != nil {
		return fail(core.ErrorKindToolExecution, fmt.Sprintf("unserializable output: %v", err)), nil
	}

	res.Status = core.ToolCallStatusOK
	res.Output = payload

	return res, nil
}

// decodeArguments parses the JSON object text of a request.
func decodeArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}

	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON: %v", err)
	}

	args, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("arguments must be a JSON object")
	}

	return args, nil
}

// panicError converts a recovered panic value to an error.
func panicError(r any) error { return &panicErr{val: r, stack: debug.Stack()} }

type panicErr struct {
	val   any
	stack []byte
}

func (p *panicErr) Error() string { return fmt.Sprintf("panic recovered: %v", p.val) }
