package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/researchmesh/agent"
	"github.com/hupe1980/researchmesh/core"
	"github.com/hupe1980/researchmesh/dispatch"
	"github.com/hupe1980/researchmesh/model"
	"github.com/hupe1980/researchmesh/tool"
)

// turnBuffer collects the messages of the turn in progress. They become part
// of the session only when the turn commits.
type turnBuffer struct {
	msgs []core.Message
}

// Append implements dispatch.History.
func (b *turnBuffer) Append(msgs ...core.Message) { b.msgs = append(b.msgs, msgs...) }

// turn runs one complete turn of agent name and commits it.
func (e *Engine) turn(ctx context.Context, st *runState, name string) (err error) {
	d, ok := e.roster.Get(name)
	if !ok {
		return st.runError(core.ErrorKindInvalidCursor, fmt.Errorf("%w: %q", core.ErrInvalidCursor, name))
	}

	_ = st.turns.Increment()
	st.inTurn = true
	st.sess.Cursor = d.Name()

	start := time.Now()

	defer func() {
		if err != nil {
			outcome := "failed"
			if ctx.Err() != nil {
				outcome = "cancelled"
			}
			e.metrics.Turn(name, outcome, time.Since(start))
		}
	}()

	e.logger.Info("engine.turn.started",
		"session_id", st.sess.ID,
		"agent", name,
		"turn", st.turns.Count(),
		"remaining_turns", st.turns.Remaining(),
		"attempt", st.sess.Attempt,
	)

	e.callbacks.Execute(ctx, &CallbackContext{
		SessionID:    st.sess.ID,
		Attempt:      st.sess.Attempt,
		Agent:        name,
		CallbackType: CallbackBeforeTurn,
	})

	if !st.em.emit(ctx, core.Event{Type: core.EventTurnStarted, Agent: name}) {
		return ctx.Err()
	}

	buf := &turnBuffer{}

	text, err := e.respond(ctx, st, d, buf)
	if err != nil {
		return err
	}

	snap := st.sess.Clone()
	snap.Append(buf.msgs...)
	snap.PendingTurn = false

	if err := e.checkpoint(ctx, st, snap); err != nil {
		return err
	}

	st.sess = snap
	st.inTurn = false

	dur := time.Since(start)
	e.metrics.Turn(name, "completed", dur)

	e.logger.Info("engine.turn.completed",
		"session_id", st.sess.ID,
		"agent", name,
		"messages", len(buf.msgs),
		"duration_ms", dur.Milliseconds(),
		"version", st.sess.Version,
	)

	e.callbacks.Execute(ctx, &CallbackContext{
		SessionID:    st.sess.ID,
		Attempt:      st.sess.Attempt,
		Agent:        name,
		Text:         text,
		CallbackType: CallbackAfterTurn,
	})

	st.em.emit(ctx, core.Event{Type: core.EventTurnCompleted, Agent: name, Text: text})

	return nil
}

// respond drives the model/tool rounds of a turn and returns the agent's
// final text. Tool rounds are capped; the round after the cap is sent
// without tools so the agent has to answer.
func (e *Engine) respond(ctx context.Context, st *runState, d *agent.Descriptor, buf *turnBuffer) (string, error) {
	instructions, err := d.Instruction().Resolve(agent.InstructionContext{
		SessionID:    st.sess.ID,
		Agent:        d.Name(),
		Participants: e.roster.Names(),
		Attempt:      st.sess.Attempt,
	})
	if err != nil {
		return "", st.runError(core.ErrorKindCompletionFailed, fmt.Errorf("instruction of %s: %w", d.Name(), err))
	}

	maxIterations := d.MaxToolIterations()
	if maxIterations <= 0 {
		maxIterations = e.config.DefaultMaxToolIterations
	}

	defs := e.registry.Definitions(d.Tools()...)
	allowed := d.AllowedTools()
	committed := st.sess.History()

	toolCtx := tool.WithCallInfo(ctx, tool.CallInfo{SessionID: st.sess.ID})

	// call ids dispatched so far in this turn
	seen := make(map[string]struct{})

	onDelta := func(delta string) {
		st.em.emit(ctx, core.Event{Type: core.EventTextDelta, Agent: d.Name(), Text: delta})
	}

	for round := 0; ; round++ {
		offer := len(defs) > 0 && round < maxIterations

		req := model.Request{
			Agent:        d.Name(),
			Instructions: instructions,
			Messages:     append(committed[:len(committed):len(committed)], buf.msgs...),
			Stream:       true,
		}
		if offer {
			req.Tools = defs
		}

		resp, err := model.Collect(ctx, d.Model(), req, onDelta)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if errors.Is(err, core.ErrMalformedCompletion) {
				return "", st.runError(core.ErrorKindMalformedCompletion, err)
			}
			e.logger.Error("engine.completion.failed", "session_id", st.sess.ID, "agent", d.Name(), "error", err.Error())
			return "", st.runError(core.ErrorKindCompletionFailed, err)
		}

		calls, err := validateResponse(resp, offer, seen)
		if err != nil {
			e.logger.Error("engine.completion.malformed", "session_id", st.sess.ID, "agent", d.Name(), "error", err.Error())
			return "", st.runError(core.ErrorKindMalformedCompletion, err)
		}

		if len(calls) == 0 {
			buf.Append(core.NewAgentMessage(d.Name(), resp.Text))
			return resp.Text, nil
		}

		for i, call := range calls {
			preamble := ""
			if i == 0 {
				preamble = resp.Text
			}

			if err := e.callTool(toolCtx, st, d, buf, call, allowed, preamble); err != nil {
				return "", err
			}
		}
	}
}

func (e *Engine) callTool(
	ctx context.Context,
	st *runState,
	d *agent.Descriptor,
	buf *turnBuffer,
	call core.ToolCallRequest,
	allowed map[string]struct{},
	preamble string,
) error {
	e.callbacks.Execute(ctx, &CallbackContext{
		SessionID:    st.sess.ID,
		Attempt:      st.sess.Attempt,
		Agent:        d.Name(),
		ToolCall:     &call,
		CallbackType: CallbackBeforeTool,
	})

	st.em.emit(ctx, core.Event{Type: core.EventToolCallStarted, Agent: d.Name(), ToolCall: &call})

	res, err := e.dispatcher.Dispatch(ctx, buf, dispatch.Call{
		Agent:    d.Name(),
		Request:  call,
		Allowed:  allowed,
		Preamble: preamble,
	})
	if err != nil {
		return err
	}

	st.em.emit(ctx, core.Event{Type: core.EventToolCallFinished, Agent: d.Name(), ToolCall: &call, ToolResult: &res})

	e.callbacks.Execute(ctx, &CallbackContext{
		SessionID:    st.sess.ID,
		Attempt:      st.sess.Attempt,
		Agent:        d.Name(),
		ToolCall:     &call,
		ToolResult:   &res,
		CallbackType: CallbackAfterTool,
	})

	return nil
}

// validateResponse checks a final completion response and returns its tool
// calls with ids assigned. Call ids must be unique within the turn; seen holds
// the ids of earlier rounds and is extended with the new ones.
func validateResponse(resp model.Response, toolsOffered bool, seen map[string]struct{}) ([]core.ToolCallRequest, error) {
	if len(resp.ToolCalls) == 0 {
		if strings.TrimSpace(resp.Text) == "" {
			return nil, fmt.Errorf("%w: empty response", core.ErrMalformedCompletion)
		}
		return nil, nil
	}

	if !toolsOffered {
		return nil, fmt.Errorf("%w: tool calls in a round without tools", core.ErrMalformedCompletion)
	}

	calls := make([]core.ToolCallRequest, 0, len(resp.ToolCalls))

	for _, c := range resp.ToolCalls {
		if strings.TrimSpace(c.Name) == "" {
			return nil, fmt.Errorf("%w: tool call without name", core.ErrMalformedCompletion)
		}

		c = dispatch.EnsureCallID(c)
		if _, dup := seen[c.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate tool call id %q", core.ErrMalformedCompletion, c.ID)
		}
		seen[c.ID] = struct{}{}

		calls = append(calls, c)
	}

	return calls, nil
}
