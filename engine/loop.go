package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/researchmesh/agent"
	"github.com/hupe1980/researchmesh/core"
	"github.com/hupe1980/researchmesh/selector"
)

// runState is the mutable state of one run attempt, owned by its goroutine.
type runState struct {
	run  *Run
	sess *core.Session
	// committed is the history length of the last successful checkpoint.
	committed int
	turns     *core.Limiter
	em        *emitter
	// inTurn is set while an agent turn is in progress.
	inTurn bool
}

func (st *runState) runError(kind core.ErrorKind, err error) error {
	return &core.RunError{Kind: kind, SessionID: st.sess.ID, Err: err}
}

func (e *Engine) run(run *Run, sess *core.Session) {
	st := &runState{
		run:       run,
		sess:      sess,
		committed: sess.Len(),
		turns:     core.NewLimiter("turns", e.config.MaxTurns),
		em:        &emitter{sessionID: sess.ID, ch: run.events},
	}

	defer func() {
		run.mu.Lock()
		run.final = st.sess.Clone()
		run.mu.Unlock()

		e.mu.Lock()
		if e.active[run.SessionID] == run {
			delete(e.active, run.SessionID)
		}
		e.mu.Unlock()

		close(run.events)
		close(run.errs)
		run.cancel()
		close(run.done)
	}()

	ctx := run.ctx

	if e.slots != nil {
		select {
		case e.slots <- struct{}{}:
			defer func() { <-e.slots }()
		case <-ctx.Done():
			e.finish(st, "", ctx.Err())
			return
		}
	}

	reason, err := e.loop(ctx, st)
	e.finish(st, reason, err)
}

// loop runs turns until the selector terminates, returning the termination
// reason, or until an error ends the attempt.
func (e *Engine) loop(ctx context.Context, st *runState) (string, error) {
	retry := st.sess.PendingTurn && st.sess.Cursor != ""

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		if st.turns.Exhausted() {
			e.metrics.Selection("max-turns")
			return core.ReasonMaxTurnsReached, nil
		}

		var name string

		if retry {
			retry = false
			name = st.sess.Cursor
			e.logger.Info("engine.turn.retry", "session_id", st.sess.ID, "agent", name, "attempt", st.sess.Attempt)
		} else {
			action, err := e.next(ctx, st)
			if err != nil {
				return "", err
			}

			if action.IsTerminate() {
				return action.Reason, nil
			}

			name = action.Agent
		}

		if err := e.turn(ctx, st, name); err != nil {
			return "", err
		}
	}
}

// next asks the selector for the next action and enforces the
// consecutive-turn budget of the chosen agent.
func (e *Engine) next(ctx context.Context, st *runState) (selector.NextAction, error) {
	req := selector.Request{
		SessionID:   st.sess.ID,
		History:     st.sess.History(),
		Roster:      e.roster,
		LastSpeaker: st.sess.LastSpeaker(),
	}

	action, d, err := e.selectOnce(ctx, st, req)
	if err != nil || action.IsTerminate() {
		return action, err
	}

	if !e.overLimit(st, d) {
		e.metrics.Selection("speak")
		return selector.Speak(d.Name()), nil
	}

	e.logger.Info("engine.turn_limit.reached",
		"session_id", st.sess.ID,
		"agent", d.Name(),
		"policy", string(e.config.TurnLimitPolicy),
	)

	if e.config.TurnLimitPolicy == TurnLimitSkip {
		req.Exclude = []string{d.Name()}

		action, d, err = e.selectOnce(ctx, st, req)
		switch {
		case errors.Is(err, selector.ErrNoCandidates):
			// nobody else to hand the turn to
		case err != nil || action.IsTerminate():
			return action, err
		case !e.overLimit(st, d):
			e.metrics.Selection("speak")
			return selector.Speak(d.Name()), nil
		}
	}

	e.metrics.Selection("turn-limit")

	return selector.Terminate(core.ReasonTurnLimitExceeded), nil
}

func (e *Engine) selectOnce(ctx context.Context, st *runState, req selector.Request) (selector.NextAction, *agent.Descriptor, error) {
	action, err := e.selector.Select(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return selector.NextAction{}, nil, ctx.Err()
		}
		if errors.Is(err, selector.ErrNoCandidates) && len(req.Exclude) > 0 {
			return selector.NextAction{}, nil, err
		}
		e.metrics.Selection("error")
		e.logger.Error("engine.selection.failed", "session_id", st.sess.ID, "error", err.Error())
		return selector.NextAction{}, nil, st.runError(core.ErrorKindSelection, err)
	}

	if action.IsTerminate() {
		if action.Reason == "" {
			action.Reason = core.ReasonSelectorTerminated
		}
		e.metrics.Selection("terminate")
		return action, nil, nil
	}

	name, ok := e.roster.Match(action.Agent)
	if ok {
		for _, ex := range req.Exclude {
			if ex == name {
				ok = false
			}
		}
	}
	if !ok {
		e.metrics.Selection("error")
		return selector.NextAction{}, nil, st.runError(core.ErrorKindSelection,
			fmt.Errorf("selector chose %q which is not an eligible roster member", action.Agent))
	}

	d, _ := e.roster.Get(name)

	return selector.Speak(name), d, nil
}

func (e *Engine) overLimit(st *runState, d *agent.Descriptor) bool {
	limit := d.MaxConsecutiveTurns()
	if limit <= 0 {
		limit = e.config.DefaultMaxConsecutiveTurns
	}
	return limit > 0 && core.ConsecutiveTurns(st.sess.Messages, d.Name()) >= limit
}

// finish moves the attempt to its terminal state and reports it.
func (e *Engine) finish(st *runState, reason string, err error) {
	var re *core.RunError

	switch {
	case err == nil:
		e.complete(st, reason)
	case errors.As(err, &re):
		e.fail(st, re)
	case st.run.ctx.Err() != nil:
		e.cancelled(st, err)
	default:
		e.fail(st, &core.RunError{Kind: core.ErrorKindCompletionFailed, SessionID: st.sess.ID, Err: err})
	}
}

func (e *Engine) complete(st *runState, reason string) {
	ctx := st.run.ctx

	snap := st.sess.Clone()
	snap.PendingTurn = false
	_ = snap.Transition(core.StateCompleted, reason)

	if err := e.checkpoint(ctx, st, snap); err != nil {
		var re *core.RunError
		if errors.As(err, &re) {
			e.fail(st, re)
			return
		}
		e.cancelled(st, err)
		return
	}

	st.sess = snap
	e.end(st, nil)
}

func (e *Engine) cancelled(st *runState, cause error) {
	snap := st.terminalSnapshot(core.StateCancelled, string(core.ErrorKindCancelled))

	ctx, cancel := e.graceContext(st)
	defer cancel()

	runErr := &core.RunError{Kind: core.ErrorKindCancelled, SessionID: st.sess.ID, Err: cause}

	if err := e.checkpoint(ctx, st, snap); err != nil {
		e.logger.Error("engine.checkpoint.cancelled_failed", "session_id", st.sess.ID, "error", err.Error())
		runErr.Err = errors.Join(cause, err)
	}

	st.sess = snap
	e.end(st, runErr)
}

func (e *Engine) fail(st *runState, runErr *core.RunError) {
	snap := st.terminalSnapshot(core.StateFailed, string(runErr.Kind))

	// A store that just failed or conflicted keeps the last good checkpoint.
	if runErr.Kind != core.ErrorKindStoreConflict && runErr.Kind != core.ErrorKindStoreIO {
		ctx, cancel := e.graceContext(st)
		defer cancel()

		if err := e.checkpoint(ctx, st, snap); err != nil {
			e.logger.Error("engine.checkpoint.failed_state", "session_id", st.sess.ID, "error", err.Error())
		}
	}

	st.sess = snap
	e.end(st, runErr)
}

// terminalSnapshot returns the committed session moved to state. An
// interrupted turn is marked pending so the next attempt retries it.
func (st *runState) terminalSnapshot(state core.State, reason string) *core.Session {
	snap := st.sess.Clone()
	snap.Messages = snap.Messages[:st.committed]
	snap.PendingTurn = snap.PendingTurn || st.inTurn
	_ = snap.Transition(state, reason)
	return snap
}

// graceContext detaches from the (possibly cancelled) run context and bounds
// the remaining work by CheckpointGrace.
func (e *Engine) graceContext(st *runState) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(st.run.ctx), e.config.CheckpointGrace)
}

func (e *Engine) end(st *runState, err error) {
	sess := st.sess

	e.callbacks.Execute(context.WithoutCancel(st.run.ctx), &CallbackContext{
		SessionID:    sess.ID,
		Attempt:      sess.Attempt,
		Agent:        sess.Cursor,
		State:        sess.State,
		Reason:       sess.Reason,
		CallbackType: CallbackOnTermination,
	})

	e.metrics.SessionEnded(string(sess.State), sess.Reason)

	kv := []any{
		"session_id", sess.ID,
		"state", string(sess.State),
		"reason", sess.Reason,
		"attempt", sess.Attempt,
		"turns", st.turns.Count(),
		"messages", sess.Len(),
	}
	if err != nil {
		kv = append(kv, "error", err.Error())
	}

	if sess.State == core.StateFailed {
		e.logger.Error("engine.session.terminated", kv...)
	} else {
		e.logger.Info("engine.session.terminated", kv...)
	}

	if !st.em.emitFinal(core.Event{
		Type:   core.EventSessionTerminated,
		Agent:  sess.Cursor,
		State:  sess.State,
		Reason: sess.Reason,
	}, e.config.CheckpointGrace) {
		e.logger.Warn("engine.event.dropped", "session_id", sess.ID, "type", string(core.EventSessionTerminated))
	}

	if err != nil {
		st.run.errs <- err
	}
}

// checkpoint saves snap. A conflict is retried once at the stored version
// when the stored history equals the last committed one.
func (e *Engine) checkpoint(ctx context.Context, st *runState, snap *core.Session) error {
	err := e.store.Save(ctx, snap)
	if err == nil {
		e.metrics.Checkpoint("ok")
		st.committed = snap.Len()
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if errors.Is(err, core.ErrStoreConflict) {
		e.metrics.Checkpoint("conflict")
		e.logger.Warn("engine.checkpoint.conflict", "session_id", snap.ID, "version", snap.Version, "error", err.Error())

		stored, lerr := e.store.Load(ctx, snap.ID)
		if lerr == nil && sameHistory(stored.Messages, snap.Messages[:st.committed]) {
			snap.Version = stored.Version

			if err = e.store.Save(ctx, snap); err == nil {
				e.metrics.Checkpoint("ok")
				st.committed = snap.Len()
				return nil
			}

			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		if errors.Is(err, core.ErrStoreConflict) {
			return st.runError(core.ErrorKindStoreConflict, err)
		}
	}

	e.metrics.Checkpoint("error")
	e.logger.Error("engine.checkpoint.failed", "session_id", snap.ID, "error", err.Error())

	return st.runError(core.ErrorKindStoreIO, err)
}

func sameHistory(a, b []core.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}
