package engine

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/researchmesh/core"
)

// Run is a single run attempt of a session.
//
// Events delivers the attempt's events in Seq order and is closed when the
// run ends; the last event is always session.terminated. Err then yields the
// terminal error, if any: nil for completed runs, a *core.RunError for
// cancelled and failed ones. Callers must drain Events.
type Run struct {
	SessionID string
	Attempt   int

	ctx    context.Context
	cancel context.CancelFunc
	events chan core.Event
	errs   chan error
	done   chan struct{}

	mu    sync.Mutex
	final *core.Session
}

// Events returns the ordered event stream of the run.
func (r *Run) Events() <-chan core.Event { return r.events }

// Err returns the terminal error channel. It is buffered and closed after
// Events.
func (r *Run) Err() <-chan error { return r.errs }

// Done is closed when the run has ended and its channels are closed.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cancel stops the run; equivalent to Engine.Cancel for this session.
func (r *Run) Cancel() { r.cancel() }

// Session returns a copy of the session as of the end of the run, or nil
// while the run is still in progress.
func (r *Run) Session() *core.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.final == nil {
		return nil
	}
	return r.final.Clone()
}

// Wait drains the event stream and returns all events together with the
// terminal error.
func (r *Run) Wait() ([]core.Event, error) {
	var events []core.Event
	for ev := range r.events {
		events = append(events, ev)
	}
	return events, <-r.errs
}

// emitter stamps events with a per-run sequence number and delivers them on
// the run's channel. It is used only by the session's goroutine.
type emitter struct {
	sessionID string
	ch        chan<- core.Event
	seq       int64
}

// emit delivers ev unless ctx ends first.
func (em *emitter) emit(ctx context.Context, ev core.Event) bool {
	ev = em.stamp(ev)
	select {
	case em.ch <- ev:
		return true
	case <-ctx.Done():
		em.seq--
		return false
	}
}

// emitFinal delivers the terminal event, waiting at most grace for a slow
// consumer.
func (em *emitter) emitFinal(ev core.Event, grace time.Duration) bool {
	ev = em.stamp(ev)

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case em.ch <- ev:
		return true
	case <-timer.C:
		return false
	}
}

func (em *emitter) stamp(ev core.Event) core.Event {
	em.seq++
	ev.Seq = em.seq
	ev.SessionID = em.sessionID
	ev.Timestamp = time.Now().UTC()
	return ev
}
