package testutil

import (
	"github.com/hupe1980/researchmesh/core"
)

// SessionBuilder helps construct sessions with fluent chaining for tests.
// Example:
//
//	sess := NewSessionBuilder("sess-1").Cursor("Critique").Messages(h...).Build()
type SessionBuilder struct {
	id      string
	cursor  string
	state   core.State
	reason  string
	pending bool
	attempt int
	msgs    []core.Message
}

// NewSessionBuilder creates a new builder for a running session with the
// given id.
func NewSessionBuilder(id string) *SessionBuilder {
	return &SessionBuilder{id: id, state: core.StateRunning, attempt: 1}
}

// Cursor sets the active-agent cursor (chainable).
func (b *SessionBuilder) Cursor(agent string) *SessionBuilder { b.cursor = agent; return b }

// Pending marks the cursor agent as interrupted mid-turn (chainable).
func (b *SessionBuilder) Pending() *SessionBuilder { b.pending = true; return b }

// Attempt overrides the run attempt counter (chainable).
func (b *SessionBuilder) Attempt(n int) *SessionBuilder { b.attempt = n; return b }

// Ended sets a terminal state and reason (chainable).
func (b *SessionBuilder) Ended(state core.State, reason string) *SessionBuilder {
	b.state = state
	b.reason = reason
	return b
}

// Messages appends messages to the session history (chainable).
func (b *SessionBuilder) Messages(msgs ...core.Message) *SessionBuilder {
	b.msgs = append(b.msgs, msgs...)
	return b
}

// Build returns an unsaved *core.Session.
func (b *SessionBuilder) Build() *core.Session {
	s := core.NewSession(b.id)
	s.Cursor = b.cursor
	s.State = b.state
	s.Reason = b.reason
	s.PendingTurn = b.pending
	s.Attempt = b.attempt
	s.Append(b.msgs...)
	return s
}
