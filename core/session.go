package core

import (
	"fmt"
	"time"
)

// State is the termination state of a session's current run attempt.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Terminal reports whether s ends a run attempt.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Resumable reports whether a new run attempt may be started from s.
// Running is included so that sessions abandoned by a crashed process can be
// picked up again.
func (s State) Resumable() bool {
	return s == StateCancelled || s == StateFailed || s == StateRunning
}

// Session is the durable unit of orchestration: an append-only message log
// plus the cursor and termination state of the latest run attempt.
//
// A Session is owned by exactly one orchestration loop while running and is
// not safe for concurrent mutation. Stores hand out clones.
type Session struct {
	ID       string    `json:"id"`
	Messages []Message `json:"messages"`
	// Cursor names the agent holding (or last holding) the turn.
	Cursor string `json:"cursor,omitempty"`
	State  State  `json:"state"`
	// Reason explains the termination state (termination reason or error kind).
	Reason string `json:"reason,omitempty"`
	// PendingTurn is set when the cursor agent was interrupted mid-turn.
	PendingTurn bool `json:"pending_turn,omitempty"`
	// Attempt counts run attempts; 1 for the initial run.
	Attempt int `json:"attempt"`
	// Version is the store revision this snapshot corresponds to. Zero means
	// the session has never been saved.
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	CheckpointedAt time.Time `json:"checkpointed_at"`
}

// NewSession creates an unsaved running session with the given id.
func NewSession(id string) *Session {
	return &Session{
		ID:        id,
		State:     StateRunning,
		Attempt:   1,
		CreatedAt: time.Now().UTC(),
	}
}

// Append adds messages to the end of the history.
func (s *Session) Append(msgs ...Message) {
	s.Messages = append(s.Messages, msgs...)
}

// Len returns the number of committed messages.
func (s *Session) Len() int { return len(s.Messages) }

// History returns a copy of the message log.
func (s *Session) History() []Message {
	out := make([]Message, len(s.Messages))
	copy(out, s.Messages)
	return out
}

// Transition moves the current run attempt to a terminal state. Terminal
// states are absorbing within an attempt.
func (s *Session) Transition(to State, reason string) error {
	if s.State.Terminal() {
		return fmt.Errorf("session %s: illegal transition %s -> %s", s.ID, s.State, to)
	}
	if !to.Terminal() {
		return fmt.Errorf("session %s: %s is not a terminal state", s.ID, to)
	}
	s.State = to
	s.Reason = reason
	return nil
}

// Reopen starts a new run attempt for a cancelled, failed or abandoned
// session. Completed sessions cannot be reopened.
func (s *Session) Reopen() error {
	if !s.State.Resumable() {
		if s.State == StateCompleted {
			return ErrSessionCompleted
		}
		return fmt.Errorf("session %s: cannot resume from state %q", s.ID, s.State)
	}
	s.State = StateRunning
	s.Reason = ""
	s.Attempt++
	return nil
}

// LastSpeaker returns the author of the most recent turn-final agent
// message, or "" when no agent has spoken yet.
func (s *Session) LastSpeaker() string {
	return LastSpeaker(s.Messages)
}

// LastSpeaker returns the author of the most recent turn-final agent message.
func LastSpeaker(history []Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].IsTurnFinal() {
			return history[i].Author
		}
	}
	return ""
}

// ConsecutiveTurns counts the completed turns agent has taken in a row at the
// end of history. Tool traffic is ignored; a user message or a turn by
// another agent ends the streak.
func ConsecutiveTurns(history []Message, agent string) int {
	n := 0
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		switch {
		case m.Role == RoleUser:
			return n
		case m.IsTurnFinal():
			if m.Author != agent {
				return n
			}
			n++
		}
	}
	return n
}

// Clone returns a copy of the session safe for independent mutation.
// Messages are immutable and therefore shared.
func (s *Session) Clone() *Session {
	c := *s
	if s.Messages != nil {
		c.Messages = make([]Message, len(s.Messages))
		copy(c.Messages, s.Messages)
	}
	return &c
}
