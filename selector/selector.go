// Package selector decides which agent of a roster acts next in a session.
//
// The ModelSelector asks a language model to pick exactly one roster member
// (or the termination sentinel) and treats every other reply as an error, so
// free-form output never turns into a silent fallback.
package selector

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/researchmesh/agent"
	"github.com/hupe1980/researchmesh/core"
)

// ActionKind discriminates NextAction.
type ActionKind int

const (
	// ActionSpeak hands the turn to an agent.
	ActionSpeak ActionKind = iota
	// ActionTerminate ends the session.
	ActionTerminate
)

// NextAction is the selector's decision: Speak(agent) or Terminate(reason).
type NextAction struct {
	Kind   ActionKind
	Agent  string
	Reason string
}

// Speak creates a NextAction handing the turn to agent.
func Speak(agent string) NextAction { return NextAction{Kind: ActionSpeak, Agent: agent} }

// Terminate creates a NextAction ending the session with reason.
func Terminate(reason string) NextAction { return NextAction{Kind: ActionTerminate, Reason: reason} }

// IsTerminate reports whether the action ends the session.
func (a NextAction) IsTerminate() bool { return a.Kind == ActionTerminate }

func (a NextAction) String() string {
	if a.IsTerminate() {
		return fmt.Sprintf("Terminate(%s)", a.Reason)
	}
	return fmt.Sprintf("Speak(%s)", a.Agent)
}

// Request is the input of a selection.
type Request struct {
	SessionID   string
	History     []core.Message
	Roster      *agent.Roster
	LastSpeaker string
	// Exclude removes agents from the candidate set for this selection.
	Exclude []string
}

// Candidates returns the roster members eligible for this selection.
func (r Request) Candidates() []*agent.Descriptor {
	if r.Roster == nil {
		return nil
	}
	return r.Roster.Without(r.Exclude...)
}

// Selector chooses the next action. Every call returns either a valid roster
// member, a termination or an error.
type Selector interface {
	Select(ctx context.Context, req Request) (NextAction, error)
}

// Func adapts an ordinary function to the Selector interface.
type Func func(ctx context.Context, req Request) (NextAction, error)

// Select implements Selector.
func (f Func) Select(ctx context.Context, req Request) (NextAction, error) { return f(ctx, req) }

// ErrNoCandidates is returned when the exclusions leave no agent to choose.
var ErrNoCandidates = errors.New("no candidate agents")

// SelectionError reports that no valid roster member could be selected.
type SelectionError struct {
	// Replies holds the raw model replies that failed to parse.
	Replies []string
	Err     error
}

func (e *SelectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", core.ErrorKindSelection, e.Err)
	}
	return fmt.Sprintf("%s: no valid agent in replies %q", core.ErrorKindSelection, e.Replies)
}

func (e *SelectionError) Unwrap() error { return e.Err }
