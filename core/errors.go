package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced in tool results, termination
// reasons and fatal run errors.
type ErrorKind string

const (
	ErrorKindSelection           ErrorKind = "selection-error"
	ErrorKindUnauthorizedTool    ErrorKind = "unauthorized-tool"
	ErrorKindInvalidArguments    ErrorKind = "invalid-arguments"
	ErrorKindToolExecution       ErrorKind = "tool-execution-failed"
	ErrorKindTimeout             ErrorKind = "timeout"
	ErrorKindStoreConflict       ErrorKind = "store-conflict"
	ErrorKindStoreIO             ErrorKind = "store-io-failure"
	ErrorKindCompletionFailed    ErrorKind = "completion-failed"
	ErrorKindMalformedCompletion ErrorKind = "malformed-completion"
	ErrorKindInvalidCursor       ErrorKind = "invalid-cursor"
	ErrorKindCancelled           ErrorKind = "cancelled"
)

// Termination reasons recorded on completed sessions.
const (
	ReasonSelectorTerminated = "selector-terminated"
	ReasonTurnLimitExceeded  = "turn-limit-exceeded"
	ReasonMaxTurnsReached    = "max-turns-reached"
)

var (
	// ErrSessionNotFound is returned by SessionStore.Load for unknown ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStoreConflict signals a concurrent or stale save. Reload and retry.
	ErrStoreConflict = errors.New("store conflict")
	// ErrStoreIO wraps persistence failures.
	ErrStoreIO = errors.New("store io failure")
	// ErrSessionExists is returned when starting a session whose id is taken.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionCompleted is returned when resuming a completed session.
	ErrSessionCompleted = errors.New("session already completed")
	// ErrSessionActive is returned when a session is already running.
	ErrSessionActive = errors.New("session is already running")
	// ErrInvalidCursor signals a cursor that names no roster member.
	ErrInvalidCursor = errors.New("invalid active-agent cursor")
	// ErrMalformedCompletion signals a completion response violating the contract.
	ErrMalformedCompletion = errors.New("malformed completion response")
)

// StoreError decorates a store failure with the session id and operation.
type StoreError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("session store %s %q: %v", e.Op, e.SessionID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreIOError wraps cause so that errors.Is(err, ErrStoreIO) holds.
func NewStoreIOError(op, sessionID string, cause error) error {
	return &StoreError{Op: op, SessionID: sessionID, Err: fmt.Errorf("%w: %v", ErrStoreIO, cause)}
}

// NewStoreConflictError reports a conflicting save.
func NewStoreConflictError(sessionID, detail string) error {
	return &StoreError{Op: "save", SessionID: sessionID, Err: fmt.Errorf("%w: %s", ErrStoreConflict, detail)}
}

// RunError is the terminal error of a failed or cancelled run.
type RunError struct {
	Kind      ErrorKind
	SessionID string
	Err       error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("session %s %s: %v", e.SessionID, e.Kind, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind of a run error, if any.
func KindOf(err error) (ErrorKind, bool) {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return "", false
}
