package engine

import (
	"context"
	"fmt"

	"github.com/hupe1980/researchmesh/core"
	"github.com/hupe1980/researchmesh/logging"
)

// CallbackType defines the specific lifecycle points where callbacks can be executed.
//
// Available callback types:
//   - BeforeTurn/AfterTurn: around a complete agent turn
//   - BeforeTool/AfterTool: around individual tool dispatches
//   - OnTermination: when a run attempt ends
//
// Callbacks observe the run. They are executed synchronously on the session's
// goroutine; an error is logged and never changes the outcome of the run.
type CallbackType string

const (
	// CallbackBeforeTurn is triggered after the selector picked an agent and
	// before its model is called.
	CallbackBeforeTurn CallbackType = "before_turn"

	// CallbackAfterTurn is triggered after a turn was committed.
	CallbackAfterTurn CallbackType = "after_turn"

	// CallbackBeforeTool is triggered before a tool call is dispatched.
	CallbackBeforeTool CallbackType = "before_tool"

	// CallbackAfterTool is triggered after a tool call produced its result.
	CallbackAfterTool CallbackType = "after_tool"

	// CallbackOnTermination is triggered once when a run attempt ends.
	CallbackOnTermination CallbackType = "on_termination"
)

// CallbackContext provides context information for callback execution.
type CallbackContext struct {
	SessionID string
	Attempt   int
	// Agent is the acting agent. Empty for terminations outside a turn.
	Agent string
	// Text is the final text of a committed turn.
	Text       string
	ToolCall   *core.ToolCallRequest
	ToolResult *core.ToolCallResult
	State      core.State
	Reason     string
	// CallbackType indicates which callback type triggered this execution.
	CallbackType CallbackType
}

// Callback defines the interface for execution lifecycle hooks.
//
// Implementations should be fast: they run synchronously and block the
// session while executing.
type Callback interface {
	// Type returns the callback type this implementation handles.
	Type() CallbackType

	// Execute performs the callback logic with the provided context.
	Execute(ctx context.Context, cbCtx *CallbackContext) error
}

// FunctionCallback adapts a function to the Callback interface.
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, cbCtx *CallbackContext) error
}

// NewFunctionCallback creates a callback of the given type backed by fn.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, cbCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{callbackType: callbackType, fn: fn}
}

// Type implements Callback.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute implements Callback.
func (c *FunctionCallback) Execute(ctx context.Context, cbCtx *CallbackContext) error {
	if c.fn == nil {
		return nil
	}
	return c.fn(ctx, cbCtx)
}

// CallbackManager routes lifecycle notifications to registered callbacks.
// It is populated at construction and read-only afterwards.
type CallbackManager struct {
	callbacks map[CallbackType][]Callback
	logger    logging.Logger
}

// NewCallbackManager creates a manager for the given callbacks.
func NewCallbackManager(logger logging.Logger, callbacks ...Callback) *CallbackManager {
	cm := &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
		logger:    logger,
	}

	for _, cb := range callbacks {
		if cb == nil {
			continue
		}
		cm.callbacks[cb.Type()] = append(cm.callbacks[cb.Type()], cb)
	}

	return cm
}

// Execute runs all callbacks registered for cbCtx.CallbackType in
// registration order. Errors and panics are logged.
func (cm *CallbackManager) Execute(ctx context.Context, cbCtx *CallbackContext) {
	if cm == nil {
		return
	}

	for _, cb := range cm.callbacks[cbCtx.CallbackType] {
		if err := cm.safeExecute(ctx, cb, cbCtx); err != nil {
			cm.logger.Warn("engine.callback.failed",
				"session_id", cbCtx.SessionID,
				"type", string(cbCtx.CallbackType),
				"error", err.Error(),
			)
		}
	}
}

func (cm *CallbackManager) safeExecute(ctx context.Context, cb Callback, cbCtx *CallbackContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return cb.Execute(ctx, cbCtx)
}

// LoggingCallback logs every notification of its type through a plain
// function, e.g. for CLI transcripts.
type LoggingCallback struct {
	callbackType CallbackType
	logger       func(message string)
}

// NewLoggingCallback creates a logging callback for callbackType.
func NewLoggingCallback(callbackType CallbackType, logger func(message string)) *LoggingCallback {
	return &LoggingCallback{callbackType: callbackType, logger: logger}
}

// Type implements Callback.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute implements Callback.
func (c *LoggingCallback) Execute(_ context.Context, cbCtx *CallbackContext) error {
	if c.logger == nil {
		return nil
	}

	msg := fmt.Sprintf("[%s] session=%s", cbCtx.CallbackType, cbCtx.SessionID)
	if cbCtx.Agent != "" {
		msg += " agent=" + cbCtx.Agent
	}
	if cbCtx.ToolCall != nil {
		msg += " tool=" + cbCtx.ToolCall.Name
	}
	if cbCtx.ToolResult != nil {
		msg += " status=" + string(cbCtx.ToolResult.Status)
	}
	if cbCtx.State != "" {
		msg += fmt.Sprintf(" state=%s reason=%s", cbCtx.State, cbCtx.Reason)
	}

	c.logger(msg)

	return nil
}
