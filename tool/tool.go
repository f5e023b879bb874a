// Package tool implements the tool registry agents invoke structured
// capabilities through: named functions with a JSON schema describing their
// arguments and a bounded execution timeout.
package tool

import (
	"context"
	"fmt"
)

// Tool defines a named, schema-described function agents may call.
//
// Implementations must honour ctx cancellation; the dispatcher abandons a call
// once its deadline passes but cannot stop a goroutine that ignores ctx.
// Tools are shared across sessions and must be safe for concurrent use.
type Tool interface {
	// Name returns the unique identifier for this tool (snake_case recommended).
	Name() string

	// Description returns a human-readable description exposed to models.
	Description() string

	// Parameters returns the JSON schema of the argument object.
	Parameters() map[string]any

	// Call executes the tool with already validated arguments.
	Call(ctx context.Context, args map[string]any) (any, error)
}

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}

// CallInfo identifies the invocation a tool is running for.
type CallInfo struct {
	SessionID string
	Agent     string
	CallID    string
}

type callInfoKey struct{}

// WithCallInfo attaches info to ctx.
func WithCallInfo(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callInfoKey{}, info)
}

// CallInfoFromContext returns the CallInfo attached by the dispatcher.
func CallInfoFromContext(ctx context.Context) (CallInfo, bool) {
	info, ok := ctx.Value(callInfoKey{}).(CallInfo)
	return info, ok
}
