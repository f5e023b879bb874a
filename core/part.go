package core

import (
	"encoding/json"
	"fmt"
)

// Part represents a polymorphic content block of a Message. Concrete part
// types implement the unexported isPart marker enabling a closed set.
type Part interface{ isPart() }

// TextPart is a plain text content segment.
type TextPart struct {
	Text string
}

// isPart implements the Part interface for TextPart.
func (TextPart) isPart() {}

// ToolCallRequest describes a tool invocation requested by an agent.
type ToolCallRequest struct {
	ID        string `json:"id"`                  // Unique within a turn
	Name      string `json:"name"`                // Registered tool name
	Arguments string `json:"arguments,omitempty"` // JSON object text
}

// ToolCallPart wraps a ToolCallRequest as a content part.
type ToolCallPart struct {
	Request ToolCallRequest
}

// isPart implements the Part interface for ToolCallPart.
func (ToolCallPart) isPart() {}

// ToolCallStatus is the outcome class of a dispatched tool call.
type ToolCallStatus string

const (
	ToolCallStatusOK      ToolCallStatus = "ok"
	ToolCallStatusError   ToolCallStatus = "error"
	ToolCallStatusTimeout ToolCallStatus = "timeout"
)

// ToolCallResult describes the outcome of a ToolCallRequest.
type ToolCallResult struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Status    ToolCallStatus  `json:"status"`
	ErrorKind ErrorKind       `json:"error_kind,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"` // Populated when Status is ok
	Error     string          `json:"error,omitempty"`
}

// OK reports whether the call succeeded.
func (r ToolCallResult) OK() bool { return r.Status == ToolCallStatusOK }

// Text renders the result the way it is fed back to a model.
func (r ToolCallResult) Text() string {
	switch r.Status {
	case ToolCallStatusOK:
		return string(r.Output)
	case ToolCallStatusTimeout:
		return fmt.Sprintf("tool %s timed out: %s", r.Name, r.Error)
	default:
		return fmt.Sprintf("tool %s failed [%s]: %s", r.Name, r.ErrorKind, r.Error)
	}
}

// ToolResultPart wraps a ToolCallResult as a content part.
type ToolResultPart struct {
	Result ToolCallResult
}

// isPart implements the Part interface for ToolResultPart.
func (ToolResultPart) isPart() {}

// partEnvelope is the persisted form of a Part.
type partEnvelope struct {
	Type       string           `json:"type"`
	Text       string           `json:"text,omitempty"`
	ToolCall   *ToolCallRequest `json:"tool_call,omitempty"`
	ToolResult *ToolCallResult  `json:"tool_result,omitempty"`
}

const (
	partTypeText       = "text"
	partTypeToolCall   = "tool_call"
	partTypeToolResult = "tool_result"
)

func encodePart(p Part) (partEnvelope, error) {
	switch v := p.(type) {
	case TextPart:
		return partEnvelope{Type: partTypeText, Text: v.Text}, nil
	case ToolCallPart:
		req := v.Request
		return partEnvelope{Type: partTypeToolCall, ToolCall: &req}, nil
	case ToolResultPart:
		res := v.Result
		return partEnvelope{Type: partTypeToolResult, ToolResult: &res}, nil
	default:
		return partEnvelope{}, fmt.Errorf("unsupported part type %T", p)
	}
}

func decodePart(env partEnvelope) (Part, error) {
	switch env.Type {
	case partTypeText:
		return TextPart{Text: env.Text}, nil
	case partTypeToolCall:
		if env.ToolCall == nil {
			return nil, fmt.Errorf("tool_call part without payload")
		}
		return ToolCallPart{Request: *env.ToolCall}, nil
	case partTypeToolResult:
		if env.ToolResult == nil {
			return nil, fmt.Errorf("tool_result part without payload")
		}
		return ToolResultPart{Result: *env.ToolResult}, nil
	default:
		return nil, fmt.Errorf("unknown part type %q", env.Type)
	}
}
