package core

import "time"

// EventType names an output sink event.
type EventType string

const (
	EventTurnStarted       EventType = "turn.started"
	EventTextDelta         EventType = "text.delta"
	EventToolCallStarted   EventType = "tool_call.started"
	EventToolCallFinished  EventType = "tool_call.finished"
	EventTurnCompleted     EventType = "turn.completed"
	EventSessionTerminated EventType = "session.terminated"
)

// Event is the unit delivered to the output sink of a running session. Events
// of one run are produced by a single goroutine and delivered in Seq order.
type Event struct {
	Seq        int64            `json:"seq"`
	Type       EventType        `json:"type"`
	SessionID  string           `json:"session_id"`
	Agent      string           `json:"agent,omitempty"`
	Text       string           `json:"text,omitempty"`
	ToolCall   *ToolCallRequest `json:"tool_call,omitempty"`
	ToolResult *ToolCallResult  `json:"tool_result,omitempty"`
	State      State            `json:"state,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// IsTerminal reports whether the event closes the stream.
func (e Event) IsTerminal() bool { return e.Type == EventSessionTerminated }
