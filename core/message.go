package core

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a Message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAgent      Role = "agent"
	RoleToolResult Role = "tool-result"
	RoleSystem     Role = "system"
)

// UserAuthor is the author recorded on user messages.
const UserAuthor = "user"

// Message is one entry of a session's history. After it has been appended to
// a Session it must be treated as immutable.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Author    string    `json:"author"`
	Parts     []Part    `json:"parts"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a message with a fresh id and UTC timestamp.
func NewMessage(role Role, author string, parts ...Part) Message {
	return Message{
		ID:        NewID(),
		Role:      role,
		Author:    author,
		Parts:     parts,
		Timestamp: time.Now().UTC(),
	}
}

// NewUserMessage creates a user-authored text message.
func NewUserMessage(text string) Message {
	return NewMessage(RoleUser, UserAuthor, TextPart{Text: text})
}

// NewAgentMessage creates an agent-authored text message.
func NewAgentMessage(agent, text string) Message {
	return NewMessage(RoleAgent, agent, TextPart{Text: text})
}

// NewToolCallMessage records a single tool call request issued by agent.
// A non-empty preamble is kept as a leading text part.
func NewToolCallMessage(agent, preamble string, req ToolCallRequest) Message {
	parts := make([]Part, 0, 2)
	if preamble != "" {
		parts = append(parts, TextPart{Text: preamble})
	}
	parts = append(parts, ToolCallPart{Request: req})
	return NewMessage(RoleAgent, agent, parts...)
}

// NewToolResultMessage records the result of a tool call requested by agent.
func NewToolResultMessage(agent string, res ToolCallResult) Message {
	return NewMessage(RoleToolResult, agent, ToolResultPart{Result: res})
}

// NewID generates a new unique identifier for sessions and messages.
func NewID() string { return uuid.NewString() }

// Text concatenates all text parts.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			sb.WriteString(tp.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool call requests contained in the message
// preserving their original order.
func (m Message) ToolCalls() []ToolCallRequest {
	var calls []ToolCallRequest
	for _, p := range m.Parts {
		if tc, ok := p.(ToolCallPart); ok {
			calls = append(calls, tc.Request)
		}
	}
	return calls
}

// ToolResults returns the tool call results contained in the message.
func (m Message) ToolResults() []ToolCallResult {
	var results []ToolCallResult
	for _, p := range m.Parts {
		if tr, ok := p.(ToolResultPart); ok {
			results = append(results, tr.Result)
		}
	}
	return results
}

// IsTurnFinal reports whether the message closes an agent turn, i.e. it is
// agent-authored and requests no tools.
func (m Message) IsTurnFinal() bool {
	return m.Role == RoleAgent && len(m.ToolCalls()) == 0
}

type messageJSON struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Author    string         `json:"author"`
	Parts     []partEnvelope `json:"parts"`
	Timestamp time.Time      `json:"timestamp"`
}

// MarshalJSON encodes the closed Part set through a typed envelope.
func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{ID: m.ID, Role: m.Role, Author: m.Author, Timestamp: m.Timestamp}
	out.Parts = make([]partEnvelope, 0, len(m.Parts))
	for _, p := range m.Parts {
		env, err := encodePart(p)
		if err != nil {
			return nil, err
		}
		out.Parts = append(out.Parts, env)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a message produced by MarshalJSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	var in messageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	var parts []Part
	for _, env := range in.Parts {
		p, err := decodePart(env)
		if err != nil {
			return err
		}
		parts = append(parts, p)
	}
	*m = Message{ID: in.ID, Role: in.Role, Author: in.Author, Parts: parts, Timestamp: in.Timestamp}
	return nil
}
