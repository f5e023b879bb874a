package testutil

import (
	"encoding/json"
	"fmt"

	"github.com/hupe1980/researchmesh/core"
)

// HistoryBuilder provides a fluent helper for constructing message logs in
// tests.
// Example:
//
//	h := NewHistoryBuilder().User("find EGFR drugs").Agent("Critique", "ok").Build()
//
// Tool calls are always recorded as a request/result pair.
type HistoryBuilder struct {
	msgs  []core.Message
	calls int
}

// NewHistoryBuilder creates an empty builder.
func NewHistoryBuilder() *HistoryBuilder { return &HistoryBuilder{} }

// User appends a user message (chainable).
func (b *HistoryBuilder) User(text string) *HistoryBuilder {
	b.msgs = append(b.msgs, core.NewUserMessage(text))
	return b
}

// Agent appends a turn-final agent message (chainable).
func (b *HistoryBuilder) Agent(name, text string) *HistoryBuilder {
	b.msgs = append(b.msgs, core.NewAgentMessage(name, text))
	return b
}

// ToolOK appends a successful tool call by agent with output encoded as
// JSON (chainable).
func (b *HistoryBuilder) ToolOK(agent, tool, args string, output any) *HistoryBuilder {
	raw, err := json.Marshal(output)
	if err != nil {
		panic(err)
	}
	return b.tool(agent, tool, args, core.ToolCallResult{Status: core.ToolCallStatusOK, Output: raw})
}

// ToolFailed appends a failed tool call by agent (chainable).
func (b *HistoryBuilder) ToolFailed(agent, tool, args string, kind core.ErrorKind, msg string) *HistoryBuilder {
	return b.tool(agent, tool, args, core.ToolCallResult{Status: core.ToolCallStatusError, ErrorKind: kind, Error: msg})
}

func (b *HistoryBuilder) tool(agent, tool, args string, res core.ToolCallResult) *HistoryBuilder {
	b.calls++
	req := core.ToolCallRequest{ID: fmt.Sprintf("call_%d", b.calls), Name: tool, Arguments: args}
	res.CallID = req.ID
	res.Name = tool
	b.msgs = append(b.msgs, core.NewToolCallMessage(agent, "", req), core.NewToolResultMessage(agent, res))
	return b
}

// Build returns the accumulated messages.
func (b *HistoryBuilder) Build() []core.Message {
	out := make([]core.Message, len(b.msgs))
	copy(out, b.msgs)
	return out
}
