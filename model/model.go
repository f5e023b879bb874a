package model

import (
	"context"
	"fmt"

	"github.com/hupe1980/researchmesh/core"
)

// ToolDefinition declaratively exposes a callable function to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes an individual function (tool) exposed to the model.
// Parameters is a JSON Schema object.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// Request captures the normalized model input.
//
// Messages is the shared session history. Adapters render messages authored by
// Agent as the model's own turns and everything else as attributed input.
type Request struct {
	Agent        string           `json:"agent,omitempty"` // Acting agent; empty for selector calls
	Instructions string           `json:"instructions"`    // System instruction
	Messages     []core.Message   `json:"messages"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a streaming model.
//
// Partial responses carry a text delta. Exactly one final response
// (Partial=false) carries the full text and any tool calls.
type Response struct {
	ID           string                 `json:"id"`
	Partial      bool                   `json:"partial"`
	Text         string                 `json:"text,omitempty"`
	ToolCalls    []core.ToolCallRequest `json:"tool_calls,omitempty"`
	FinishReason string                 `json:"finish_reason"` // "stop", "length", "tool_calls", etc.
	Usage        *TokenUsage            `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "scripted", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the completion boundary agents and the selector drive.
//
// Generate streams responses on the first channel and reports at most one
// transport error on the second. Both channels are closed when generation
// ends; implementations must stop promptly when ctx is cancelled.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// Collect drains a Generate call and returns the final response. onDelta, if
// non-nil, receives partial text in generation order.
func Collect(ctx context.Context, m Model, req Request, onDelta func(string)) (Response, error) {
	respCh, errCh := m.Generate(ctx, req)

	var (
		final    Response
		hasFinal bool
	)

	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case resp, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if resp.Partial {
				if onDelta != nil && resp.Text != "" {
					onDelta(resp.Text)
				}
				continue
			}
			final = resp
			hasFinal = true
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return Response{}, err
			}
		}
	}

	if !hasFinal {
		return Response{}, fmt.Errorf("%w: stream ended without final response", core.ErrMalformedCompletion)
	}

	return final, nil
}
