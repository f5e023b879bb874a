// Package anthropic provides a model wrapper for the Anthropic Claude API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/hupe1980/researchmesh/core"
	"github.com/hupe1980/researchmesh/model"
)

// Options configures the Anthropic model adapter.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64

	// Client options, ignored by NewModelFromClient.
	APIKey         string
	BaseURL        string
	MaxRetries     int
	RequestTimeout time.Duration
}

// Model wraps the Anthropic Messages API behind the generic model.Model interface.
type Model struct {
	client *anthropic.Client
	opts   Options
}

// NewModel creates a new Anthropic model using the official client.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.MaxRetries > 0 {
		clientOpts = append(clientOpts, option.WithMaxRetries(opts.MaxRetries))
	}
	if opts.RequestTimeout > 0 {
		clientOpts = append(clientOpts, option.WithRequestTimeout(opts.RequestTimeout))
	}

	client := anthropic.NewClient(clientOpts...)

	return &Model{
		client: &client,
		opts:   opts,
	}
}

// NewModelFromClient creates a new Anthropic model from an existing client.
func NewModelFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Model{
		client: client,
		opts:   opts,
	}
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// Generate implements unified streaming / non-streaming generation.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := anthropic.MessageNewParams{
			Model:       m.opts.Model,
			Messages:    buildMessages(req),
			MaxTokens:   m.opts.MaxTokens,
			Temperature: anthropic.Float(m.opts.Temperature),
		}

		if req.Instructions != "" {
			params.System = []anthropic.TextBlockParam{{Text: req.Instructions}}
		}

		if len(req.Tools) > 0 {
			params.Tools = buildTools(req.Tools)
		}

		if req.Stream {
			m.handleStreaming(ctx, params, out, errCh)
			return
		}

		resp, err := m.client.Messages.New(ctx, params)
		if err != nil {
			errCh <- fmt.Errorf("anthropic api error: %w", err)
			return
		}

		if !send(ctx, out, finalResponse(resp)) {
			errCh <- ctx.Err()
		}
	}()

	return out, errCh
}

// handleStreaming forwards text deltas while accumulating the full message,
// which is converted into the final response once the stream ends.
func (m *Model) handleStreaming(
	ctx context.Context,
	params anthropic.MessageNewParams,
	out chan<- model.Response,
	errCh chan<- error,
) {
	stream := m.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			errCh <- fmt.Errorf("anthropic stream accumulate: %w", err)
			return
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				if !send(ctx, out, model.Response{ID: message.ID, Partial: true, Text: delta.Text}) {
					errCh <- ctx.Err()
					return
				}
			}
		}
	}

	if err := stream.Err(); err != nil {
		errCh <- fmt.Errorf("anthropic streaming error: %w", err)
		return
	}

	if !send(ctx, out, finalResponse(&message)) {
		errCh <- ctx.Err()
	}
}

// finalResponse converts a complete message into the normalized final response.
func finalResponse(msg *anthropic.Message) model.Response {
	resp := model.Response{ID: msg.ID, FinishReason: "stop"}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Text += block.AsText().Text
		case "tool_use":
			toolBlock := block.AsToolUse()
			args := "{}"
			if len(toolBlock.Input) > 0 {
				args = string(toolBlock.Input)
			}
			resp.ToolCalls = append(resp.ToolCalls, core.ToolCallRequest{
				ID:        toolBlock.ID,
				Name:      toolBlock.Name,
				Arguments: args,
			})
		}
	}

	if msg.StopReason != "" {
		resp.FinishReason = string(msg.StopReason)
	}

	resp.Usage = &model.TokenUsage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}

	return resp
}

// buildMessages converts the acting agent's transcript into Anthropic
// messages. Tool results travel as tool_result blocks in user messages and
// adjacent messages of the same role are merged, as the API requires
// alternating roles.
func buildMessages(req model.Request) []anthropic.MessageParam {
	var messages []anthropic.MessageParam

	add := func(role anthropic.MessageParamRole, blocks ...anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, blocks...)
			return
		}
		messages = append(messages, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, e := range model.Transcript(req) {
		switch e.Kind {
		case model.EntryInput:
			add(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(e.Text))
		case model.EntryOwnText:
			if e.Text != "" {
				add(anthropic.MessageParamRoleAssistant, anthropic.NewTextBlock(e.Text))
			}
		case model.EntryOwnToolCalls:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(e.Calls)+1)
			if e.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(e.Text))
			}
			for _, c := range e.Calls {
				var input any = map[string]any{}
				if c.Arguments != "" {
					if err := json.Unmarshal([]byte(c.Arguments), &input); err != nil {
						input = c.Arguments
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(c.ID, input, c.Name))
			}
			add(anthropic.MessageParamRoleAssistant, blocks...)
		case model.EntryToolResult:
			add(anthropic.MessageParamRoleUser,
				anthropic.NewToolResultBlock(e.Result.CallID, e.Result.Text(), !e.Result.OK()))
		}
	}

	return messages
}

// buildTools converts tool definitions to Anthropic tool format.
func buildTools(tools []model.ToolDefinition) []anthropic.ToolUnionParam {
	anthropicTools := make([]anthropic.ToolUnionParam, len(tools))

	for i, tool := range tools {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}

		if params := tool.Function.Parameters; params != nil {
			if properties, exists := params["properties"]; exists {
				inputSchema.Properties = properties
			}
			switch required := params["required"].(type) {
			case []string:
				inputSchema.Required = required
			case []any:
				for _, r := range required {
					if s, ok := r.(string); ok {
						inputSchema.Required = append(inputSchema.Required, s)
					}
				}
			}
		}

		param := anthropic.ToolUnionParamOfTool(inputSchema, tool.Function.Name)
		if param.OfTool != nil && tool.Function.Description != "" {
			param.OfTool.Description = anthropic.String(tool.Function.Description)
		}
		anthropicTools[i] = param
	}

	return anthropicTools
}

func send(ctx context.Context, out chan<- model.Response, resp model.Response) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- resp:
		return true
	}
}

// Info returns metadata describing this Anthropic model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          string(m.opts.Model),
		Provider:      "anthropic",
		SupportsTools: true,
	}
}
