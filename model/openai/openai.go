// Package openai provides an implementation of model.Model using the OpenAI
// Chat Completions API (including streaming and tool calling). Any
// OpenAI-compatible endpoint (e.g. DeepSeek) can be targeted via BaseURL.
package openai

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/researchmesh/core"
	"github.com/hupe1980/researchmesh/model"
)

// aggCall aggregates partial tool call streaming deltas (id, name, arguments)
// allowing reconstruction of complete tool calls when the finish reason is
// emitted.
type aggCall struct{ id, name, args string }

// Options configure the OpenAI model adapter.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64

	// Client options, ignored by NewModelFromClient.
	APIKey         string
	BaseURL        string
	MaxRetries     int
	RequestTimeout time.Duration
}

// Model wraps the OpenAI Chat Completions API behind the generic model.Model interface.
type Model struct {
	client *openai.Client
	opts   Options
}

// NewModel creates a new OpenAI model using the official client. Credentials
// fall back to the OPENAI_API_KEY environment variable.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var reqOpts []option.RequestOption
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.MaxRetries > 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(opts.MaxRetries))
	}
	if opts.RequestTimeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(opts.RequestTimeout))
	}

	client := openai.NewClient(reqOpts...)
	return &Model{client: &client, opts: opts}
}

// NewModelFromClient creates a new OpenAI model from an existing client.
func NewModelFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
}

// Generate implements unified streaming / non-streaming generation.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		params := m.buildParams(req, buildMessages(req))
		if req.Stream {
			m.handleStreaming(ctx, params, out, errCh)
			return
		}
		m.handleNonStreaming(ctx, params, out, errCh)
	}()
	return out, errCh
}

// buildMessages converts the acting agent's transcript into OpenAI chat
// messages. Own tool calls become assistant tool_calls followed by tool
// messages carrying their results.
func buildMessages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.Instructions != "" {
		messages = append(messages, openai.SystemMessage(req.Instructions))
	}

	for _, e := range model.Transcript(req) {
		switch e.Kind {
		case model.EntryInput:
			messages = append(messages, openai.UserMessage(e.Text))
		case model.EntryOwnText:
			messages = append(messages, openai.AssistantMessage(e.Text))
		case model.EntryOwnToolCalls:
			toolCalls := make([]openai.ChatCompletionMessageToolCallParam, len(e.Calls))
			for i, c := range e.Calls {
				args := c.Arguments
				if args == "" {
					args = "{}"
				}
				toolCalls[i] = openai.ChatCompletionMessageToolCallParam{
					ID:   c.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      c.Name,
						Arguments: args,
					},
				}
			}
			assistant := &openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: toolCalls,
			}
			if e.Text != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(e.Text)}
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		case model.EntryToolResult:
			messages = append(messages, openai.ToolMessage(e.Result.Text(), e.Result.CallID))
		}
	}

	return messages
}

// buildParams assembles the OpenAI request parameters including tool definitions.
func (m *Model) buildParams(
	req model.Request,
	messages []openai.ChatCompletionMessageParamUnion,
) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               m.opts.Model,
		Temperature:         openai.Float(m.opts.Temperature),
		MaxCompletionTokens: openai.Int(m.opts.MaxCompletionTokens),
	}
	if len(req.Tools) == 0 {
		return params
	}
	tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
	for i, tdef := range req.Tools {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        tdef.Function.Name,
				Description: openai.String(tdef.Function.Description),
				Parameters:  tdef.Function.Parameters,
			},
		}
	}
	params.Tools = tools
	return params
}

// handleStreaming processes streaming responses and forwards partial / final events.
func (m *Model) handleStreaming(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	out chan<- model.Response,
	errCh chan<- error,
) {
	stream := m.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var textBuilder strings.Builder
	toolAgg := map[int64]*aggCall{}
	for stream.Next() {
		ck := stream.Current()
		for _, ch := range ck.Choices {
			if ch.Index != 0 {
				continue
			}
			if ch.Delta.Content != "" {
				textBuilder.WriteString(ch.Delta.Content)
				if !send(ctx, out, model.Response{ID: ck.ID, Partial: true, Text: ch.Delta.Content}) {
					errCh <- ctx.Err()
					return
				}
			}
			aggregateToolCalls(ch, toolAgg)
			if ch.FinishReason != "" {
				final := model.Response{
					ID:           ck.ID,
					Text:         textBuilder.String(),
					ToolCalls:    orderedCalls(toolAgg),
					FinishReason: ch.FinishReason,
				}
				if !send(ctx, out, final) {
					errCh <- ctx.Err()
					return
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		errCh <- fmt.Errorf("openai streaming error: %w", err)
	}
}

func aggregateToolCalls(ch openai.ChatCompletionChunkChoice, agg map[int64]*aggCall) {
	for _, tc := range ch.Delta.ToolCalls {
		ac, ok := agg[tc.Index]
		if !ok {
			ac = &aggCall{}
			agg[tc.Index] = ac
		}
		if tc.ID != "" {
			ac.id = tc.ID
		}
		if tc.Function.Name != "" {
			ac.name = tc.Function.Name
		}
		ac.args += tc.Function.Arguments
	}
}

func orderedCalls(agg map[int64]*aggCall) []core.ToolCallRequest {
	if len(agg) == 0 {
		return nil
	}
	idx := make([]int64, 0, len(agg))
	for i := range agg {
		idx = append(idx, i)
	}
	sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })

	calls := make([]core.ToolCallRequest, 0, len(idx))
	for _, i := range idx {
		ac := agg[i]
		calls = append(calls, core.ToolCallRequest{ID: ac.id, Name: ac.name, Arguments: ac.args})
	}
	return calls
}

// handleNonStreaming processes a normal (non-streaming) completion.
func (m *Model) handleNonStreaming(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	out chan<- model.Response,
	errCh chan<- error,
) {
	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		errCh <- fmt.Errorf("openai api error: %w", err)
		return
	}
	if len(resp.Choices) == 0 {
		errCh <- fmt.Errorf("openai api error: no choices returned")
		return
	}
	ch0 := resp.Choices[0]
	calls := make([]core.ToolCallRequest, 0, len(ch0.Message.ToolCalls))
	for _, tc := range ch0.Message.ToolCalls {
		calls = append(calls, core.ToolCallRequest{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	final := model.Response{
		ID:           resp.ID,
		Text:         ch0.Message.Content,
		ToolCalls:    calls,
		FinishReason: ch0.FinishReason,
		Usage: &model.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	if !send(ctx, out, final) {
		errCh <- ctx.Err()
	}
}

func send(ctx context.Context, out chan<- model.Response, resp model.Response) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- resp:
		return true
	}
}

// Info returns metadata describing this OpenAI model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          m.opts.Model,
		Provider:      "openai",
		SupportsTools: true,
	}
}
