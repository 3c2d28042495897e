// Package anthropic adapts the Anthropic Messages API to model.Model,
// including streaming and tool use.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/hupe1980/agentvisor/model"
)

// Options configures the Anthropic model adapter.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string

	// RequestOptions are passed to the client, e.g. option.WithBaseURL.
	RequestOptions []option.RequestOption
}

// Model wraps the Anthropic Messages API behind model.Model.
type Model struct {
	client *anthropic.Client
	opts   Options
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// NewModel creates a model with its own client.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	clientOpts := append([]option.RequestOption(nil), opts.RequestOptions...)
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Model{client: &client, opts: opts}
}

// NewModelFromClient creates a model from an existing client.
func NewModelFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

// Generate implements model.Model.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := m.buildParams(req)

		if req.Stream {
			m.handleStreaming(ctx, params, out, errCh)
			return
		}

		resp, err := m.client.Messages.New(ctx, params)
		if err != nil {
			errCh <- fmt.Errorf("anthropic api error: %w", err)
			return
		}
		out <- toResponse(resp)
	}()

	return out, errCh
}

func (m *Model) buildParams(req model.Request) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:       m.opts.Model,
		Messages:    buildMessages(req.Messages),
		MaxTokens:   m.opts.MaxTokens,
		Temperature: anthropic.Float(m.opts.Temperature),
	}

	if system := systemBlocks(req); len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}
	return params
}

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

		if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				out <- model.Response{Partial: true, Text: delta.Text}
			}
		}
	}
	if err := stream.Err(); err != nil {
		errCh <- fmt.Errorf("anthropic streaming error: %w", err)
		return
	}

	out <- toResponse(&message)
}

// toResponse folds text blocks into one text and collects tool_use blocks.
func toResponse(msg *anthropic.Message) model.Response {
	resp := model.Response{ID: msg.ID, FinishReason: "stop"}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Text += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			args := "{}"
			if b, err := json.Marshal(tu.Input); err == nil && string(b) != "null" {
				args = string(b)
			}
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:        tu.ID,
				Name:      tu.Name,
				Arguments: args,
			})
		}
	}

	if msg.StopReason != "" {
		resp.FinishReason = string(msg.StopReason)
	}
	resp.Usage = &model.TokenUsage{
		PromptTokens:     msg.Usage.InputTokens,
		CompletionTokens: msg.Usage.OutputTokens,
		TotalTokens:      msg.Usage.InputTokens + msg.Usage.OutputTokens,
	}
	return resp
}

func systemBlocks(req model.Request) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	if req.Instructions != "" {
		blocks = append(blocks, anthropic.TextBlockParam{Text: req.Instructions})
	}
	for _, msg := range req.Messages {
		if msg.Role == model.RoleSystem && msg.Text != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: msg.Text})
		}
	}
	return blocks
}

// buildMessages converts the conversation. Tool results travel in user
// messages; consecutive results are merged into one message so they directly
// follow the assistant turn that requested them.
func buildMessages(msgs []model.Message) []anthropic.MessageParam {
	var (
		out     []anthropic.MessageParam
		results []anthropic.ContentBlockParamUnion
	)

	flush := func() {
		if len(results) > 0 {
			out = append(out, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, msg := range msgs {
		switch msg.Role {
		case model.RoleSystem:
			continue
		case model.RoleTool:
			results = append(results, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Text, msg.IsError))
		case model.RoleAssistant:
			flush()
			if blocks := assistantBlocks(msg); len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			flush()
			if msg.Text != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Text)))
			}
		}
	}
	flush()

	return out
}

func assistantBlocks(msg model.Message) []anthropic.ContentBlockParamUnion {
	var blocks []anthropic.ContentBlockParamUnion
	if msg.Text != "" {
		blocks = append(blocks, anthropic.NewTextBlock(msg.Text))
	}
	for _, tc := range msg.ToolCalls {
		var input any = map[string]any{}
		if tc.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
				input = tc.Arguments
			}
		}
		blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
	}
	return blocks
}

func buildTools(tools []model.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))

	for i, def := range tools {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if def.Parameters != nil {
			if props, ok := def.Parameters["properties"]; ok {
				schema.Properties = props
			}
			schema.Required = requiredFields(def.Parameters["required"])
		}

		out[i] = anthropic.ToolUnionParamOfTool(schema, def.Name)
		if def.Description != "" && out[i].OfTool != nil {
			out[i].OfTool.Description = anthropic.String(def.Description)
		}
	}

	return out
}

func requiredFields(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		var out []string
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Info returns metadata describing this model.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          string(m.opts.Model),
		Provider:      "anthropic",
		SupportsTools: true,
	}
}
