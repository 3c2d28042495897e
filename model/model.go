package model

import (
	"context"
	"strings"
)

// Role identifies the author of a Message.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a function call requested by the model. Unified across vendors
// so agents never branch per provider.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON object
}

// Message is one turn of a conversation.
//
// Assistant messages may carry ToolCalls. Tool messages answer exactly one
// call and set ToolCallID; IsError marks a failed tool.
type Message struct {
	Role       Role       `json:"role"`
	Text       string     `json:"text,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// ToolDefinition exposes a callable function to the model. Parameters is a
// JSON Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is the provider-neutral model input.
type Request struct {
	Instructions string           `json:"instructions"`
	Messages     []Message        `json:"messages"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Response is a partial or final chunk of a generation. Partial chunks carry
// a text delta; the final chunk carries the full text and all tool calls.
type Response struct {
	ID           string      `json:"id"`
	Partial      bool        `json:"partial"`
	Text         string      `json:"text"`
	ToolCalls    []ToolCall  `json:"tool_calls,omitempty"`
	FinishReason string      `json:"finish_reason"`
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Info describes a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	SupportsTools bool   `json:"supports_tools"`
}

// Model drives generation. Implementations close both channels when done and
// send at most one error.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// Collect drains a Generate call. It returns the final response, or an
// assembled one when the provider only streamed partials. onPartial, if not
// nil, is called for every partial chunk in order.
func Collect(ctx context.Context, m Model, req Request, onPartial func(Response)) (Response, error) {
	respCh, errCh := m.Generate(ctx, req)

	var (
		final    *Response
		streamed strings.Builder
	)
	for r := range respCh {
		if r.Partial {
			streamed.WriteString(r.Text)
			if onPartial != nil {
				onPartial(r)
			}
			continue
		}
		final = &r
	}
	if err := <-errCh; err != nil {
		return Response{}, err
	}
	if final == nil {
		return Response{Text: streamed.String(), FinishReason: "stop"}, nil
	}
	return *final, nil
}
