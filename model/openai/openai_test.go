package openai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentvisor/model"
)

func TestBuildMessages(t *testing.T) {
	msgs := buildMessages(model.Request{
		Instructions: "be brief",
		Messages: []model.Message{
			{Role: model.RoleUser, Text: "weather?"},
			{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{ID: "c1", Name: "weather", Arguments: `{"city":"Oslo"}`}}},
			{Role: model.RoleTool, ToolCallID: "c1", Text: "sunny"},
			{Role: model.RoleAssistant, Text: "It is sunny."},
		},
	})

	require.Len(t, msgs, 5)
	assert.NotNil(t, msgs[0].OfSystem)
	assert.NotNil(t, msgs[1].OfUser)
	require.NotNil(t, msgs[2].OfAssistant)
	require.Len(t, msgs[2].OfAssistant.ToolCalls, 1)
	assert.Equal(t, "weather", msgs[2].OfAssistant.ToolCalls[0].Function.Name)
	require.NotNil(t, msgs[3].OfTool)
	assert.Equal(t, "c1", msgs[3].OfTool.ToolCallID)
	assert.NotNil(t, msgs[4].OfAssistant)
}

func newTestModel(t *testing.T, h http.HandlerFunc) *Model {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return NewModel(func(o *Options) {
		o.APIKey = "test"
		o.RequestOptions = []option.RequestOption{option.WithBaseURL(ts.URL), option.WithMaxRetries(0)}
	})
}

func TestGenerate_NonStreaming(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 0, "model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
				"role": "assistant", "content": "",
				"tool_calls": [{"id": "c1", "type": "function", "function": {"name": "weather", "arguments": "{\"city\":\"Oslo\"}"}}]
			}}],
			"usage": {"prompt_tokens": 7, "completion_tokens": 3, "total_tokens": 10}
		}`)
	})

	resp, err := model.Collect(context.Background(), m, model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Text: "weather?"}},
		Tools:    []model.ToolDefinition{{Name: "weather", Parameters: map[string]any{"type": "object"}}},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "tool_calls", resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, model.ToolCall{ID: "c1", Name: "weather", Arguments: `{"city":"Oslo"}`}, resp.ToolCalls[0])
	require.NotNil(t, resp.Usage)
	assert.Equal(t, int64(10), resp.Usage.TotalTokens)
}

func TestGenerate_Streaming(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{
			`{"id":"c","object":"chat.completion.chunk","created":0,"model":"m","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
			`{"id":"c","object":"chat.completion.chunk","created":0,"model":"m","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
			`{"id":"c","object":"chat.completion.chunk","created":0,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var partials []string
	resp, err := model.Collect(context.Background(), m, model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Text: "hi"}},
		Stream:   true,
	}, func(r model.Response) { partials = append(partials, r.Text) })
	require.NoError(t, err)

	assert.Equal(t, []string{"Hel", "lo"}, partials)
	assert.Equal(t, "Hello", resp.Text)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestGenerate_APIError(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	})

	_, err := model.Collect(context.Background(), m, model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Text: "hi"}},
	}, nil)
	assert.ErrorContains(t, err, "openai api error")
}

func TestInfo(t *testing.T) {
	m := NewModel(func(o *Options) { o.Model = "gpt-test" })
	assert.Equal(t, model.Info{Name: "gpt-test", Provider: "openai", SupportsTools: true}, m.Info())
}
