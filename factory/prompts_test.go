package factory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptCache_Render(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		data     map[string]any
		expected string
	}{
		{name: "plain text", text: "You are helpful.", expected: "You are helpful."},
		{name: "variable", text: "Hello {{.name}}", data: map[string]any{"name": "Ada"}, expected: "Hello Ada"},
		{name: "default", text: `{{default "friend" .name}}`, data: map[string]any{}, expected: "friend"},
		{name: "upper", text: "{{upper .x}}", data: map[string]any{"x": "abc"}, expected: "ABC"},
		{name: "title", text: "{{title .x}}", data: map[string]any{"x": "hELLO"}, expected: "Hello"},
		{name: "no escaping", text: "{{.x}}", data: map[string]any{"x": "<b>&</b>"}, expected: "<b>&</b>"},
	}

	cache := NewPromptCache()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cache.Render(tt.text, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestPromptCache_ParseError(t *testing.T) {
	cache := NewPromptCache()
	_, err := cache.Render("{{.unterminated", nil)
	assert.Error(t, err)
	assert.Equal(t, 0, cache.Len())
}

func TestPromptCache_ConcurrentRendersDoNotBleed(t *testing.T) {
	cache := NewPromptCache()
	const text = "request from {{.user}}: {{.user_request}}"

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := string(rune('a' + i%26))
			got, err := cache.Render(text, map[string]any{"user": user, "user_request": "q" + user})
			if assert.NoError(t, err) {
				assert.Equal(t, "request from "+user+": q"+user, got)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, cache.Len())
}
