package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lookupArgs struct {
	Query  string   `json:"query" description:"search text"`
	Limit  int      `json:"limit,omitempty"`
	Mode   string   `json:"mode" enum:"fast,exact"`
	Tags   []string `json:"tags,omitempty"`
	Cursor *string  `json:"cursor"`
	hidden string
}

func TestFromStruct(t *testing.T) {
	s := FromStruct(lookupArgs{})

	assert.Equal(t, "object", s["type"])
	assert.ElementsMatch(t, []string{"query", "mode"}, Required(s))

	props := s["properties"].(map[string]any)
	assert.Len(t, props, 5)
	assert.Equal(t, map[string]any{"type": "string", "description": "search text"}, props["query"])
	assert.Equal(t, "integer", props["limit"].(map[string]any)["type"])
	assert.Equal(t, []string{"fast", "exact"}, props["mode"].(map[string]any)["enum"])
	assert.Equal(t, "array", props["tags"].(map[string]any)["type"])
	assert.Equal(t, "string", props["cursor"].(map[string]any)["type"])

	assert.Equal(t, map[string]any{"type": "object", "properties": map[string]any{}}, FromStruct(42))
}

func TestValidate(t *testing.T) {
	s := FromStruct(&lookupArgs{})

	tests := []struct {
		name  string
		args  map[string]any
		field string
	}{
		{"ok", map[string]any{"query": "go", "mode": "fast", "limit": float64(3), "tags": []any{"a"}}, ""},
		{"missing required", map[string]any{"mode": "fast"}, "query"},
		{"nil required", map[string]any{"query": nil, "mode": "fast"}, "query"},
		{"wrong type", map[string]any{"query": 1, "mode": "fast"}, "query"},
		{"fractional integer", map[string]any{"query": "go", "mode": "fast", "limit": 1.5}, "limit"},
		{"enum", map[string]any{"query": "go", "mode": "slow"}, "mode"},
		{"extra fields allowed", map[string]any{"query": "go", "mode": "exact", "other": true}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.args, s)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestValidate_DecodedJSONRequired(t *testing.T) {
	s := map[string]any{
		"type":       "object",
		"properties": map[string]any{"city": map[string]any{"type": "string"}},
		"required":   []any{"city"},
	}
	assert.Error(t, Validate(map[string]any{}, s))
	assert.NoError(t, Validate(map[string]any{"city": "Oslo"}, s))
}
