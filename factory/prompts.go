package factory

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

// PromptCache parses prompt templates once and renders them per run. Parsed
// templates are immutable after Parse; per-run data only ever lives in the
// per-call buffer.
type PromptCache struct {
	templates map[string]*template.Template
	mu        sync.RWMutex
}

// NewPromptCache creates an empty cache.
func NewPromptCache() *PromptCache {
	return &PromptCache{templates: make(map[string]*template.Template)}
}

var promptFuncs = template.FuncMap{
	"default": func(defaultVal any, val any) any {
		if val == nil || val == "" {
			return defaultVal
		}
		return val
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"title": func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
	},
	"join": func(sep string, items []any) string {
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = fmt.Sprintf("%v", item)
		}
		return strings.Join(parts, sep)
	},
}

// Render expands text with data. Text without template markers is returned
// unchanged.
func (c *PromptCache) Render(text string, data map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	tmpl, err := c.parsed(text)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}

	return buf.String(), nil
}

// Len returns the number of cached templates.
func (c *PromptCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.templates)
}

func (c *PromptCache) parsed(text string) (*template.Template, error) {
	c.mu.RLock()
	tmpl, ok := c.templates[text]
	c.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	tmpl, err := template.New("prompt").Funcs(promptFuncs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.templates[text]; ok {
		return existing, nil
	}
	c.templates[text] = tmpl

	return tmpl, nil
}
