// Package tool lets agents invoke structured capabilities with schema
// validated arguments and uniform error codes.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hupe1980/agentvisor/core"
	"github.com/hupe1980/agentvisor/internal/schema"
	"github.com/hupe1980/agentvisor/logging"
	"github.com/hupe1980/agentvisor/model"
)

// Error codes set on ToolError.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
	CodeTimeout    = "TIMEOUT"
	CodeNotFound   = "NOT_FOUND"
)

// Invocation identifies one tool call within a run.
type Invocation struct {
	// Exec is the run the call belongs to.
	Exec core.ExecutionContext

	// CallID correlates the model's request with the tool result.
	CallID string

	// Logger is scoped to the run.
	Logger logging.Logger
}

// Tool is a capability an agent can call.
//
// Implementations must be safe for concurrent use: one Tool value serves
// every run of the agent type it is registered with.
type Tool interface {
	// Name returns the unique identifier shown to the model (snake_case).
	Name() string

	// Description tells the model when and how to use the tool.
	Description() string

	// Parameters returns the JSON schema of the arguments.
	Parameters() map[string]any

	// Call executes the tool. ctx carries the per-call deadline.
	Call(ctx context.Context, inv Invocation, args map[string]any) (any, error)
}

// ValidationError reports an argument that does not match the schema.
type ValidationError = schema.ValidationError

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{Tool: tool, Message: message, Code: code}
}

// ParseArguments decodes a model supplied argument string. An empty string
// yields an empty map.
func ParseArguments(raw string) (map[string]any, error) {
	args := map[string]any{}
	if raw == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("decode tool arguments: %w", err)
	}
	return args, nil
}

// Set is an immutable name-indexed collection of tools.
type Set struct {
	byName map[string]Tool
	names  []string
}

// NewSet builds a Set. Duplicate names are rejected.
func NewSet(tools ...Tool) (*Set, error) {
	s := &Set{byName: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if t == nil {
			continue
		}
		if _, dup := s.byName[t.Name()]; dup {
			return nil, fmt.Errorf("duplicate tool %q", t.Name())
		}
		s.byName[t.Name()] = t
		s.names = append(s.names, t.Name())
	}
	sort.Strings(s.names)
	return s, nil
}

// Get returns the tool registered under name.
func (s *Set) Get(name string) (Tool, bool) {
	if s == nil {
		return nil, false
	}
	t, ok := s.byName[name]
	return t, ok
}

// Len returns the number of tools.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.names)
}

// Definitions returns the model-facing declarations in name order.
func (s *Set) Definitions() []model.ToolDefinition {
	if s.Len() == 0 {
		return nil
	}
	defs := make([]model.ToolDefinition, 0, len(s.names))
	for _, name := range s.names {
		t := s.byName[name]
		defs = append(defs, model.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}
