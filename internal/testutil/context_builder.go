package testutil

import (
	"testing"

	"github.com/hupe1980/agentvisor/core"
)

// ContextBuilder helps construct execution contexts with fluent chaining.
// Example:
//
//	ec := NewContextBuilder().User("alice").Connection(connID).Meta("user_request", "hi").MustBuild(t)
type ContextBuilder struct {
	userID       string
	threadID     string
	runID        string
	connectionID string
	md           core.Metadata
	validator    core.ConnectionIDValidator
}

// NewContextBuilder creates a builder with a fresh run id and placeholder
// user, thread and connection ids.
func NewContextBuilder() *ContextBuilder {
	return &ContextBuilder{
		userID:       "user-1",
		threadID:     "thread-1",
		runID:        core.NewRunID(),
		connectionID: "conn-1",
	}
}

// User sets the user id (chainable).
func (b *ContextBuilder) User(id string) *ContextBuilder { b.userID = id; return b }

// Thread sets the thread id (chainable).
func (b *ContextBuilder) Thread(id string) *ContextBuilder { b.threadID = id; return b }

// Run sets the run id (chainable).
func (b *ContextBuilder) Run(id string) *ContextBuilder { b.runID = id; return b }

// Connection sets the connection id (chainable).
func (b *ContextBuilder) Connection(id string) *ContextBuilder { b.connectionID = id; return b }

// Meta adds one metadata entry (chainable).
func (b *ContextBuilder) Meta(k string, v any) *ContextBuilder { b.md = b.md.With(k, v); return b }

// Validator sets the connection id validator, usually the router (chainable).
func (b *ContextBuilder) Validator(v core.ConnectionIDValidator) *ContextBuilder {
	b.validator = v
	return b
}

// Build returns the context or the validation error.
func (b *ContextBuilder) Build() (core.ExecutionContext, error) {
	return core.NewExecutionContext(b.userID, b.threadID, b.runID, b.connectionID, b.md, b.validator)
}

// MustBuild fails the test when the context is invalid.
func (b *ContextBuilder) MustBuild(t testing.TB) core.ExecutionContext {
	t.Helper()
	ec, err := b.Build()
	if err != nil {
		t.Fatalf("build execution context: %v", err)
	}
	return ec
}
