package core

import (
	"context"

	"github.com/hupe1980/agentvisor/logging"
)

// Emitter is the only channel through which an agent publishes progress. It
// is bound to one run of one user; agents never see a connection id.
//
// Emit stamps identity and ordering onto the payload and delivers it. Delivery
// failures are absorbed and reported as nil; a non-nil error means the event
// was refused (closed emitter, cross-user payload, reserved type).
//
// Heartbeat signals liveness without sending anything to the client. Slow
// internal steps call it to avoid being treated as stalled.
type Emitter interface {
	Emit(eventType EventType, payload map[string]any) error
	Heartbeat()
}

// Result is what an agent returns from a successful attempt. Completed is the
// completion marker; a result without it is treated as a silent death.
type Result struct {
	Completed bool
	Output    map[string]any
}

// Agent defines the contract implemented by pluggable agent types. An Agent
// value belongs to exactly one ExecutionContext, injected by its Constructor,
// and is used for exactly one attempt.
//
// Implementations must:
//   - Return promptly once ctx is cancelled
//   - Publish progress only through the provided Emitter
//   - Keep all mutable state on the value itself, never in package globals
type Agent interface {
	Run(ctx context.Context, em Emitter) (*Result, error)
}

// Releaser is implemented by agents holding large buffers or caches. Release
// is called once when the owning instance is destroyed.
type Releaser interface {
	Release()
}

// PromptRenderer renders a (cached, immutable) prompt template with per-run data.
type PromptRenderer interface {
	Render(text string, data map[string]any) (string, error)
}

// Dependencies are the shared, read-only collaborators handed to every
// Constructor. Nothing in here may carry per-run mutable state.
type Dependencies struct {
	Logger  logging.Logger
	Prompts PromptRenderer
}

// Constructor builds a fresh Agent bound to ec.
type Constructor func(ec ExecutionContext, deps Dependencies) (Agent, error)

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, em Emitter) (*Result, error)

// Run implements Agent.
func (f AgentFunc) Run(ctx context.Context, em Emitter) (*Result, error) { return f(ctx, em) }
