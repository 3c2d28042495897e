package agent

import (
	"context"

	"github.com/hupe1980/agentvisor/core"
)

// EchoType is the registry name of the echo agent.
const EchoType = "echo"

// NewEcho returns the constructor of the echo agent. It thinks once, emits
// the request text as a partial result and completes.
func NewEcho() core.Constructor {
	return func(ec core.ExecutionContext, _ core.Dependencies) (core.Agent, error) {
		return &echo{text: ec.Metadata().String("user_request")}, nil
	}
}

type echo struct {
	text string
}

func (e *echo) Run(ctx context.Context, em core.Emitter) (*core.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_ = em.Emit(core.EventAgentThinking, map[string]any{"step": "echo"})
	_ = em.Emit(core.EventPartialResult, map[string]any{"text": e.text})
	return &core.Result{Completed: true, Output: map[string]any{"text": e.text}}, nil
}
