package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/agentvisor/core"
)

// Behavior is what one scripted attempt does.
type Behavior func(ctx context.Context, ec core.ExecutionContext, em core.Emitter) (*core.Result, error)

// Script hands out agents whose behavior depends on the attempt number of
// their run: the n-th instance built for a run plays behaviors[n-1], and the
// last behavior repeats once the list runs out.
type Script struct {
	behaviors []Behavior

	mu       sync.Mutex
	attempts map[string]int
	built    atomic.Int64
	released atomic.Int64
}

// NewScript creates a script from behaviors. With none it always succeeds.
func NewScript(behaviors ...Behavior) *Script {
	if len(behaviors) == 0 {
		behaviors = []Behavior{Succeed(nil)}
	}
	return &Script{behaviors: behaviors, attempts: map[string]int{}}
}

// Constructor returns a core.Constructor for the script.
func (s *Script) Constructor() core.Constructor {
	return func(ec core.ExecutionContext, _ core.Dependencies) (core.Agent, error) {
		s.mu.Lock()
		s.attempts[ec.RunID()]++
		n := s.attempts[ec.RunID()]
		s.mu.Unlock()

		idx := n - 1
		if idx >= len(s.behaviors) {
			idx = len(s.behaviors) - 1
		}
		s.built.Add(1)

		return &scriptedAgent{ec: ec, behavior: s.behaviors[idx], script: s, scratch: make([]byte, 512)}, nil
	}
}

// Attempts returns how many instances were built for runID.
func (s *Script) Attempts(runID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[runID]
}

// Built returns the total number of instances built.
func (s *Script) Built() int64 { return s.built.Load() }

// Released returns the number of instances whose Release was called.
func (s *Script) Released() int64 { return s.released.Load() }

type scriptedAgent struct {
	ec       core.ExecutionContext
	behavior Behavior
	script   *Script
	scratch  []byte
}

func (a *scriptedAgent) Run(ctx context.Context, em core.Emitter) (*core.Result, error) {
	return a.behavior(ctx, a.ec, em)
}

func (a *scriptedAgent) Release() {
	a.script.released.Add(1)
}

// Succeed emits one partial_result and completes.
func Succeed(output map[string]any) Behavior {
	return func(ctx context.Context, ec core.ExecutionContext, em core.Emitter) (*core.Result, error) {
		_ = em.Emit(core.EventPartialResult, map[string]any{"text": ec.Metadata().String("user_request")})
		return &core.Result{Completed: true, Output: output}, nil
	}
}

// Fail returns err straight away.
func Fail(err error) Behavior {
	return func(context.Context, core.ExecutionContext, core.Emitter) (*core.Result, error) {
		return nil, err
	}
}

// Hang blocks without emitting until ctx is cancelled.
func Hang() Behavior {
	return func(ctx context.Context, _ core.ExecutionContext, _ core.Emitter) (*core.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

// HangIgnoringContext blocks until release is closed, ignoring cancellation.
// After release it tries to emit, which a revoked emitter must drop.
func HangIgnoringContext(release <-chan struct{}) Behavior {
	return func(_ context.Context, _ core.ExecutionContext, em core.Emitter) (*core.Result, error) {
		<-release
		_ = em.Emit(core.EventPartialResult, map[string]any{"text": "late"})
		return &core.Result{Completed: true}, nil
	}
}

// Silent returns neither a result nor an error.
func Silent() Behavior {
	return func(context.Context, core.ExecutionContext, core.Emitter) (*core.Result, error) {
		return nil, nil
	}
}

// Incomplete returns a result without the completion marker.
func Incomplete() Behavior {
	return func(context.Context, core.ExecutionContext, core.Emitter) (*core.Result, error) {
		return &core.Result{Completed: false}, nil
	}
}

// Panic panics with v.
func Panic(v any) Behavior {
	return func(context.Context, core.ExecutionContext, core.Emitter) (*core.Result, error) {
		panic(v)
	}
}

// Chatty emits n agent_thinking events, pausing between them, then completes.
// Every payload carries the run's user id so cross-delivery is detectable.
func Chatty(n int, pause time.Duration) Behavior {
	return func(ctx context.Context, ec core.ExecutionContext, em core.Emitter) (*core.Result, error) {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			_ = em.Emit(core.EventAgentThinking, map[string]any{"user_id": ec.UserID(), "step": i})
			if pause > 0 {
				time.Sleep(pause)
			}
		}
		return &core.Result{Completed: true, Output: map[string]any{"steps": n}}, nil
	}
}

// SlowWithHeartbeat works for total, heartbeating every interval, then
// completes.
func SlowWithHeartbeat(total, interval time.Duration) Behavior {
	return func(ctx context.Context, _ core.ExecutionContext, em core.Emitter) (*core.Result, error) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		deadline := time.After(total)
		for {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ticker.C:
				em.Heartbeat()
			case <-deadline:
				return &core.Result{Completed: true}, nil
			}
		}
	}
}
