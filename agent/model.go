package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/agentvisor/core"
	"github.com/hupe1980/agentvisor/logging"
	"github.com/hupe1980/agentvisor/model"
	"github.com/hupe1980/agentvisor/tool"
)

// ModelType is the registry name of the model-driven agent.
const ModelType = "llm"

// ErrReleased is returned by a ModelAgent whose attempt was reclaimed while
// it was still running.
var ErrReleased = errors.New("model agent: released")

// ModelAgentOptions configures the agents built by NewModelConstructor.
type ModelAgentOptions struct {
	Instruction     Instruction
	EnableStreaming bool
	ToolTimeout     time.Duration

	// MaxModelCalls bounds model calls per attempt; 0 means unlimited.
	// Exceeding it is fatal.
	MaxModelCalls int

	// MaxHistoryMessages bounds the conversation buffer; the first user
	// message is always kept. 0 means unbounded.
	MaxHistoryMessages int
}

// NewModelConstructor returns the constructor of the llm agent. llm and tools
// are shared across runs and must be safe for concurrent use; everything else
// is allocated per instance.
func NewModelConstructor(llm model.Model, tools []tool.Tool, optFns ...func(o *ModelAgentOptions)) (core.Constructor, error) {
	if llm == nil {
		return nil, errors.New("model agent: model is required")
	}

	opts := ModelAgentOptions{
		Instruction:        NewInstructionFromText("You are a helpful AI assistant."),
		EnableStreaming:    true,
		ToolTimeout:        15 * time.Second,
		MaxModelCalls:      10,
		MaxHistoryMessages: 40,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	set, err := tool.NewSet(tools...)
	if err != nil {
		return nil, fmt.Errorf("model agent: %w", err)
	}

	return func(ec core.ExecutionContext, deps core.Dependencies) (core.Agent, error) {
		instruction, err := opts.Instruction.Resolve(ec, deps.Prompts)
		if err != nil {
			return nil, core.Fatal(fmt.Errorf("render instruction: %w", err))
		}

		logger := deps.Logger
		if logger == nil {
			logger = logging.NoOpLogger{}
		}

		return &ModelAgent{
			ec:          ec,
			llm:         llm,
			tools:       set,
			opts:        opts,
			instruction: instruction,
			limiter:     core.NewCallLimiter(opts.MaxModelCalls),
			logger:      logging.ForRun(logger, "agent.llm", ec.UserID(), ec.RunID()),
			history:     make([]model.Message, 0, 8),
		}, nil
	}, nil
}

// ModelAgent drives a model through turns of generation and tool calls for
// one run attempt. Release may be called while Run is still executing; Run
// then stops at its next turn with ErrReleased.
type ModelAgent struct {
	ec          core.ExecutionContext
	llm         model.Model
	opts        ModelAgentOptions
	instruction string
	logger      logging.Logger

	mu       sync.Mutex
	released bool
	tools    *tool.Set
	limiter  *core.CallLimiter
	history  []model.Message
}

// Instruction returns the rendered system instruction.
func (a *ModelAgent) Instruction() string { return a.instruction }

// History returns a copy of the conversation buffer.
func (a *ModelAgent) History() []model.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.history)
}

// Run implements core.Agent.
func (a *ModelAgent) Run(ctx context.Context, em core.Emitter) (*core.Result, error) {
	input := a.ec.Metadata().String("user_request")
	if input == "" {
		return nil, core.Fatalf("model agent: user_request is empty")
	}
	if err := a.remember(model.Message{Role: model.RoleUser, Text: input}); err != nil {
		return nil, err
	}

	for turn := 1; ; turn++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req, calls, err := a.nextTurn()
		if err != nil {
			return nil, err
		}

		_ = em.Emit(core.EventAgentThinking, map[string]any{"turn": turn, "model": a.llm.Info().Name})

		resp, err := model.Collect(ctx, a.llm, req, func(chunk model.Response) {
			_ = em.Emit(core.EventPartialResult, map[string]any{"text": chunk.Text, "partial": true})
			em.Heartbeat()
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			a.logger.Warn("agent.model.error", "turn", turn, "error", err)
			return nil, fmt.Errorf("model call failed: %w", err)
		}

		if err := a.remember(model.Message{Role: model.RoleAssistant, Text: resp.Text, ToolCalls: resp.ToolCalls}); err != nil {
			return nil, err
		}

		if len(resp.ToolCalls) == 0 {
			if !a.opts.EnableStreaming {
				_ = em.Emit(core.EventPartialResult, map[string]any{"text": resp.Text, "partial": false})
			}
			return &core.Result{
				Completed: true,
				Output: map[string]any{
					"text":          resp.Text,
					"finish_reason": resp.FinishReason,
					"model_calls":   calls,
				},
			}, nil
		}

		for _, call := range resp.ToolCalls {
			if err := a.remember(a.callTool(ctx, em, call)); err != nil {
				return nil, err
			}
		}
	}
}

// Release drops the conversation buffer and limiter.
func (a *ModelAgent) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released = true
	a.history = nil
	a.limiter = nil
	a.tools = nil
}

// nextTurn counts a model call and snapshots the request for it.
func (a *ModelAgent) nextTurn() (model.Request, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return model.Request{}, 0, core.Fatal(ErrReleased)
	}
	if err := a.limiter.Increment(); err != nil {
		return model.Request{}, 0, err
	}
	return model.Request{
		Instructions: a.instruction,
		Messages:     slices.Clone(a.history),
		Tools:        a.tools.Definitions(),
		Stream:       a.opts.EnableStreaming,
	}, a.limiter.Count(), nil
}

// remember appends msg, trimming the oldest turns after the first user
// message once the buffer is full. A tool result is never separated from the
// assistant message that requested it.
func (a *ModelAgent) remember(msg model.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return core.Fatal(ErrReleased)
	}
	a.history = append(a.history, msg)

	limit := a.opts.MaxHistoryMessages
	if limit <= 0 || len(a.history) <= limit {
		return nil
	}

	cut := len(a.history) - limit + 1
	for cut < len(a.history) && a.history[cut].Role == model.RoleTool {
		cut++
	}
	a.history = append(a.history[:1], a.history[cut:]...)
	return nil
}

// callTool runs one tool call and returns the tool message for the model.
// Tool failures are reported back to the model, not to the supervisor.
func (a *ModelAgent) callTool(ctx context.Context, em core.Emitter, call model.ToolCall) model.Message {
	_ = em.Emit(core.EventToolExecuting, map[string]any{"tool": call.Name, "call_id": call.ID})

	start := time.Now()
	result, err := a.execute(ctx, call)
	payload := map[string]any{
		"tool":        call.Name,
		"call_id":     call.ID,
		"ok":          err == nil,
		"duration_ms": time.Since(start).Milliseconds(),
	}

	msg := model.Message{Role: model.RoleTool, ToolCallID: call.ID}
	if err != nil {
		var te *tool.ToolError
		if errors.As(err, &te) {
			payload["code"] = te.Code
		}
		msg.Text = err.Error()
		msg.IsError = true
	} else {
		msg.Text = encodeResult(result)
	}

	_ = em.Emit(core.EventToolCompleted, payload)
	return msg
}

func (a *ModelAgent) execute(ctx context.Context, call model.ToolCall) (any, error) {
	a.mu.Lock()
	tools := a.tools
	a.mu.Unlock()

	t, ok := tools.Get(call.Name)
	if !ok {
		return nil, tool.NewToolError(call.Name, "unknown tool", tool.CodeNotFound)
	}

	args, err := tool.ParseArguments(call.Arguments)
	if err != nil {
		return nil, &tool.ToolError{Tool: call.Name, Message: err.Error(), Code: tool.CodeValidation}
	}

	if a.opts.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.ToolTimeout)
		defer cancel()
	}

	return t.Call(ctx, tool.Invocation{Exec: a.ec, CallID: call.ID, Logger: a.logger}, args)
}

func encodeResult(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
