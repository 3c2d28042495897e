package tool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/agentvisor/internal/schema"
	"github.com/hupe1980/agentvisor/logging"
)

// Func is the signature wrapped by FunctionTool. args are already validated.
type Func func(ctx context.Context, inv Invocation, args map[string]any) (any, error)

// FunctionTool exposes a plain Go function as a Tool.
//
// Errors are normalized to *ToolError:
//
//	*ToolError returned by fn  -> forwarded unchanged
//	schema mismatch            -> CodeValidation
//	ctx deadline exceeded      -> CodeTimeout
//	any other error            -> CodeExecution
//
// A FunctionTool holds no mutable state and is safe for concurrent use.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          Func
}

// NewFunctionTool constructs a FunctionTool from an explicit schema.
//
// Example:
//
//	sum := NewFunctionTool(
//	  "calculate_sum",
//	  "Calculate the sum of two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"a", "b"},
//	  },
//	  func(ctx context.Context, inv Invocation, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	)
func NewFunctionTool(name, description string, parameters map[string]any, fn Func) *FunctionTool {
	return &FunctionTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
}

// NewFunctionToolFromStruct derives the schema from a struct's fields.
func NewFunctionToolFromStruct(name, description string, structType any, fn Func) *FunctionTool {
	return NewFunctionTool(name, description, schema.FromStruct(structType), fn)
}

// Name returns the tool name.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the description shown to models.
func (t *FunctionTool) Description() string { return t.description }

// Parameters returns the argument schema.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// Call validates args and invokes the wrapped function.
func (t *FunctionTool) Call(ctx context.Context, inv Invocation, args map[string]any) (any, error) {
	logger := inv.Logger
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	start := time.Now()

	logger.Debug("tool.call.start", "tool", t.name, "fc_id", inv.CallID)

	if err := schema.Validate(args, t.parameters); err != nil {
		logger.Warn("tool.call.validation_failed", "tool", t.name, "error", err.Error())
		return nil, &ToolError{
			Tool:    t.name,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Code:    CodeValidation,
			Details: err,
		}
	}

	result, err := t.fn(ctx, inv, args)
	if err != nil {
		var toolErr *ToolError
		switch {
		case errors.As(err, &toolErr):
		case errors.Is(err, context.DeadlineExceeded):
			toolErr = &ToolError{Tool: t.name, Message: err.Error(), Code: CodeTimeout}
		default:
			toolErr = &ToolError{Tool: t.name, Message: err.Error(), Code: CodeExecution}
		}
		logger.Error("tool.call.error", "tool", t.name, "code", toolErr.Code, "error", toolErr.Message)
		return nil, toolErr
	}

	logger.Info("tool.call.success", "tool", t.name, "duration_ms", time.Since(start).Milliseconds())
	return result, nil
}
