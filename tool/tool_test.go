package tool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentvisor/internal/testutil"
)

type sumArgs struct {
	A float64 `json:"a" description:"First addend"`
	B float64 `json:"b" description:"Second addend"`
}

func sumTool() *FunctionTool {
	return NewFunctionToolFromStruct("calculate_sum", "Calculate the sum of two numbers", sumArgs{},
		func(_ context.Context, _ Invocation, args map[string]any) (any, error) {
			return args["a"].(float64) + args["b"].(float64), nil
		})
}

func invocation(t *testing.T) Invocation {
	t.Helper()
	return Invocation{Exec: testutil.NewContextBuilder().MustBuild(t), CallID: "call-1"}
}

func TestFunctionTool_Call(t *testing.T) {
	st := sumTool()

	out, err := st.Call(context.Background(), invocation(t), map[string]any{"a": 1.5, "b": 2.0})
	require.NoError(t, err)
	assert.Equal(t, 3.5, out)

	_, err = st.Call(context.Background(), invocation(t), map[string]any{"a": 1.0})
	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeValidation, te.Code)
	assert.Equal(t, "calculate_sum", te.Tool)
	var ve *ValidationError
	assert.ErrorAs(t, te.Details.(error), &ve)
}

func TestFunctionTool_ErrorCodes(t *testing.T) {
	custom := NewToolError("x", "quota", "RATE_LIMITED")

	tests := []struct {
		name string
		err  error
		code string
	}{
		{"tool error forwarded", custom, "RATE_LIMITED"},
		{"deadline", context.DeadlineExceeded, CodeTimeout},
		{"other", errors.New("boom"), CodeExecution},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := NewFunctionTool("x", "", nil, func(context.Context, Invocation, map[string]any) (any, error) {
				return nil, tt.err
			})
			_, err := ft.Call(context.Background(), invocation(t), map[string]any{})
			var te *ToolError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.code, te.Code)
		})
	}
}

func TestFunctionTool_RespectsDeadline(t *testing.T) {
	slow := NewFunctionTool("slow", "", nil, func(ctx context.Context, _ Invocation, _ map[string]any) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return "late", nil
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := slow.Call(ctx, invocation(t), nil)
	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeTimeout, te.Code)
}

func TestFunctionTool_Concurrent(t *testing.T) {
	st := sumTool()
	inv := invocation(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := st.Call(context.Background(), inv, map[string]any{"a": float64(i), "b": 1.0})
			assert.NoError(t, err)
			assert.Equal(t, float64(i+1), out)
		}(i)
	}
	wg.Wait()
}

func TestToolError_Error(t *testing.T) {
	assert.Equal(t, "tool error [C] in t: m", NewToolError("t", "m", "C").Error())
	assert.Equal(t, "tool error in t: m", NewToolError("t", "m", "").Error())
}

func TestParseArguments(t *testing.T) {
	args, err := ParseArguments(`{"city":"Oslo","days":3}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"city": "Oslo", "days": float64(3)}, args)

	args, err = ParseArguments("")
	require.NoError(t, err)
	assert.Empty(t, args)

	_, err = ParseArguments("{")
	assert.Error(t, err)
}

func TestSet(t *testing.T) {
	echo := NewFunctionTool("echo", "Echo input", map[string]any{"type": "object"}, nil)

	s, err := NewSet(sumTool(), echo, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	got, ok := s.Get("echo")
	assert.True(t, ok)
	assert.Same(t, echo, got)
	_, ok = s.Get("missing")
	assert.False(t, ok)

	defs := s.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "calculate_sum", defs[0].Name)
	assert.Equal(t, "echo", defs[1].Name)

	_, err = NewSet(echo, echo)
	assert.Error(t, err)

	var empty *Set
	assert.Equal(t, 0, empty.Len())
	assert.Nil(t, empty.Definitions())
}
