package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentvisor/core"
	"github.com/hupe1980/agentvisor/logging"
)

// CallbackType defines the lifecycle points where callbacks run.
//
// Callbacks observe the state machine; they never steer it. An error or panic
// from a callback is logged and otherwise ignored.
type CallbackType string

const (
	// CallbackBeforeAttempt runs before an attempt's instance is created.
	CallbackBeforeAttempt CallbackType = "before_attempt"

	// CallbackAfterAttempt runs after an attempt's instance is destroyed.
	CallbackAfterAttempt CallbackType = "after_attempt"

	// CallbackOnRestart runs on every RUNNING -> RESTARTING transition that
	// leads to another attempt.
	CallbackOnRestart CallbackType = "on_restart"

	// CallbackOnStall runs when the liveness watchdog fires.
	CallbackOnStall CallbackType = "on_stall"

	// CallbackOnTerminal runs once the run reaches SUCCEEDED or FAILED.
	CallbackOnTerminal CallbackType = "on_terminal"
)

// CallbackContext describes the run at the moment a callback fires.
type CallbackContext struct {
	// RunID identifies the run.
	RunID string

	// UserID is the owning user.
	UserID string

	// AgentType is the registered agent type.
	AgentType string

	// Attempt is the attempt the callback relates to.
	Attempt int

	// State is the run state when the callback fired.
	State RunState

	// Failure is set for on_restart, on_stall, on_terminal (FAILED) and
	// after_attempt of a failed attempt.
	Failure *core.Failure

	// CallbackType indicates which lifecycle point triggered this execution.
	CallbackType CallbackType
}

// Callback is a lifecycle hook.
type Callback interface {
	// Type returns the callback type this implementation handles.
	Type() CallbackType

	// Execute performs the callback logic.
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback implementation.
//
// Example:
//
//	stalls := NewFunctionCallback(CallbackOnStall, func(ctx context.Context, cc *CallbackContext) error {
//	    log.Printf("run %s stalled on attempt %d", cc.RunID, cc.Attempt)
//	    return nil
//	})
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a new function-based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute calls the wrapped function with the provided context.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager holds callbacks per type and runs them in registration
// order. Registration and execution are safe for concurrent use.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty callback manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds a callback for its type.
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// ExecuteCallbacks runs all callbacks registered for callbackType. It stops at
// the first error and returns it. A panicking callback is reported as an error.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	cm.mu.RLock()
	callbacks := append([]Callback(nil), cm.callbacks[callbackType]...)
	cm.mu.RUnlock()

	for _, callback := range callbacks {
		if err := execute(ctx, callback, callbackCtx); err != nil {
			return err
		}
	}

	return nil
}

func execute(ctx context.Context, callback Callback, callbackCtx *CallbackContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback %s panicked: %v", callbackCtx.CallbackType, r)
		}
	}()
	return callback.Execute(ctx, callbackCtx)
}

// LoggingCallback writes one structured log line per lifecycle point.
type LoggingCallback struct {
	callbackType CallbackType
	logger       logging.Logger
}

// NewLoggingCallback creates a logging callback for callbackType.
func NewLoggingCallback(callbackType CallbackType, logger logging.Logger) *LoggingCallback {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logger,
	}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute logs the lifecycle point with run identifiers.
func (c *LoggingCallback) Execute(_ context.Context, cc *CallbackContext) error {
	args := []any{
		"callback", string(cc.CallbackType),
		"run_id", cc.RunID,
		"agent_type", cc.AgentType,
		"attempt", cc.Attempt,
		"state", string(cc.State),
	}
	if cc.Failure != nil {
		args = append(args, "failure_kind", string(cc.Failure.Kind), "failure_class", cc.Failure.Class.String())
	}
	c.logger.Info("supervisor lifecycle", args...)
	return nil
}
