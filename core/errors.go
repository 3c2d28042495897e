package core

import (
	"errors"
	"fmt"
)

// Submission errors. These fail a run synchronously, before any lock,
// instance or event is allocated.
var (
	ErrInvalidContext         = errors.New("invalid execution context")
	ErrUnknownAgentType       = errors.New("unknown agent type")
	ErrDuplicateRunInProgress = errors.New("duplicate run in progress")
)

// Execution errors surfaced through a run's error history.
var (
	ErrInstanceConstructionFailed = errors.New("agent instance construction failed")
	ErrTransientExecution         = errors.New("transient execution error")
	ErrFatalExecution             = errors.New("fatal execution error")
	ErrStallDetected              = errors.New("stall detected")
	ErrAttemptTimeout             = errors.New("attempt timeout")
	ErrSilentDeath                = errors.New("agent returned without a completed result")
	ErrAgentPanic                 = errors.New("agent panicked")
	ErrRunExhausted               = errors.New("run exhausted")
	ErrRunCancelled               = errors.New("run cancelled")
)

// Emitter-local errors. They are never propagated into agent control flow by
// the supervisor; Emit reports them only so callers can inspect them.
var (
	ErrDeliveryFailed    = errors.New("delivery failed")
	ErrEmitterClosed     = errors.New("emitter closed")
	ErrCrossUserPayload  = errors.New("payload addresses a different user")
	ErrReservedEventType = errors.New("event type is reserved for the supervisor")
)

// ClassifiedError pins an explicit failure class onto an error so that
// Classify does not fall back to signature matching.
type ClassifiedError struct {
	Class FailureClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return e.Class.String() + " error"
	}
	return e.Err.Error()
}

// Unwrap exposes the wrapped error together with the class sentinel so that
// errors.Is(err, ErrTransientExecution) / ErrFatalExecution hold.
func (e *ClassifiedError) Unwrap() []error {
	sentinel := ErrTransientExecution
	if e.Class == ClassFatal {
		sentinel = ErrFatalExecution
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{e.Err, sentinel}
}

// Transient marks err as recoverable by restart.
func Transient(err error) error {
	return &ClassifiedError{Class: ClassTransient, Err: err}
}

// Fatal marks err as non-recoverable; the run fails without restart.
func Fatal(err error) error {
	return &ClassifiedError{Class: ClassFatal, Err: err}
}

// Transientf formats a transient error.
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// Fatalf formats a fatal error.
func Fatalf(format string, args ...any) error {
	return Fatal(fmt.Errorf(format, args...))
}

// PanicError records a recovered panic. The panic value is kept for logs only;
// it never reaches a client.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("agent panicked: %v", e.Value) }

// Unwrap ties PanicError to ErrAgentPanic.
func (e *PanicError) Unwrap() error { return ErrAgentPanic }
