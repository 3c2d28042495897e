package core

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"strings"
	"syscall"
	"time"
)

// FailureClass partitions errors into those that permit a restart and those
// that do not.
type FailureClass int

const (
	// ClassTransient failures (network, timeout, resource exhaustion, stalls)
	// permit a restart while attempts remain.
	ClassTransient FailureClass = iota
	// ClassFatal failures (invalid input, permission, programming errors)
	// abort the run immediately.
	ClassFatal
)

// String returns the lower-case class name used on the wire.
func (c FailureClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c FailureClass) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

var transientSignatures = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"broken pipe",
	"eof",
	"rate limit",
	"too many requests",
	"429",
	"502",
	"503",
	"504",
	"overloaded",
	"resource exhausted",
	"temporarily unavailable",
	"try again",
}

var fatalSignatures = []string{
	"invalid",
	"malformed",
	"permission denied",
	"unauthorized",
	"forbidden",
	"not allowed",
	"nil pointer",
	"index out of range",
}

// Classify decides whether err permits a restart. Explicit markers
// (Transient/Fatal, the sentinels in this package) take precedence over
// standard library error types, which take precedence over message
// signatures. Errors matching nothing are transient; the restart budget
// bounds them.
func Classify(err error) FailureClass {
	if err == nil {
		return ClassTransient
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	switch {
	case errors.Is(err, ErrFatalExecution),
		errors.Is(err, ErrAgentPanic),
		errors.Is(err, ErrInvalidContext),
		errors.Is(err, ErrUnknownAgentType),
		errors.Is(err, ErrRunCancelled),
		errors.Is(err, fs.ErrPermission):
		return ClassFatal
	case errors.Is(err, ErrTransientExecution),
		errors.Is(err, ErrStallDetected),
		errors.Is(err, ErrAttemptTimeout),
		errors.Is(err, ErrSilentDeath),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range fatalSignatures {
		if strings.Contains(msg, sig) {
			return ClassFatal
		}
	}
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return ClassTransient
		}
	}

	return ClassTransient
}

// FailureKind names what went wrong in an attempt.
type FailureKind string

// Failure kinds recorded in a run's error history.
const (
	KindError        FailureKind = "error"
	KindStall        FailureKind = "stall"
	KindTimeout      FailureKind = "timeout"
	KindSilentDeath  FailureKind = "silent_death"
	KindPanic        FailureKind = "panic"
	KindConstruction FailureKind = "construction"
	KindCancelled    FailureKind = "cancelled"
)

// Failure is one classified entry in a run's error history.
type Failure struct {
	Attempt int
	Class   FailureClass
	Kind    FailureKind
	Err     error
	At      time.Time
}

// NewFailure classifies err for the given attempt.
func NewFailure(attempt int, kind FailureKind, err error) Failure {
	return Failure{
		Attempt: attempt,
		Class:   Classify(err),
		Kind:    kind,
		Err:     err,
		At:      time.Now().UTC(),
	}
}

const maxRedactedMessage = 200

// Redacted returns a client-safe summary: no wrapped error chain beyond the
// first line, no panic values and no stack traces.
func (f Failure) Redacted() map[string]any {
	return map[string]any{
		"attempt": f.Attempt,
		"class":   f.Class.String(),
		"kind":    string(f.Kind),
		"message": f.safeMessage(),
		"at":      f.At.Format(time.RFC3339Nano),
	}
}

func (f Failure) safeMessage() string {
	switch f.Kind {
	case KindPanic:
		return "agent panicked"
	case KindStall:
		return "no progress observed within the stall timeout"
	case KindTimeout:
		return "attempt exceeded its time limit"
	case KindSilentDeath:
		return "agent stopped without producing a result"
	case KindCancelled:
		return "run cancelled"
	}
	if f.Err == nil {
		return string(f.Kind)
	}
	msg := f.Err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if len(msg) > maxRedactedMessage {
		msg = msg[:maxRedactedMessage] + "…"
	}
	return msg
}

// RedactHistory maps a history onto client-safe summaries.
func RedactHistory(history []Failure) []map[string]any {
	out := make([]map[string]any, len(history))
	for i, f := range history {
		out[i] = f.Redacted()
	}
	return out
}
