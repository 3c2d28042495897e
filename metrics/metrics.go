// Package metrics defines the best-effort observability sink used by the
// factory, emitter and supervisor, with a no-op default and an OpenTelemetry
// implementation.
package metrics

import (
	"time"

	"github.com/hupe1980/agentvisor/logging"
)

// Recorder receives engine counters. Implementations must be non-blocking and
// safe for concurrent use. Callers wrap them with Safe so a misbehaving
// recorder can never fail an engine operation.
type Recorder interface {
	InstanceCreated(agentType string, elapsed time.Duration)
	InstanceDestroyed(agentType string)
	RunSucceeded(agentType string, attempts int)
	RunRestarted(agentType string)
	RunFailed(agentType string)
	StallDetected(agentType string)
	DeliveryFailed(eventType string)
}

// Noop discards everything.
type Noop struct{}

func (Noop) InstanceCreated(string, time.Duration) {}
func (Noop) InstanceDestroyed(string)              {}
func (Noop) RunSucceeded(string, int)              {}
func (Noop) RunRestarted(string)                   {}
func (Noop) RunFailed(string)                      {}
func (Noop) StallDetected(string)                  {}
func (Noop) DeliveryFailed(string)                 {}

// Safe wraps r so that panics inside the recorder are recovered and logged.
// A nil recorder becomes Noop.
func Safe(r Recorder, logger logging.Logger) Recorder {
	if r == nil {
		return Noop{}
	}
	if _, ok := r.(safeRecorder); ok {
		return r
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return safeRecorder{next: r, logger: logger}
}

type safeRecorder struct {
	next   Recorder
	logger logging.Logger
}

func (s safeRecorder) guard(name string) {
	if rec := recover(); rec != nil {
		s.logger.Warn("metrics recorder panicked", "metric", name, "panic", rec)
	}
}

func (s safeRecorder) InstanceCreated(agentType string, elapsed time.Duration) {
	defer s.guard("instances_created")
	s.next.InstanceCreated(agentType, elapsed)
}

func (s safeRecorder) InstanceDestroyed(agentType string) {
	defer s.guard("instances_destroyed")
	s.next.InstanceDestroyed(agentType)
}

func (s safeRecorder) RunSucceeded(agentType string, attempts int) {
	defer s.guard("runs_succeeded")
	s.next.RunSucceeded(agentType, attempts)
}

func (s safeRecorder) RunRestarted(agentType string) {
	defer s.guard("runs_restarted")
	s.next.RunRestarted(agentType)
}

func (s safeRecorder) RunFailed(agentType string) {
	defer s.guard("runs_failed")
	s.next.RunFailed(agentType)
}

func (s safeRecorder) StallDetected(agentType string) {
	defer s.guard("stall_detected")
	s.next.StallDetected(agentType)
}

func (s safeRecorder) DeliveryFailed(eventType string) {
	defer s.guard("delivery_failed")
	s.next.DeliveryFailed(eventType)
}
