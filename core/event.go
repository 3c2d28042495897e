package core

import (
	"encoding/json"
	"maps"
	"time"
)

// EventType names a lifecycle event on the wire.
type EventType string

// Event types delivered to clients.
const (
	EventRunStarted    EventType = "run_started"
	EventAgentThinking EventType = "agent_thinking"
	EventToolExecuting EventType = "tool_executing"
	EventToolCompleted EventType = "tool_completed"
	EventPartialResult EventType = "partial_result"
	EventRunRestarted  EventType = "run_restarted"
	EventRunFailed     EventType = "run_failed"
	EventRunCompleted  EventType = "run_completed"
)

// IsLifecycle reports whether t is emitted by the supervisor only.
func (t EventType) IsLifecycle() bool {
	switch t {
	case EventRunStarted, EventRunRestarted, EventRunFailed, EventRunCompleted:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether t ends a run's stream.
func (t EventType) IsTerminal() bool {
	return t == EventRunFailed || t == EventRunCompleted
}

// Event is the unit delivered to exactly one connection. After emission it
// must be treated as immutable.
type Event struct {
	Type      EventType      `json:"type"`
	RunID     string         `json:"run_id"`
	UserID    string         `json:"user_id"`
	Sequence  int64          `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Clone returns a copy with an independent top-level payload map.
func (e Event) Clone() Event {
	e.Payload = maps.Clone(e.Payload)
	return e
}

// MarshalJSON renders the timestamp as RFC 3339 with millisecond precision
// and never emits a null payload.
func (e Event) MarshalJSON() ([]byte, error) {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal(struct {
		Type      EventType      `json:"type"`
		RunID     string         `json:"run_id"`
		UserID    string         `json:"user_id"`
		Sequence  int64          `json:"sequence"`
		Timestamp string         `json:"timestamp"`
		Payload   map[string]any `json:"payload"`
	}{
		Type:      e.Type,
		RunID:     e.RunID,
		UserID:    e.UserID,
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Payload:   payload,
	})
}
