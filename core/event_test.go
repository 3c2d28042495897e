package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventType_Classes(t *testing.T) {
	for _, tt := range []struct {
		typ       EventType
		lifecycle bool
		terminal  bool
	}{
		{EventRunStarted, true, false},
		{EventAgentThinking, false, false},
		{EventToolExecuting, false, false},
		{EventToolCompleted, false, false},
		{EventPartialResult, false, false},
		{EventRunRestarted, true, false},
		{EventRunFailed, true, true},
		{EventRunCompleted, true, true},
		{EventType("custom_progress"), false, false},
	} {
		t.Run(string(tt.typ), func(t *testing.T) {
			assert.Equal(t, tt.lifecycle, tt.typ.IsLifecycle())
			assert.Equal(t, tt.terminal, tt.typ.IsTerminal())
		})
	}
}

func TestEvent_MarshalJSON(t *testing.T) {
	ev := Event{
		Type:      EventPartialResult,
		RunID:     "run_1",
		UserID:    "alice",
		Sequence:  3,
		Timestamp: time.Date(2025, 1, 2, 3, 4, 5, 6_700_000, time.FixedZone("CET", 3600)),
	}

	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "partial_result",
		"run_id": "run_1",
		"user_id": "alice",
		"sequence": 3,
		"timestamp": "2025-01-02T02:04:05.006Z",
		"payload": {}
	}`, string(b))
}

func TestEvent_CloneDetachesPayload(t *testing.T) {
	ev := Event{Type: EventAgentThinking, Payload: map[string]any{"step": 1}}
	c := ev.Clone()
	c.Payload["step"] = 2

	assert.Equal(t, 1, ev.Payload["step"])
}
