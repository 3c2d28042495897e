package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LogLevelWarn, ParseLevel(" warning "))
	assert.Equal(t, LogLevelError, ParseLevel("error"))
	assert.Equal(t, LogLevelInfo, ParseLevel("verbose"))
	assert.Equal(t, "WARN", LogLevelWarn.String())
}

func TestRunLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(&LoggerConfig{Level: LogLevelInfo, Format: "json", Output: &buf})

	l := base.WithComponent("supervisor").WithRun("alice", "run_1").WithAttempt(2).WithContext("agent_type", "echo")
	l.Debug("hidden")
	l.Info("visible", "k", "v")
	l.LogTransition("RUNNING", "FAILED", errors.New("boom"))

	entries := lines(t, &buf)
	require.Len(t, entries, 2)

	first := entries[0]
	assert.Equal(t, "visible", first["msg"])
	assert.Equal(t, "supervisor", first["component"])
	assert.Equal(t, "alice", first["user_id"])
	assert.Equal(t, "run_1", first["run_id"])
	assert.Equal(t, float64(2), first["attempt"])
	assert.Equal(t, "echo", first["agent_type"])
	assert.Equal(t, "v", first["k"])

	assert.Equal(t, "WARN", entries[1]["level"])
	assert.Equal(t, "boom", entries[1]["reason"])

	// Derived loggers never modify their parent.
	base.Info("plain")
	last := lines(t, &buf)[2]
	assert.NotContains(t, last, "run_id")
}

func TestForRun(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewSlogAdapter(slog.New(slog.NewJSONHandler(&buf, nil)))

	ForRun(adapter, "emitter", "bob", "run_2").Info("delivered")
	entry := lines(t, &buf)[0]
	assert.Equal(t, "emitter", entry["component"])
	assert.Equal(t, "bob", entry["user_id"])
	assert.Equal(t, "run_2", entry["run_id"])

	assert.Equal(t, NoOpLogger{}, ForRun(nil, "x", "u", "r"))
}

type recordingLogger struct {
	NoOpLogger
	args [][]any
}

func (r *recordingLogger) Info(_ string, args ...any) { r.args = append(r.args, args) }

func TestWith_WrapsForeignLoggers(t *testing.T) {
	rec := &recordingLogger{}
	l := With(rec, "run_id", "r1")
	l.Info("one", "a", 1)
	l.Info("two")

	require.Len(t, rec.args, 2)
	assert.Equal(t, []any{"run_id", "r1", "a", 1}, rec.args[0])
	assert.Equal(t, []any{"run_id", "r1"}, rec.args[1])
}
