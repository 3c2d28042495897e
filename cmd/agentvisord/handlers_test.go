package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentvisor"
	"github.com/hupe1980/agentvisor/config"
	"github.com/hupe1980/agentvisor/core"
	"github.com/hupe1980/agentvisor/logging"
	"github.com/hupe1980/agentvisor/router/ws"
	"github.com/hupe1980/agentvisor/supervisor"
)

func TestHTTPHandlers(t *testing.T) {
	hub := ws.NewHub()
	av := agentvisor.New(hub)
	require.NoError(t, registerAgents(av, config.Config{LLMProvider: "none"}, logging.NoOpLogger{}))

	e := newHTTPServer(ws.NewServer(hub, av), hub, av)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var health healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, []string{"echo"}, health.AgentTypes)
	assert.Zero(t, health.ActiveRuns)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/run_missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunStatusOmitsOwner(t *testing.T) {
	st := newRunStatus(supervisor.RunStatus{
		RunID:        "run_1",
		UserID:       "alice",
		AgentType:    "echo",
		Attempt:      1,
		State:        supervisor.StateRunning,
		StartedAt:    time.Now(),
		ErrorHistory: []core.Failure{core.NewFailure(1, core.KindStall, core.ErrStallDetected)},
	})

	b, err := json.Marshal(st)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	assert.NotContains(t, out, "user_id")
	assert.NotContains(t, string(b), "alice")
	assert.Equal(t, "run_1", out["run_id"])
	assert.Len(t, out["errors"], 1)
}

func TestNewModel(t *testing.T) {
	assert.Nil(t, newModel(config.Config{LLMProvider: "auto"}))
	assert.Equal(t, "anthropic", newModel(config.Config{LLMProvider: "auto", AnthropicAPIKey: "k"}).Info().Provider)
	assert.Equal(t, "openai", newModel(config.Config{LLMProvider: "openai", OpenAIAPIKey: "k", LLMModel: "gpt-4o"}).Info().Provider)
}
