package main

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hupe1980/agentvisor"
	"github.com/hupe1980/agentvisor/core"
	"github.com/hupe1980/agentvisor/router/ws"
	"github.com/hupe1980/agentvisor/supervisor"
)

type healthResponse struct {
	Status      string   `json:"status"`
	Connections int      `json:"connections"`
	Users       int      `json:"users"`
	ActiveRuns  int      `json:"active_runs"`
	AgentTypes  []string `json:"agent_types"`
}

func healthHandler(hub *ws.Hub, av *agentvisor.Agentvisor) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, healthResponse{
			Status:      "ok",
			Connections: hub.ConnectionCount(),
			Users:       hub.UserCount(),
			ActiveRuns:  av.Active(),
			AgentTypes:  av.AgentTypes(),
		})
	}
}

// runStatus is the public view of an active run. The endpoint is
// unauthenticated, so the owner is left out and error messages are redacted.
type runStatus struct {
	RunID           string           `json:"run_id"`
	AgentType       string           `json:"agent_type"`
	Attempt         int              `json:"attempt"`
	State           string           `json:"state"`
	StartedAt       time.Time        `json:"started_at"`
	LastHeartbeatAt time.Time        `json:"last_heartbeat_at"`
	Errors          []map[string]any `json:"errors"`
}

func newRunStatus(st supervisor.RunStatus) runStatus {
	return runStatus{
		RunID:           st.RunID,
		AgentType:       st.AgentType,
		Attempt:         st.Attempt,
		State:           string(st.State),
		StartedAt:       st.StartedAt,
		LastHeartbeatAt: st.LastHeartbeatAt,
		Errors:          core.RedactHistory(st.ErrorHistory),
	}
}

func runStatusHandler(av *agentvisor.Agentvisor) echo.HandlerFunc {
	return func(c echo.Context) error {
		st, ok := av.Status(c.Param("id"))
		if !ok {
			return echo.NewHTTPError(http.StatusNotFound, "run is not active")
		}
		return c.JSON(http.StatusOK, newRunStatus(st))
	}
}
