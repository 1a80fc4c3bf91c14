package handler

import (
	"net/http"
	"time"
)

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	mode      string
	startedAt time.Time
	running   func() int
}

// NewHealthHandler creates a HealthHandler. running may be nil when no
// orchestrator runs in this mode.
func NewHealthHandler(mode string, running func() int) *HealthHandler {
	return &HealthHandler{mode: mode, startedAt: time.Now().UTC(), running: running}
}

// HealthCheck reports liveness, mode and uptime.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":         "ok",
		"mode":           h.mode,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	if h.running != nil {
		body["running_pairs"] = h.running()
	}
	writeJSON(w, http.StatusOK, body)
}
