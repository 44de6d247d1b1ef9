package handlers

import (
	"net/http"

	"grc-cache/internal/cache/lifecycle"
)

// HealthResponse reports readiness. A degraded backend is still healthy:
// the in-process fallback serves every request.
type HealthResponse struct {
	Status         string `json:"status"`
	State          string `json:"state"`
	Backend        string `json:"backend,omitempty"`
	Distributed    bool   `json:"distributed"`
	Error          string `json:"error,omitempty"`
	PrewarmRunning bool   `json:"prewarmRunning"`
}

// HealthCheck reports lifecycle state
// @Summary Health check
// @Tags system
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /health [get]
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	state := h.lifecycle.State()
	resp := HealthResponse{
		Status:      "ok",
		State:       string(state),
		Backend:     string(h.lifecycle.Kind()),
		Distributed: h.lifecycle.Distributed(),
	}
	if err := h.lifecycle.LastError(); err != nil {
		resp.Error = err.Error()
	}
	if h.prewarm != nil {
		resp.PrewarmRunning = h.prewarm.Running()
	}

	status := http.StatusOK
	switch state {
	case lifecycle.StateDegraded:
		resp.Status = "degraded"
	case lifecycle.StateReady:
	default:
		resp.Status = "starting"
		status = http.StatusServiceUnavailable
	}
	h.sendJSONResponse(w, status, resp)
}
