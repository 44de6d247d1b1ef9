package handlers

import (
	"net/http"
	"strconv"

	"grc-cache/internal/common/logging"
)

// TriggerPrewarm runs the prewarm targets now
// @Summary Trigger prewarm
// @Description Runs every prewarm target. Outside the active window nothing runs unless force is set.
// @Tags prewarm
// @Produce json
// @Security BearerAuth
// @Param force query bool false "Ignore the active window"
// @Success 200 {object} prewarm.Report
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/cache/prewarm [post]
func (h *Handlers) TriggerPrewarm(w http.ResponseWriter, r *http.Request) {
	if h.prewarm == nil {
		h.sendJSONError(w, r, nil, "Prewarm is disabled", http.StatusNotFound)
		return
	}

	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			h.sendJSONError(w, r, nil, "Invalid force parameter", http.StatusBadRequest)
			return
		}
		force = parsed
	}

	report := h.prewarm.Trigger(r.Context(), force)
	h.logger.WithContext(r.Context()).Info("Prewarm triggered",
		logging.Bool("forced", force),
		logging.Bool("skipped", report.Skipped),
		logging.Int("failed", report.Failed))
	h.sendJSONResponse(w, http.StatusOK, report)
}

// GetPrewarmStatus returns the most recent completed run
// @Summary Prewarm status
// @Tags prewarm
// @Produce json
// @Security BearerAuth
// @Success 200 {object} prewarm.Report
// @Failure 404 {object} ErrorResponse
// @Router /api/cache/prewarm [get]
func (h *Handlers) GetPrewarmStatus(w http.ResponseWriter, r *http.Request) {
	if h.prewarm == nil {
		h.sendJSONError(w, r, nil, "Prewarm is disabled", http.StatusNotFound)
		return
	}
	report, ok := h.prewarm.LastReport()
	if !ok {
		h.sendJSONError(w, r, nil, "Prewarm has not run yet", http.StatusNotFound)
		return
	}
	h.sendJSONResponse(w, http.StatusOK, report)
}
