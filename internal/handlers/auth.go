package handlers

import (
	"net/http"

	"grc-cache/internal/auth"
	"grc-cache/internal/common/logging"
)

// RevokeToken revokes the bearer token that authenticated the request
// @Summary Revoke the current token
// @Tags auth
// @Security BearerAuth
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/auth/revoke [post]
func (h *Handlers) RevokeToken(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if h.auth == nil || !ok {
		h.sendJSONError(w, r, nil, "Operator auth is disabled", http.StatusNotFound)
		return
	}
	if err := h.auth.Revoke(r.Context(), claims); err != nil {
		h.sendJSONError(w, r, err, "Failed to revoke token", http.StatusServiceUnavailable)
		return
	}
	h.logger.WithContext(r.Context()).Info("Operator token revoked", logging.String("jti", claims.ID))
	w.WriteHeader(http.StatusNoContent)
}
