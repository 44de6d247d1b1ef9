// Package handlers implements the operator HTTP API over the cache.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"grc-cache/internal/auth"
	"grc-cache/internal/cache"
	"grc-cache/internal/cache/backend"
	"grc-cache/internal/cache/lifecycle"
	"grc-cache/internal/common/logging"
	"grc-cache/internal/prewarm"
)

// Cache is the part of the two-tier cache the API drives
type Cache interface {
	Stats() cache.Stats
	ResetStats()
	Invalidate(ctx context.Context, key string)
	InvalidatePattern(ctx context.Context, pattern string)
	InvalidateAll(ctx context.Context)
}

// Lifecycle reports backend readiness
type Lifecycle interface {
	State() lifecycle.State
	Kind() backend.Kind
	Distributed() bool
	LastError() error
}

// Prewarmer runs prewarm on demand
type Prewarmer interface {
	Trigger(ctx context.Context, force bool) prewarm.Report
	LastReport() (prewarm.Report, bool)
	Running() bool
}

type Handlers struct {
	cache     Cache
	lifecycle Lifecycle
	prewarm   Prewarmer
	auth      *auth.Auth
	logger    logging.Logger
}

// New creates the handlers. prewarmer and authService may be nil.
func New(c Cache, lc Lifecycle, prewarmer Prewarmer, authService *auth.Auth, logger logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Handlers{
		cache:     c,
		lifecycle: lc,
		prewarm:   prewarmer,
		auth:      authService,
		logger:    logger.WithFields(logging.String("component", "handlers")),
	}
}

// ErrorResponse is the body of every non-2xx JSON reply
type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handlers) sendJSONResponse(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to encode response", logging.Err(err))
	}
}

// sendJSONError logs err, when present, and replies with the public message
func (h *Handlers) sendJSONError(w http.ResponseWriter, r *http.Request, err error, msg string, status int) {
	if err != nil {
		h.logger.WithContext(r.Context()).Error(msg, err, logging.String("path", r.URL.Path))
	}
	h.sendJSONResponse(w, status, ErrorResponse{Error: msg})
}
