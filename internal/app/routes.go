package app

import (
	"net/http"

	"github.com/gorilla/mux"

	"grc-cache/internal/handlers"
	"grc-cache/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes for the application
func SetupRoutes(router *mux.Router, h *handlers.Handlers, authMiddleware func(http.Handler) http.Handler, rateLimiter *ratelimit.Limiter, metricsHandler http.Handler, m ...mux.MiddlewareFunc) {
	router.Use(m...)

	// Probes and scrapes (no auth required)
	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	router.Handle("/metrics", metricsHandler).Methods(http.MethodGet)

	// Operator API (protected)
	api := router.PathPrefix("/api").Subrouter()
	api.Use(authMiddleware)
	if rateLimiter != nil {
		api.Use(rateLimiter.HTTPMiddleware(ratelimit.OperatorKey))
	}

	api.HandleFunc("/cache/stats", h.GetStats).Methods(http.MethodGet)
	api.HandleFunc("/cache/stats/reset", h.ResetStats).Methods(http.MethodPost)
	api.HandleFunc("/cache/families", h.ListFamilies).Methods(http.MethodGet)
	api.HandleFunc("/cache/invalidate", h.Invalidate).Methods(http.MethodPost)
	api.HandleFunc("/cache/prewarm", h.GetPrewarmStatus).Methods(http.MethodGet)
	api.HandleFunc("/cache/prewarm", h.TriggerPrewarm).Methods(http.MethodPost)
	api.HandleFunc("/auth/revoke", h.RevokeToken).Methods(http.MethodPost)
}
