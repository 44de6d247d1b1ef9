package app

import (
	"net"
	"net/http"

	"github.com/gorilla/mux"

	"grc-cache/internal/handlers"
	"grc-cache/internal/middleware"
	"grc-cache/internal/server"
)

// Handler builds the ops HTTP handler
func (app *App) Handler() http.Handler {
	// a nil *Scheduler must not become a non-nil interface
	var prewarmer handlers.Prewarmer
	if app.Prewarm != nil {
		prewarmer = app.Prewarm
	}
	h := handlers.New(app.Cache, app.Lifecycle, prewarmer, app.Auth, app.Logger)

	router := mux.NewRouter()
	SetupRoutes(router, h, app.Auth.RequireAuth, app.Limiter, app.Metrics.Handler(),
		middleware.RequestID, middleware.Logging(app.Logger))
	return router
}

// RunServer creates the ops HTTP server
func (app *App) RunServer() *server.Server {
	return server.New(app.Handler(), net.JoinHostPort("", app.Config.Port), app.Logger)
}
