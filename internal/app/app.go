package app

import (
	"context"
	stderrors "errors"

	"grc-cache/internal/auth"
	"grc-cache/internal/cache"
	"grc-cache/internal/cache/backend"
	"grc-cache/internal/cache/lifecycle"
	"grc-cache/internal/common/logging"
	"grc-cache/internal/config"
	"grc-cache/internal/locks"
	"grc-cache/internal/metrics"
	"grc-cache/internal/prewarm"
	"grc-cache/internal/ratelimit"
)

// App holds all the application dependencies
type App struct {
	Config    *config.Config
	Lifecycle *lifecycle.Manager
	Cache     *cache.Cache
	Locker    *locks.Auto
	Prewarm   *prewarm.Scheduler
	Auth      *auth.Auth
	Metrics   *metrics.Metrics
	Limiter   *ratelimit.Limiter
	Logger    logging.Logger
}

// New creates a new application instance with all dependencies. An
// unreachable backend is not an error: the lifecycle manager falls back to
// the in-process store.
func New(ctx context.Context, cfg *config.Config, logger logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	app := &App{
		Config: cfg,
		Logger: logger.WithFields(logging.String("component", "app")),
	}

	limits := ratelimit.DefaultConfig()
	limits.RequestsPerSecond = cfg.OpsRateLimit
	limits.BurstSize = cfg.OpsRateBurst
	limiter, err := ratelimit.NewLimiter(limits)
	if err != nil {
		return nil, err
	}
	app.Limiter = limiter

	app.Lifecycle = lifecycle.New(lifecycle.Options{
		Backend:         app.backendOptions(logger),
		ConnectAttempts: cfg.Cache.ConnectAttempts,
		ConnectTimeout:  cfg.Cache.ConnectTimeout,
		Logger:          logger,
	})

	app.Cache = cache.New(app.Lifecycle, cache.Options{
		L1TTL:           cfg.Cache.L1TTL,
		L1SweepInterval: cfg.Cache.L1SweepInterval,
		L2TTL:           cfg.Cache.L2TTL,
		L2Timeout:       cfg.Cache.L2Timeout,
		L2WriteTimeout:  cfg.Cache.L2WriteTimeout,
		Logger:          logger,
	})
	app.Metrics = metrics.New(app.Cache, app.Lifecycle)
	app.Locker = locks.NewAuto(app.Lifecycle)
	app.Auth = auth.New(cfg.OperatorJWTSecret, app.Lifecycle, logger)

	be, err := app.Lifecycle.Init(ctx)
	if err != nil {
		return nil, err
	}
	app.Logger.Info("Cache backend initialized",
		logging.String("backend", string(be.Kind())),
		logging.String("state", string(app.Lifecycle.State())),
		logging.Bool("distributed", be.Kind().Distributed()))

	if err := app.initializePrewarm(); err != nil {
		app.Cleanup()
		return nil, err
	}
	if !app.Auth.Enabled() {
		app.Logger.Warn("OPERATOR_JWT_SECRET not set, operator API is unauthenticated")
	}
	return app, nil
}

func (app *App) backendOptions(logger logging.Logger) backend.Options {
	cfg := app.Config
	return backend.Options{
		Kind:                backend.Kind(cfg.Backend),
		KeyPrefix:           cfg.KeyPrefix,
		MemorySweepInterval: cfg.Cache.L1SweepInterval,
		Redis: backend.RedisOptions{
			URL:                 cfg.Redis.URL,
			Address:             cfg.Redis.Address,
			Password:            cfg.Redis.Password,
			DB:                  cfg.Redis.DB,
			PoolSize:            cfg.Redis.PoolSize,
			MaxRetries:          cfg.Redis.MaxRetries,
			DialTimeout:         cfg.Cache.ConnectTimeout,
			PingInterval:        cfg.Redis.PingInterval,
			MaxReconnectBackoff: cfg.Redis.MaxReconnectBackoff,
			Listener:            app.onBackendEvent,
			Logger:              logger,
		},
		REST: backend.RESTOptions{
			URL:     cfg.REST.URL,
			Token:   cfg.REST.Token,
			Timeout: cfg.REST.Timeout,
		},
	}
}

// onBackendEvent runs on the connection goroutines; Metrics is set before
// the first connection attempt.
func (app *App) onBackendEvent(e backend.Event) {
	if app.Metrics != nil {
		app.Metrics.RecordBackendEvent(e)
	}
	fields := []logging.Field{logging.String("event", string(e.Type))}
	switch e.Type {
	case backend.EventReconnecting:
		app.Logger.Info("Cache backend reconnecting",
			append(fields, logging.Int("attempt", e.Attempt), logging.Duration("delay", e.Delay))...)
	case backend.EventError:
		app.Logger.Warn("Cache backend connection lost", append(fields, logging.Err(e.Err))...)
	case backend.EventReady:
		app.Logger.Info("Cache backend ready", fields...)
	default:
		app.Logger.Debug("Cache backend event", fields...)
	}
}

// Shutdown stops prewarm, drains pending cache writes, then releases locks
// and the backend handle.
func (app *App) Shutdown(ctx context.Context) error {
	var errs []error
	if app.Prewarm != nil {
		if err := app.Prewarm.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := app.Cache.Close(ctx); err != nil {
		app.Logger.Warn("Pending cache writes dropped at shutdown", logging.Err(err))
		errs = append(errs, err)
	}
	app.Cleanup()
	return stderrors.Join(errs...)
}

// Cleanup releases locks and the backend
func (app *App) Cleanup() {
	if app.Locker != nil {
		if err := app.Locker.Close(); err != nil {
			app.Logger.Warn("Failed to release locks", logging.Err(err))
		}
	}
	if app.Lifecycle != nil {
		if err := app.Lifecycle.Close(); err != nil {
			app.Logger.Warn("Failed to close cache backend", logging.Err(err))
		}
	}
}
