package app

import (
	"net/http"
	"time"

	"grc-cache/internal/circuitbreaker"
	httpclient "grc-cache/internal/common/http"
	"grc-cache/internal/common/logging"
	"grc-cache/internal/prewarm"
)

const sourceTimeout = 30 * time.Second

func (app *App) initializePrewarm() error {
	cfg := app.Config.Prewarm
	if !cfg.Enabled {
		app.Logger.Info("Prewarm: disabled")
		return nil
	}
	if cfg.CatalogPath == "" {
		app.Logger.Info("Prewarm: no PREWARM_CATALOG configured, scheduler not started")
		return nil
	}

	catalog, err := prewarm.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}
	window, err := prewarm.ParseWindow(cfg.WindowStart, cfg.WindowEnd, cfg.Timezone)
	if err != nil {
		return err
	}

	source := prewarm.NewHTTPSource(app.sourceClient(),
		circuitbreaker.NewGoBreakerManager(circuitbreaker.SourceConfig, app.Logger))

	scheduler, err := prewarm.New(app.Cache, catalog.TargetsFrom(source), prewarm.Options{
		Interval:    cfg.Interval,
		Schedule:    cfg.Schedule,
		Window:      window,
		Concurrency: cfg.Concurrency,
		RunOnStart:  true,
		Locker:      app.Locker,
		OnResult:    app.Metrics.RecordPrewarm,
		Logger:      app.Logger,
	})
	if err != nil {
		return err
	}
	app.Prewarm = scheduler
	app.Logger.Info("Prewarm: configured",
		logging.Int("targets", len(catalog.Targets)),
		logging.String("catalog", cfg.CatalogPath))
	return nil
}

func (app *App) sourceClient() *http.Client {
	return httpclient.NewHTTPClient(
		httpclient.WithTimeout(sourceTimeout),
		httpclient.WithUserAgent("grc-cache-prewarm/1.0"),
	)
}
