// Package metrics exposes cache and prewarm telemetry to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grc-cache/internal/cache"
	"grc-cache/internal/cache/backend"
	"grc-cache/internal/cache/lifecycle"
	"grc-cache/internal/prewarm"
)

const namespace = "grc_cache"

// StatsSource is satisfied by the two-tier cache
type StatsSource interface {
	Stats() cache.Stats
}

// StateSource is satisfied by the lifecycle manager
type StateSource interface {
	State() lifecycle.State
	Connections() int64
}

var lifecycleStates = []lifecycle.State{
	lifecycle.StateUninitialized,
	lifecycle.StateInitializing,
	lifecycle.StateReady,
	lifecycle.StateDegraded,
}

var breakerStates = []string{"closed", "open", "half-open"}

// Metrics owns a private registry so tests and multiple instances never
// collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	PrewarmTargets  *prometheus.CounterVec
	PrewarmDuration *prometheus.HistogramVec
	BackendEvents   *prometheus.CounterVec
}

// New registers the cache collector and the prewarm metrics. Either
// source may be nil.
func New(stats StatsSource, state StateSource) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		PrewarmTargets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "prewarm",
				Name:      "targets_total",
				Help:      "Prewarm target refreshes by outcome",
			},
			[]string{"key", "status"},
		),
		PrewarmDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "prewarm",
				Name:      "target_duration_seconds",
				Help:      "Duration of prewarm target recomputation",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"key"},
		),
		BackendEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "events_total",
				Help:      "Connection events of the persistent backend",
			},
			[]string{"type"},
		),
	}
	reg.MustRegister(
		m.PrewarmTargets,
		m.PrewarmDuration,
		m.BackendEvents,
		newCacheCollector(stats, state),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RecordPrewarm is a prewarm.Options.OnResult hook
func (m *Metrics) RecordPrewarm(r prewarm.Result) {
	status := "success"
	if r.Err != nil {
		status = "error"
	}
	m.PrewarmTargets.WithLabelValues(r.Key, status).Inc()
	m.PrewarmDuration.WithLabelValues(r.Key).Observe(r.Duration.Seconds())
}

// RecordBackendEvent is a backend.EventListener
func (m *Metrics) RecordBackendEvent(e backend.Event) {
	m.BackendEvents.WithLabelValues(string(e.Type)).Inc()
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// cacheCollector reads a fresh Stats snapshot on every scrape
type cacheCollector struct {
	stats StatsSource
	state StateSource

	requests    *prometheus.Desc
	l2Failures  *prometheus.Desc
	hitRate     *prometheus.Desc
	l1Entries   *prometheus.Desc
	distributed *prometheus.Desc
	breaker     *prometheus.Desc
	lifecycle   *prometheus.Desc
	connections *prometheus.Desc
}

func newCacheCollector(stats StatsSource, state StateSource) *cacheCollector {
	return &cacheCollector{
		stats: stats,
		state: state,
		requests: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "lookups_total"),
			"Cache lookups by tier and outcome",
			[]string{"tier", "result"}, nil),
		l2Failures: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "l2", "failures_total"),
			"Backend calls that degraded to a miss or a dropped write",
			[]string{"reason"}, nil),
		hitRate: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "hit_ratio"),
			"Share of reads served from either tier",
			nil, nil),
		l1Entries: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "l1", "entries"),
			"Entries currently held in the local tier",
			nil, nil),
		distributed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "backend", "distributed"),
			"1 when the live backend is shared across instances",
			[]string{"backend"}, nil),
		breaker: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "l2", "breaker_state"),
			"Circuit breaker state guarding backend calls",
			[]string{"state"}, nil),
		lifecycle: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "backend", "state"),
			"Lifecycle state of the backend handle",
			[]string{"state"}, nil),
		connections: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "backend", "connections_total"),
			"Backend handles constructed",
			nil, nil),
	}
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.l2Failures
	ch <- c.hitRate
	ch <- c.l1Entries
	ch <- c.distributed
	ch <- c.breaker
	ch <- c.lifecycle
	ch <- c.connections
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	if c.stats != nil {
		s := c.stats.Stats()
		counter := func(desc *prometheus.Desc, v int64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
		}
		counter(c.requests, s.L1Hits, "l1", "hit")
		counter(c.requests, s.L1Misses, "l1", "miss")
		counter(c.requests, s.L2Hits, "l2", "hit")
		counter(c.requests, s.L2Misses, "l2", "miss")
		counter(c.l2Failures, s.L2Timeouts, "timeout")
		counter(c.l2Failures, s.L2Errors, "error")
		counter(c.l2Failures, s.L2WriteErrors, "write")

		ch <- prometheus.MustNewConstMetric(c.hitRate, prometheus.GaugeValue, s.HitRate)
		ch <- prometheus.MustNewConstMetric(c.l1Entries, prometheus.GaugeValue, float64(s.L1Entries))
		if s.Backend != "" {
			ch <- prometheus.MustNewConstMetric(c.distributed, prometheus.GaugeValue, boolValue(s.Distributed), s.Backend)
		}
		for _, state := range breakerStates {
			ch <- prometheus.MustNewConstMetric(c.breaker, prometheus.GaugeValue, boolValue(s.Breaker == state), state)
		}
	}

	if c.state != nil {
		current := c.state.State()
		for _, state := range lifecycleStates {
			ch <- prometheus.MustNewConstMetric(c.lifecycle, prometheus.GaugeValue, boolValue(current == state), string(state))
		}
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.CounterValue, float64(c.state.Connections()))
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
