// Package prewarm refreshes a static list of cache targets on a schedule so
// that requests never observe their expiry. Ticks outside the configured
// active window are skipped; each target refreshes independently.
package prewarm

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"grc-cache/internal/common/errors"
	"grc-cache/internal/common/logging"
	"grc-cache/internal/locks"
)

const (
	defaultInterval    = 4 * time.Minute
	defaultConcurrency = 4
	defaultLockTTL     = 2 * time.Minute
	lockKey            = "prewarm"
)

// Skip reasons reported by a Report
const (
	ReasonOutsideWindow = "outside active window"
	ReasonInProgress    = "previous run still in progress"
	ReasonLockHeld      = "lock held by another instance"
	ReasonLockError     = "lock unavailable"
)

// Target is one cache entry kept warm
type Target struct {
	Key         string
	Description string
	TTL         time.Duration
	Recompute   func(ctx context.Context) (interface{}, error)
}

// Populator stores recomputed values; the two-tier cache satisfies it
type Populator interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration)
}

// Result is the outcome of refreshing one target
type Result struct {
	Key         string        `json:"key"`
	Description string        `json:"description"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
	Err         error         `json:"-"`
}

// Report summarises one run
type Report struct {
	StartedAt time.Time `json:"startedAt"`
	Forced    bool      `json:"forced"`
	Skipped   bool      `json:"skipped"`
	Reason    string    `json:"reason,omitempty"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Results   []Result  `json:"results,omitempty"`
}

// Options configures a Scheduler
type Options struct {
	// Interval between ticks; ignored when Schedule is set
	Interval time.Duration
	// Schedule is a standard cron expression
	Schedule    string
	Window      Window
	Concurrency int
	// Timeout bounds each recompute; defaults to the tick interval
	Timeout    time.Duration
	RunOnStart bool
	Clock      func() time.Time
	// Locker, when set, lets one instance per cluster run each tick
	Locker   locks.Locker
	LockTTL  time.Duration
	OnResult func(Result)
	Logger   logging.Logger
}

// Scheduler drives the refresh of its targets
type Scheduler struct {
	targets  []Target
	cache    Populator
	opts     Options
	schedule cron.Schedule
	logger   logging.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	last    *Report
	running bool

	// held for the duration of a run; ticks that find it held are skipped
	runMu   sync.Mutex
	startup sync.WaitGroup
}

// New validates targets and options. The tick interval must be shorter than
// the shortest target TTL so every key is refreshed before it expires.
func New(cache Populator, targets []Target, opts Options) (*Scheduler, error) {
	if cache == nil {
		return nil, errors.ConfigError("prewarm requires a cache")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Window.Location == nil {
		opts.Window.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}

	var schedule cron.Schedule = cron.Every(opts.Interval)
	spacing := opts.Interval
	if opts.Schedule != "" {
		parsed, err := cron.ParseStandard(opts.Schedule)
		if err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("invalid prewarm schedule %q: %v", opts.Schedule, err))
		}
		schedule = parsed
		// spacing between the next two activations
		first := parsed.Next(opts.Clock().In(opts.Window.Location))
		spacing = parsed.Next(first).Sub(first)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = spacing
	}

	seen := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		if t.Key == "" || t.Recompute == nil {
			return nil, errors.ConfigError("prewarm target needs a key and a recompute function")
		}
		if t.TTL <= 0 {
			return nil, errors.ConfigError(fmt.Sprintf("prewarm target %s needs a positive ttl", t.Key))
		}
		if _, dup := seen[t.Key]; dup {
			return nil, errors.ConfigError(fmt.Sprintf("duplicate prewarm target %s", t.Key))
		}
		seen[t.Key] = struct{}{}
		if spacing >= t.TTL {
			return nil, errors.ConfigError(fmt.Sprintf(
				"prewarm interval %s must be shorter than ttl %s of target %s", spacing, t.TTL, t.Key))
		}
	}

	return &Scheduler{
		targets:  append([]Target(nil), targets...),
		cache:    cache,
		opts:     opts,
		schedule: schedule,
		logger:   opts.Logger.WithFields(logging.String("component", "prewarm")),
	}, nil
}

// Start moves the scheduler from stopped to running
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.ValidationError("prewarm scheduler already running")
	}

	cronLogger := logging.CronLogger(s.logger)
	c := cron.New(
		cron.WithLocation(s.opts.Window.Location),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() {
		s.Tick(context.Background())
	}))
	c.Start()

	s.cron = c
	s.running = true
	s.logger.Info("Prewarm scheduler started",
		logging.Int("targets", len(s.targets)),
		logging.String("window", s.opts.Window.String()),
		logging.Duration("interval", s.opts.Interval),
		logging.String("schedule", s.opts.Schedule))

	if s.opts.RunOnStart {
		s.startup.Add(1)
		go func() {
			defer s.startup.Done()
			s.Tick(context.Background())
		}()
	}
	return nil
}

// Stop moves the scheduler to stopped and waits for a running tick, or ctx
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()

	done := c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	// a RunOnStart tick is not tracked by cron
	s.startup.Wait()
	s.logger.Info("Prewarm scheduler stopped")
	return nil
}

// Running reports whether the interval timer is active
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Targets returns a copy of the configured targets
func (s *Scheduler) Targets() []Target {
	return append([]Target(nil), s.targets...)
}

// LastReport returns the most recent non-skipped run
func (s *Scheduler) LastReport() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

// Tick is one scheduled run; it does nothing outside the active window
func (s *Scheduler) Tick(ctx context.Context) Report {
	return s.run(ctx, false)
}

// Trigger runs the targets on demand. force ignores the active window.
func (s *Scheduler) Trigger(ctx context.Context, force bool) Report {
	return s.run(ctx, force)
}

func (s *Scheduler) run(ctx context.Context, force bool) Report {
	report := Report{StartedAt: s.opts.Clock(), Forced: force}

	if !force && !s.opts.Window.Contains(report.StartedAt) {
		s.logger.Debug("Prewarm tick outside active window", logging.String("window", s.opts.Window.String()))
		return skip(report, ReasonOutsideWindow)
	}

	if !s.runMu.TryLock() {
		s.logger.Debug("Prewarm tick skipped, previous run still in progress")
		return skip(report, ReasonInProgress)
	}
	defer s.runMu.Unlock()

	if s.opts.Locker != nil {
		lock, err := s.opts.Locker.TryAcquire(ctx, lockKey, s.opts.LockTTL)
		if stderrors.Is(err, locks.ErrNotAcquired) {
			s.logger.Debug("Prewarm tick skipped, another instance holds the lock")
			return skip(report, ReasonLockHeld)
		}
		if err != nil {
			s.logger.Warn("Prewarm lock unavailable, skipping tick", logging.Err(err))
			return skip(report, ReasonLockError)
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("Failed to release prewarm lock", logging.Err(err))
			}
		}()
	}

	results := make([]Result, len(s.targets))
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for i, target := range s.targets {
		i, target := i, target
		g.Go(func() error {
			results[i] = s.refresh(ctx, target)
			return nil
		})
	}
	_ = g.Wait()

	report.Results = results
	for _, r := range results {
		if r.Err != nil {
			report.Failed++
		} else {
			report.Succeeded++
		}
	}

	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()

	s.logger.Info("Prewarm run complete",
		logging.Int("succeeded", report.Succeeded),
		logging.Int("failed", report.Failed),
		logging.Bool("forced", force))
	return report
}

func skip(report Report, reason string) Report {
	report.Skipped = true
	report.Reason = reason
	return report
}

// refresh recomputes one target and stores it. A failure or panic stays
// with its target.
func (s *Scheduler) refresh(ctx context.Context, target Target) (result Result) {
	start := time.Now()
	result = Result{Key: target.Key, Description: target.Description}

	defer func() {
		if r := recover(); r != nil {
			result.Err = errors.InternalError(fmt.Sprintf("recompute panicked: %v", r), nil)
		}
		result.Duration = time.Since(start)
		if result.Err != nil {
			result.Error = result.Err.Error()
			s.logger.Error("Prewarm target failed", result.Err,
				logging.String("key", target.Key),
				logging.String("description", target.Description))
		}
		if s.opts.OnResult != nil {
			s.opts.OnResult(result)
		}
	}()

	tctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	value, err := target.Recompute(tctx)
	if err != nil {
		result.Err = err
		return result
	}
	s.cache.Set(ctx, target.Key, value, target.TTL)
	return result
}
