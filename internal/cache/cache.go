// Package cache is the two-tier orchestrator. Reads check the in-process L1
// store first and fall through to the L2 backend under a short timeout; any
// L2 timeout or error is reported as a miss so callers recompute from their
// own source. Writes land in L1 synchronously and in L2 in the background.
package cache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"grc-cache/internal/cache/backend"
	"grc-cache/internal/cache/local"
	"grc-cache/internal/circuitbreaker"
	"grc-cache/internal/common/errors"
	"grc-cache/internal/common/logging"
)

const (
	DefaultL1TTL          = 30 * time.Second
	DefaultL1Sweep        = time.Minute
	DefaultL2TTL          = 5 * time.Minute
	DefaultL2Timeout      = 300 * time.Millisecond
	DefaultL2WriteTimeout = 2 * time.Second

	degradedLogInterval = 5 * time.Second
)

// Provider supplies the live L2 handle, or nil while it is not ready
type Provider interface {
	Current() backend.Backend
}

// Options configures the orchestrator; zero values take the defaults above
type Options struct {
	L1TTL           time.Duration
	L1SweepInterval time.Duration
	L2TTL           time.Duration
	L2Timeout       time.Duration
	L2WriteTimeout  time.Duration
	Breaker         circuitbreaker.Config
	Logger          logging.Logger
}

func (o *Options) applyDefaults() {
	if o.L1TTL <= 0 {
		o.L1TTL = DefaultL1TTL
	}
	if o.L1SweepInterval <= 0 {
		o.L1SweepInterval = DefaultL1Sweep
	}
	if o.L2TTL <= 0 {
		o.L2TTL = DefaultL2TTL
	}
	if o.L2Timeout <= 0 {
		o.L2Timeout = DefaultL2Timeout
	}
	if o.L2WriteTimeout <= 0 {
		o.L2WriteTimeout = DefaultL2WriteTimeout
	}
	if o.Breaker == (circuitbreaker.Config{}) {
		o.Breaker = circuitbreaker.BackendConfig
	}
	if o.Logger == nil {
		o.Logger = logging.NewNopLogger()
	}
}

// Cache is the two-tier orchestrator
type Cache struct {
	l1       *local.Store
	provider Provider
	opts     Options
	breaker  *circuitbreaker.GoBreakerAdapter
	logger   logging.Logger
	stats    counters

	// degradation is expected under backend trouble; keep it from flooding logs
	readLog    *rate.Limiter
	writeLog   *rate.Limiter
	suppressed atomic.Int64

	// writesMu orders writes.Add against Close
	writesMu sync.RWMutex
	writes   sync.WaitGroup
	closed   atomic.Bool
	gate     writeGate
}

// New creates an orchestrator over provider
func New(provider Provider, opts Options) *Cache {
	opts.applyDefaults()
	logger := opts.Logger.WithFields(logging.String("component", "cache"))
	breaker := circuitbreaker.NewGoBreaker("cache-l2", opts.Breaker, logger,
		circuitbreaker.WithSuccess(func(err error) bool {
			return stderrors.Is(err, backend.ErrNotFound)
		}))

	return &Cache{
		l1:       local.New(opts.L1TTL, opts.L1SweepInterval),
		provider: provider,
		opts:     opts,
		breaker:  breaker,
		logger:   logger,
		readLog:  rate.NewLimiter(rate.Every(degradedLogInterval), 1),
		writeLog: rate.NewLimiter(rate.Every(degradedLogInterval), 1),
	}
}

// backendOrNil is the live handle, nil when not ready or after Close
func (c *Cache) backendOrNil() backend.Backend {
	if c.closed.Load() || c.provider == nil {
		return nil
	}
	return c.provider.Current()
}

// Get returns the payload stored under key. ok is false on a miss, including
// every L2 timeout or error.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if value, ok := c.l1.Get(key); ok {
		c.stats.l1Hits.Add(1)
		return value, true
	}
	c.stats.l1Misses.Add(1)

	be := c.backendOrNil()
	if be == nil {
		c.logger.Debug("L2 not ready, treating as miss", logging.String("key", key))
		return nil, false
	}

	value, err := c.fetch(ctx, be, key)
	switch {
	case err == nil:
		c.stats.l2Hits.Add(1)
		c.l1.Set(key, value, c.opts.L1TTL)
		return value, true
	case stderrors.Is(err, backend.ErrNotFound):
		c.stats.l2Misses.Add(1)
	case errors.IsType(err, errors.ErrTypeTimeout):
		c.stats.l2Timeouts.Add(1)
		c.degraded(c.readLog, "L2 read timed out, serving miss", key, err)
	default:
		c.stats.l2Errors.Add(1)
		c.degraded(c.readLog, "L2 read failed, serving miss", key, err)
	}
	return nil, false
}

// fetch races the L2 read against L2Timeout. The read is detached from the
// caller's cancellation; the timeout cancels it when it loses.
func (c *Cache) fetch(ctx context.Context, be backend.Backend, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.L2Timeout)
	defer cancel()

	type result struct {
		value []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := circuitbreaker.Do(ctx, c.breaker, func(ctx context.Context) ([]byte, error) {
			return be.Get(ctx, key)
		})
		done <- result{value, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == context.DeadlineExceeded {
			return nil, errors.TimeoutError("l2 get", r.err)
		}
		return r.value, r.err
	case <-ctx.Done():
		return nil, errors.TimeoutError("l2 get", ctx.Err())
	}
}

func (c *Cache) degraded(limiter *rate.Limiter, msg, key string, err error) {
	if !limiter.Allow() {
		c.suppressed.Add(1)
		return
	}
	fields := []logging.Field{logging.String("key", key), logging.Err(err)}
	if n := c.suppressed.Swap(0); n > 0 {
		fields = append(fields, logging.Int64("suppressed", n))
	}
	if limiter == c.writeLog {
		c.logger.Warn(msg, fields...)
		return
	}
	c.logger.Info(msg, fields...)
}

// GetJSON decodes the payload under key into dest. A payload that does not
// decode is treated as a miss and dropped from L1.
func (c *Cache) GetJSON(ctx context.Context, key string, dest interface{}) bool {
	payload, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		c.l1.Delete(key)
		c.logger.Debug("Discarding malformed cached payload",
			logging.String("key", key),
			logging.Err(errors.SerializationError("decode cached payload", err)))
		return false
	}
	return true
}

// Set JSON-encodes value and stores it. ttl <= 0 uses the L2 default.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	payload, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("Value not cacheable",
			logging.String("key", key),
			logging.Err(errors.SerializationError("encode value", err)))
		return
	}
	c.SetRaw(ctx, key, payload, ttl)
}

// SetRaw stores payload in L1 for min(ttl, L1 TTL) and schedules the L2 write
// with the full ttl. It never blocks on L2 and never fails visibly.
func (c *Cache) SetRaw(ctx context.Context, key string, payload []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.opts.L2TTL
	}
	c.l1.Set(key, payload, minDuration(ttl, c.opts.L1TTL))

	be := c.backendOrNil()
	if be == nil {
		c.logger.Debug("L2 not ready, write kept in L1 only", logging.String("key", key))
		return
	}

	c.writesMu.RLock()
	if c.closed.Load() {
		c.writesMu.RUnlock()
		return
	}
	c.writes.Add(1)
	seq := c.gate.schedule()
	c.writesMu.RUnlock()

	payload = append([]byte(nil), payload...)
	go func() {
		defer c.writes.Done()
		var err error
		ran := c.gate.write(seq, key, func() {
			wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.L2WriteTimeout)
			defer cancel()
			err = c.breaker.Execute(wctx, func(ctx context.Context) error {
				return be.Setex(ctx, key, ttl, payload)
			})
		})
		if !ran {
			c.logger.Debug("L2 write superseded by invalidation", logging.String("key", key))
			return
		}
		if err != nil {
			c.stats.l2WriteErrors.Add(1)
			c.degraded(c.writeLog, "L2 write failed", key, err)
		}
	}()
}

// Refresh recomputes a value and stores it through Set. Compute failures are
// returned untouched.
func (c *Cache) Refresh(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (interface{}, error)) error {
	value, err := compute(ctx)
	if err != nil {
		return err
	}
	c.Set(ctx, key, value, ttl)
	return nil
}

// GetOrSet returns the cached value under key, or computes, stores and
// returns it. Compute failures propagate to the caller.
func GetOrSet[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, compute func(ctx context.Context) (T, error)) (T, error) {
	var cached T
	if c.GetJSON(ctx, key, &cached) {
		return cached, nil
	}
	value, err := compute(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.Set(ctx, key, value, ttl)
	return value, nil
}

// Invalidate removes key from both tiers. L2 writes of key still pending
// from earlier Sets are dropped.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.l1.Delete(key)
	c.l2(ctx, "del", key, func(k string) bool { return k == key }, func(ctx context.Context, be backend.Backend) error {
		_, err := be.Del(ctx, key)
		return err
	})
}

// InvalidateAll clears L1 and flushes L2. It is coarse and destructive.
func (c *Cache) InvalidateAll(ctx context.Context) {
	c.l1.Flush()
	c.l2(ctx, "flushdb", "*", func(string) bool { return true }, func(ctx context.Context, be backend.Backend) error {
		return be.FlushDB(ctx)
	})
	c.logger.Info("Cache flushed")
}

// InvalidatePattern deletes every key matching the glob from both tiers. An
// invalid pattern clears nothing.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) {
	g, err := local.CompilePattern(pattern)
	if err != nil {
		c.logger.Warn("Invalid invalidation pattern", logging.String("pattern", pattern), logging.Err(err))
		return
	}
	removed, _ := c.l1.DeletePattern(pattern)
	c.logger.Debug("Invalidated L1 keys", logging.String("pattern", pattern), logging.Int("removed", removed))

	c.l2(ctx, "invalidate pattern", pattern, g.Match, func(ctx context.Context, be backend.Backend) error {
		keys, err := be.Keys(ctx, pattern)
		if err != nil || len(keys) == 0 {
			return err
		}
		_, err = be.Del(ctx, keys...)
		return err
	})
}

// l2 runs a synchronous L2 invalidation bounded by the write timeout once
// pending writes of matching keys are settled; failures are logged and
// dropped.
func (c *Cache) l2(ctx context.Context, op, key string, match func(string) bool, fn func(ctx context.Context, be backend.Backend) error) {
	c.gate.invalidate(match, func() {
		be := c.backendOrNil()
		if be == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.L2WriteTimeout)
		defer cancel()

		err := c.breaker.Execute(ctx, func(ctx context.Context) error {
			return fn(ctx, be)
		})
		if err != nil {
			c.degraded(c.writeLog, "L2 "+op+" failed", key, err)
		}
	})
}

// IsDistributed reports whether the live L2 handle is shared across processes
func (c *Cache) IsDistributed() bool {
	be := c.backendOrNil()
	return be != nil && be.Kind().Distributed()
}

// Stats returns a snapshot of the counters
func (c *Cache) Stats() Stats {
	s := c.stats.snapshot()
	s.L1Entries = c.l1.Len()
	s.Breaker = c.breaker.State().String()
	if be := c.backendOrNil(); be != nil {
		s.Backend = string(be.Kind())
		s.Distributed = be.Kind().Distributed()
	}
	return s
}

// ResetStats zeroes the counters
func (c *Cache) ResetStats() {
	c.stats.reset()
}

// Close stops accepting L2 writes and waits for in-flight ones, or for ctx
func (c *Cache) Close(ctx context.Context) error {
	c.writesMu.Lock()
	c.closed.Store(true)
	c.writesMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.writes.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
