package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"grc-cache/internal/cache/backend"
	"grc-cache/internal/circuitbreaker"
	"grc-cache/internal/common/errors"
	"grc-cache/internal/common/logging"
)

type staticProvider struct {
	b backend.Backend
}

func (p staticProvider) Current() backend.Backend { return p.b }

// slowBackend delays Get. When ignoreCtx is set the delay runs to completion
// regardless of cancellation, like a protocol without cheap cancellation.
type slowBackend struct {
	backend.Backend
	delay     time.Duration
	ignoreCtx bool
	gets      atomic.Int64
}

func (s *slowBackend) Get(ctx context.Context, key string) ([]byte, error) {
	s.gets.Add(1)
	if s.ignoreCtx {
		time.Sleep(s.delay)
		return s.Backend.Get(context.Background(), key)
	}
	select {
	case <-time.After(s.delay):
		return s.Backend.Get(ctx, key)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type failingBackend struct {
	backend.Backend
	err error
}

func (f *failingBackend) Get(ctx context.Context, key string) ([]byte, error) { return nil, f.err }
func (f *failingBackend) Setex(ctx context.Context, key string, ttl time.Duration, value []byte) error {
	return f.err
}
func (f *failingBackend) Keys(ctx context.Context, pattern string) ([]string, error) { return nil, f.err }
func (f *failingBackend) Del(ctx context.Context, keys ...string) (int64, error) { return 0, f.err }
func (f *failingBackend) FlushDB(ctx context.Context) error { return f.err }

type kindBackend struct {
	backend.Backend
	kind backend.Kind
}

func (k kindBackend) Kind() backend.Kind { return k.kind }

// tolerant keeps the breaker out of the way for counter assertions
var tolerant = circuitbreaker.Config{MaxFailures: 1000, Timeout: time.Minute, MaxConcurrentRequests: 1}

func newTestCache(t *testing.T, b backend.Backend, opts Options) *Cache {
	t.Helper()
	if opts.Breaker == (circuitbreaker.Config{}) {
		opts.Breaker = tolerant
	}
	c := New(staticProvider{b: b}, opts)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func newMemory(t *testing.T) *backend.Memory {
	t.Helper()
	m := backend.NewMemory(time.Minute)
	t.Cleanup(func() { m.Close() })
	return m
}

func drain(t *testing.T, c *Cache) {
	t.Helper()
	c.writes.Wait()
}

func TestCache_ReadAfterWrite(t *testing.T) {
	c := newTestCache(t, newMemory(t), Options{})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("risk:v2:register:%d", i)
		c.Set(ctx, key, map[string]int{"count": i}, time.Minute)

		var got map[string]int
		require.True(t, c.GetJSON(ctx, key, &got))
		assert.Equal(t, i, got["count"])
	}
	assert.Equal(t, int64(20), c.Stats().L1Hits)
}

func TestCache_ReadThrough(t *testing.T) {
	mem := newMemory(t)
	c := newTestCache(t, mem, Options{})
	ctx := context.Background()

	require.NoError(t, mem.Setex(ctx, "audit:v1:tests", time.Minute, []byte(`[1,2]`)))

	value, ok := c.Get(ctx, "audit:v1:tests")
	require.True(t, ok)
	assert.Equal(t, `[1,2]`, string(value))

	_, ok = c.Get(ctx, "audit:v1:tests")
	require.True(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.L2Hits)
	assert.Equal(t, int64(1), stats.L1Hits)
	assert.Equal(t, int64(1), stats.L1Misses)
	assert.Equal(t, 1.0, stats.HitRate)
}

func TestCache_AbsenceIsNotCached(t *testing.T) {
	mem := newMemory(t)
	c := newTestCache(t, mem, Options{})
	ctx := context.Background()

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().L2Misses)

	require.NoError(t, mem.Setex(ctx, "k", time.Minute, []byte(`"v"`)))
	_, ok = c.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().L2Hits)
}

func TestCache_TTLSplit(t *testing.T) {
	mem := newMemory(t)
	c := newTestCache(t, mem, Options{L1TTL: 50 * time.Millisecond})
	ctx := context.Background()

	c.Set(ctx, "k", "v", 10*time.Second)
	drain(t, c)

	ttl, err := mem.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(10), ttl)

	time.Sleep(80 * time.Millisecond)
	_, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().L2Hits)
}

func TestCache_DefaultL2TTL(t *testing.T) {
	mem := newMemory(t)
	c := newTestCache(t, mem, Options{})
	ctx := context.Background()

	c.Set(ctx, "k", "v", 0)
	drain(t, c)

	ttl, err := mem.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultL2TTL/time.Second), ttl)
}

func TestCache_BoundedMissLatency(t *testing.T) {
	for _, ignoreCtx := range []bool{false, true} {
		t.Run(fmt.Sprintf("ignoreCtx=%v", ignoreCtx), func(t *testing.T) {
			slow := &slowBackend{Backend: newMemory(t), delay: 200 * time.Millisecond, ignoreCtx: ignoreCtx}
			c := newTestCache(t, slow, Options{L2Timeout: 50 * time.Millisecond})
			require.NoError(t, slow.Setex(context.Background(), "x", time.Minute, []byte(`1`)))

			start := time.Now()
			_, ok := c.Get(context.Background(), "x")
			elapsed := time.Since(start)

			assert.False(t, ok)
			assert.Less(t, elapsed, 150*time.Millisecond)
			assert.Equal(t, int64(1), c.Stats().L2Timeouts)
		})
	}
}

func TestCache_CallerCancellationDoesNotShortenRace(t *testing.T) {
	mem := newMemory(t)
	slow := &slowBackend{Backend: mem, delay: 20 * time.Millisecond}
	c := newTestCache(t, slow, Options{L2Timeout: 200 * time.Millisecond})
	require.NoError(t, mem.Setex(context.Background(), "k", time.Minute, []byte(`1`)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := c.Get(ctx, "k")
	assert.True(t, ok)
}

func TestCache_ExampleScenario(t *testing.T) {
	mem := newMemory(t)
	slow := &slowBackend{Backend: mem, delay: 200 * time.Millisecond, ignoreCtx: true}
	c := newTestCache(t, slow, Options{
		L1TTL:     time.Second,
		L2TTL:     5 * time.Second,
		L2Timeout: 50 * time.Millisecond,
	})
	ctx := context.Background()

	c.Set(ctx, "x", map[string]int{"v": 1}, 0)

	start := time.Now()
	var got map[string]int
	require.True(t, c.GetJSON(ctx, "x", &got))
	assert.Equal(t, 1, got["v"])
	assert.Less(t, time.Since(start), 20*time.Millisecond)

	time.Sleep(1100 * time.Millisecond)

	start = time.Now()
	_, ok := c.Get(ctx, "x")
	elapsed := time.Since(start)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 150*time.Millisecond)

	// the value did reach L2; only the read lost the race
	value, err := mem.Get(ctx, "x")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(value))
}

func TestCache_FailOpenIdempotence(t *testing.T) {
	slow := &slowBackend{Backend: newMemory(t), delay: time.Second}
	c := newTestCache(t, slow, Options{L2Timeout: 30 * time.Millisecond})

	var durations []time.Duration
	for i := 0; i < 10; i++ {
		start := time.Now()
		_, ok := c.Get(context.Background(), "k")
		durations = append(durations, time.Since(start))
		assert.False(t, ok)
	}

	for _, d := range durations {
		assert.Less(t, d, 100*time.Millisecond)
	}
	assert.Equal(t, int64(10), c.Stats().L2Timeouts)
	assert.Equal(t, int64(10), slow.gets.Load())
}

func TestCache_BackendErrors(t *testing.T) {
	failing := &failingBackend{Backend: newMemory(t), err: errors.ConnectionError("connection reset", nil)}
	c := newTestCache(t, failing, Options{})
	ctx := context.Background()

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().L2Errors)

	c.Set(ctx, "k", "v", time.Minute)
	drain(t, c)
	assert.Equal(t, int64(1), c.Stats().L2WriteErrors)

	// L1 still serves the write
	_, ok = c.Get(ctx, "k")
	assert.True(t, ok)

	c.Invalidate(ctx, "k")
	c.InvalidatePattern(ctx, "k*")
	c.InvalidateAll(ctx)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestCache_OpenBreakerFailsFast(t *testing.T) {
	failing := &failingBackend{Backend: newMemory(t), err: errors.ConnectionError("connection reset", nil)}
	c := newTestCache(t, failing, Options{
		Breaker: circuitbreaker.Config{MaxFailures: 2, Timeout: time.Minute, MaxConcurrentRequests: 1},
	})

	for i := 0; i < 5; i++ {
		_, ok := c.Get(context.Background(), fmt.Sprintf("k%d", i))
		assert.False(t, ok)
	}
	stats := c.Stats()
	assert.Equal(t, int64(5), stats.L2Errors)
	assert.Equal(t, "open", stats.Breaker)
}

func TestCache_NotReady(t *testing.T) {
	c := newTestCache(t, nil, Options{})
	ctx := context.Background()

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)

	c.Set(ctx, "k", "v", time.Minute)
	_, ok = c.Get(ctx, "k")
	assert.True(t, ok)

	c.InvalidatePattern(ctx, "*")
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)

	assert.False(t, c.IsDistributed())
	stats := c.Stats()
	assert.Equal(t, "", stats.Backend)
	assert.Equal(t, int64(0), stats.L2Errors+stats.L2Timeouts+stats.L2Misses)
}

func TestCache_InvalidatePatternCompleteness(t *testing.T) {
	mem := newMemory(t)
	c := newTestCache(t, mem, Options{L1TTL: time.Hour})
	ctx := context.Background()

	c.Set(ctx, "a:1", "x", time.Hour)
	c.Set(ctx, "a:2", "y", time.Hour)
	c.Set(ctx, "b:1", "z", time.Hour)
	drain(t, c)

	c.InvalidatePattern(ctx, "a:*")

	_, ok := c.Get(ctx, "a:1")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "a:2")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "b:1")
	assert.True(t, ok)

	n, err := mem.Exists(ctx, "a:1", "a:2", "b:1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// slowWrites delays Setex so writes are still in flight when invalidation runs
type slowWrites struct {
	backend.Backend
	delay time.Duration
}

func (s slowWrites) Setex(ctx context.Context, key string, ttl time.Duration, value []byte) error {
	time.Sleep(s.delay)
	return s.Backend.Setex(ctx, key, ttl, value)
}

func TestCache_InvalidationWinsOverPendingWrites(t *testing.T) {
	tests := []struct {
		name       string
		invalidate func(ctx context.Context, c *Cache)
	}{
		{"key", func(ctx context.Context, c *Cache) {
			c.Invalidate(ctx, "a:1")
			c.Invalidate(ctx, "a:2")
		}},
		{"pattern", func(ctx context.Context, c *Cache) { c.InvalidatePattern(ctx, "a:*") }},
		{"all", func(ctx context.Context, c *Cache) { c.InvalidateAll(ctx) }},
	}

	for _, delay := range []time.Duration{0, 2 * time.Millisecond} {
		for _, tt := range tests {
			t.Run(fmt.Sprintf("%s/setex %s", tt.name, delay), func(t *testing.T) {
				ctx := context.Background()
				for i := 0; i < 50; i++ {
					mem := newMemory(t)
					c := newTestCache(t, slowWrites{Backend: mem, delay: delay}, Options{L1TTL: time.Hour})

					c.Set(ctx, "a:1", "x", time.Hour)
					c.Set(ctx, "a:2", "y", time.Hour)
					tt.invalidate(ctx, c)
					drain(t, c)

					n, err := mem.Exists(ctx, "a:1", "a:2")
					require.NoError(t, err)
					require.Equal(t, int64(0), n, "run %d", i)
					_, ok := c.Get(ctx, "a:1")
					require.False(t, ok, "run %d", i)
					assert.Zero(t, c.gate.pendingCount())
				}
			})
		}
	}
}

func TestCache_SetAfterInvalidateSurvives(t *testing.T) {
	mem := newMemory(t)
	c := newTestCache(t, slowWrites{Backend: mem, delay: time.Millisecond}, Options{})
	ctx := context.Background()

	c.Set(ctx, "a:1", "old", time.Hour)
	c.InvalidatePattern(ctx, "a:*")
	c.Set(ctx, "a:1", "new", time.Hour)
	drain(t, c)

	raw, err := mem.Get(ctx, "a:1")
	require.NoError(t, err)
	assert.Equal(t, `"new"`, string(raw))
}

func TestCache_Invalidate(t *testing.T) {
	mem := newMemory(t)
	c := newTestCache(t, mem, Options{})
	ctx := context.Background()

	c.Set(ctx, "k1", 1, time.Minute)
	c.Set(ctx, "k2", 2, time.Minute)
	drain(t, c)

	c.Invalidate(ctx, "k1")
	_, ok := c.Get(ctx, "k1")
	assert.False(t, ok)
	_, err := mem.Get(ctx, "k1")
	assert.ErrorIs(t, err, backend.ErrNotFound)

	c.InvalidateAll(ctx)
	_, ok = c.Get(ctx, "k2")
	assert.False(t, ok)
	n, err := mem.Exists(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCache_InvalidPatternIsIgnored(t *testing.T) {
	c := newTestCache(t, newMemory(t), Options{})
	c.Set(context.Background(), "k", 1, time.Minute)

	c.InvalidatePattern(context.Background(), "")

	_, ok := c.Get(context.Background(), "k")
	assert.True(t, ok)
}

func TestGetOrSet(t *testing.T) {
	type register struct {
		Risks []string `json:"risks"`
	}
	c := newTestCache(t, newMemory(t), Options{})
	ctx := context.Background()

	calls := 0
	compute := func(ctx context.Context) (register, error) {
		calls++
		return register{Risks: []string{"R-1", "R-2"}}, nil
	}

	got, err := GetOrSet(ctx, c, "risk:v2:register", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, []string{"R-1", "R-2"}, got.Risks)

	got, err = GetOrSet(ctx, c, "risk:v2:register", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, []string{"R-1", "R-2"}, got.Risks)
	assert.Equal(t, 1, calls)
}

func TestGetOrSet_ComputeErrorPropagates(t *testing.T) {
	c := newTestCache(t, newMemory(t), Options{})
	ctx := context.Background()
	boom := fmt.Errorf("source database unavailable")

	_, err := GetOrSet(ctx, c, "k", time.Minute, func(ctx context.Context) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestCache_Refresh(t *testing.T) {
	c := newTestCache(t, newMemory(t), Options{})
	ctx := context.Background()

	require.NoError(t, c.Refresh(ctx, "k", time.Minute, func(ctx context.Context) (interface{}, error) {
		return []int{1, 2, 3}, nil
	}))
	var got []int
	require.True(t, c.GetJSON(ctx, "k", &got))
	assert.Equal(t, []int{1, 2, 3}, got)

	err := c.Refresh(ctx, "k", time.Minute, func(ctx context.Context) (interface{}, error) {
		return nil, fmt.Errorf("boom")
	})
	assert.EqualError(t, err, "boom")
}

func TestCache_MalformedPayloadIsAMiss(t *testing.T) {
	c := newTestCache(t, nil, Options{})
	ctx := context.Background()

	c.SetRaw(ctx, "k", []byte(`{"broken"`), time.Minute)
	assert.Equal(t, 1, c.l1.Len())

	var dest map[string]interface{}
	assert.False(t, c.GetJSON(ctx, "k", &dest))
	assert.Equal(t, 0, c.l1.Len())
}

func TestCache_UncacheableValue(t *testing.T) {
	c := newTestCache(t, nil, Options{})
	c.Set(context.Background(), "k", make(chan int), time.Minute)

	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
}

func TestCache_DegradationLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	slow := &slowBackend{Backend: newMemory(t), delay: time.Second}
	c := newTestCache(t, slow, Options{
		L2Timeout: 10 * time.Millisecond,
		Logger:    logging.NewZapAdapter(zap.New(core)),
	})

	for i := 0; i < 5; i++ {
		c.Get(context.Background(), "k")
	}

	timeouts := logs.FilterMessage("L2 read timed out, serving miss").All()
	require.Len(t, timeouts, 1)
	assert.Equal(t, zapcore.InfoLevel, timeouts[0].Level)
	assert.Equal(t, "cache", timeouts[0].ContextMap()["component"])
	assert.Equal(t, 0, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestCache_WriteFailureLogsWarn(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	failing := &failingBackend{Backend: newMemory(t), err: errors.ConnectionError("broken pipe", nil)}
	c := newTestCache(t, failing, Options{Logger: logging.NewZapAdapter(zap.New(core))})

	c.Set(context.Background(), "k", "v", time.Minute)
	drain(t, c)

	warns := logs.FilterMessage("L2 write failed").All()
	require.Len(t, warns, 1)
	assert.Equal(t, zapcore.WarnLevel, warns[0].Level)
}

func TestCache_IsDistributed(t *testing.T) {
	mem := newMemory(t)
	assert.False(t, newTestCache(t, mem, Options{}).IsDistributed())

	c := newTestCache(t, kindBackend{Backend: mem, kind: backend.KindRedis}, Options{})
	assert.True(t, c.IsDistributed())
	assert.Equal(t, "redis", c.Stats().Backend)
}

func TestCache_ResetStats(t *testing.T) {
	c := newTestCache(t, newMemory(t), Options{})
	c.Set(context.Background(), "k", 1, time.Minute)
	c.Get(context.Background(), "k")
	c.Get(context.Background(), "missing")

	require.NotZero(t, c.Stats().L1Hits)
	c.ResetStats()
	stats := c.Stats()
	assert.Zero(t, stats.L1Hits)
	assert.Zero(t, stats.L1Misses)
	assert.Zero(t, stats.L2Misses)
	assert.Equal(t, 1, stats.L1Entries)
}

func TestCache_CloseDrainsWrites(t *testing.T) {
	mem := newMemory(t)
	c := New(staticProvider{b: mem}, Options{Breaker: tolerant})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		c.Set(ctx, fmt.Sprintf("k%d", i), i, time.Minute)
	}
	require.NoError(t, c.Close(ctx))

	keys, err := mem.Keys(ctx, "k*")
	require.NoError(t, err)
	assert.Len(t, keys, 10)

	c.Set(ctx, "late", 1, time.Minute)
	require.NoError(t, c.Close(ctx))
	_, err = mem.Get(ctx, "late")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}
