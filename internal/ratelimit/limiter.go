// Package ratelimit gives each operator API caller its own token bucket.
package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"grc-cache/internal/common/errors"
	"grc-cache/internal/common/logging"
)

// Config configures a Limiter
type Config struct {
	RequestsPerSecond float64
	BurstSize         int
	// MaxKeys bounds the number of tracked callers
	MaxKeys int
	// IdleTimeout drops callers not seen for this long
	IdleTimeout time.Duration
}

// DefaultConfig returns the default operator API limits
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5,
		BurstSize:         20,
		MaxKeys:           10000,
		IdleTimeout:       10 * time.Minute,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.RequestsPerSecond <= 0 {
		return errors.ConfigError("rate limit must be positive")
	}
	if c.BurstSize < 1 {
		return errors.ConfigError("rate limit burst must be at least 1")
	}
	if c.MaxKeys < 1 || c.IdleTimeout <= 0 {
		return errors.ConfigError("rate limit key bounds must be positive")
	}
	return nil
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Limiter holds one token bucket per key
type Limiter struct {
	mu          sync.Mutex
	config      Config
	limiters    map[string]*limiterEntry
	lastCleanup time.Time
	now         func() time.Time
}

// NewLimiter creates a keyed limiter
func NewLimiter(config Config) (*Limiter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Limiter{
		config:      config,
		limiters:    make(map[string]*limiterEntry),
		lastCleanup: time.Now(),
		now:         time.Now,
	}, nil
}

// Allow takes a token for key, reporting false when none is left
func (l *Limiter) Allow(key string) bool {
	return l.limiterFor(key).AllowN(l.now(), 1)
}

func (l *Limiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastCleanup) > l.config.IdleTimeout {
		l.cleanup(now)
	}

	entry, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= l.config.MaxKeys {
			l.cleanup(now)
		}
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.BurstSize),
		}
		l.limiters[key] = entry
	}
	entry.lastUsed = now
	return entry.limiter
}

// cleanup drops idle keys, and every key when still over MaxKeys
func (l *Limiter) cleanup(now time.Time) {
	for key, entry := range l.limiters {
		if now.Sub(entry.lastUsed) > l.config.IdleTimeout {
			delete(l.limiters, key)
		}
	}
	if len(l.limiters) >= l.config.MaxKeys {
		l.limiters = make(map[string]*limiterEntry)
	}
	l.lastCleanup = now
}

// Len returns the number of tracked keys
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// OperatorKey keys by authenticated operator, falling back to client IP
func OperatorKey(r *http.Request) string {
	if operator, ok := logging.OperatorFromContext(r.Context()); ok && operator != "" {
		return "operator:" + operator
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// HTTPMiddleware rejects requests over the limit with 429
func (l *Limiter) HTTPMiddleware(keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(max(1, 1/l.config.RequestsPerSecond)))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(keyFunc(r)) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", retryAfter)
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"Rate limit exceeded"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
