// Package circuitbreaker guards calls to remote dependencies (the L2 backend,
// HTTP prewarm sources) with Sony's gobreaker.
package circuitbreaker

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"grc-cache/internal/common/errors"
	"grc-cache/internal/common/logging"
)

// Config holds the configuration for a circuit breaker
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the breaker
	MaxFailures int
	// Timeout is how long the breaker stays open before going half-open
	Timeout time.Duration
	// MaxConcurrentRequests is the number of probes allowed while half-open
	MaxConcurrentRequests int
	// Interval clears the closed-state counts; zero never clears
	Interval time.Duration
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		MaxFailures:           5,
		Timeout:               60 * time.Second,
		MaxConcurrentRequests: 1,
		Interval:              time.Minute,
	}
}

var (
	// BackendConfig guards L2 cache calls. It opens quickly and probes again
	// soon because every call it rejects is already a fail-open miss.
	BackendConfig = Config{
		MaxFailures:           5,
		Timeout:               10 * time.Second,
		MaxConcurrentRequests: 1,
		Interval:              30 * time.Second,
	}

	// SourceConfig guards HTTP prewarm sources
	SourceConfig = Config{
		MaxFailures:           3,
		Timeout:               30 * time.Second,
		MaxConcurrentRequests: 1,
		Interval:              time.Minute,
	}
)

// Validate checks if the configuration is valid
func (c Config) Validate() error {
	if c.MaxFailures <= 0 {
		return errors.ConfigError(fmt.Sprintf("MaxFailures must be positive, got %d", c.MaxFailures))
	}
	if c.Timeout <= 0 {
		return errors.ConfigError(fmt.Sprintf("Timeout must be positive, got %v", c.Timeout))
	}
	if c.MaxConcurrentRequests <= 0 {
		return errors.ConfigError(fmt.Sprintf("MaxConcurrentRequests must be positive, got %d", c.MaxConcurrentRequests))
	}
	return nil
}

// State represents the current state of the circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of one breaker
type Stats struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	Failures  int    `json:"failures"`
	Successes int    `json:"successes"`
}

// Option customises a breaker
type Option func(*gobreaker.Settings)

// WithSuccess marks additional errors as successful outcomes, e.g. a cache
// miss that is reported through an error value.
func WithSuccess(ok func(error) bool) Option {
	return func(s *gobreaker.Settings) {
		base := s.IsSuccessful
		s.IsSuccessful = func(err error) bool {
			return ok(err) || base(err)
		}
	}
}

// ErrOpen is wrapped by errors returned while the breaker rejects calls
var ErrOpen = stderrors.New("circuit breaker open")

// GoBreakerAdapter wraps Sony's gobreaker
type GoBreakerAdapter struct {
	name    string
	breaker *gobreaker.CircuitBreaker
	logger  logging.Logger
}

// NewGoBreaker creates a breaker. An invalid config falls back to the defaults.
func NewGoBreaker(name string, config Config, logger logging.Logger, opts ...Option) *GoBreakerAdapter {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if err := config.Validate(); err != nil {
		logger.Warn("Invalid circuit breaker config, using defaults",
			logging.String("name", name),
			logging.Err(err))
		config = DefaultConfig()
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(config.MaxConcurrentRequests),
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(config.MaxFailures)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Circuit breaker state changed",
				logging.String("breaker", name),
				logging.String("from", from.String()),
				logging.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// caller errors and abandoned calls say nothing about the dependency
			if errors.IsType(err, errors.ErrTypeValidation) || stderrors.Is(err, context.Canceled) {
				return true
			}
			return false
		},
	}
	for _, opt := range opts {
		opt(&settings)
	}

	return &GoBreakerAdapter{
		name:    name,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

// Execute runs fn within the breaker. While open it returns an error
// wrapping ErrOpen without calling fn.
func (g *GoBreakerAdapter) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	return g.translate(err)
}

// Do runs fn within the breaker and returns its result
func Do[T any](ctx context.Context, g *GoBreakerAdapter, fn func(ctx context.Context) (T, error)) (T, error) {
	res, err := g.breaker.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	v, _ := res.(T)
	if err != nil {
		return v, g.translate(err)
	}
	return v, nil
}

func (g *GoBreakerAdapter) translate(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return errors.InternalError(fmt.Sprintf("circuit breaker '%s' rejected call", g.name),
			fmt.Errorf("%w: %v", ErrOpen, err))
	}
	return err
}

// IsOpenError reports whether err came from a rejecting breaker
func IsOpenError(err error) bool {
	return stderrors.Is(err, ErrOpen)
}

// State returns the current state of the circuit breaker
func (g *GoBreakerAdapter) State() State {
	switch g.breaker.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Stats returns current statistics
func (g *GoBreakerAdapter) Stats() Stats {
	counts := g.breaker.Counts()
	return Stats{
		Name:      g.name,
		State:     g.State().String(),
		Failures:  int(counts.TotalFailures),
		Successes: int(counts.TotalSuccesses),
	}
}

// IsOpen returns true if the circuit breaker is open
func (g *GoBreakerAdapter) IsOpen() bool {
	return g.breaker.State() == gobreaker.StateOpen
}
