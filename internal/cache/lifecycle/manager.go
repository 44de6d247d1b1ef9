// Package lifecycle owns the process-wide L2 backend handle. It guarantees a
// single connection per process no matter how many callers race to
// initialize it, and substitutes the in-process store for the rest of the
// process lifetime when the configured backend cannot be reached.
package lifecycle

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"grc-cache/internal/cache/backend"
	"grc-cache/internal/common/errors"
	"grc-cache/internal/common/logging"
)

// State is the readiness of the managed handle
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	// StateDegraded means the configured backend was unreachable and the
	// in-process fallback is serving instead
	StateDegraded State = "degraded"
)

const (
	defaultConnectAttempts = 3
	defaultConnectTimeout  = 5 * time.Second
	defaultRetryInterval   = 200 * time.Millisecond
	initKey                = "init"
)

// ErrClosed is returned by Init after Close
var ErrClosed = stderrors.New("lifecycle: manager closed")

// Factory constructs a backend; backend.Open is the default
type Factory func(ctx context.Context, opts backend.Options) (backend.Backend, error)

// Options configures the manager
type Options struct {
	Backend         backend.Options
	ConnectAttempts int
	ConnectTimeout  time.Duration
	// RetryInterval is the first delay between connect attempts
	RetryInterval time.Duration
	Factory       Factory
	Logger        logging.Logger
}

// Manager hands out the one live backend handle
type Manager struct {
	opts   Options
	logger logging.Logger
	group  singleflight.Group

	mu      sync.RWMutex
	handle  backend.Backend
	state   State
	lastErr error
	closed  bool

	connections atomic.Int64
}

// New creates a manager in the uninitialized state. Nothing is dialled until
// Init is called.
func New(opts Options) *Manager {
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = defaultConnectAttempts
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.Factory == nil {
		opts.Factory = backend.Open
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	return &Manager{
		opts:   opts,
		logger: opts.Logger.WithFields(logging.String("component", "cache-lifecycle")),
		state:  StateUninitialized,
	}
}

// Init returns the live handle, initializing it on first use. Concurrent
// callers share one in-flight initialization. If ctx ends first Init returns
// ctx.Err() while the initialization carries on for the next caller.
func (m *Manager) Init(ctx context.Context) (backend.Backend, error) {
	if h := m.Current(); h != nil {
		return h, nil
	}

	ch := m.group.DoChan(initKey, func() (interface{}, error) {
		return m.initialize()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(backend.Backend), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) initialize() (backend.Backend, error) {
	m.mu.Lock()
	// a previous flight may have completed between Current and DoChan
	if m.handle != nil {
		h := m.handle
		m.mu.Unlock()
		return h, nil
	}
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.state = StateInitializing
	m.mu.Unlock()

	h, connectErr := m.connect()
	state := StateReady
	if connectErr != nil {
		m.logger.Warn("Distributed cache unreachable, using in-process fallback",
			logging.String("backend", string(m.opts.Backend.Kind)),
			logging.Int("attempts", m.opts.ConnectAttempts),
			logging.Err(connectErr))
		h = backend.NewMemory(m.opts.Backend.MemorySweepInterval)
		state = StateDegraded
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = h.Close()
		return nil, ErrClosed
	}
	m.handle = h
	m.state = state
	m.lastErr = connectErr
	if state == StateReady {
		m.logger.Info("Cache backend ready", logging.String("backend", string(h.Kind())))
	}
	return h, nil
}

// connect builds the configured backend, retrying with exponential backoff
func (m *Manager) connect() (backend.Backend, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.RetryInterval
	retry := backoff.WithMaxRetries(b, uint64(m.opts.ConnectAttempts-1))

	var h backend.Backend
	attempt := 0
	op := func() error {
		attempt++
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
		defer cancel()

		created, err := m.opts.Factory(ctx, m.opts.Backend)
		if err != nil {
			if errors.IsType(err, errors.ErrTypeConfig) {
				return backoff.Permanent(err)
			}
			return err
		}
		m.connections.Add(1)
		h = created
		return nil
	}
	notify := func(err error, delay time.Duration) {
		m.logger.Debug("Cache backend connect attempt failed",
			logging.Int("attempt", attempt),
			logging.Duration("retry_in", delay),
			logging.Err(err))
	}

	if err := backoff.RetryNotify(op, retry, notify); err != nil {
		return nil, err
	}
	return h, nil
}

// Current returns the live handle or nil when initialization has not
// completed. It never blocks on initialization.
func (m *Manager) Current() backend.Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handle
}

// State reports the readiness of the handle
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Kind returns the live backend kind, or "" before initialization
func (m *Manager) Kind() backend.Kind {
	if h := m.Current(); h != nil {
		return h.Kind()
	}
	return ""
}

// Distributed reports whether the live handle is shared across processes
func (m *Manager) Distributed() bool {
	return m.Kind().Distributed()
}

// Connections counts backend constructions over the manager's lifetime
func (m *Manager) Connections() int64 {
	return m.connections.Load()
}

// LastError is the connect failure that caused degradation, if any
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Close releases the live handle. Later Init calls fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	h := m.handle
	m.handle = nil
	m.closed = true
	m.state = StateUninitialized
	m.mu.Unlock()

	if h == nil {
		return nil
	}
	return h.Close()
}
