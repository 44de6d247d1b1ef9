// Package locks provides the cluster-wide mutual exclusion used to let a
// single instance run each prewarm tick. Redis deployments use the Redlock
// implementation from go-redsync; other backends fall back to the cache
// backend's atomic set-if-absent.
package locks

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"grc-cache/internal/cache/backend"
	"grc-cache/internal/common/errors"
)

const keyPrefix = "lock:"

// ErrNotAcquired is returned when another holder owns the lock
var ErrNotAcquired = stderrors.New("lock already held by another process")

// Lock is a held lock
type Lock interface {
	Key() string
	Release(ctx context.Context) error
	IsHeld() bool
}

// Locker acquires locks without waiting for them
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Provider supplies the live cache backend, or nil while it is not ready
type Provider interface {
	Current() backend.Backend
}

// SetNXLocker locks through Backend.SetNX. With no backend ready, or with
// the in-process fallback, there is nothing to coordinate with and every
// acquisition succeeds locally.
type SetNXLocker struct {
	provider Provider
}

// NewSetNXLocker creates a locker over provider
func NewSetNXLocker(provider Provider) *SetNXLocker {
	return &SetNXLocker{provider: provider}
}

func (l *SetNXLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	be := l.provider.Current()
	if be == nil {
		return &heldLock{key: key}, nil
	}

	token := uuid.NewString()
	ok, err := be.SetNX(ctx, keyPrefix+key, []byte(token), ttl)
	if err != nil {
		return nil, errors.ConnectionError("failed to acquire lock", err).WithContext("key", key)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
	}
	return &setNXLock{heldLock: heldLock{key: key}, backend: be, token: token}, nil
}

type heldLock struct {
	key      string
	released bool
}

func (h *heldLock) Key() string { return h.key }

func (h *heldLock) IsHeld() bool { return !h.released }

func (h *heldLock) Release(ctx context.Context) error {
	h.released = true
	return nil
}

type setNXLock struct {
	heldLock
	backend backend.Backend
	token   string
}

// Release deletes the lock key if it still carries this holder's token.
// The check and the delete are two commands; a lock that expired in between
// and was re-acquired can be removed. Lock TTLs are sized well above a tick
// to keep that window theoretical.
func (s *setNXLock) Release(ctx context.Context) error {
	if s.released {
		return nil
	}
	s.released = true

	value, err := s.backend.Get(ctx, keyPrefix+s.key)
	if stderrors.Is(err, backend.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.ConnectionError("failed to release lock", err).WithContext("key", s.key)
	}
	if string(value) != s.token {
		return nil
	}
	if _, err := s.backend.Del(ctx, keyPrefix+s.key); err != nil {
		return errors.ConnectionError("failed to release lock", err).WithContext("key", s.key)
	}
	return nil
}

type redisBackend interface {
	Client() *redis.Client
	Prefix() string
}

// Auto picks the lock strategy from the live backend: Redlock when it is
// Redis, set-if-absent otherwise.
type Auto struct {
	provider Provider
	setnx    *SetNXLocker

	mu       sync.Mutex
	redsync  *RedsyncManager
	redisFor *redis.Client
}

// NewAuto creates a locker that follows provider's live backend
func NewAuto(provider Provider) *Auto {
	return &Auto{provider: provider, setnx: NewSetNXLocker(provider)}
}

func (a *Auto) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	if rb, ok := a.provider.Current().(redisBackend); ok {
		return a.redsyncFor(rb).TryAcquire(ctx, key, ttl)
	}
	return a.setnx.TryAcquire(ctx, key, ttl)
}

func (a *Auto) redsyncFor(rb redisBackend) *RedsyncManager {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.redsync == nil || a.redisFor != rb.Client() {
		a.redsync = NewRedsyncManager(rb.Client(), rb.Prefix())
		a.redisFor = rb.Client()
	}
	return a.redsync
}

// Close releases every Redlock still held
func (a *Auto) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.redsync == nil {
		return nil
	}
	return a.redsync.Close()
}
