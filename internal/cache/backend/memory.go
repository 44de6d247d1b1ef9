package backend

import (
	"context"
	"sync/atomic"
	"time"

	"grc-cache/internal/cache/local"
)

// Memory is the in-process fallback. It is addressed exactly like a
// distributed backend but shares nothing across processes.
type Memory struct {
	store  *local.Store
	closed atomic.Bool
}

// NewMemory creates the fallback store. sweepInterval <= 0 defaults to a minute.
func NewMemory(sweepInterval time.Duration) *Memory {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &Memory{store: local.New(time.Hour, sweepInterval)}
}

func (m *Memory) check(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

func (m *Memory) Setex(ctx context.Context, key string, ttl time.Duration, value []byte) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	if err := validateTTL(ttl); err != nil {
		return err
	}
	m.store.Set(key, value, ttl)
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	value, ok := m.store.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

func (m *Memory) Del(ctx context.Context, keys ...string) (int64, error) {
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	return int64(m.store.Delete(keys...)), nil
}

func (m *Memory) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}
	return m.store.Keys(pattern)
}

func (m *Memory) Exists(ctx context.Context, keys ...string) (int64, error) {
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	var n int64
	for _, key := range keys {
		if _, ok := m.store.Get(key); ok {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := m.check(ctx); err != nil {
		return false, err
	}
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	return m.store.Expire(key, ttl), nil
}

func (m *Memory) TTL(ctx context.Context, key string) (int64, error) {
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	entry, ok := m.store.Lookup(key)
	if !ok {
		return TTLMissing, nil
	}
	if entry.ExpiresAt.IsZero() {
		return TTLNoExpiry, nil
	}
	return seconds(time.Until(entry.ExpiresAt)), nil
}

func (m *Memory) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := m.check(ctx); err != nil {
		return false, err
	}
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	return m.store.Add(key, value, ttl), nil
}

func (m *Memory) FlushDB(ctx context.Context) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	m.store.Flush()
	return nil
}

func (m *Memory) Kind() Kind { return KindMemory }

func (m *Memory) Close() error {
	m.closed.Store(true)
	m.store.Flush()
	return nil
}
