// Package backend defines the distributed (L2) cache capability and its three
// strategies: a persistent-connection Redis client, a REST-protocol client and
// an in-process fallback store. All three implement identical semantics for
// every Backend method.
package backend

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"grc-cache/internal/common/errors"
)

// Kind identifies a backend strategy
type Kind string

const (
	KindMemory Kind = "memory"
	KindRedis  Kind = "redis"
	KindREST   Kind = "rest"
)

// Distributed reports whether the kind is shared across processes
func (k Kind) Distributed() bool {
	return k == KindRedis || k == KindREST
}

const (
	// TTLNoExpiry is returned by TTL for a key without an expiry
	TTLNoExpiry int64 = -1
	// TTLMissing is returned by TTL for a key that does not exist
	TTLMissing int64 = -2
)

// ErrNotFound is returned by Get when the key is absent
var ErrNotFound = stderrors.New("backend: key not found")

// ErrClosed is returned by operations on a closed backend
var ErrClosed = stderrors.New("backend: closed")

// Backend is the L2 capability every strategy satisfies.
//
// Durations are honoured with millisecond precision and must be positive.
// Patterns are globs where `*` matches any run of characters and `?` exactly
// one character.
type Backend interface {
	Setex(ctx context.Context, key string, ttl time.Duration, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
	Exists(ctx context.Context, keys ...string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	TTL(ctx context.Context, key string) (int64, error)
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	FlushDB(ctx context.Context) error
	Kind() Kind
	Close() error
}

// Options selects and configures one strategy
type Options struct {
	Kind      Kind
	KeyPrefix string
	Redis     RedisOptions
	REST      RESTOptions
	// MemorySweepInterval drives the fallback store's janitor
	MemorySweepInterval time.Duration
}

// Open constructs the backend named by opts.Kind. Network backends verify
// reachability before returning.
func Open(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Kind {
	case KindMemory, "":
		return NewMemory(opts.MemorySweepInterval), nil
	case KindRedis:
		ro := opts.Redis
		ro.KeyPrefix = opts.KeyPrefix
		return NewRedis(ctx, ro)
	case KindREST:
		ro := opts.REST
		ro.KeyPrefix = opts.KeyPrefix
		return NewREST(ctx, ro)
	default:
		return nil, errors.ConfigError(fmt.Sprintf("unknown backend kind: %s", opts.Kind))
	}
}

func validateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return errors.ValidationError(fmt.Sprintf("ttl must be positive, got %s", ttl))
	}
	return nil
}

func validatePattern(pattern string) error {
	if pattern == "" {
		return errors.ValidationError("pattern must not be empty")
	}
	return nil
}

func seconds(remaining time.Duration) int64 {
	// rounds to the nearest second like Redis TTL
	return int64((remaining + 500*time.Millisecond) / time.Second)
}
