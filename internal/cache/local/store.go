// Package local implements the in-process cache tier: a TTL map with a
// periodic janitor sweep, lazy expiry on read and glob-pattern scans.
package local

import (
	"sort"
	"sync"
	"time"

	"github.com/gobwas/glob"
	gocache "github.com/patrickmn/go-cache"

	"grc-cache/internal/common/errors"
)

// Entry is one stored value. Payload is owned by the store; callers only
// ever see copies.
type Entry struct {
	Payload   []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store is an unbounded key/value map with per-entry expiry. Growth between
// sweeps is accepted: the keyspace it serves is catalog sized.
type Store struct {
	items      *gocache.Cache
	defaultTTL time.Duration
	// serialises compound mutations (check-then-write) on top of go-cache
	mu sync.Mutex
}

// New creates a store whose janitor removes expired entries every
// sweepInterval. ttl <= 0 passed to Set falls back to defaultTTL.
func New(defaultTTL, sweepInterval time.Duration) *Store {
	return &Store{
		items:      gocache.New(defaultTTL, sweepInterval),
		defaultTTL: defaultTTL,
	}
}

// DefaultTTL returns the TTL used when Set is given none
func (s *Store) DefaultTTL() time.Duration {
	return s.defaultTTL
}

// Set stores a copy of value under key
func (s *Store) Set(key string, value []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(key, value, ttl)
}

func (s *Store) set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := time.Now()
	s.items.Set(key, Entry{
		Payload:   clone(value),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, ttl)
}

// Get returns a copy of the payload. Expired entries that the janitor has not
// swept yet are reported as absent.
func (s *Store) Get(key string) ([]byte, bool) {
	entry, ok := s.Lookup(key)
	if !ok {
		return nil, false
	}
	return entry.Payload, true
}

// Lookup returns the full entry, payload copied
func (s *Store) Lookup(key string) (Entry, bool) {
	v, found := s.items.Get(key)
	if !found {
		return Entry{}, false
	}
	entry := v.(Entry)
	entry.Payload = clone(entry.Payload)
	return entry, true
}

// Add stores value only if key is absent or expired. Reports whether it stored.
func (s *Store) Add(key string, value []byte, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, found := s.items.Get(key); found {
		return false
	}
	s.set(key, value, ttl)
	return true
}

// Expire resets the TTL of an existing key. Reports whether the key existed.
func (s *Store) Expire(key string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, found := s.items.Get(key)
	if !found {
		return false
	}
	entry := v.(Entry)
	entry.ExpiresAt = time.Now().Add(ttl)
	s.items.Set(key, entry, ttl)
	return true
}

// Delete removes keys and returns how many were present
func (s *Store) Delete(keys ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, key := range keys {
		if _, found := s.items.Get(key); found {
			removed++
		}
		s.items.Delete(key)
	}
	return removed
}

// Keys returns the live keys matching a glob pattern (`*` and `?`), sorted
func (s *Store) Keys(pattern string) ([]string, error) {
	matcher, err := CompilePattern(pattern)
	if err != nil {
		return nil, err
	}

	var keys []string
	for key := range s.items.Items() {
		if matcher.Match(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// DeletePattern removes every live key matching pattern
func (s *Store) DeletePattern(pattern string) (int, error) {
	keys, err := s.Keys(pattern)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	return s.Delete(keys...), nil
}

// Flush removes everything
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items.Flush()
}

// Len counts stored entries, including expired ones not yet swept
func (s *Store) Len() int {
	return s.items.ItemCount()
}

// Sweep removes expired entries now instead of waiting for the janitor
func (s *Store) Sweep() {
	s.items.DeleteExpired()
}

// CompilePattern compiles a key glob. Keys have no path separators, so `*`
// spans any run of characters including ':'.
func CompilePattern(pattern string) (glob.Glob, error) {
	if pattern == "" {
		return nil, errors.ValidationError("pattern must not be empty")
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, errors.ValidationError("invalid key pattern " + pattern).WithContext("reason", err.Error())
	}
	return g, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
