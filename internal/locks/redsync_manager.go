package locks

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"

	"grc-cache/internal/common/errors"
)

const (
	minRenewInterval = time.Second
	unlockTimeout    = 5 * time.Second
)

// RedsyncManager acquires Redlock mutexes and renews them in the background
// until they are released.
type RedsyncManager struct {
	redsync    *redsync.Redsync
	prefix     string
	localLocks map[string]*RedsyncLock
	mutex      sync.Mutex
}

// RedsyncLock is a held Redlock mutex
type RedsyncLock struct {
	mutex   *redsync.Mutex
	key     string
	expiry  time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	manager *RedsyncManager
	once    sync.Once
}

// NewRedsyncManager creates a manager over client. prefix matches the cache
// backend's key prefix so lock keys live in the same namespace.
func NewRedsyncManager(client *redis.Client, prefix string) *RedsyncManager {
	return &RedsyncManager{
		redsync:    redsync.New(goredis.NewPool(client)),
		prefix:     prefix,
		localLocks: make(map[string]*RedsyncLock),
	}
}

// TryAcquire makes a single acquisition attempt. A lock held elsewhere
// yields an error wrapping ErrNotAcquired; Redis failures are connection
// errors.
func (rm *RedsyncManager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	mutex := rm.redsync.NewMutex(rm.prefix+keyPrefix+key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1))

	if err := mutex.TryLockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if stderrors.As(err, &taken) || stderrors.Is(err, redsync.ErrFailed) {
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, err)
		}
		return nil, errors.ConnectionError("lock backend unavailable", err).WithContext("key", key)
	}

	lockCtx, cancel := context.WithCancel(context.Background())
	lock := &RedsyncLock{
		mutex:   mutex,
		key:     key,
		expiry:  ttl,
		ctx:     lockCtx,
		cancel:  cancel,
		manager: rm,
	}

	rm.mutex.Lock()
	rm.localLocks[key] = lock
	rm.mutex.Unlock()

	go rm.renewLock(lock)
	return lock, nil
}

// renewLock extends the lock at a third of its expiry until released or lost
func (rm *RedsyncManager) renewLock(lock *RedsyncLock) {
	interval := lock.expiry / 3
	if interval < minRenewInterval {
		interval = minRenewInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-lock.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
			ok, err := lock.mutex.ExtendContext(ctx)
			cancel()
			if err != nil || !ok {
				lock.cancel()
				rm.forget(lock)
				return
			}
		}
	}
}

func (rm *RedsyncManager) forget(lock *RedsyncLock) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()
	if rm.localLocks[lock.key] == lock {
		delete(rm.localLocks, lock.key)
	}
}

// Close releases every lock still held
func (rm *RedsyncManager) Close() error {
	rm.mutex.Lock()
	held := make([]*RedsyncLock, 0, len(rm.localLocks))
	for _, lock := range rm.localLocks {
		held = append(held, lock)
	}
	rm.mutex.Unlock()

	for _, lock := range held {
		_ = lock.Release(context.Background())
	}
	return nil
}

// Key returns the lock key without prefixes
func (rl *RedsyncLock) Key() string {
	return rl.key
}

// Release stops renewal and unlocks the mutex
func (rl *RedsyncLock) Release(ctx context.Context) error {
	var err error
	rl.once.Do(func() {
		rl.cancel()
		rl.manager.forget(rl)

		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlockTimeout)
		defer cancel()
		if _, uerr := rl.mutex.UnlockContext(uctx); uerr != nil {
			err = fmt.Errorf("failed to release lock %s: %w", rl.key, uerr)
		}
	})
	return err
}

// IsHeld reports whether the lock is still held by this instance
func (rl *RedsyncLock) IsHeld() bool {
	select {
	case <-rl.ctx.Done():
		return false
	default:
		return true
	}
}
