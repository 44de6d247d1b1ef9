package backend

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"

	"grc-cache/internal/common/errors"
	"grc-cache/internal/common/logging"
)

const (
	defaultRedisAddress      = "localhost:6379"
	defaultPoolSize          = 10
	defaultPingInterval      = 30 * time.Second
	defaultReconnectBackoff  = 30 * time.Second
	initialReconnectInterval = 100 * time.Millisecond
	pingTimeout              = 2 * time.Second
	scanCount                = 500
)

// EventType names a connection-state transition of a persistent backend
type EventType string

const (
	EventConnect      EventType = "connect"
	EventReady        EventType = "ready"
	EventError        EventType = "error"
	EventClose        EventType = "close"
	EventReconnecting EventType = "reconnecting"
)

// Event describes one connection-state transition
type Event struct {
	Type    EventType
	Attempt int
	Delay   time.Duration
	Err     error
	At      time.Time
}

// EventListener observes connection events. It runs on the connection's
// goroutines and must not block.
type EventListener func(Event)

// RedisOptions configures the persistent backend
type RedisOptions struct {
	// URL takes precedence over Address/Password/DB when set
	URL                 string
	Address             string
	Password            string
	DB                  int
	PoolSize            int
	MaxRetries          int
	DialTimeout         time.Duration
	PingInterval        time.Duration
	MaxReconnectBackoff time.Duration
	KeyPrefix           string
	Listener            EventListener
	Logger              logging.Logger
}

func (o *RedisOptions) clientOptions() (*redis.Options, error) {
	var opts *redis.Options
	if o.URL != "" {
		parsed, err := redis.ParseURL(o.URL)
		if err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("invalid redis url: %v", err))
		}
		opts = parsed
	} else {
		addr := o.Address
		if addr == "" {
			addr = defaultRedisAddress
		}
		opts = &redis.Options{Addr: addr, Password: o.Password, DB: o.DB}
	}

	opts.PoolSize = o.PoolSize
	if opts.PoolSize <= 0 {
		opts.PoolSize = defaultPoolSize
	}
	if o.MaxRetries != 0 {
		opts.MaxRetries = o.MaxRetries
	}
	if o.DialTimeout > 0 {
		opts.DialTimeout = o.DialTimeout
	}
	return opts, nil
}

// Redis is the persistent-connection backend. A background monitor pings the
// server and reconnects with capped exponential backoff; request-path
// commands never wait on it.
type Redis struct {
	rdb      *redis.Client
	opts     RedisOptions
	logger   logging.Logger
	healthy  atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
	closeOne sync.Once
}

// NewRedis connects and verifies the server with a ping. On failure the
// client is closed and a connection error returned.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	clientOpts, err := opts.clientOptions()
	if err != nil {
		return nil, err
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.MaxReconnectBackoff <= 0 {
		opts.MaxReconnectBackoff = defaultReconnectBackoff
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}

	r := &Redis{
		opts:   opts,
		logger: opts.Logger.WithFields(logging.String("backend", string(KindRedis)), logging.String("addr", clientOpts.Addr)),
		done:   make(chan struct{}),
	}
	clientOpts.OnConnect = func(ctx context.Context, cn *redis.Conn) error {
		r.emit(Event{Type: EventConnect})
		return nil
	}
	r.rdb = redis.NewClient(clientOpts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := r.rdb.Ping(pingCtx).Err(); err != nil {
		r.emit(Event{Type: EventError, Err: err})
		_ = r.rdb.Close()
		return nil, errors.ConnectionError("failed to connect to redis", err).WithContext("addr", clientOpts.Addr)
	}

	r.healthy.Store(true)
	r.emit(Event{Type: EventReady})

	r.wg.Add(1)
	go r.monitor()
	return r, nil
}

// Client exposes the underlying client for components that speak Redis
// directly, such as distributed locks.
func (r *Redis) Client() *redis.Client {
	return r.rdb
}

// Healthy reports the monitor's latest view of the connection
func (r *Redis) Healthy() bool {
	return r.healthy.Load()
}

func (r *Redis) emit(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	switch event.Type {
	case EventError:
		r.logger.Warn("Redis connection error", logging.Err(event.Err))
	case EventReconnecting:
		r.logger.Info("Redis reconnecting",
			logging.Int("attempt", event.Attempt),
			logging.Duration("delay", event.Delay))
	default:
		r.logger.Debug("Redis connection event", logging.String("event", string(event.Type)))
	}
	if r.opts.Listener != nil {
		r.opts.Listener(event)
	}
}

func (r *Redis) ping() error {
	timeout := pingTimeout
	if r.opts.PingInterval < timeout {
		timeout = r.opts.PingInterval
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) monitor() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			if err := r.ping(); err != nil {
				r.healthy.Store(false)
				r.emit(Event{Type: EventError, Err: err})
				r.reconnect()
			}
		}
	}
}

// reconnect probes until the server answers or the backend is closed
func (r *Redis) reconnect() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialReconnectInterval
	b.MaxInterval = r.opts.MaxReconnectBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for attempt := 1; ; attempt++ {
		delay := b.NextBackOff()
		r.emit(Event{Type: EventReconnecting, Attempt: attempt, Delay: delay})

		timer := time.NewTimer(delay)
		select {
		case <-r.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		err := r.ping()
		if err == nil {
			r.healthy.Store(true)
			r.emit(Event{Type: EventReady})
			return
		}
		r.emit(Event{Type: EventError, Err: err})
	}
}

func (r *Redis) key(key string) string {
	return r.opts.KeyPrefix + key
}

func (r *Redis) keys(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = r.key(k)
	}
	return out
}

func (r *Redis) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.TimeoutError("redis "+op, err)
	}
	if stderrors.Is(err, context.Canceled) {
		return err
	}
	if stderrors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	return errors.ConnectionError("redis "+op+" failed", err)
}

func (r *Redis) Setex(ctx context.Context, key string, ttl time.Duration, value []byte) error {
	if err := validateTTL(ttl); err != nil {
		return err
	}
	return r.wrap("setex", r.rdb.Set(ctx, r.key(key), value, ttl).Err())
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.rdb.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, r.wrap("get", err)
	}
	return value, nil
}

func (r *Redis) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.rdb.Del(ctx, r.keys(keys)...).Result()
	return n, r.wrap("del", err)
}

// Keys walks the keyspace with SCAN so the server is never blocked by a
// single KEYS call. The walk is still proportional to the keyspace size.
func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	iter := r.rdb.Scan(ctx, 0, r.key(pattern), scanCount).Iterator()
	for iter.Next(ctx) {
		k := strings.TrimPrefix(iter.Val(), r.opts.KeyPrefix)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	if err := iter.Err(); err != nil {
		return nil, r.wrap("scan", err)
	}
	return out, nil
}

func (r *Redis) Exists(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := r.rdb.Exists(ctx, r.keys(keys)...).Result()
	return n, r.wrap("exists", err)
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	ok, err := r.rdb.PExpire(ctx, r.key(key), ttl).Result()
	return ok, r.wrap("expire", err)
}

func (r *Redis) TTL(ctx context.Context, key string) (int64, error) {
	d, err := r.rdb.PTTL(ctx, r.key(key)).Result()
	if err != nil {
		return 0, r.wrap("ttl", err)
	}
	// negative replies come back as raw -1/-2
	if d < 0 {
		return int64(d), nil
	}
	return seconds(d), nil
}

func (r *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := validateTTL(ttl); err != nil {
		return false, err
	}
	ok, err := r.rdb.SetNX(ctx, r.key(key), value, ttl).Result()
	return ok, r.wrap("setnx", err)
}

// FlushDB empties the database, or only the prefixed keys when a key prefix
// is configured.
func (r *Redis) FlushDB(ctx context.Context) error {
	if r.opts.KeyPrefix == "" {
		return r.wrap("flushdb", r.rdb.FlushDB(ctx).Err())
	}
	iter := r.rdb.Scan(ctx, 0, r.opts.KeyPrefix+"*", scanCount).Iterator()
	batch := make([]string, 0, scanCount)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanCount {
			if err := r.rdb.Del(ctx, batch...).Err(); err != nil {
				return r.wrap("flushdb", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return r.wrap("flushdb", err)
	}
	if len(batch) > 0 {
		return r.wrap("flushdb", r.rdb.Del(ctx, batch...).Err())
	}
	return nil
}

func (r *Redis) Kind() Kind { return KindRedis }

// Close stops the monitor and releases the connection pool
func (r *Redis) Close() error {
	var err error
	r.closeOne.Do(func() {
		close(r.done)
		r.wg.Wait()
		r.healthy.Store(false)
		err = r.rdb.Close()
		r.emit(Event{Type: EventClose})
	})
	return err
}

// Prefix returns the key prefix applied to every command
func (r *Redis) Prefix() string {
	return r.opts.KeyPrefix
}
