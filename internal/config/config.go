// Package config provides configuration management for the cache service.
// It loads configuration from environment variables with sensible defaults
// and validates it so the process refuses to start with unusable settings.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Ops HTTP port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//   - OPERATOR_JWT_SECRET: HS256 secret guarding /api (optional, >= 32 chars)
//   - OPS_RATE_LIMIT: Operator API requests per second per caller (default: 5)
//   - OPS_RATE_BURST: Operator API burst per caller (default: 20)
//
// Backend Selection:
//   - CACHE_BACKEND: "memory", "redis" or "rest". When unset the backend is
//     inferred: a Redis URL or address selects redis, a REST URL plus token
//     selects rest, otherwise the in-process store is used.
//   - CACHE_KEY_PREFIX: Prefix applied to every distributed key
//
// Redis (persistent connection):
//   - REDIS_URL: redis:// or rediss:// connection string
//   - REDIS_ADDRESS, REDIS_PASSWORD, REDIS_DB (0-15), REDIS_POOL_SIZE (10)
//   - REDIS_MAX_RETRIES: Per-command retries (default: 3)
//   - REDIS_PING_INTERVAL: Keep-alive ping period (default: 30s)
//   - REDIS_RECONNECT_MAX_BACKOFF: Reconnect delay cap (default: 30s)
//
// REST backend:
//   - CACHE_REST_URL, CACHE_REST_TOKEN, CACHE_REST_TIMEOUT (default: 2s)
//
// Cache tiers:
//   - CACHE_L1_TTL (30s), CACHE_L1_SWEEP_INTERVAL (60s)
//   - CACHE_L2_TTL (5m), CACHE_L2_TIMEOUT (300ms), CACHE_L2_WRITE_TIMEOUT (2s)
//   - CACHE_CONNECT_ATTEMPTS (3), CACHE_CONNECT_TIMEOUT (5s)
//
// Prewarm:
//   - PREWARM_ENABLED (true), PREWARM_INTERVAL (4m), PREWARM_SCHEDULE (cron)
//   - PREWARM_WINDOW_START (07:00), PREWARM_WINDOW_END (20:00)
//   - PREWARM_TIMEZONE (UTC), PREWARM_CONCURRENCY (4), PREWARM_CATALOG (path)
//
// Example usage:
//
//	cfg := config.Load()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid configuration: %v", err)
//	}
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"grc-cache/internal/common/errors"
)

// BackendKind selects the distributed backend strategy
type BackendKind string

const (
	BackendMemory BackendKind = "memory"
	BackendRedis  BackendKind = "redis"
	BackendREST   BackendKind = "rest"
)

// Config holds all configuration values for the cache service.
type Config struct {
	Port              string
	LogLevel          string
	OperatorJWTSecret string
	OpsRateLimit      float64
	OpsRateBurst      int

	Backend   BackendKind
	KeyPrefix string
	Redis     RedisConfig
	REST      RESTConfig
	Cache     CacheConfig
	Prewarm   PrewarmConfig

	// parse failures are reported by Validate so Load never fails
	problems []string
}

// RedisConfig configures the persistent-connection backend
type RedisConfig struct {
	URL                 string
	Address             string
	Password            string
	DB                  int
	PoolSize            int
	MaxRetries          int
	PingInterval        time.Duration
	MaxReconnectBackoff time.Duration
}

// RESTConfig configures the REST-protocol backend
type RESTConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// CacheConfig holds tier TTLs and timeouts
type CacheConfig struct {
	L1TTL           time.Duration
	L1SweepInterval time.Duration
	L2TTL           time.Duration
	L2Timeout       time.Duration
	L2WriteTimeout  time.Duration
	ConnectAttempts int
	ConnectTimeout  time.Duration
}

// PrewarmConfig holds the prewarm scheduler settings
type PrewarmConfig struct {
	Enabled     bool
	Interval    time.Duration
	Schedule    string
	WindowStart string
	WindowEnd   string
	Timezone    string
	Concurrency int
	CatalogPath string
}

// Load creates a new Config from environment variables.
// Call Validate on the result before use.
func Load() *Config {
	c := &Config{
		Port:              getEnv("PORT", "8080"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		OperatorJWTSecret: getEnv("OPERATOR_JWT_SECRET", ""),
		KeyPrefix:         getEnv("CACHE_KEY_PREFIX", ""),
	}
	c.OpsRateLimit = c.floatEnv("OPS_RATE_LIMIT", 5)
	c.OpsRateBurst = c.intEnv("OPS_RATE_BURST", 20)

	c.Redis = RedisConfig{
		URL:                 getEnv("REDIS_URL", ""),
		Address:             getEnv("REDIS_ADDRESS", ""),
		Password:            getEnv("REDIS_PASSWORD", ""),
		DB:                  c.intEnv("REDIS_DB", 0),
		PoolSize:            c.intEnv("REDIS_POOL_SIZE", 10),
		MaxRetries:          c.intEnv("REDIS_MAX_RETRIES", 3),
		PingInterval:        c.durationEnv("REDIS_PING_INTERVAL", 30*time.Second),
		MaxReconnectBackoff: c.durationEnv("REDIS_RECONNECT_MAX_BACKOFF", 30*time.Second),
	}

	c.REST = RESTConfig{
		URL:     getEnv("CACHE_REST_URL", ""),
		Token:   getEnv("CACHE_REST_TOKEN", ""),
		Timeout: c.durationEnv("CACHE_REST_TIMEOUT", 2*time.Second),
	}

	c.Cache = CacheConfig{
		L1TTL:           c.durationEnv("CACHE_L1_TTL", 30*time.Second),
		L1SweepInterval: c.durationEnv("CACHE_L1_SWEEP_INTERVAL", 60*time.Second),
		L2TTL:           c.durationEnv("CACHE_L2_TTL", 5*time.Minute),
		L2Timeout:       c.durationEnv("CACHE_L2_TIMEOUT", 300*time.Millisecond),
		L2WriteTimeout:  c.durationEnv("CACHE_L2_WRITE_TIMEOUT", 2*time.Second),
		ConnectAttempts: c.intEnv("CACHE_CONNECT_ATTEMPTS", 3),
		ConnectTimeout:  c.durationEnv("CACHE_CONNECT_TIMEOUT", 5*time.Second),
	}

	c.Prewarm = PrewarmConfig{
		Enabled:     getBoolEnv("PREWARM_ENABLED", true),
		Interval:    c.durationEnv("PREWARM_INTERVAL", 4*time.Minute),
		Schedule:    getEnv("PREWARM_SCHEDULE", ""),
		WindowStart: getEnv("PREWARM_WINDOW_START", "07:00"),
		WindowEnd:   getEnv("PREWARM_WINDOW_END", "20:00"),
		Timezone:    getEnv("PREWARM_TIMEZONE", "UTC"),
		Concurrency: c.intEnv("PREWARM_CONCURRENCY", 4),
		CatalogPath: getEnv("PREWARM_CATALOG", ""),
	}

	c.Backend = c.resolveBackend(getEnv("CACHE_BACKEND", ""))
	return c
}

// resolveBackend picks the backend variant once, at load time
func (c *Config) resolveBackend(explicit string) BackendKind {
	if explicit != "" {
		return BackendKind(strings.ToLower(strings.TrimSpace(explicit)))
	}
	switch {
	case c.Redis.URL != "" || c.Redis.Address != "":
		return BackendRedis
	case c.REST.URL != "" && c.REST.Token != "":
		return BackendREST
	default:
		return BackendMemory
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (c *Config) intEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		c.problems = append(c.problems, fmt.Sprintf("%s must be an integer, got %q", key, value))
		return defaultValue
	}
	return parsed
}

func (c *Config) floatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		c.problems = append(c.problems, fmt.Sprintf("%s must be a number, got %q", key, value))
		return defaultValue
	}
	return parsed
}

func (c *Config) durationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		c.problems = append(c.problems, fmt.Sprintf("%s must be a duration (e.g. '300ms', '5m'), got %q", key, value))
		return defaultValue
	}
	return parsed
}

// Validate checks required fields, value ranges and cross-field rules.
func (c *Config) Validate() error {
	if len(c.problems) > 0 {
		return errors.ConfigError(c.problems[0])
	}

	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return errors.ConfigError("PORT must be a valid port number between 1 and 65535")
	}

	if c.OperatorJWTSecret != "" && len(c.OperatorJWTSecret) < 32 {
		return errors.ConfigError("OPERATOR_JWT_SECRET must be at least 32 characters long")
	}

	if c.OpsRateLimit <= 0 || c.OpsRateBurst < 1 {
		return errors.ConfigError("OPS_RATE_LIMIT and OPS_RATE_BURST must be positive")
	}

	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.URL == "" && c.Redis.Address == "" {
			return errors.ConfigError("REDIS_URL or REDIS_ADDRESS is required when CACHE_BACKEND=redis")
		}
		if c.Redis.DB < 0 || c.Redis.DB > 15 {
			return errors.ConfigError("REDIS_DB must be a number between 0 and 15")
		}
		if c.Redis.PoolSize < 1 {
			return errors.ConfigError("REDIS_POOL_SIZE must be a positive number")
		}
		if c.Redis.MaxRetries < 0 {
			return errors.ConfigError("REDIS_MAX_RETRIES must not be negative")
		}
		if c.Redis.PingInterval <= 0 || c.Redis.MaxReconnectBackoff <= 0 {
			return errors.ConfigError("REDIS_PING_INTERVAL and REDIS_RECONNECT_MAX_BACKOFF must be positive")
		}
	case BackendREST:
		if c.REST.URL == "" || c.REST.Token == "" {
			return errors.ConfigError("CACHE_REST_URL and CACHE_REST_TOKEN are required when CACHE_BACKEND=rest")
		}
		if u, err := url.Parse(c.REST.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.ConfigError("CACHE_REST_URL must be an absolute http(s) URL")
		}
		if c.REST.Timeout <= 0 {
			return errors.ConfigError("CACHE_REST_TIMEOUT must be positive")
		}
	default:
		return errors.ConfigError(fmt.Sprintf("CACHE_BACKEND must be 'memory', 'redis' or 'rest', got %q", c.Backend))
	}

	cc := c.Cache
	if cc.L1TTL <= 0 || cc.L2TTL <= 0 {
		return errors.ConfigError("CACHE_L1_TTL and CACHE_L2_TTL must be positive")
	}
	if cc.L1TTL > cc.L2TTL {
		return errors.ConfigError("CACHE_L1_TTL must not exceed CACHE_L2_TTL")
	}
	if cc.L1SweepInterval <= 0 {
		return errors.ConfigError("CACHE_L1_SWEEP_INTERVAL must be positive")
	}
	if cc.L2Timeout <= 0 || cc.L2WriteTimeout <= 0 {
		return errors.ConfigError("CACHE_L2_TIMEOUT and CACHE_L2_WRITE_TIMEOUT must be positive")
	}
	if cc.ConnectAttempts < 1 || cc.ConnectTimeout <= 0 {
		return errors.ConfigError("CACHE_CONNECT_ATTEMPTS and CACHE_CONNECT_TIMEOUT must be positive")
	}

	if c.Prewarm.Enabled {
		p := c.Prewarm
		if p.Schedule == "" && p.Interval <= 0 {
			return errors.ConfigError("PREWARM_INTERVAL must be positive")
		}
		if p.Concurrency < 1 {
			return errors.ConfigError("PREWARM_CONCURRENCY must be a positive number")
		}
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return errors.ConfigError(fmt.Sprintf("PREWARM_TIMEZONE %q is not a known location", p.Timezone))
		}
		for _, v := range []string{p.WindowStart, p.WindowEnd} {
			if _, err := time.Parse("15:04", v); err != nil {
				return errors.ConfigError(fmt.Sprintf("prewarm window bound %q must be HH:MM", v))
			}
		}
	}

	return nil
}
