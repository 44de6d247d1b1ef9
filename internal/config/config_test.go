package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var managedEnv = []string{
	"PORT", "LOG_LEVEL", "OPERATOR_JWT_SECRET", "OPS_RATE_LIMIT", "OPS_RATE_BURST", "CACHE_BACKEND", "CACHE_KEY_PREFIX",
	"REDIS_URL", "REDIS_ADDRESS", "REDIS_PASSWORD", "REDIS_DB", "REDIS_POOL_SIZE",
	"REDIS_MAX_RETRIES", "REDIS_PING_INTERVAL", "REDIS_RECONNECT_MAX_BACKOFF",
	"CACHE_REST_URL", "CACHE_REST_TOKEN", "CACHE_REST_TIMEOUT",
	"CACHE_L1_TTL", "CACHE_L1_SWEEP_INTERVAL", "CACHE_L2_TTL", "CACHE_L2_TIMEOUT",
	"CACHE_L2_WRITE_TIMEOUT", "CACHE_CONNECT_ATTEMPTS", "CACHE_CONNECT_TIMEOUT",
	"PREWARM_ENABLED", "PREWARM_INTERVAL", "PREWARM_SCHEDULE", "PREWARM_WINDOW_START",
	"PREWARM_WINDOW_END", "PREWARM_TIMEZONE", "PREWARM_CONCURRENCY", "PREWARM_CATALOG",
}

// clearEnv blanks every variable Load reads; t.Setenv restores them afterwards
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range managedEnv {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, 30*time.Second, cfg.Cache.L1TTL)
	assert.Equal(t, 60*time.Second, cfg.Cache.L1SweepInterval)
	assert.Equal(t, 5*time.Minute, cfg.Cache.L2TTL)
	assert.Equal(t, 300*time.Millisecond, cfg.Cache.L2Timeout)
	assert.Equal(t, 3, cfg.Cache.ConnectAttempts)
	assert.True(t, cfg.Prewarm.Enabled)
	assert.Equal(t, 4*time.Minute, cfg.Prewarm.Interval)
	assert.Equal(t, "07:00", cfg.Prewarm.WindowStart)
	assert.Equal(t, "20:00", cfg.Prewarm.WindowEnd)
	assert.Equal(t, 10, cfg.Redis.PoolSize)
	assert.Equal(t, 5.0, cfg.OpsRateLimit)
	assert.Equal(t, 20, cfg.OpsRateBurst)

	require.NoError(t, cfg.Validate())
}

func TestLoad_BackendInference(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want BackendKind
	}{
		{"nothing configured", nil, BackendMemory},
		{"redis url", map[string]string{"REDIS_URL": "redis://localhost:6379/0"}, BackendRedis},
		{"redis address", map[string]string{"REDIS_ADDRESS": "localhost:6379"}, BackendRedis},
		{"rest url and token", map[string]string{"CACHE_REST_URL": "https://kv.example.com", "CACHE_REST_TOKEN": "tok"}, BackendREST},
		{"rest url without token", map[string]string{"CACHE_REST_URL": "https://kv.example.com"}, BackendMemory},
		{"explicit wins", map[string]string{"CACHE_BACKEND": "Memory", "REDIS_URL": "redis://x"}, BackendMemory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.want, Load().Backend)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"bad port", map[string]string{"PORT": "99999"}, "PORT"},
		{"short jwt secret", map[string]string{"OPERATOR_JWT_SECRET": "short"}, "OPERATOR_JWT_SECRET"},
		{"unknown backend", map[string]string{"CACHE_BACKEND": "memcached"}, "CACHE_BACKEND"},
		{"redis without address", map[string]string{"CACHE_BACKEND": "redis"}, "REDIS_URL"},
		{"redis db out of range", map[string]string{"REDIS_ADDRESS": "localhost:6379", "REDIS_DB": "16"}, "REDIS_DB"},
		{"rest without token", map[string]string{"CACHE_BACKEND": "rest", "CACHE_REST_URL": "https://kv"}, "CACHE_REST_TOKEN"},
		{"rest relative url", map[string]string{"CACHE_REST_URL": "kv.example.com", "CACHE_REST_TOKEN": "t"}, "absolute"},
		{"unparseable duration", map[string]string{"CACHE_L2_TIMEOUT": "fast"}, "CACHE_L2_TIMEOUT"},
		{"unparseable integer", map[string]string{"PREWARM_CONCURRENCY": "many"}, "PREWARM_CONCURRENCY"},
		{"l1 longer than l2", map[string]string{"CACHE_L1_TTL": "10m"}, "CACHE_L1_TTL"},
		{"zero connect attempts", map[string]string{"CACHE_CONNECT_ATTEMPTS": "0"}, "CACHE_CONNECT_ATTEMPTS"},
		{"zero rate limit", map[string]string{"OPS_RATE_LIMIT": "0"}, "OPS_RATE_LIMIT"},
		{"unparseable rate limit", map[string]string{"OPS_RATE_LIMIT": "lots"}, "OPS_RATE_LIMIT"},
		{"bad timezone", map[string]string{"PREWARM_TIMEZONE": "Mars/Olympus"}, "PREWARM_TIMEZONE"},
		{"bad window", map[string]string{"PREWARM_WINDOW_START": "7am"}, "HH:MM"},
		{"prewarm disabled skips window checks", map[string]string{"PREWARM_ENABLED": "false", "PREWARM_WINDOW_START": "7am"}, ""},
		{"valid redis", map[string]string{"REDIS_URL": "redis://localhost:6379/1"}, ""},
		{"valid rest", map[string]string{"CACHE_REST_URL": "https://kv.example.com", "CACHE_REST_TOKEN": "t"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			err := Load().Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), err.Error())
		})
	}
}

func TestGetBoolEnv(t *testing.T) {
	t.Setenv("TEST_BOOL", "not-a-bool")
	assert.True(t, getBoolEnv("TEST_BOOL", true))

	t.Setenv("TEST_BOOL", "0")
	assert.False(t, getBoolEnv("TEST_BOOL", true))
}
