package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/risk")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 50*time.Millisecond, cfg.StoreTimeout)
	assert.Equal(t, 100, cfg.RateLimit)
	assert.Equal(t, time.Minute, cfg.RateWindow)
	assert.Equal(t, []time.Duration{time.Hour, 24 * time.Hour}, cfg.VelocityWindows)
	assert.Equal(t, 5*time.Minute, cfg.PredictionCacheTTL)
	assert.Equal(t, 5, cfg.BreakerThreshold)
	assert.Empty(t, cfg.ModelPath)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db/risk")
	t.Setenv("RATE_LIMIT", "250")
	t.Setenv("RATE_WINDOW", "30s")
	t.Setenv("VELOCITY_WINDOWS", "15m, 1h,24h")
	t.Setenv("L1_CAPACITY", "512")
	t.Setenv("MODEL_PATH", "/models/lr.yaml")
	t.Setenv("STORE_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.RateLimit)
	assert.Equal(t, 30*time.Second, cfg.RateWindow)
	assert.Equal(t, []time.Duration{15 * time.Minute, time.Hour, 24 * time.Hour}, cfg.VelocityWindows)
	assert.Equal(t, 512, cfg.L1Capacity)
	assert.Equal(t, "/models/lr.yaml", cfg.ModelPath)
	assert.Equal(t, 50*time.Millisecond, cfg.StoreTimeout, "unparsable values keep the default")
}

func TestLoadRejectsBadWindows(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db/risk")
	t.Setenv("VELOCITY_WINDOWS", "1h,soon")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsWindowsWithoutFeatureColumns(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db/risk")
	t.Setenv("VELOCITY_WINDOWS", "30m,2h")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VELOCITY_WINDOWS must include")

	t.Setenv("VELOCITY_WINDOWS", "30m,1h,24h")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{30 * time.Minute, time.Hour, 24 * time.Hour}, cfg.VelocityWindows)
}

func TestValidate(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db/risk")
	base, err := Load()
	require.NoError(t, err)

	cases := map[string]func(*Config){
		"no database":     func(c *Config) { c.DatabaseURL = "" },
		"zero capacity":   func(c *Config) { c.L1Capacity = 0 },
		"negative limit":  func(c *Config) { c.RateLimit = -1 },
		"zero window":     func(c *Config) { c.RateWindow = 0 },
		"no windows":      func(c *Config) { c.VelocityWindows = nil },
		"negative window": func(c *Config) { c.VelocityWindows = []time.Duration{-time.Hour} },
		"no 24h window":   func(c *Config) { c.VelocityWindows = []time.Duration{time.Hour} },
		"zero timeout":    func(c *Config) { c.StoreTimeout = 0 },
	}
	for name, mutate := range cases {
		c := *base
		mutate(&c)
		assert.Error(t, c.Validate(), name)
	}

	unlimited := *base
	unlimited.RateLimit = 0
	assert.NoError(t, unlimited.Validate(), "zero disables limiting")
}
