package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/HanTheDev/risk-scoring-gateway/internal/features"
)

type Config struct {
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	ServerPort  string

	LogLevel  string
	LogFormat string

	// StoreTimeout bounds each shared-store call.
	StoreTimeout time.Duration
	// DBTimeout bounds each durable-store query on the velocity cold path.
	DBTimeout  time.Duration
	L1Capacity int
	L1MaxTTL   time.Duration

	RateLimit  int
	RateWindow time.Duration

	VelocityWindows []time.Duration

	ModelPath          string
	RulesPath          string
	PredictionCacheTTL time.Duration

	BreakerThreshold int
	BreakerCooldown  time.Duration

	OTLPEndpoint string
}

func Load() (*Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()

	windows, err := getDurations("VELOCITY_WINDOWS", []time.Duration{time.Hour, 24 * time.Hour})
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),
		JWTSecret:   getEnv("JWT_SECRET", "secret"),
		ServerPort:  getEnv("SERVER_PORT", "8080"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		StoreTimeout: getDuration("STORE_TIMEOUT", 50*time.Millisecond),
		DBTimeout:    getDuration("DB_TIMEOUT", 200*time.Millisecond),
		L1Capacity:   getInt("L1_CAPACITY", 10000),
		L1MaxTTL:     getDuration("L1_MAX_TTL", 30*time.Second),

		RateLimit:  getInt("RATE_LIMIT", 100),
		RateWindow: getDuration("RATE_WINDOW", time.Minute),

		VelocityWindows: windows,

		ModelPath:          getEnv("MODEL_PATH", ""),
		RulesPath:          getEnv("RULES_PATH", ""),
		PredictionCacheTTL: getDuration("PREDICTION_CACHE_TTL", 5*time.Minute),

		BreakerThreshold: getInt("BREAKER_THRESHOLD", 5),
		BreakerCooldown:  getDuration("BREAKER_COOLDOWN", 5*time.Second),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the scoring path cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"STORE_TIMEOUT": c.StoreTimeout,
		"DB_TIMEOUT":    c.DBTimeout,
		"L1_MAX_TTL":    c.L1MaxTTL,
		"RATE_WINDOW":   c.RateWindow,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("config: %s must be positive, got %s", key, d))
		}
	}
	if c.L1Capacity <= 0 {
		errs = append(errs, fmt.Errorf("config: L1_CAPACITY must be positive, got %d", c.L1Capacity))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("config: RATE_LIMIT must not be negative, got %d", c.RateLimit))
	}
	if len(c.VelocityWindows) == 0 {
		errs = append(errs, errors.New("config: VELOCITY_WINDOWS must list at least one window"))
	}
	for _, w := range c.VelocityWindows {
		if w <= 0 {
			errs = append(errs, fmt.Errorf("config: velocity window %s must be positive", w))
		}
	}
	if missing := features.MissingWindows(c.VelocityWindows); len(c.VelocityWindows) > 0 && len(missing) > 0 {
		errs = append(errs, fmt.Errorf("config: VELOCITY_WINDOWS must include %v, the feature columns read them", missing))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("config: DATABASE_URL is required"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultVal
}

// getDurations parses a comma separated list such as "1h,24h".
func getDurations(key string, defaultVal []time.Duration) ([]time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal, nil
	}
	var out []time.Duration
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", key, err)
		}
		out = append(out, d)
	}
	return out, nil
}
