// Package config provides environment-aware configuration management for
// the reactive graph core.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable the engine's components accept at construction.
type Config struct {
	// Logging
	LogLevel  string
	LogFormat string

	// Store
	DBPath string // sqlite DSN/path; ":memory:" for ephemeral stores

	// Subscription registry
	DebounceMs        int
	SmartInvalidation bool

	// Automation runner
	AutomationMaxDepth int

	// Webhook queue
	WebhookMaxAttempts     int
	WebhookBaseDelay       time.Duration
	WebhookMaxDelay        time.Duration
	WebhookRatePerSecond   float64
	WebhookRateBurst       int
	WebhookProcessInterval time.Duration

	// Metrics
	MetricsEnabled bool
	MetricsPort    int
}

// Load reads configuration from the environment, optionally after loading an
// .env file named by the GRAPHCORE_ENV_FILE variable (or ".env" if unset).
// Any error from loading the env file, whether it is missing or malformed,
// is ignored; only malformed duration variables make Load fail.
func Load() (*Config, error) {
	envFile := getEnv("GRAPHCORE_ENV_FILE", ".env")
	_ = godotenv.Load(envFile)

	cfg := &Config{
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		DBPath: getEnv("GRAPHCORE_DB_PATH", ":memory:"),

		DebounceMs:        getIntEnv("GRAPHCORE_DEBOUNCE_MS", 0),
		SmartInvalidation: getBoolEnv("GRAPHCORE_SMART_INVALIDATION", true),

		AutomationMaxDepth: getIntEnv("GRAPHCORE_AUTOMATION_MAX_DEPTH", 8),

		WebhookMaxAttempts:   getIntEnv("GRAPHCORE_WEBHOOK_MAX_ATTEMPTS", 3),
		WebhookRatePerSecond: getFloatEnv("GRAPHCORE_WEBHOOK_RATE_PER_SECOND", 5),
		WebhookRateBurst:     getIntEnv("GRAPHCORE_WEBHOOK_RATE_BURST", 5),

		MetricsEnabled: getBoolEnv("GRAPHCORE_METRICS_ENABLED", true),
		MetricsPort:    getIntEnv("GRAPHCORE_METRICS_PORT", 9090),
	}

	baseDelay, err := getDurationEnv("GRAPHCORE_WEBHOOK_BASE_DELAY", time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid GRAPHCORE_WEBHOOK_BASE_DELAY: %w", err)
	}
	cfg.WebhookBaseDelay = baseDelay

	maxDelay, err := getDurationEnv("GRAPHCORE_WEBHOOK_MAX_DELAY", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid GRAPHCORE_WEBHOOK_MAX_DELAY: %w", err)
	}
	cfg.WebhookMaxDelay = maxDelay

	processInterval, err := getDurationEnv("GRAPHCORE_WEBHOOK_PROCESS_INTERVAL", time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid GRAPHCORE_WEBHOOK_PROCESS_INTERVAL: %w", err)
	}
	cfg.WebhookProcessInterval = processInterval

	return cfg, nil
}

// Validate checks cross-field invariants Load's per-field defaults can't
// catch on their own.
func (c *Config) Validate() error {
	if c.AutomationMaxDepth < 1 {
		return fmt.Errorf("GRAPHCORE_AUTOMATION_MAX_DEPTH must be at least 1")
	}
	if c.WebhookMaxAttempts < 1 {
		return fmt.Errorf("GRAPHCORE_WEBHOOK_MAX_ATTEMPTS must be at least 1")
	}
	if c.WebhookBaseDelay <= 0 {
		return fmt.Errorf("GRAPHCORE_WEBHOOK_BASE_DELAY must be positive")
	}
	if c.WebhookMaxDelay < c.WebhookBaseDelay {
		return fmt.Errorf("GRAPHCORE_WEBHOOK_MAX_DELAY must be >= GRAPHCORE_WEBHOOK_BASE_DELAY")
	}
	if c.MetricsEnabled && (c.MetricsPort < 1 || c.MetricsPort > 65535) {
		return fmt.Errorf("invalid GRAPHCORE_METRICS_PORT: %d", c.MetricsPort)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	return time.ParseDuration(value)
}
