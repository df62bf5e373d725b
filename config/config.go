// Package config loads tunables from BULKTRIGGER_* environment variables.
// Every knob has a default; applications that prefer their own configuration
// can ignore this package and construct managers directly.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	LogLevel    string
	DatabaseURL string

	// ChunkSize bounds rows per physical statement.
	ChunkSize int
	// MaxDepth bounds dispatches of one (model, event) per operation.
	MaxDepth int

	// Executor stack.
	Executor         string
	ExecutorBatch    int
	CircuitBreaker   bool
	FailureThreshold int
	Cooldown         time.Duration
	Metrics          bool

	// StrictConditions makes condition evaluation errors abort operations.
	StrictConditions bool

	AsyncQueueSize int
}

func Load() Config {
	return Config{
		LogLevel:         getEnv("BULKTRIGGER_LOG_LEVEL", "info"),
		DatabaseURL:      getEnv("BULKTRIGGER_DATABASE_URL", ""),
		ChunkSize:        getEnvInt("BULKTRIGGER_CHUNK_SIZE", 200),
		MaxDepth:         getEnvInt("BULKTRIGGER_MAX_DEPTH", 10),
		Executor:         getEnv("BULKTRIGGER_EXECUTOR", "sync"),
		ExecutorBatch:    getEnvInt("BULKTRIGGER_EXECUTOR_BATCH", 1000),
		CircuitBreaker:   getEnvBool("BULKTRIGGER_CIRCUIT_BREAKER", false),
		FailureThreshold: getEnvInt("BULKTRIGGER_FAILURE_THRESHOLD", 5),
		Cooldown:         getEnvDuration("BULKTRIGGER_COOLDOWN", 60*time.Second),
		Metrics:          getEnvBool("BULKTRIGGER_METRICS", false),
		StrictConditions: getEnvBool("BULKTRIGGER_STRICT_CONDITIONS", false),
		AsyncQueueSize:   getEnvInt("BULKTRIGGER_ASYNC_QUEUE", 256),
	}
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("invalid integer env var, using default", "key", key, "value", v, "error", err)
			return fallback
		}
		return n
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			slog.Warn("invalid boolean env var, using default", "key", key, "value", v, "error", err)
			return fallback
		}
		return b
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("invalid duration env var, using default", "key", key, "value", v, "error", err)
			return fallback
		}
		return d
	}
	return fallback
}
