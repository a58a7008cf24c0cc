package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the delivery engine.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	NumWorkers     int
	RetryBase      time.Duration
	RetryCap       time.Duration
	DefaultTimeout time.Duration

	PollInterval     time.Duration
	BatchSize        int
	MaxResponseBytes int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dbURL := getEnv("DATABASE_URL", "")
	redisURL := getEnv("REDIS_URL", "")

	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	return &Config{
		Port:           getEnv("PORT", "8080"),
		DatabaseURL:    dbURL,
		RedisURL:       redisURL,
		NumWorkers:     getEnvInt("NUM_WORKERS", 50),
		RetryBase:      time.Duration(getEnvInt("RETRY_BASE_MS", 5000)) * time.Millisecond,
		RetryCap:       time.Duration(getEnvInt("RETRY_CAP_MS", 300000)) * time.Millisecond,
		DefaultTimeout: time.Duration(getEnvInt("DEFAULT_TIMEOUT_SECONDS", 10)) * time.Second,

		PollInterval:     time.Duration(getEnvInt("POLL_INTERVAL_MS", 100)) * time.Millisecond,
		BatchSize:        getEnvInt("BATCH_SIZE", 10),
		MaxResponseBytes: getEnvInt("MAX_RESPONSE_BYTES", 1000),
	}, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}
