package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
)

// Config holds all configuration for the study CLI.
type Config struct {
	StorageURL string
	RedisURL   string
	LogLevel   zapcore.Level
	// EventStreamMaxLen caps the Redis event stream; zero leaves it unbounded.
	EventStreamMaxLen int64
}

// Load reads configuration from environment variables with sensible
// defaults. Values in a .env file in the working directory are used for
// variables the environment does not set.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit dotenv path. A missing file is fine.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	level, err := zapcore.ParseLevel(getEnv("STUDY_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("STUDY_LOG_LEVEL: %w", err)
	}
	maxLen, err := strconv.ParseInt(getEnv("STUDY_EVENT_STREAM_MAXLEN", "10000"), 10, 64)
	if err != nil || maxLen < 0 {
		return nil, fmt.Errorf("STUDY_EVENT_STREAM_MAXLEN must be a non-negative integer")
	}

	cfg := &Config{
		StorageURL:        getEnv("STUDY_STORAGE_URL", "sqlite://studysync.db"),
		RedisURL:          getEnv("STUDY_REDIS_URL", ""),
		LogLevel:          level,
		EventStreamMaxLen: maxLen,
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
