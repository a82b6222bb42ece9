package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"STUDY_STORAGE_URL", "STUDY_REDIS_URL", "STUDY_LOG_LEVEL", "STUDY_EVENT_STREAM_MAXLEN"} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite://studysync.db", cfg.StorageURL)
	assert.Empty(t, cfg.RedisURL)
	assert.Equal(t, zapcore.InfoLevel, cfg.LogLevel)
	assert.Equal(t, int64(10000), cfg.EventStreamMaxLen)
}

func TestLoadDotenvAndOverrides(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		"STUDY_STORAGE_URL=postgres://db/studies\nSTUDY_LOG_LEVEL=debug\n"), 0o600))
	t.Setenv("STUDY_LOG_LEVEL", "warn")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/studies", cfg.StorageURL)
	assert.Equal(t, zapcore.WarnLevel, cfg.LogLevel, "environment wins over .env")
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"log level", "STUDY_LOG_LEVEL", "loud"},
		{"max len", "STUDY_EVENT_STREAM_MAXLEN", "-1"},
		{"max len text", "STUDY_EVENT_STREAM_MAXLEN", "many"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := LoadFile(filepath.Join(t.TempDir(), "missing.env"))
			assert.Error(t, err)
		})
	}
}
