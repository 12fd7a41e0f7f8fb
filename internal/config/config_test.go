package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"API_ADDR", "REPORT_MAX_RETRIES", "REPORT_INITIAL_DELAY_MS", "REPORT_BACKOFF_MULTIPLIER", "LOG_LEVEL", "S3_USE_SSL", "TRAFFICDASH_MIGRATIONS_DIR", "DATABASE_MAX_CONNS"} {
		t.Setenv(key, "")
	}
	cfg := Load()
	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.InitialDelay)
	assert.Equal(t, 2.0, cfg.BackoffMultiplier)
	assert.Equal(t, 45*time.Second, cfg.AttemptTimeout)
	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel)
	assert.False(t, cfg.S3UseSSL)
	assert.Empty(t, cfg.MigrationsDir)
	assert.Equal(t, 10, cfg.DBMaxConns)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("REPORT_MAX_RETRIES", "5")
	t.Setenv("REPORT_INITIAL_DELAY_MS", "250")
	t.Setenv("REPORT_BACKOFF_MULTIPLIER", "1.5")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("S3_USE_SSL", "true")
	t.Setenv("REPORT_ATTEMPT_TIMEOUT_SECONDS", "not-a-number")

	cfg := Load()
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 1.5, cfg.BackoffMultiplier)
	assert.Equal(t, logrus.DebugLevel, cfg.LogLevel)
	assert.True(t, cfg.S3UseSSL)
	assert.Equal(t, 45*time.Second, cfg.AttemptTimeout)
}

func TestLoadDotEnvKeepsExistingValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("API_ADDR=:9999\nREPORT_OUTPUT_DIR=/tmp/from-dotenv\n"), 0o600))
	t.Setenv("API_ADDR", ":7000")
	t.Setenv("REPORT_OUTPUT_DIR", "")
	os.Unsetenv("REPORT_OUTPUT_DIR")

	LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env"))
	cfg := Load()
	assert.Equal(t, ":7000", cfg.Addr)
	assert.Equal(t, "/tmp/from-dotenv", cfg.OutputDir)
}
