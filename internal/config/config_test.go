package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "blarser.db", cfg.Store.DatabaseURL)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, time.Hour, cfg.Ingest.MaxLag())
	assert.Equal(t, 30*time.Second, cfg.Ingest.HorizonWait())

	retry := cfg.Feed.Retry("feed")
	assert.Equal(t, "feed", retry.Service)
	assert.Equal(t, 3, retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, retry.InitialBackoff)
	assert.Equal(t, 30*time.Second, retry.MaxBackoff)

	breaker := cfg.Chron.Breaker("chronicler")
	assert.Equal(t, "chronicler", breaker.Service)
	assert.Equal(t, 5, breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, breaker.ResetTimeout)

	start, err := cfg.StartAt()
	require.NoError(t, err)
	assert.Equal(t, 2021, start.Year())
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	raw := map[string]any{
		"store": map[string]any{"driver": "postgres", "database_url": "postgres://localhost/blarser"},
		"log":   map[string]any{"level": "debug", "format": "console"},
		"ingest": map[string]any{
			"start_at":        "2021-03-01T16:00:00Z",
			"max_lag_minutes": 15,
		},
		"feed": map[string]any{
			"retry_attempts":     5,
			"retry_backoff_ms":   200,
			"breaker_failures":   2,
			"breaker_reset_secs": 10,
		},
	}
	data, err := yaml.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 15*time.Minute, cfg.Ingest.MaxLag())

	retry := cfg.Feed.Retry("feed")
	assert.Equal(t, 5, retry.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, retry.InitialBackoff)
	breaker := cfg.Feed.Breaker("feed")
	assert.Equal(t, 2, breaker.FailureThreshold)
	assert.Equal(t, 10*time.Second, breaker.ResetTimeout)

	start, err := cfg.StartAt()
	require.NoError(t, err)
	assert.Equal(t, time.March, start.Month())
}

func TestLoad_EnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("BLARSER_STORE_DRIVER", "postgres")
	t.Setenv("BLARSER_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestStartAt_Invalid(t *testing.T) {
	cfg := &Config{Ingest: IngestConfig{StartAt: "not a time"}}
	_, err := cfg.StartAt()
	require.Error(t, err)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	require.Error(t, InitLogger(LogConfig{Level: "nope", Format: "json"}))
}
