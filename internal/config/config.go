// Package config loads application configuration from config.yaml and
// BLARSER_-prefixed environment variables, and installs the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/blarser/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig    `yaml:"store" mapstructure:"store"`
	Feed   UpstreamConfig `yaml:"feed" mapstructure:"feed"`
	Chron  UpstreamConfig `yaml:"chron" mapstructure:"chron"`
	Ingest IngestConfig   `yaml:"ingest" mapstructure:"ingest"`
	Server ServerConfig   `yaml:"server" mapstructure:"server"`
	Log    LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// UpstreamConfig configures one upstream API client, including its retry
// and circuit-breaker knobs.
type UpstreamConfig struct {
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	PageSize       int     `yaml:"page_size" mapstructure:"page_size"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`

	RetryAttempts     int `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMs    int `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	RetryMaxBackoffMs int `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
	BreakerFailures   int `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerResetSecs  int `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
}

// Retry builds the upstream's retry policy from the configured knobs.
func (c UpstreamConfig) Retry(service string) resilience.RetryConfig {
	return resilience.ForUpstream(service, c.RetryAttempts, c.RetryBackoffMs, c.RetryMaxBackoffMs)
}

// Breaker builds the upstream's circuit-breaker settings from the
// configured knobs. Zero values keep the defaults.
func (c UpstreamConfig) Breaker(service string) resilience.CircuitBreakerConfig {
	cfg := resilience.DefaultCircuitBreakerConfig()
	cfg.Service = service
	if c.BreakerFailures > 0 {
		cfg.FailureThreshold = c.BreakerFailures
	}
	if c.BreakerResetSecs > 0 {
		cfg.ResetTimeout = time.Duration(c.BreakerResetSecs) * time.Second
	}
	return cfg
}


// IngestConfig tunes the ingest engine.
type IngestConfig struct {
	// StartAt is the RFC3339 instant ingestion begins from on a fresh
	// database.
	StartAt string `yaml:"start_at" mapstructure:"start_at"`
	// MaxLagMinutes bounds how far the feed runs ahead of chron resolution.
	MaxLagMinutes int `yaml:"max_lag_minutes" mapstructure:"max_lag_minutes"`
	// HorizonWaitSecs bounds each chron horizon wait before deferral.
	HorizonWaitSecs int `yaml:"horizon_wait_secs" mapstructure:"horizon_wait_secs"`
}

// MaxLag returns the configured feed/chron lag bound.
func (c IngestConfig) MaxLag() time.Duration {
	return time.Duration(c.MaxLagMinutes) * time.Minute
}

// HorizonWait returns the configured horizon wait timeout.
func (c IngestConfig) HorizonWait() time.Duration {
	return time.Duration(c.HorizonWaitSecs) * time.Second
}

// ServerConfig configures the debug/approval HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from config.yaml in the working directory and the
// environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("BLARSER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "blarser.db")
	v.SetDefault("feed.base_url", "https://api.sibr.dev/eventually/v2")
	v.SetDefault("feed.page_size", 100)
	v.SetDefault("feed.requests_per_sec", 5)
	v.SetDefault("feed.retry_attempts", 3)
	v.SetDefault("feed.retry_backoff_ms", 500)
	v.SetDefault("feed.retry_max_backoff_ms", 30000)
	v.SetDefault("feed.breaker_failures", 5)
	v.SetDefault("feed.breaker_reset_secs", 30)
	v.SetDefault("chron.base_url", "https://api.sibr.dev/chronicler/v1")
	v.SetDefault("chron.page_size", 250)
	v.SetDefault("chron.requests_per_sec", 5)
	v.SetDefault("chron.retry_attempts", 3)
	v.SetDefault("chron.retry_backoff_ms", 500)
	v.SetDefault("chron.retry_max_backoff_ms", 30000)
	v.SetDefault("chron.breaker_failures", 5)
	v.SetDefault("chron.breaker_reset_secs", 30)
	v.SetDefault("ingest.start_at", "2021-12-06T15:00:00Z")
	v.SetDefault("ingest.max_lag_minutes", 60)
	v.SetDefault("ingest.horizon_wait_secs", 30)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		// The file is optional; environment and defaults suffice.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// StartAt parses the configured ingestion start instant.
func (c *Config) StartAt() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, c.Ingest.StartAt)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "config: parse ingest.start_at %q", c.Ingest.StartAt)
	}
	return t, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
