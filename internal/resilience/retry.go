package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls how upstream calls are retried. The zero value is
// usable and equivalent to DefaultRetryConfig.
type RetryConfig struct {
	// Service names the upstream ("feed", "chronicler") in retry logs.
	Service string

	// MaxAttempts counts the first try too; 1 disables retries.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry; each further retry
	// doubles it, capped at MaxBackoff. A quarter of jitter is applied so
	// paged catch-up loops do not retry in lockstep.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// ShouldRetry overrides IsTransient when set.
	ShouldRetry func(err error) bool
}

// DefaultRetryConfig is tuned for the feed/Chronicler APIs: three attempts
// with sub-second initial backoff keeps a catch-up ingest moving through
// rate-limit blips without stalling on real outages.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

// ForUpstream builds a RetryConfig from the configured upstream knobs.
// Zero values fall back to the defaults.
func ForUpstream(service string, maxAttempts, initialBackoffMs, maxBackoffMs int) RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.Service = service
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if initialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if maxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	}
	return cfg
}

// Do runs fn, retrying transient failures with doubled-and-jittered backoff
// until the attempts run out. Permanent failures and context cancellation
// return immediately; the last error is returned when attempts are spent.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultRetryConfig().MaxAttempts
	}
	backoff := cfg.InitialBackoff
	if backoff <= 0 {
		backoff = DefaultRetryConfig().InitialBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultRetryConfig().MaxBackoff
	}
	retryable := cfg.ShouldRetry
	if retryable == nil {
		retryable = IsTransient
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= attempts || !retryable(err) {
			return err
		}

		// ±25% jitter on the current backoff.
		delay := backoff + time.Duration((rand.Float64()-0.5)*0.5*float64(backoff))
		zap.L().Debug("resilience: retrying upstream call",
			zap.String("service", cfg.Service),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
