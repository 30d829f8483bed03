package store

import (
	"context"
	"log/slog"
	"time"
)

// RetryConfig bounds the exponential-backoff wrapper around file operations.
type RetryConfig struct {
	MaxAttempts int
	InitialWait time.Duration
}

// DefaultRetryConfig matches FILE_OPERATION_MAX_RETRIES /
// FILE_OPERATION_RETRY_DELAY_MS defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialWait: 100 * time.Millisecond}
}

// WithRetry runs op under the backoff policy. Permanent errors are re-raised
// immediately; transient ones are retried with doubling delay until the
// attempt budget is spent.
func WithRetry(ctx context.Context, cfg RetryConfig, name string, op func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}

	wait := cfg.InitialWait
	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if Permanent(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		slog.Warn("file operation retrying", "op", name, "attempt", attempt, "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		wait *= 2
	}
	return err
}
