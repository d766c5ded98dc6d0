// Package retry runs an operation with bounded exponential backoff. The
// facilitator uses it for upstream fetches that fail transiently, such as
// spot price lookups.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config bounds one retry loop.
type Config struct {
	// MaxAttempts is the total number of attempts, the first included.
	MaxAttempts int

	// InitialDelay is the pause after the first failure.
	InitialDelay time.Duration

	// MaxDelay caps the growing pause between attempts.
	MaxDelay time.Duration

	// Multiplier scales the pause after every failed attempt.
	Multiplier float64
}

// IsRetryable reports whether an error is worth another attempt.
type IsRetryable func(error) bool

// WithRetry calls fn until it succeeds, the error is not retryable, the
// attempts are exhausted, or ctx is done. The last attempt's error is
// wrapped on exhaustion; a canceled context surfaces as the context error.
func WithRetry[T any](ctx context.Context, cfg Config, isRetryable IsRetryable, fn func() (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts < 1 {
		return zero, errors.New("retry: MaxAttempts must be at least 1")
	}

	var lastErr error
	delay := cfg.InitialDelay
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry aborted: %w", err)
		}

		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return zero, err
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	return zero, fmt.Errorf("all %d attempts failed: %w", cfg.MaxAttempts, lastErr)
}
