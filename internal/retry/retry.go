// Package retry provides exponential backoff retries for transient failures.
//
// The bridge uses it for one thing: dialing the emulator's remote-stub port
// while the emulator process is still booting. The stub socket typically
// appears a few hundred milliseconds after the process starts, so the
// connect loop retries with exponential backoff until the socket opens, the
// attempts run out, or the launch is cancelled.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config defines the retry behavior for exponential backoff operations.
type Config struct {
	// MaxRetries is the maximum number of attempts. Must be greater than 0.
	MaxRetries int

	// InitialBackoff is the base backoff duration.
	// Each retry multiplies this by 2^(attempt-1).
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Zero means no cap.
	MaxBackoff time.Duration

	// Jitter adds randomness to backoff (0.0 to 1.0). The jitter amount
	// increases linearly with attempt number. Zero means no jitter.
	Jitter float64
}

// Do calls fn up to cfg.MaxRetries times, backing off between attempts.
//
// retryable decides whether an error is worth another attempt; a nil
// retryable retries every error. Context cancellation during a backoff
// period exits immediately with the context error.
func Do(ctx context.Context, cfg Config, fn func() error, retryable func(error) bool) error {
	if cfg.MaxRetries <= 0 {
		return fmt.Errorf("retry: MaxRetries must be positive, got %d", cfg.MaxRetries)
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}

		backoff := backoffFor(cfg, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("retry: %d attempts failed: %w", cfg.MaxRetries, lastErr)
}

// backoffFor computes the backoff duration for the given attempt (1-based).
func backoffFor(cfg Config, attempt int) time.Duration {
	backoff := time.Duration(float64(cfg.InitialBackoff) * math.Pow(2, float64(attempt-1)))
	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}
	if cfg.Jitter > 0 {
		scale := cfg.Jitter * float64(attempt) / float64(cfg.MaxRetries)
		backoff += time.Duration(rand.Float64() * scale * float64(backoff))
	}
	return backoff
}
