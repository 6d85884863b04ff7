// Package utils provides small shared helpers: id generation, retry with
// exponential backoff, and duration parsing.
package utils

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// RetryConfig holds configuration for retry operations with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial attempt)
	MaxAttempts int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay caps exponential growth of the delay between retries
	MaxDelay time.Duration

	// BackoffFactor is the multiplier for exponential backoff (e.g., 2.0 doubles delay)
	BackoffFactor float64

	// JitterFactor adds randomness to delays (0.0-1.0, where 0.1 = 10% jitter)
	JitterFactor float64

	// RetryableErrors determines which errors should trigger a retry.
	// If nil, all errors are considered retryable.
	RetryableErrors func(error) bool
}

// DefaultRetryConfig returns a sensible default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
		RetryableErrors: func(err error) bool {
			return true
		},
	}
}

// BackoffDelay computes the delay before retry number attempt (0-based),
// following base * factor^attempt capped at max. Used by the execution
// tracker to schedule task retries without blocking a goroutine per policy.
func BackoffDelay(base time.Duration, factor float64, attempt int, max time.Duration) time.Duration {
	delay := float64(base)
	for i := 0; i < attempt; i++ {
		delay *= factor
		if time.Duration(delay) >= max {
			return max
		}
	}
	if time.Duration(delay) > max {
		return max
	}
	return time.Duration(delay)
}

// RetryWithBackoff executes a function with exponential backoff retry strategy.
//
// Attempts fn up to MaxAttempts times with exponentially increasing delays,
// honoring context cancellation and the RetryableErrors filter. Returns nil on
// success, the original error for non-retryable failures, and a wrapped
// "max retries exceeded" error once attempts are exhausted.
func RetryWithBackoff(ctx context.Context, config RetryConfig, fn func() error) error {
	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err

			if config.RetryableErrors != nil && !config.RetryableErrors(err) {
				return err
			}
			if attempt == config.MaxAttempts {
				break
			}
		}

		// Apply jitter so concurrent retries don't synchronize
		actualDelay := delay
		if config.JitterFactor > 0 {
			jitterRange := int64(float64(delay) * config.JitterFactor)
			if jitterRange > 0 {
				jitter := randomInt64n(2*jitterRange) - jitterRange
				actualDelay = delay + time.Duration(jitter)
				if actualDelay < 0 {
					actualDelay = delay
				}
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(actualDelay):
		}

		delay = time.Duration(float64(delay) * config.BackoffFactor)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return fmt.Errorf("max retries exceeded after %d attempts: %w", config.MaxAttempts, lastErr)
}

// randomInt64n returns a cryptographically random int64 in [0, n)
func randomInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return n / 2
	}
	return v.Int64()
}
