package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	assert.Equal(t, 3, config.MaxAttempts)
	assert.Equal(t, 1*time.Second, config.InitialDelay)
	assert.Equal(t, 30*time.Second, config.MaxDelay)
	assert.Equal(t, 2.0, config.BackoffFactor)
	assert.NotNil(t, config.RetryableErrors)
	assert.True(t, config.RetryableErrors(errors.New("any error")))
}

func TestRetryWithBackoff_Success(t *testing.T) {
	config := DefaultRetryConfig()
	config.InitialDelay = 10 * time.Millisecond

	attempts := 0
	err := RetryWithBackoff(context.Background(), config, func() error {
		attempts++
		if attempts < 2 {
			return errors.New("temporary error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryWithBackoff_AllAttemptsFail(t *testing.T) {
	config := DefaultRetryConfig()
	config.MaxAttempts = 3
	config.InitialDelay = 10 * time.Millisecond

	attempts := 0
	testError := errors.New("persistent error")

	err := RetryWithBackoff(context.Background(), config, func() error {
		attempts++
		return testError
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.ErrorIs(t, err, testError)
}

func TestRetryWithBackoff_NonRetryableError(t *testing.T) {
	config := DefaultRetryConfig()
	config.InitialDelay = 10 * time.Millisecond
	fatal := errors.New("fatal")
	config.RetryableErrors = func(err error) bool {
		return !errors.Is(err, fatal)
	}

	attempts := 0
	err := RetryWithBackoff(context.Background(), config, func() error {
		attempts++
		return fatal
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, attempts)
}

func TestRetryWithBackoff_ContextCancellation(t *testing.T) {
	config := DefaultRetryConfig()
	config.InitialDelay = 1 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := RetryWithBackoff(ctx, config, func() error {
		return errors.New("keep retrying")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
}

func TestBackoffDelay(t *testing.T) {
	base := 500 * time.Millisecond
	max := 10 * time.Second

	assert.Equal(t, 500*time.Millisecond, BackoffDelay(base, 2.0, 0, max))
	assert.Equal(t, 1*time.Second, BackoffDelay(base, 2.0, 1, max))
	assert.Equal(t, 2*time.Second, BackoffDelay(base, 2.0, 2, max))
	assert.Equal(t, 8*time.Second, BackoffDelay(base, 2.0, 4, max))
	// Capped past the max
	assert.Equal(t, max, BackoffDelay(base, 2.0, 10, max))
	assert.Equal(t, max, BackoffDelay(base, 2.0, 60, max))
}
