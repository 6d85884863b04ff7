package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "etl-engine/internal/common/errors"
	"etl-engine/internal/common/logging"
)

func testBreaker(t *testing.T, maxFailures int) *Breaker {
	t.Helper()
	return New("test-plugin", Config{
		MaxFailures:           maxFailures,
		Timeout:               time.Minute,
		MaxConcurrentRequests: 1,
	}, logging.GetGlobalLogger())
}

func TestBreaker_PassesThroughSuccess(t *testing.T) {
	b := testBreaker(t, 3)
	err := b.Execute(context.Background(), func() error { return nil })
	assert.NoError(t, err)
	assert.False(t, b.IsOpen())
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := testBreaker(t, 3)
	boom := errors.New("backend down")

	for i := 0; i < 3; i++ {
		require.Error(t, b.Execute(context.Background(), func() error { return boom }))
	}
	assert.True(t, b.IsOpen())

	err := b.Execute(context.Background(), func() error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker")
}

func TestBreaker_ValidationErrorsDoNotTrip(t *testing.T) {
	b := testBreaker(t, 2)

	for i := 0; i < 5; i++ {
		b.Execute(context.Background(), func() error {
			return apperrors.ValidationError("bad config")
		})
	}
	assert.False(t, b.IsOpen())
}

func TestBreaker_CancellationDoesNotTrip(t *testing.T) {
	b := testBreaker(t, 2)

	for i := 0; i < 5; i++ {
		b.Execute(context.Background(), func() error {
			return apperrors.CancelledError("task run")
		})
	}
	assert.False(t, b.IsOpen())
}

func TestManager_SharesBreakerPerName(t *testing.T) {
	m := NewManager(DefaultConfig(), logging.GetGlobalLogger())
	a := m.Get("postgres-load")
	b := m.Get("postgres-load")
	c := m.Get("csv-extract")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, PluginConfig.Validate())
	assert.Error(t, Config{MaxFailures: 0, Timeout: time.Second, MaxConcurrentRequests: 1}.Validate())
	assert.Error(t, Config{MaxFailures: 1, Timeout: 0, MaxConcurrentRequests: 1}.Validate())
}
