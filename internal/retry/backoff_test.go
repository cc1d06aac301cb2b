package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func fastConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
	}
}

func TestWithBackoffSucceedsFirstTry(t *testing.T) {
	calls := 0
	result := WithBackoff(context.Background(), fastConfig(), func() error {
		calls++
		return nil
	}, zerolog.Nop())

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, calls)
}

func TestWithBackoffRetriesUntilSuccess(t *testing.T) {
	calls := 0
	result := WithBackoff(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, zerolog.Nop())

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
}

func TestWithBackoffExhaustsRetries(t *testing.T) {
	sentinel := errors.New("still broken")
	result := WithBackoff(context.Background(), fastConfig(), func() error {
		return sentinel
	}, zerolog.Nop())

	assert.False(t, result.Success)
	assert.Equal(t, 4, result.Attempts)
	assert.ErrorIs(t, result.LastError, sentinel)
}

func TestWithBackoffStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	result := WithBackoff(ctx, fastConfig(), func() error {
		calls++
		cancel()
		return errors.New("transient")
	}, zerolog.Nop())

	assert.False(t, result.Success)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, result.LastError, context.Canceled)
}

func TestCalculateDelayCapsAtMax(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 4 * time.Second, Multiplier: 2.0}
	assert.Equal(t, time.Second, calculateDelay(cfg, 0))
	assert.Equal(t, 2*time.Second, calculateDelay(cfg, 1))
	assert.Equal(t, 4*time.Second, calculateDelay(cfg, 5))
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(errors.New("provider API error (status 400): bad request")))
	assert.True(t, IsRetryableError(errors.New("provider API error (status 503): service unavailable")))
	assert.True(t, IsRetryableError(errors.New("dial tcp: connection refused")))
	assert.True(t, IsRetryableError(errors.New("too many requests")))
}
