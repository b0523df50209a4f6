package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestWithExponentialBackoff_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	result := WithExponentialBackoff(context.Background(), fastConfig(5), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, calls)
	assert.NoError(t, result.LastError)
}

func TestWithExponentialBackoff_GivesUp(t *testing.T) {
	failure := errors.New("down")
	result := WithExponentialBackoff(context.Background(), fastConfig(3), func(ctx context.Context, attempt int) error {
		return failure
	})

	assert.False(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.ErrorIs(t, result.LastError, failure)
}

func TestWithExponentialBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := &RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}

	result := WithExponentialBackoff(ctx, config, func(ctx context.Context, attempt int) error {
		cancel()
		return errors.New("fail")
	})

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.ErrorIs(t, result.LastError, context.Canceled)
}

func TestDo_WrapsLastError(t *testing.T) {
	failure := errors.New("refused")
	err := Do(context.Background(), fastConfig(2), func(ctx context.Context, attempt int) error {
		return failure
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, failure)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestCalculateDelay(t *testing.T) {
	config := DefaultRetryConfig()

	assert.Equal(t, 1*time.Second, calculateDelay(config, 1))
	assert.Equal(t, 2*time.Second, calculateDelay(config, 2))
	assert.Equal(t, 8*time.Second, calculateDelay(config, 4))
	assert.Equal(t, 30*time.Second, calculateDelay(config, 10))
}
