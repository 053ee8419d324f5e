package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/contract-indexer/internal/errors"
)

func fastConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestWithExponentialBackoff(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		result := WithExponentialBackoff(context.Background(), fastConfig(5), func(ctx context.Context, attempt int) error {
			if attempt < 3 {
				return fmt.Errorf("transient %d", attempt)
			}
			return nil
		})
		assert.True(t, result.Success)
		assert.Equal(t, 3, result.Attempts)
	})

	t.Run("gives up at max attempts", func(t *testing.T) {
		result := WithExponentialBackoff(context.Background(), fastConfig(3), func(ctx context.Context, attempt int) error {
			return fmt.Errorf("always")
		})
		assert.False(t, result.Success)
		assert.Equal(t, 3, result.Attempts)
		require.Error(t, result.LastError)
	})

	t.Run("validation error is not retried", func(t *testing.T) {
		result := WithExponentialBackoff(context.Background(), fastConfig(5), func(ctx context.Context, attempt int) error {
			return apperrors.NewValidationError("bad input")
		})
		assert.False(t, result.Success)
		assert.Equal(t, 1, result.Attempts)
		assert.True(t, apperrors.IsValidation(result.LastError))
	})

	t.Run("context cancellation stops retries", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cfg := fastConfig(10)
		cfg.InitialDelay = 50 * time.Millisecond
		cfg.MaxDelay = 50 * time.Millisecond
		result := WithExponentialBackoff(ctx, cfg, func(ctx context.Context, attempt int) error {
			cancel()
			return fmt.Errorf("fail")
		})
		assert.False(t, result.Success)
		assert.ErrorIs(t, result.LastError, context.Canceled)
	})
}

func TestNewBackOffSequence(t *testing.T) {
	b := NewBackOff(&RetryConfig{InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2})
	var got []time.Duration
	for i := 0; i < 7; i++ {
		got = append(got, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, got)

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}
