package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "github.com/contract-indexer/internal/errors"
	"github.com/contract-indexer/internal/logging"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts  int           // Maximum number of attempts, including the first
	InitialDelay time.Duration // Delay before the first retry
	MaxDelay     time.Duration // Cap on the delay between retries
	Multiplier   float64       // Growth factor between retries
	Jitter       float64       // Randomization factor, 0 disables jitter
}

// DefaultRetryConfig returns a default retry configuration
// Pattern: 1s, 2s, 4s, 8s, 16s, max 30s
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// RetryResult contains information about the retry operation
type RetryResult struct {
	Attempts      int           `json:"attempts"`
	Success       bool          `json:"success"`
	TotalDuration time.Duration `json:"totalDuration"`
	LastError     error         `json:"lastError,omitempty"`
}

// RetryFunc is a function that can be retried
type RetryFunc func(ctx context.Context, attempt int) error

// NewBackOff builds an exponential backoff from the config with no elapsed-time cap.
// Callers that track their own failure budget use it directly and call Reset on success.
func NewBackOff(config *RetryConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.InitialDelay
	b.MaxInterval = config.MaxDelay
	b.Multiplier = config.Multiplier
	b.RandomizationFactor = config.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// WithExponentialBackoff executes a function with exponential backoff retry logic.
// Validation errors stop the loop immediately.
func WithExponentialBackoff(ctx context.Context, config *RetryConfig, fn RetryFunc) *RetryResult {
	logger := logging.FromContext(ctx)
	startTime := time.Now()
	result := &RetryResult{}

	maxRetries := 0
	if config.MaxAttempts > 1 {
		maxRetries = config.MaxAttempts - 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(NewBackOff(config), uint64(maxRetries)), ctx)

	op := func() error {
		result.Attempts++
		err := fn(ctx, result.Attempts)
		if err != nil && apperrors.IsValidation(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		logger.WithFields(map[string]interface{}{
			"attempt":     result.Attempts,
			"maxAttempts": config.MaxAttempts,
			"delay":       delay,
			"error":       err.Error(),
		}).Warn("Operation failed, retrying with exponential backoff")
	}

	err := backoff.RetryNotify(op, policy, notify)
	result.TotalDuration = time.Since(startTime)

	if err == nil {
		result.Success = true
		if result.Attempts > 1 {
			logger.WithFields(map[string]interface{}{
				"attempts":      result.Attempts,
				"totalDuration": result.TotalDuration,
			}).Info("Operation succeeded after retry")
		}
		return result
	}

	result.LastError = err
	if ctx.Err() != nil {
		logger.WithError(ctx.Err()).Warn("Retry cancelled due to context cancellation")
		result.LastError = ctx.Err()
		return result
	}

	logger.WithFields(map[string]interface{}{
		"attempts":      result.Attempts,
		"totalDuration": result.TotalDuration,
		"error":         err.Error(),
	}).Error("Operation failed after max retry attempts")
	return result
}

// WithRetry is a simpler retry function that uses default configuration
func WithRetry(ctx context.Context, fn RetryFunc) error {
	result := WithExponentialBackoff(ctx, DefaultRetryConfig(), fn)
	if !result.Success {
		return fmt.Errorf("operation failed after %d attempts: %w", result.Attempts, result.LastError)
	}
	return nil
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
