package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/contract-indexer/internal/logging"
	"github.com/contract-indexer/internal/retry"
)

// Default controller configuration values.
const (
	DefaultBaseDelay = 100 * time.Millisecond
	DefaultMaxDelay  = 10 * time.Second
)

// Waiter blocks until one request may be sent. *rate.Limiter satisfies it.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Controller paces callers against a BudgetTracker, backing off while the
// budget is exhausted.
type Controller struct {
	tracker  *BudgetTracker
	priority Priority
	sleep    func(ctx context.Context, d time.Duration) error

	mu               sync.Mutex
	backoff          *backoff.ExponentialBackOff
	consecutiveFails int
}

// ControllerConfig holds configuration for the controller.
type ControllerConfig struct {
	Tracker   *BudgetTracker
	Priority  Priority
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Validate checks if the configuration is valid.
func (c *ControllerConfig) Validate() error {
	if c.Tracker == nil {
		return errors.New("tracker is required")
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 {
		return errors.New("delays cannot be negative")
	}
	if c.MaxDelay > 0 && c.BaseDelay > c.MaxDelay {
		return errors.New("base delay cannot exceed max delay")
	}
	return nil
}

// NewController creates a controller drawing from the given priority pool.
func NewController(cfg *ControllerConfig) (*Controller, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := cfg.BaseDelay
	if base == 0 {
		base = DefaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay == 0 {
		maxDelay = DefaultMaxDelay
	}

	return &Controller{
		tracker:  cfg.Tracker,
		priority: cfg.Priority,
		sleep:    retry.Sleep,
		backoff: retry.NewBackOff(&retry.RetryConfig{
			InitialDelay: base,
			MaxDelay:     maxDelay,
			Multiplier:   2,
		}),
	}, nil
}

// Wait takes a single unit of budget.
func (c *Controller) Wait(ctx context.Context) error {
	return c.WaitForBudget(ctx, 1)
}

// WaitForBudget blocks until cost units are granted or ctx is done.
// If Redis is unreachable the request is let through so that a cache outage
// degrades to local pacing instead of stalling every worker.
func (c *Controller) WaitForBudget(ctx context.Context, cost int64) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		allowed, wait, err := c.tracker.TryConsume(ctx, cost, c.priority)
		if err != nil {
			logging.FromContext(ctx).WithError(err).WithField("budget", c.tracker.Name()).
				Warn("Budget tracker unavailable, proceeding without shared budget")
			return nil
		}
		if allowed {
			c.RecordSuccess()
			return nil
		}

		delay := c.RecordFailure()
		if wait > delay {
			delay = wait
		}
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// RecordSuccess resets the backoff.
func (c *Controller) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFails = 0
	c.backoff.Reset()
}

// RecordFailure advances the backoff and returns the next delay.
func (c *Controller) RecordFailure() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFails++
	return c.backoff.NextBackOff()
}

// ConsecutiveFailures returns the number of denials since the last grant.
func (c *Controller) ConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveFails
}
