package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/contract-indexer/internal/errors"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(t *testing.T) (*CircuitBreaker, *fakeClock, *[]State) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	var transitions []State
	cb := NewCircuitBreaker(&Config{
		Name:                "detail",
		ConsecutiveFailures: 3,
		OpenTimeout:         10 * time.Second,
		HalfOpenMaxCalls:    2,
		OnStateChange: func(_ string, _, to State) {
			transitions = append(transitions, to)
		},
	})
	cb.SetClock(clock.Now)
	return cb, clock, &transitions
}

func fail() error    { return fmt.Errorf("upstream 502") }
func succeed() error { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb, _, transitions := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.Error(t, cb.Execute(ctx, fail))
	}
	assert.Equal(t, StateClosed, cb.GetState())

	// a success resets the streak
	require.NoError(t, cb.Execute(ctx, succeed))
	for i := 0; i < 3; i++ {
		require.Error(t, cb.Execute(ctx, fail))
	}
	assert.Equal(t, StateOpen, cb.GetState())
	assert.Equal(t, []State{StateOpen}, *transitions)

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, int64(1), cb.GetStats().TotalRejected)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cb, clock, transitions := newTestBreaker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}

	clock.Advance(11 * time.Second)
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, cb.GetState())
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, *transitions)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, clock, _ := newTestBreaker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, fail)
	}
	clock.Advance(11 * time.Second)
	require.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrCircuitOpen)
}

func TestBreakerIgnoresNonUpstreamErrors(t *testing.T) {
	cb, _, _ := newTestBreaker(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_ = cb.Execute(ctx, func() error { return apperrors.NewNotFoundError("transaction", "0xabc") })
		_ = cb.Execute(ctx, func() error { return context.Canceled })
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestDoReturnsValue(t *testing.T) {
	cb, _, _ := newTestBreaker(t)
	v, err := Do(context.Background(), cb, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
}
