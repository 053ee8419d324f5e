package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/contract-indexer/internal/errors"
	"github.com/contract-indexer/internal/logging"
	"github.com/contract-indexer/internal/metrics"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means requests flow normally
	StateClosed State = "closed"
	// StateOpen means requests are rejected without calling upstream
	StateOpen State = "open"
	// StateHalfOpen means a limited number of probe requests are allowed
	StateHalfOpen State = "half_open"
)

func (s State) gauge() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	}
	return 0
}

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests is returned when the half-open probe budget is used up
var ErrTooManyRequests = errors.New("too many requests in half-open state")

// Config configures a circuit breaker
type Config struct {
	Name string
	// ConsecutiveFailures opens the circuit when reached while closed
	ConsecutiveFailures int
	// OpenTimeout is how long the circuit stays open before probing
	OpenTimeout time.Duration
	// HalfOpenMaxCalls is the number of probes, all must succeed to close
	HalfOpenMaxCalls int
	// IsFailure decides which errors count against the upstream
	IsFailure func(error) bool
	// OnStateChange is called after each transition, outside the lock
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:                name,
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenMaxCalls:    2,
	}
}

// UpstreamFailure counts everything except validation and not-found errors.
// Context cancellation by the caller is not the upstream's fault either.
func UpstreamFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !apperrors.IsValidation(err) && !apperrors.IsNotFound(err)
}

// CircuitBreaker guards calls to a flaky upstream
type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu               sync.Mutex
	state            State
	consecutiveFails int
	probes           int
	probeSuccesses   int
	openedAt         time.Time
	totalCalls       int64
	totalFailures    int64
	totalRejected    int64
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	cfg := *config
	if cfg.ConsecutiveFailures <= 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = UpstreamFailure
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now, state: StateClosed}
}

// SetClock replaces the time source, used by tests
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	cb.now = now
	cb.mu.Unlock()
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn()
	cb.afterRequest(err)
	return err
}

// Do runs fn through the breaker and returns its value
func Do[T any](ctx context.Context, cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func() error {
		v, err := fn()
		out = v
		return err
	})
	return out, err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	var transition *[2]State
	defer func() {
		cb.mu.Unlock()
		if transition != nil {
			cb.notify(transition[0], transition[1])
		}
	}()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.OpenTimeout {
			cb.totalRejected++
			return ErrCircuitOpen
		}
		transition = &[2]State{StateOpen, StateHalfOpen}
		cb.state = StateHalfOpen
		cb.probes = 1
		cb.probeSuccesses = 0
		return nil
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMaxCalls {
			cb.totalRejected++
			return ErrTooManyRequests
		}
		cb.probes++
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	var transition *[2]State
	defer func() {
		cb.mu.Unlock()
		if transition != nil {
			cb.notify(transition[0], transition[1])
		}
	}()

	cb.totalCalls++
	failed := cb.cfg.IsFailure(err)
	if failed {
		cb.totalFailures++
	}

	switch cb.state {
	case StateClosed:
		if !failed {
			cb.consecutiveFails = 0
			return
		}
		cb.consecutiveFails++
		if cb.consecutiveFails >= cb.cfg.ConsecutiveFailures {
			transition = &[2]State{StateClosed, StateOpen}
			cb.open()
		}
	case StateHalfOpen:
		if failed {
			transition = &[2]State{StateHalfOpen, StateOpen}
			cb.open()
			return
		}
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.cfg.HalfOpenMaxCalls {
			transition = &[2]State{StateHalfOpen, StateClosed}
			cb.state = StateClosed
			cb.consecutiveFails = 0
		}
	}
}

func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.probes = 0
	cb.probeSuccesses = 0
}

func (cb *CircuitBreaker) notify(from, to State) {
	logger := logging.WithFields(map[string]interface{}{
		"circuitBreaker": cb.cfg.Name,
		"from":           from,
		"to":             to,
	})
	metrics.CircuitState.WithLabelValues(cb.cfg.Name).Set(to.gauge())
	if to == StateOpen {
		logger.Warn("Circuit breaker opened")
	} else {
		logger.Info("Circuit breaker state changed")
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name             string `json:"name"`
	State            State  `json:"state"`
	ConsecutiveFails int    `json:"consecutiveFails"`
	TotalCalls       int64  `json:"totalCalls"`
	TotalFailures    int64  `json:"totalFailures"`
	TotalRejected    int64  `json:"totalRejected"`
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:             cb.cfg.Name,
		State:            cb.state,
		ConsecutiveFails: cb.consecutiveFails,
		TotalCalls:       cb.totalCalls,
		TotalFailures:    cb.totalFailures,
		TotalRejected:    cb.totalRejected,
	}
}

// Reset manually closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.consecutiveFails = 0
	cb.probes = 0
	cb.probeSuccesses = 0
	cb.mu.Unlock()

	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}
