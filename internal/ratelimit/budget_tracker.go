// Package ratelimit coordinates upstream API request budgets across processes.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default budget configuration values.
const (
	DefaultTotalBudget    = 1000
	DefaultReservedBudget = 400
	DefaultWindowSize     = time.Minute
)

// KeyPrefix namespaces budget counters in Redis.
const KeyPrefix = "budget:"

// Priority levels for budget allocation.
type Priority int

const (
	// PriorityHigh is for inline work on the scheduler path (reserved pool).
	PriorityHigh Priority = iota
	// PriorityLow is for fan-out sub-workers and bulk jobs (shared pool).
	PriorityLow
)

// String returns a string representation of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// consumeScript atomically checks both the total and the pool counter and
// increments them only when both stay within budget.
var consumeScript = redis.NewScript(`
	local totalKey = KEYS[1]
	local poolKey = KEYS[2]
	local cost = tonumber(ARGV[1])
	local totalBudget = tonumber(ARGV[2])
	local poolBudget = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])

	local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
	local poolUsed = tonumber(redis.call('GET', poolKey) or '0')

	if totalUsed + cost > totalBudget then
		return {0, totalUsed, poolUsed}
	end
	if poolUsed + cost > poolBudget then
		return {0, totalUsed, poolUsed}
	end

	redis.call('INCRBY', totalKey, cost)
	redis.call('EXPIRE', totalKey, ttl)
	redis.call('INCRBY', poolKey, cost)
	redis.call('EXPIRE', poolKey, ttl)

	return {1, totalUsed + cost, poolUsed + cost}
`)

// BudgetTracker is a fixed-window request budget for one upstream API, shared
// by every process pointing at the same Redis. The window is split into a
// reserved pool for high priority callers and a shared pool for the rest.
type BudgetTracker struct {
	redis          redis.Cmdable
	name           string
	totalBudget    int64
	reservedBudget int64
	sharedBudget   int64
	windowSize     time.Duration
	now            func() time.Time
}

// BudgetTrackerConfig holds configuration for the budget tracker.
type BudgetTrackerConfig struct {
	// Redis is required.
	Redis redis.Cmdable

	// Name identifies the upstream API, e.g. "detail".
	Name string

	// TotalBudget is the request budget per window. Default: 1000.
	TotalBudget int64

	// ReservedBudget is the share kept for PriorityHigh. Default: 40% of total.
	ReservedBudget int64

	// WindowSize is the budget window. Default: 1m.
	WindowSize time.Duration

	// Now overrides the clock, used by tests.
	Now func() time.Time
}

// UsageStats contains current consumption for one window.
type UsageStats struct {
	TotalUsed      int64
	ReservedUsed   int64
	SharedUsed     int64
	TotalBudget    int64
	ReservedBudget int64
	SharedBudget   int64
	WindowStart    time.Time
}

// Validate checks if the configuration is valid.
func (c *BudgetTrackerConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.Name == "" {
		return errors.New("budget name is required")
	}
	if c.TotalBudget < 0 || c.ReservedBudget < 0 {
		return errors.New("budgets cannot be negative")
	}
	if c.TotalBudget > 0 && c.ReservedBudget > c.TotalBudget {
		return fmt.Errorf("reserved budget (%d) cannot exceed total budget (%d)", c.ReservedBudget, c.TotalBudget)
	}
	return nil
}

// NewBudgetTracker creates a new tracker with the given configuration.
func NewBudgetTracker(cfg *BudgetTrackerConfig) (*BudgetTracker, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	total := cfg.TotalBudget
	if total == 0 {
		total = DefaultTotalBudget
	}
	reserved := cfg.ReservedBudget
	if reserved == 0 {
		reserved = total * 2 / 5
	}
	if reserved > total {
		reserved = total
	}
	window := cfg.WindowSize
	if window == 0 {
		window = DefaultWindowSize
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &BudgetTracker{
		redis:          cfg.Redis,
		name:           cfg.Name,
		totalBudget:    total,
		reservedBudget: reserved,
		sharedBudget:   total - reserved,
		windowSize:     window,
		now:            now,
	}, nil
}

func (t *BudgetTracker) windowStart() time.Time {
	return t.now().Truncate(t.windowSize)
}

func (t *BudgetTracker) keys(start time.Time) (total, reserved, shared string) {
	ts := strconv.FormatInt(start.UnixMilli(), 10)
	base := KeyPrefix + t.name + ":"
	return base + "total:" + ts, base + "reserved:" + ts, base + "shared:" + ts
}

// TryConsume takes cost units from the pool matching priority.
// When denied it returns the time until the next window.
// A Redis failure is reported as an error and nothing is consumed.
func (t *BudgetTracker) TryConsume(ctx context.Context, cost int64, priority Priority) (bool, time.Duration, error) {
	if cost <= 0 {
		return true, 0, nil
	}

	start := t.windowStart()
	totalKey, reservedKey, sharedKey := t.keys(start)

	poolKey, poolBudget := sharedKey, t.sharedBudget
	if priority == PriorityHigh {
		poolKey, poolBudget = reservedKey, t.reservedBudget
	}

	ttl := int64((2 * t.windowSize).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	res, err := consumeScript.Run(ctx, t.redis, []string{totalKey, poolKey},
		cost, t.totalBudget, poolBudget, ttl).Int64Slice()
	if err != nil {
		return false, t.untilNextWindow(start), fmt.Errorf("failed to consume %s budget: %w", t.name, err)
	}

	if res[0] != 1 {
		return false, t.untilNextWindow(start), nil
	}
	return true, 0, nil
}

func (t *BudgetTracker) untilNextWindow(start time.Time) time.Duration {
	wait := start.Add(t.windowSize).Sub(t.now())
	if wait < 0 {
		wait = 0
	}
	return wait + time.Millisecond
}

// GetUsage returns usage for the current window.
func (t *BudgetTracker) GetUsage(ctx context.Context) (*UsageStats, error) {
	start := t.windowStart()
	totalKey, reservedKey, sharedKey := t.keys(start)

	pipe := t.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read %s budget usage: %w", t.name, err)
	}

	return &UsageStats{
		TotalUsed:      int64OrZero(totalCmd),
		ReservedUsed:   int64OrZero(reservedCmd),
		SharedUsed:     int64OrZero(sharedCmd),
		TotalBudget:    t.totalBudget,
		ReservedBudget: t.reservedBudget,
		SharedBudget:   t.sharedBudget,
		WindowStart:    start,
	}, nil
}

func int64OrZero(cmd *redis.StringCmd) int64 {
	v, err := cmd.Int64()
	if err != nil {
		return 0
	}
	return v
}

// Utilization returns total usage as a percentage of the window budget.
func (t *BudgetTracker) Utilization(ctx context.Context) (float64, error) {
	stats, err := t.GetUsage(ctx)
	if err != nil {
		return 0, err
	}
	return float64(stats.TotalUsed) * 100 / float64(t.totalBudget), nil
}

// Name returns the upstream API name.
func (t *BudgetTracker) Name() string {
	return t.name
}
