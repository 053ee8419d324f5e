package adapter

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	apperrors "github.com/contract-indexer/internal/errors"
	"github.com/contract-indexer/internal/logging"
	"github.com/contract-indexer/internal/metrics"
)

// DialFunc opens a raw RPC client for an endpoint URL
type DialFunc func(ctx context.Context, url string) (*rpc.Client, error)

// RPCPool spreads calls round-robin across several RPC endpoints. An endpoint
// that answers with a rate limit is put in cooldown and skipped until it expires.
type RPCPool struct {
	endpoints    []string
	dial         DialFunc
	cooldownTime time.Duration
	now          func() time.Time

	mu        sync.Mutex
	raw       []*rpc.Client
	clients   []*ethclient.Client
	next      int
	cooldowns map[int]time.Time
}

// RPCPoolConfig holds configuration for creating an RPC pool
type RPCPoolConfig struct {
	// Endpoints is the list of RPC URLs
	Endpoints []string
	// CooldownTime is how long a rate-limited endpoint is skipped. Default: 60 seconds
	CooldownTime time.Duration
	// Dial overrides rpc.DialContext, used by tests
	Dial DialFunc
}

// NewRPCPool creates a pool. Endpoints are dialed lazily on first use.
func NewRPCPool(cfg *RPCPoolConfig) (*RPCPool, error) {
	if cfg == nil || len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}

	cooldown := cfg.CooldownTime
	if cooldown == 0 {
		cooldown = 60 * time.Second
	}
	dial := cfg.Dial
	if dial == nil {
		dial = rpc.DialContext
	}

	logging.WithField("endpoints", len(cfg.Endpoints)).Info("RPC pool initialized")

	return &RPCPool{
		endpoints:    cfg.Endpoints,
		dial:         dial,
		cooldownTime: cooldown,
		now:          time.Now,
		raw:          make([]*rpc.Client, len(cfg.Endpoints)),
		clients:      make([]*ethclient.Client, len(cfg.Endpoints)),
		cooldowns:    make(map[int]time.Time),
	}, nil
}

// EndpointCount returns the number of endpoints in the pool
func (p *RPCPool) EndpointCount() int {
	return len(p.endpoints)
}

// acquire picks the next endpoint not in cooldown. When every endpoint is
// cooling down the least recently limited one is used anyway.
func (p *RPCPool) acquire(ctx context.Context) (int, *ethclient.Client, *rpc.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.endpoints)
	idx := -1
	var oldest time.Time
	fallback := p.next % n
	for i := 0; i < n; i++ {
		candidate := (p.next + i) % n
		limitedAt, cooling := p.cooldowns[candidate]
		if cooling && p.now().Sub(limitedAt) >= p.cooldownTime {
			delete(p.cooldowns, candidate)
			cooling = false
		}
		if !cooling {
			idx = candidate
			break
		}
		if oldest.IsZero() || limitedAt.Before(oldest) {
			oldest = limitedAt
			fallback = candidate
		}
	}
	if idx < 0 {
		idx = fallback
	}
	p.next = (idx + 1) % n

	if p.raw[idx] == nil {
		rc, err := p.dial(ctx, p.endpoints[idx])
		if err != nil {
			return idx, nil, nil, apperrors.NewUpstreamError("rpc", fmt.Errorf("failed to connect to endpoint %d: %w", idx, err))
		}
		p.raw[idx] = rc
		p.clients[idx] = ethclient.NewClient(rc)
	}
	return idx, p.clients[idx], p.raw[idx], nil
}

// markRateLimited puts an endpoint in cooldown
func (p *RPCPool) markRateLimited(idx int) {
	p.mu.Lock()
	p.cooldowns[idx] = p.now()
	p.mu.Unlock()
	logging.WithField("endpoint", idx).Warn("RPC endpoint rate limited, cooling down")
}

// Rotate moves the cursor past the endpoint that would be used next
func (p *RPCPool) Rotate() {
	p.mu.Lock()
	p.next = (p.next + 1) % len(p.endpoints)
	p.mu.Unlock()
}

// call runs fn against the next endpoint and classifies its error
func (p *RPCPool) call(ctx context.Context, method string, fn func(c *ethclient.Client, rc *rpc.Client) error) error {
	idx, client, raw, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	label := fmt.Sprint(idx)
	metrics.RPCCallsTotal.WithLabelValues(label, method).Inc()

	start := time.Now()
	err = fn(client, raw)
	metrics.RPCLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if IsRateLimitError(err) {
		metrics.RPCErrorsTotal.WithLabelValues(label, "rate_limit").Inc()
		p.markRateLimited(idx)
		rl := apperrors.NewUpstreamRateLimitError("rpc")
		rl.Cause = err
		return rl
	}
	metrics.RPCErrorsTotal.WithLabelValues(label, "error").Inc()
	return apperrors.NewUpstreamError("rpc", fmt.Errorf("%s: %w", method, err))
}

// BlockNumber returns the latest block number
func (p *RPCPool) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := p.call(ctx, "eth_blockNumber", func(c *ethclient.Client, _ *rpc.Client) error {
		var err error
		n, err = c.BlockNumber(ctx)
		return err
	})
	return n, err
}

// FilterLogs runs eth_getLogs
func (p *RPCPool) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	var logs []ethtypes.Log
	err := p.call(ctx, "eth_getLogs", func(c *ethclient.Client, _ *rpc.Client) error {
		var err error
		logs, err = c.FilterLogs(ctx, q)
		return err
	})
	return logs, err
}

// BlockByNumber fetches a block with its transactions
func (p *RPCPool) BlockByNumber(ctx context.Context, number uint64) (*ethtypes.Block, error) {
	var block *ethtypes.Block
	err := p.call(ctx, "eth_getBlockByNumber", func(c *ethclient.Client, _ *rpc.Client) error {
		var err error
		block, err = c.BlockByNumber(ctx, new(big.Int).SetUint64(number))
		return err
	})
	return block, err
}

// TransactionReceipt fetches a receipt
func (p *RPCPool) TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	var receipt *ethtypes.Receipt
	err := p.call(ctx, "eth_getTransactionReceipt", func(c *ethclient.Client, _ *rpc.Client) error {
		var err error
		receipt, err = c.TransactionReceipt(ctx, hash)
		return err
	})
	return receipt, err
}

// BatchCallContext sends a raw JSON-RPC batch to one endpoint
func (p *RPCPool) BatchCallContext(ctx context.Context, batch []rpc.BatchElem) error {
	return p.call(ctx, "batch", func(_ *ethclient.Client, rc *rpc.Client) error {
		return rc.BatchCallContext(ctx, batch)
	})
}

type blockHeaderTime struct {
	Number    hexutil.Uint64 `json:"number"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
}

// BlockTimestamps fetches the timestamps of many blocks in one batch round trip
func (p *RPCPool) BlockTimestamps(ctx context.Context, numbers []uint64) (map[uint64]time.Time, error) {
	if len(numbers) == 0 {
		return map[uint64]time.Time{}, nil
	}

	headers := make([]blockHeaderTime, len(numbers))
	batch := make([]rpc.BatchElem, len(numbers))
	for i, n := range numbers {
		batch[i] = rpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []interface{}{hexutil.EncodeUint64(n), false},
			Result: &headers[i],
		}
	}
	if err := p.BatchCallContext(ctx, batch); err != nil {
		return nil, err
	}

	out := make(map[uint64]time.Time, len(numbers))
	for i, elem := range batch {
		if elem.Error != nil {
			if IsRateLimitError(elem.Error) {
				return nil, apperrors.NewUpstreamRateLimitError("rpc")
			}
			return nil, apperrors.NewUpstreamError("rpc", fmt.Errorf("block %d: %w", numbers[i], elem.Error))
		}
		out[numbers[i]] = time.Unix(int64(headers[i].Timestamp), 0).UTC()
	}
	return out, nil
}

// IsRateLimitError checks if an error indicates rate limiting (429)
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	if apperrors.IsRateLimit(err) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "limit exceeded") ||
		strings.Contains(errStr, "throttl")
}

// Close closes all client connections
func (p *RPCPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, rc := range p.raw {
		if rc != nil {
			rc.Close()
			p.raw[i] = nil
			p.clients[i] = nil
		}
	}
}

// EndpointStatus represents the status of a single endpoint
type EndpointStatus struct {
	Index             int           `json:"index"`
	Connected         bool          `json:"connected"`
	InCooldown        bool          `json:"inCooldown"`
	CooldownRemaining time.Duration `json:"cooldownRemaining"`
}

// Status returns the current status of every endpoint
func (p *RPCPool) Status() []EndpointStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]EndpointStatus, len(p.endpoints))
	for i := range p.endpoints {
		es := EndpointStatus{Index: i, Connected: p.raw[i] != nil}
		if limitedAt, ok := p.cooldowns[i]; ok {
			if remaining := p.cooldownTime - p.now().Sub(limitedAt); remaining > 0 {
				es.InCooldown = true
				es.CooldownRemaining = remaining
			}
		}
		out[i] = es
	}
	return out
}
