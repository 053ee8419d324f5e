package service

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/contract-indexer/internal/adapter"
	"github.com/contract-indexer/internal/job"
	"github.com/contract-indexer/internal/logging"
	"github.com/contract-indexer/internal/metrics"
	"github.com/contract-indexer/internal/models"
	"github.com/contract-indexer/internal/retry"
	"github.com/contract-indexer/internal/types"
)

// DetailAPI fetches the detail view of one transaction
type DetailAPI interface {
	GetTransaction(ctx context.Context, hash string) (adapter.Result[*adapter.TransactionDetail], error)
}

// EnrichmentStore finds and fills the enrichment gap
type EnrichmentStore interface {
	CountPending(ctx context.Context, contract string) (int64, error)
	ListPending(ctx context.Context, contract, after, upto string, limit int) ([]string, error)
	ChunkBoundaries(ctx context.Context, contract string, chunkSize int) ([]string, error)
	Upsert(ctx context.Context, items []*models.Enrichment) error
}

// EnrichmentConfig tunes gap enrichment
type EnrichmentConfig struct {
	InlineThreshold int
	BatchSize       int
	BatchDelay      time.Duration
	Concurrency     int
	Workers         int
	ChunkSize       int
	StaleTimeout    time.Duration
	MaxRestarts     int
}

func (c EnrichmentConfig) withDefaults() EnrichmentConfig {
	if c.InlineThreshold <= 0 {
		c.InlineThreshold = 100
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 500
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = 2 * time.Minute
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 3
	}
	return c
}

// KeyRange selects pending hashes with After < tx_hash <= Upto.
// An empty Upto leaves the range open.
type KeyRange struct {
	After string `json:"after"`
	Upto  string `json:"upto"`
}

// ChunkStats counts per-hash outcomes
type ChunkStats struct {
	Processed int `json:"processed"`
	Enriched  int `json:"enriched"`
	NotFound  int `json:"notFound"`
	Skipped   int `json:"skipped"`
}

// Add accumulates o into s
func (s *ChunkStats) Add(o ChunkStats) {
	s.Processed += o.Processed
	s.Enriched += o.Enriched
	s.NotFound += o.NotFound
	s.Skipped += o.Skipped
}

// Settled is the number of hashes that no longer need a lookup
func (s ChunkStats) Settled() int {
	return s.Enriched + s.NotFound
}

// Per-hash outcome labels
const (
	outcomeEnriched    = "enriched"
	outcomeNotFound    = "not_found"
	outcomeRateLimited = "rate_limited"
	outcomeMalformed   = "malformed"
	outcomeFailed      = "failed"
)

// EnrichmentProcessor looks up pending hashes of one key range and stores
// the results. It is shared by the inline path and every runner kind.
type EnrichmentProcessor struct {
	store  EnrichmentStore
	detail DetailAPI
	cfg    EnrichmentConfig
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewEnrichmentProcessor creates a processor
func NewEnrichmentProcessor(store EnrichmentStore, detail DetailAPI, cfg EnrichmentConfig) *EnrichmentProcessor {
	return &EnrichmentProcessor{
		store:  store,
		detail: detail,
		cfg:    cfg.withDefaults(),
		sleep:  retry.Sleep,
	}
}

// ProcessRange walks the pending hashes of rng in keyset order. Hashes that
// were rate limited or failed stay pending for a later pass.
func (p *EnrichmentProcessor) ProcessRange(ctx context.Context, contract string, rng KeyRange, progress func(ChunkStats)) (ChunkStats, error) {
	var total ChunkStats
	pool := pond.NewPool(p.cfg.Concurrency, pond.WithContext(ctx))
	defer pool.StopAndWait()

	after := rng.After
	for {
		hashes, err := p.store.ListPending(ctx, contract, after, rng.Upto, p.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("failed to list pending hashes: %w", err)
		}
		if len(hashes) == 0 {
			break
		}

		rows, stats, err := p.enrichBatch(ctx, pool, hashes)
		if err != nil {
			return total, err
		}
		if err := p.store.Upsert(ctx, rows); err != nil {
			return total, fmt.Errorf("failed to store enrichments: %w", err)
		}
		total.Add(stats)
		if progress != nil {
			progress(total)
		}

		after = hashes[len(hashes)-1]
		if len(hashes) < p.cfg.BatchSize {
			break
		}
		if p.cfg.BatchDelay > 0 {
			if err := p.sleep(ctx, p.cfg.BatchDelay); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

func (p *EnrichmentProcessor) enrichBatch(ctx context.Context, pool pond.Pool, hashes []string) ([]*models.Enrichment, ChunkStats, error) {
	results := make([]*models.Enrichment, len(hashes))
	outcomes := make([]string, len(hashes))

	tasks := make([]pond.Task, 0, len(hashes))
	for i, h := range hashes {
		tasks = append(tasks, pool.SubmitErr(func() error {
			row, outcome, err := p.lookup(ctx, h)
			if err != nil {
				return err
			}
			results[i] = row
			outcomes[i] = outcome
			return nil
		}))
	}
	for _, task := range tasks {
		if err := task.Wait(); err != nil {
			return nil, ChunkStats{}, err
		}
	}

	stats := ChunkStats{Processed: len(hashes)}
	rows := make([]*models.Enrichment, 0, len(hashes))
	for i, outcome := range outcomes {
		metrics.EnrichmentOutcomes.WithLabelValues(outcome).Inc()
		switch outcome {
		case outcomeEnriched:
			stats.Enriched++
		case outcomeNotFound:
			stats.NotFound++
		default:
			stats.Skipped++
		}
		if results[i] != nil {
			rows = append(rows, results[i])
		}
	}
	return rows, stats, nil
}

// lookup maps one detail response to a row. Only cancellation is returned
// as an error; every upstream problem becomes a skipped outcome.
func (p *EnrichmentProcessor) lookup(ctx context.Context, hash string) (*models.Enrichment, string, error) {
	res, err := p.detail.GetTransaction(ctx, hash)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		logging.FromContext(ctx).WithError(err).WithField("txHash", hash).Debug("Detail lookup failed")
		return nil, outcomeFailed, nil
	}

	switch res.Outcome {
	case adapter.ResultOK:
		return enrichmentFromDetail(hash, res.Value), outcomeEnriched, nil
	case adapter.ResultNotFound:
		return &models.Enrichment{TxHash: hash, Status: types.EnrichmentNotFound}, outcomeNotFound, nil
	case adapter.ResultRateLimited:
		return nil, outcomeRateLimited, nil
	default:
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"txHash": hash,
			"detail": res.Detail,
		}).Debug("Malformed detail response")
		return nil, outcomeMalformed, nil
	}
}

func enrichmentFromDetail(hash string, d *adapter.TransactionDetail) *models.Enrichment {
	e := &models.Enrichment{
		TxHash: hash,
		Status: types.EnrichmentEnriched,
		Detail: d.Raw,
	}
	e.GasUsed = d.GasUsed.Uint64()

	price := d.EffectiveGasPrice
	if price == "" {
		price = d.GasPrice
	}
	if price != "" {
		s := string(price)
		e.EffectiveGasPrice = &s
	}
	if e.GasUsed != nil && e.EffectiveGasPrice != nil {
		if p, ok := new(big.Int).SetString(*e.EffectiveGasPrice, 10); ok {
			fee := new(big.Int).Mul(new(big.Int).SetUint64(*e.GasUsed), p).String()
			e.FeeWei = &fee
		}
	}

	logs := len(d.Logs)
	ops := len(d.Operations)
	e.LogCount = &logs
	e.OperationCount = &ops
	return e
}

// FanOut enriches a contract's pending set across several runners
type FanOut interface {
	Run(ctx context.Context, contract string, workers int) (ChunkStats, error)
}

// Enrichment pass modes
const (
	ModeInline = "inline"
	ModeFanOut = "fanout"
)

// EnrichmentPass describes one RunOnce call
type EnrichmentPass struct {
	Pending int64
	Mode    string
	Stats   ChunkStats
}

// EnrichmentService closes the gap between stored transactions and their
// enrichment rows. Small gaps run inline, large ones fan out.
type EnrichmentService struct {
	store     EnrichmentStore
	processor *EnrichmentProcessor
	fanout    FanOut
	cfg       EnrichmentConfig
}

// NewEnrichmentService creates the service. fanout may be nil, in which case
// every gap is processed inline.
func NewEnrichmentService(store EnrichmentStore, processor *EnrichmentProcessor, fanout FanOut, cfg EnrichmentConfig) *EnrichmentService {
	return &EnrichmentService{
		store:     store,
		processor: processor,
		fanout:    fanout,
		cfg:       cfg.withDefaults(),
	}
}

// RunOnce makes one pass over the current gap of a contract
func (s *EnrichmentService) RunOnce(ctx context.Context, contract string) (*EnrichmentPass, error) {
	return s.runOnce(ctx, contract, s.cfg.Workers)
}

func (s *EnrichmentService) runOnce(ctx context.Context, contract string, workers int) (*EnrichmentPass, error) {
	pending, err := s.store.CountPending(ctx, contract)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending enrichment: %w", err)
	}
	metrics.EnrichmentPending.WithLabelValues(contract).Set(float64(pending))

	pass := &EnrichmentPass{Pending: pending, Mode: ModeInline}
	if pending == 0 {
		return pass, nil
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"contract": contract,
		"pending":  pending,
	})

	if pending < int64(s.cfg.InlineThreshold) || s.fanout == nil {
		pass.Stats, err = s.processor.ProcessRange(ctx, contract, KeyRange{}, nil)
	} else {
		pass.Mode = ModeFanOut
		pass.Stats, err = s.fanout.Run(ctx, contract, workers)
	}
	if err != nil {
		return pass, err
	}

	logger.WithFields(map[string]interface{}{
		"mode":     pass.Mode,
		"enriched": pass.Stats.Enriched,
		"notFound": pass.Stats.NotFound,
		"skipped":  pass.Stats.Skipped,
	}).Info("Enrichment pass finished")
	return pass, nil
}

// RunContract implements job.EnrichRunner. It repeats passes until the gap is
// closed or a pass settles nothing.
func (s *EnrichmentService) RunContract(ctx context.Context, input models.EnrichPayload, report job.ProgressReporter) error {
	workers := input.Workers
	if workers <= 0 {
		workers = s.cfg.Workers
	}
	if report == nil {
		report = func(float64) {}
	}

	var initial int64
	for {
		pass, err := s.runOnce(ctx, input.ContractAddress, workers)
		if err != nil {
			return err
		}
		if initial == 0 {
			initial = pass.Pending
		}
		if pass.Pending == 0 {
			break
		}
		if pass.Stats.Settled() == 0 {
			logging.FromContext(ctx).WithFields(map[string]interface{}{
				"contract": input.ContractAddress,
				"pending":  pass.Pending,
			}).Warn("Enrichment pass made no progress, stopping")
			break
		}
		if initial > 0 {
			report(float64(initial-pass.Pending+int64(pass.Stats.Settled())) / float64(initial))
		}
	}
	report(1)
	return nil
}
