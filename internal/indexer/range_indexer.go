package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/contract-indexer/internal/adapter"
	"github.com/contract-indexer/internal/decoder"
	"github.com/contract-indexer/internal/ingest"
	"github.com/contract-indexer/internal/logging"
	"github.com/contract-indexer/internal/metrics"
	"github.com/contract-indexer/internal/models"
	"github.com/contract-indexer/internal/retry"
	"github.com/contract-indexer/internal/storage"
	"github.com/contract-indexer/internal/types"
)

// Chain is the RPC surface the range indexer needs
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
	BlockByNumber(ctx context.Context, number uint64) (*ethtypes.Block, error)
	BlockTimestamps(ctx context.Context, numbers []uint64) (map[uint64]time.Time, error)
	Rotate()
}

// RangeStore persists index ranges
type RangeStore interface {
	ListByContract(ctx context.Context, address string) ([]*models.IndexRange, error)
	CreateRanges(ctx context.Context, address string, spans []storage.BlockSpan) error
	UpdateProgress(ctx context.Context, id int64, currentBlock uint64) (*models.IndexRange, error)
}

// BatchWriter writes decoded records
type BatchWriter interface {
	Write(ctx context.Context, contract string, b *ingest.Batch) (*ingest.WriteStats, error)
}

// RangeConfig configures the range indexer
type RangeConfig struct {
	ChainID    int64
	Workers    int
	WindowSize uint64
	RetryDelay time.Duration
}

// RangeIndexer scans a contract's block span with one worker per range
type RangeIndexer struct {
	chain  Chain
	store  RangeStore
	writer BatchWriter
	cfg    RangeConfig
	signer ethtypes.Signer

	decodersMu sync.Mutex
	decoders   map[string]*decoder.InteractionDecoder
}

// NewRangeIndexer creates a range indexer
func NewRangeIndexer(chain Chain, store RangeStore, writer BatchWriter, cfg RangeConfig) *RangeIndexer {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = 2000
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &RangeIndexer{
		chain:    chain,
		store:    store,
		writer:   writer,
		cfg:      cfg,
		signer:   ethtypes.LatestSignerForChainID(big.NewInt(cfg.ChainID)),
		decoders: make(map[string]*decoder.InteractionDecoder),
	}
}

// Sync plans or grows the ranges up to the current head, then runs them
func (ri *RangeIndexer) Sync(ctx context.Context, target *models.ContractTarget) (bool, error) {
	latest, err := ri.chain.BlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get latest block: %w", err)
	}
	if _, err := ri.EnsureRanges(ctx, target, latest); err != nil {
		return false, err
	}
	return ri.Run(ctx, target)
}

// EnsureRanges creates the initial partition for a contract, or appends a
// growth range when latest has moved past the planned span. It returns the
// contract's ranges after the change.
func (ri *RangeIndexer) EnsureRanges(ctx context.Context, target *models.ContractTarget, latest uint64) ([]*models.IndexRange, error) {
	ranges, err := ri.store.ListByContract(ctx, target.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to list ranges: %w", err)
	}

	var spans []storage.BlockSpan
	if len(ranges) == 0 {
		spans = PlanRanges(target.DeployBlock, latest, ri.cfg.Workers)
	} else {
		var maxEnd uint64
		for _, rg := range ranges {
			if rg.RangeEnd > maxEnd {
				maxEnd = rg.RangeEnd
			}
		}
		if span, ok := GrowthSpan(maxEnd, latest); ok {
			spans = []storage.BlockSpan{span}
		}
	}
	if len(spans) == 0 {
		return ranges, nil
	}

	if err := ri.store.CreateRanges(ctx, target.Address, spans); err != nil {
		return nil, fmt.Errorf("failed to create ranges: %w", err)
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"contract": target.Address,
		"ranges":   len(spans),
		"latest":   latest,
	}).Info("Planned index ranges")

	return ri.store.ListByContract(ctx, target.Address)
}

// Run indexes every incomplete range of the contract concurrently and
// reports whether all ranges are complete afterwards.
func (ri *RangeIndexer) Run(ctx context.Context, target *models.ContractTarget) (bool, error) {
	ranges, err := ri.store.ListByContract(ctx, target.Address)
	if err != nil {
		return false, fmt.Errorf("failed to list ranges: %w", err)
	}

	var pending []*models.IndexRange
	for _, rg := range ranges {
		if !rg.IsComplete {
			pending = append(pending, rg)
		}
	}
	metrics.RangesIncomplete.WithLabelValues(target.Address).Set(float64(len(pending)))
	if len(pending) == 0 {
		return len(ranges) > 0, nil
	}

	pool := pond.NewPool(ri.cfg.Workers, pond.WithContext(ctx))
	defer pool.StopAndWait()

	tasks := make([]pond.Task, 0, len(pending))
	for _, rg := range pending {
		tasks = append(tasks, pool.SubmitErr(func() error {
			return ri.indexRange(ctx, target, rg)
		}))
	}

	var errs []error
	for _, task := range tasks {
		if err := task.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return false, err
	}

	ranges, err = ri.store.ListByContract(ctx, target.Address)
	if err != nil {
		return false, fmt.Errorf("failed to list ranges: %w", err)
	}
	incomplete := 0
	for _, rg := range ranges {
		if !rg.IsComplete {
			incomplete++
		}
	}
	metrics.RangesIncomplete.WithLabelValues(target.Address).Set(float64(incomplete))
	return incomplete == 0, nil
}

// indexRange steps windows from the range's persisted position to its end.
// current_block is the last block already indexed, except on a fresh range
// where it still equals range_start. A failed window is retried after
// RetryDelay until ctx is done. Once a window has been fetched its write and
// progress update run to completion even if ctx is cancelled meanwhile.
func (ri *RangeIndexer) indexRange(ctx context.Context, target *models.ContractTarget, rg *models.IndexRange) error {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"contract": target.Address,
		"rangeId":  rg.ID,
	})
	persistCtx := context.WithoutCancel(ctx)
	contract := strings.ToLower(target.Address)

	from := rg.CurrentBlock
	if from > rg.RangeStart {
		from++
	}
	if from > rg.RangeEnd {
		_, err := ri.store.UpdateProgress(persistCtx, rg.ID, rg.RangeEnd)
		return err
	}

	for from <= rg.RangeEnd {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := from + ri.cfg.WindowSize - 1
		if end > rg.RangeEnd || end < from {
			end = rg.RangeEnd
		}

		batch, stats, err := ri.fetchWindow(ctx, target, from, end)
		if err == nil {
			err = ri.commitWindow(persistCtx, contract, rg.ID, end, batch, stats)
			if err == nil {
				metrics.BlocksIndexed.WithLabelValues(target.Address).Add(float64(end - from + 1))
				logger.WithFields(map[string]interface{}{
					"from":      from,
					"to":        end,
					"logs":      stats.logs,
					"transfers": stats.transfers,
				}).Debug("Indexed window")
				from = end + 1
				if end == rg.RangeEnd {
					break
				}
				continue
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if adapter.IsRateLimitError(err) {
			ri.chain.Rotate()
		}
		logger.WithError(err).WithField("from", from).Warn("Window failed, retrying")
		if err := retry.Sleep(ctx, ri.cfg.RetryDelay); err != nil {
			return err
		}
	}

	logger.Info("Range complete")
	return nil
}

// commitWindow writes a fetched window and then persists the range position
func (ri *RangeIndexer) commitWindow(ctx context.Context, contract string, rangeID int64, end uint64, batch *ingest.Batch, stats *windowStats) error {
	if batch != nil {
		written, err := ri.writer.Write(ctx, contract, batch)
		if err != nil {
			return err
		}
		stats.transactions = written.Transactions
		stats.transfers = written.Transfers
	}
	if _, err := ri.store.UpdateProgress(ctx, rangeID, end); err != nil {
		return fmt.Errorf("failed to persist range progress: %w", err)
	}
	return nil
}

type windowStats struct {
	logs         int
	blocks       int
	transactions int
	transfers    int
}

// fetchWindow fetches and decodes everything in [from, to]. The batch is nil
// when the contract logged nothing in the window.
func (ri *RangeIndexer) fetchWindow(ctx context.Context, target *models.ContractTarget, from, to uint64) (*ingest.Batch, *windowStats, error) {
	address := common.HexToAddress(target.Address)
	logs, err := ri.chain.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{address},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to filter logs %d-%d: %w", from, to, err)
	}

	stats := &windowStats{}
	logTxs := make(map[common.Hash]struct{})
	blockSet := make(map[uint64]struct{})
	live := logs[:0]
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		live = append(live, lg)
		logTxs[lg.TxHash] = struct{}{}
		blockSet[lg.BlockNumber] = struct{}{}
	}
	stats.logs = len(live)
	if len(live) == 0 {
		return nil, stats, nil
	}

	blockNumbers := make([]uint64, 0, len(blockSet))
	for n := range blockSet {
		blockNumbers = append(blockNumbers, n)
	}
	sort.Slice(blockNumbers, func(i, j int) bool { return blockNumbers[i] < blockNumbers[j] })
	stats.blocks = len(blockNumbers)

	timestamps := make(map[uint64]time.Time, len(blockNumbers))
	var headerOnly []uint64
	batch := &ingest.Batch{Source: types.SourceRPC}
	contract := strings.ToLower(target.Address)

	for _, n := range blockNumbers {
		block, err := ri.chain.BlockByNumber(ctx, n)
		if err != nil {
			if isUnsupportedTxType(err) {
				headerOnly = append(headerOnly, n)
				continue
			}
			return nil, nil, fmt.Errorf("failed to get block %d: %w", n, err)
		}
		ts := time.Unix(int64(block.Time()), 0).UTC()
		timestamps[n] = ts

		for _, tx := range block.Transactions() {
			_, emitted := logTxs[tx.Hash()]
			toContract := tx.To() != nil && *tx.To() == address
			if !emitted && !toContract {
				continue
			}
			rec := ri.transactionRecord(tx, contract, n, ts, emitted)
			batch.Transactions = append(batch.Transactions, rec)
			if native, ok := decoder.NativeTransfer(rec); ok {
				batch.Transfers = append(batch.Transfers, native)
			}
		}
	}

	if len(headerOnly) > 0 {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"contract": contract,
			"blocks":   len(headerOnly),
		}).Warn("Blocks contain unsupported transaction types, indexing logs only")
		fetched, err := ri.chain.BlockTimestamps(ctx, headerOnly)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get block timestamps: %w", err)
		}
		for n, ts := range fetched {
			timestamps[n] = ts
		}
	}

	interactions := ri.interactionDecoder(ctx, target)
	for i := range live {
		lg := &live[i]
		ts := timestamps[lg.BlockNumber]
		if t, ok := decoder.DecodeLog(lg, ts); ok {
			batch.Transfers = append(batch.Transfers, t)
		}
		if interactions != nil {
			if it, ok := interactions.DecodeInteraction(lg, ts); ok {
				batch.Interactions = append(batch.Interactions, it)
			}
		}
	}

	return batch, stats, nil
}

// transactionRecord converts a block transaction. A transaction that emitted
// logs cannot have reverted, so it is recorded as successful.
func (ri *RangeIndexer) transactionRecord(tx *ethtypes.Transaction, contract string, block uint64, ts time.Time, emitted bool) *models.Transaction {
	rec := &models.Transaction{
		Hash:            strings.ToLower(tx.Hash().Hex()),
		ContractAddress: contract,
		ValueWei:        tx.Value().String(),
		BlockNumber:     block,
		BlockTimestamp:  ts,
		Status:          types.StatusUnknown,
		Source:          types.SourceRPC,
	}
	if emitted {
		rec.Status = types.StatusSuccess
	}
	if sender, err := ethtypes.Sender(ri.signer, tx); err == nil {
		rec.From = strings.ToLower(sender.Hex())
	}
	if to := tx.To(); to != nil {
		s := strings.ToLower(to.Hex())
		rec.To = &s
	}
	gas := tx.Gas()
	rec.GasLimit = &gas
	if gp := tx.GasPrice(); gp != nil {
		s := gp.String()
		rec.GasPrice = &s
	}
	if data := tx.Data(); len(data) >= 4 {
		m := hexutil.Encode(data[:4])
		rec.MethodID = &m
	}
	return rec
}

// interactionDecoder returns the cached ABI decoder of the contract, or nil
// when it has no ABI or the ABI does not parse.
func (ri *RangeIndexer) interactionDecoder(ctx context.Context, target *models.ContractTarget) *decoder.InteractionDecoder {
	if target.ABI == nil || *target.ABI == "" {
		return nil
	}

	ri.decodersMu.Lock()
	defer ri.decodersMu.Unlock()
	if d, ok := ri.decoders[target.Address]; ok {
		return d
	}
	d, err := decoder.New(*target.ABI)
	if err != nil {
		logging.FromContext(ctx).WithError(err).WithField("contract", target.Address).Warn("Ignoring unparsable contract ABI")
	}
	ri.decoders[target.Address] = d
	return d
}

func isUnsupportedTxType(err error) bool {
	return errors.Is(err, ethtypes.ErrTxTypeNotSupported) ||
		strings.Contains(err.Error(), "transaction type not supported")
}
