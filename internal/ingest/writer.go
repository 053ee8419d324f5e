// Package ingest writes decoded records to the store. Every indexing path
// (range, paginated, export) goes through Writer so dedup, mirroring and
// metrics behave the same way.
package ingest

import (
	"context"
	"fmt"

	"github.com/contract-indexer/internal/logging"
	"github.com/contract-indexer/internal/metrics"
	"github.com/contract-indexer/internal/models"
	"github.com/contract-indexer/internal/types"
)

// Store persists records idempotently
type Store interface {
	UpsertTransactions(ctx context.Context, txs []*models.Transaction) error
	UpsertTransfers(ctx context.Context, transfers []*models.AssetTransfer) error
	UpsertInteractions(ctx context.Context, items []*models.ContractInteraction) error
}

// Mirror receives a copy of the transfers after they are stored
type Mirror interface {
	MirrorTransfers(ctx context.Context, transfers []*models.AssetTransfer) error
}

// SeenRecorder remembers ingested hashes per contract
type SeenRecorder interface {
	Add(ctx context.Context, contract string, hashes ...string) error
}

// Batch is one unit of ingestion
type Batch struct {
	Source       types.TransactionSource
	Transactions []*models.Transaction
	Transfers    []*models.AssetTransfer
	Interactions []*models.ContractInteraction
}

// Empty reports whether there is nothing to write
func (b *Batch) Empty() bool {
	return len(b.Transactions) == 0 && len(b.Transfers) == 0 && len(b.Interactions) == 0
}

// WriteStats counts what a Write call sent to the store after dedup
type WriteStats struct {
	Transactions int
	Transfers    int
	Interactions int
}

// Writer dedupes a batch and writes it through the store
type Writer struct {
	store  Store
	mirror Mirror
	seen   SeenRecorder
}

// Option configures a Writer
type Option func(*Writer)

// WithMirror copies transfers to an analytics mirror
func WithMirror(m Mirror) Option {
	return func(w *Writer) { w.mirror = m }
}

// WithSeenRecorder records written hashes in a seen cache
func WithSeenRecorder(s SeenRecorder) Option {
	return func(w *Writer) { w.seen = s }
}

// NewWriter creates a writer
func NewWriter(store Store, opts ...Option) *Writer {
	w := &Writer{store: store}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write stores the batch. Transactions go first so that a crash between
// statements never leaves transfers without their transaction. Mirror and
// seen-cache failures are logged and do not fail the write.
func (w *Writer) Write(ctx context.Context, contract string, b *Batch) (*WriteStats, error) {
	if b == nil || b.Empty() {
		return &WriteStats{}, nil
	}

	txs := DedupeTransactions(b.Transactions)
	transfers := DedupeTransfers(b.Transfers)
	interactions := dedupeInteractions(b.Interactions)

	if err := w.store.UpsertTransactions(ctx, txs); err != nil {
		return nil, fmt.Errorf("failed to write transactions: %w", err)
	}
	if err := w.store.UpsertTransfers(ctx, transfers); err != nil {
		return nil, fmt.Errorf("failed to write transfers: %w", err)
	}
	if err := w.store.UpsertInteractions(ctx, interactions); err != nil {
		return nil, fmt.Errorf("failed to write interactions: %w", err)
	}

	source := string(b.Source)
	if source == "" {
		source = string(types.SourceRPC)
	}
	metrics.RecordsIngested.WithLabelValues("transaction", source).Add(float64(len(txs)))
	metrics.RecordsIngested.WithLabelValues("transfer", source).Add(float64(len(transfers)))
	metrics.RecordsIngested.WithLabelValues("interaction", source).Add(float64(len(interactions)))

	logger := logging.FromContext(ctx).WithField("contract", contract)

	if w.mirror != nil && len(transfers) > 0 {
		if err := w.mirror.MirrorTransfers(ctx, transfers); err != nil {
			logger.WithError(err).Warn("Failed to mirror transfers")
		}
	}

	if w.seen != nil && len(txs) > 0 {
		hashes := make([]string, len(txs))
		for i, tx := range txs {
			hashes[i] = tx.Hash
		}
		if err := w.seen.Add(ctx, contract, hashes...); err != nil {
			logger.WithError(err).Warn("Failed to update seen-hash cache")
		}
	}

	return &WriteStats{
		Transactions: len(txs),
		Transfers:    len(transfers),
		Interactions: len(interactions),
	}, nil
}

// DedupeTransactions collapses rows with the same hash, keeping the first
// occurrence and filling its missing fields from later ones. This is the same
// merge the store applies on conflict.
func DedupeTransactions(in []*models.Transaction) []*models.Transaction {
	index := make(map[string]int, len(in))
	out := make([]*models.Transaction, 0, len(in))
	for _, tx := range in {
		if tx == nil {
			continue
		}
		i, ok := index[tx.Hash]
		if !ok {
			cp := *tx
			index[tx.Hash] = len(out)
			out = append(out, &cp)
			continue
		}
		mergeTransaction(out[i], tx)
	}
	return out
}

func mergeTransaction(dst, src *models.Transaction) {
	if dst.To == nil {
		dst.To = src.To
	}
	if dst.ValueWei == "" || dst.ValueWei == "0" {
		dst.ValueWei = src.ValueWei
	}
	if dst.GasLimit == nil {
		dst.GasLimit = src.GasLimit
	}
	if dst.GasUsed == nil {
		dst.GasUsed = src.GasUsed
	}
	if dst.GasPrice == nil {
		dst.GasPrice = src.GasPrice
	}
	if src.Status != "" && src.Status != types.StatusUnknown {
		dst.Status = src.Status
	}
	if dst.MethodID == nil {
		dst.MethodID = src.MethodID
	}
}

// DedupeTransfers keeps the first transfer per (tx_hash, log_index)
func DedupeTransfers(in []*models.AssetTransfer) []*models.AssetTransfer {
	seen := make(map[models.TransferKey]struct{}, len(in))
	out := make([]*models.AssetTransfer, 0, len(in))
	for _, t := range in {
		if t == nil {
			continue
		}
		if _, dup := seen[t.Key()]; dup {
			continue
		}
		seen[t.Key()] = struct{}{}
		out = append(out, t)
	}
	return out
}

func dedupeInteractions(in []*models.ContractInteraction) []*models.ContractInteraction {
	seen := make(map[models.TransferKey]struct{}, len(in))
	out := make([]*models.ContractInteraction, 0, len(in))
	for _, it := range in {
		if it == nil {
			continue
		}
		k := models.TransferKey{TxHash: it.TxHash, LogIndex: it.LogIndex}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, it)
	}
	return out
}
