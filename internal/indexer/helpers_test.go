package indexer

import (
	"context"
	"sync"

	"github.com/contract-indexer/internal/ingest"
	"github.com/contract-indexer/internal/models"
)

// recordingWriter keeps every record it is asked to write, keyed like the store
type recordingWriter struct {
	mu        sync.Mutex
	calls     int
	txs       map[string]*models.Transaction
	transfers map[models.TransferKey]*models.AssetTransfer
	inter     map[models.TransferKey]*models.ContractInteraction
	order     []string
	err       error
	// strict fails writes on a cancelled context, as pgx does
	strict bool
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{
		txs:       make(map[string]*models.Transaction),
		transfers: make(map[models.TransferKey]*models.AssetTransfer),
		inter:     make(map[models.TransferKey]*models.ContractInteraction),
	}
}

func (w *recordingWriter) Write(ctx context.Context, _ string, b *ingest.Batch) (*ingest.WriteStats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.err != nil {
		return nil, w.err
	}
	if w.strict && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	txs := ingest.DedupeTransactions(b.Transactions)
	transfers := ingest.DedupeTransfers(b.Transfers)
	for _, tx := range txs {
		if _, ok := w.txs[tx.Hash]; !ok {
			w.order = append(w.order, tx.Hash)
		}
		w.txs[tx.Hash] = tx
	}
	for _, t := range transfers {
		w.transfers[t.Key()] = t
	}
	for _, it := range b.Interactions {
		w.inter[models.TransferKey{TxHash: it.TxHash, LogIndex: it.LogIndex}] = it
	}
	return &ingest.WriteStats{Transactions: len(txs), Transfers: len(transfers), Interactions: len(b.Interactions)}, nil
}

func (w *recordingWriter) txCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.txs)
}
