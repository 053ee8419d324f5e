package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contract-indexer/internal/adapter"
	apperrors "github.com/contract-indexer/internal/errors"
	"github.com/contract-indexer/internal/ingest"
	"github.com/contract-indexer/internal/models"
	"github.com/contract-indexer/internal/types"
)

const testContract = "0x1d74317d760f2c72a94386f50e8d10f2c902b899"

// memoryWriter collects batches keyed by hash
type memoryWriter struct {
	mu        sync.Mutex
	txs       map[string]*models.Transaction
	transfers int
	batches   int
	err       error
}

func newMemoryWriter() *memoryWriter {
	return &memoryWriter{txs: map[string]*models.Transaction{}}
}

func (w *memoryWriter) Write(ctx context.Context, contract string, b *ingest.Batch) (*ingest.WriteStats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return nil, w.err
	}
	w.batches++
	for _, tx := range b.Transactions {
		w.txs[tx.Hash] = tx
	}
	w.transfers += len(b.Transfers)
	return &ingest.WriteStats{Transactions: len(b.Transactions), Transfers: len(b.Transfers)}, nil
}

// fakeExports answers each initiated export with the next scripted window.
// Download returns the export id so the stub parser can look the rows up.
type fakeExports struct {
	mu         sync.Mutex
	windows    [][]adapter.ExportRow
	initErrs   []error
	statuses   []*adapter.ExportStatus
	statusErrs []error
	requests   []adapter.ExportRequest
	rows       map[string][]adapter.ExportRow
}

func newFakeExports(windows ...[]adapter.ExportRow) *fakeExports {
	return &fakeExports{windows: windows, rows: map[string][]adapter.ExportRow{}}
}

func (f *fakeExports) Initiate(ctx context.Context, r adapter.ExportRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.initErrs) > 0 {
		err := f.initErrs[0]
		f.initErrs = f.initErrs[1:]
		if err != nil {
			return "", err
		}
	}
	f.requests = append(f.requests, r)
	id := fmt.Sprintf("export-%d", len(f.requests))
	if len(f.windows) > 0 {
		f.rows[id] = f.windows[0]
		f.windows = f.windows[1:]
	}
	return id, nil
}

func (f *fakeExports) Status(ctx context.Context, id string) (*adapter.ExportStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statusErrs) > 0 {
		err := f.statusErrs[0]
		f.statusErrs = f.statusErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.statuses) > 0 {
		st := f.statuses[0]
		f.statuses = f.statuses[1:]
		if st.Status == types.ExportSucceeded && st.URL == "" {
			st.URL = id
		}
		return st, nil
	}
	return &adapter.ExportStatus{Status: types.ExportSucceeded, URL: id}, nil
}

func (f *fakeExports) Download(ctx context.Context, fileURL string) ([]byte, error) {
	return []byte(fileURL), nil
}

func (f *fakeExports) parse(data []byte) ([]adapter.ExportRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[string(data)], nil
}

func (f *fakeExports) dateTos() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Time, len(f.requests))
	for i, r := range f.requests {
		out[i] = r.DateTo
	}
	return out
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func exportRows(prefix string, times ...time.Time) []adapter.ExportRow {
	rows := make([]adapter.ExportRow, len(times))
	for i, ts := range times {
		rows[i] = adapter.ExportRow{
			Hash:        fmt.Sprintf("0x%s%062d", prefix, i),
			BlockNumber: uint64(1000 + i),
			Timestamp:   ts,
			From:        "0x00000000000000000000000000000000000000aa",
			To:          testContract,
			ValueWei:    "1",
			Status:      types.StatusSuccess,
		}
	}
	return rows
}

func newTestBackfill(exports *fakeExports, writer *memoryWriter, cfg BackfillConfig) (*BackfillService, *sleepRecorder) {
	s := NewBackfillService(exports, writer, cfg)
	rec := &sleepRecorder{}
	s.parse = exports.parse
	s.sleep = rec.sleep
	return s, rec
}

func day(d, h int) time.Time {
	return time.Date(2025, time.January, d, h, 0, 0, 0, time.UTC)
}

func TestBackfillChainsWindowsBackwards(t *testing.T) {
	exports := newFakeExports(
		exportRows("a", day(9, 12), day(8, 10)),
		exportRows("b", day(7, 0), day(5, 6)),
		nil,
	)
	writer := newMemoryWriter()
	svc, _ := newTestBackfill(exports, writer, BackfillConfig{BatchSize: 1})

	var progress []float64
	res, err := svc.Backfill(context.Background(), models.BackfillPayload{
		ContractAddress: testContract,
		FromDate:        day(1, 0),
		ToDate:          day(10, 0),
	}, func(p float64) { progress = append(progress, p) })
	require.NoError(t, err)

	assert.Equal(t, StopEmptyBatch, res.StopReason)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 4, res.Rows)
	assert.Len(t, writer.txs, 4)
	assert.Equal(t, 4, writer.transfers)
	assert.Equal(t, 4, writer.batches, "rows are written in batches of BatchSize")

	assert.Equal(t, []time.Time{
		day(10, 0),
		day(8, 10).Add(-time.Millisecond),
		day(5, 6).Add(-time.Millisecond),
	}, exports.dateTos())

	require.NotEmpty(t, progress)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1])
	}
	assert.Equal(t, 1.0, progress[len(progress)-1])
}

func TestBackfillStopsAtFromDate(t *testing.T) {
	exports := newFakeExports(
		exportRows("a", day(3, 0), day(1, 0)),
		exportRows("b", day(1, 0)),
	)
	svc, _ := newTestBackfill(exports, newMemoryWriter(), BackfillConfig{})

	res, err := svc.Backfill(context.Background(), models.BackfillPayload{
		ContractAddress: testContract,
		FromDate:        day(1, 0),
		ToDate:          day(4, 0),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, StopReachedFrom, res.StopReason)
	assert.Equal(t, 1, res.Batches)
}

func TestBackfillSkipsStuckWindow(t *testing.T) {
	stuck := time.Date(2025, time.January, 6, 15, 30, 0, 0, time.UTC)
	exports := newFakeExports(
		exportRows("a", stuck),
		exportRows("b", stuck),
		nil,
	)
	svc, _ := newTestBackfill(exports, newMemoryWriter(), BackfillConfig{})

	_, err := svc.Backfill(context.Background(), models.BackfillPayload{
		ContractAddress: testContract,
		FromDate:        day(1, 0),
		ToDate:          day(10, 0),
	}, nil)
	require.NoError(t, err)

	tos := exports.dateTos()
	require.Len(t, tos, 3)
	assert.Equal(t, time.Date(2025, time.January, 5, 23, 59, 59, 999_000_000, time.UTC), tos[2])
}

func TestBackfillMaxBatches(t *testing.T) {
	exports := newFakeExports(
		exportRows("a", day(9, 0)),
		exportRows("b", day(8, 0)),
		exportRows("c", day(7, 0)),
	)
	svc, _ := newTestBackfill(exports, newMemoryWriter(), BackfillConfig{MaxBatches: 2})

	res, err := svc.Backfill(context.Background(), models.BackfillPayload{
		ContractAddress: testContract,
		FromDate:        day(1, 0),
		ToDate:          day(10, 0),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, StopMaxBatches, res.StopReason)
	assert.Equal(t, 2, res.Batches)
}

func TestBackfillTooManyExports(t *testing.T) {
	payload := models.BackfillPayload{ContractAddress: testContract, FromDate: day(1, 0), ToDate: day(2, 0)}

	t.Run("retries with growing delay", func(t *testing.T) {
		exports := newFakeExports(nil)
		exports.initErrs = []error{adapter.ErrTooManyExports, adapter.ErrTooManyExports}
		svc, rec := newTestBackfill(exports, newMemoryWriter(), BackfillConfig{})

		_, err := svc.Backfill(context.Background(), payload, nil)
		require.NoError(t, err)
		assert.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second}, rec.delays)
	})

	t.Run("gives up after three retries", func(t *testing.T) {
		exports := newFakeExports(nil)
		exports.initErrs = []error{
			adapter.ErrTooManyExports, adapter.ErrTooManyExports,
			adapter.ErrTooManyExports, adapter.ErrTooManyExports,
		}
		svc, rec := newTestBackfill(exports, newMemoryWriter(), BackfillConfig{})

		_, err := svc.Backfill(context.Background(), payload, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, adapter.ErrTooManyExports)
		assert.Len(t, rec.delays, 3)
	})
}

func TestBackfillPolling(t *testing.T) {
	payload := models.BackfillPayload{ContractAddress: testContract, FromDate: day(1, 0), ToDate: day(2, 0)}

	t.Run("waits for running export and tolerates status errors", func(t *testing.T) {
		exports := newFakeExports(nil)
		exports.statusErrs = []error{fmt.Errorf("connection reset")}
		exports.statuses = []*adapter.ExportStatus{
			{Status: types.ExportRunning},
			{Status: types.ExportSucceeded},
		}
		svc, rec := newTestBackfill(exports, newMemoryWriter(), BackfillConfig{PollInterval: time.Second})

		_, err := svc.Backfill(context.Background(), payload, nil)
		require.NoError(t, err)
		assert.Equal(t, []time.Duration{time.Second, time.Second}, rec.delays)
	})

	t.Run("failed export is terminal for the run", func(t *testing.T) {
		exports := newFakeExports(nil)
		exports.statuses = []*adapter.ExportStatus{{Status: types.ExportFailed}}
		svc, _ := newTestBackfill(exports, newMemoryWriter(), BackfillConfig{})

		_, err := svc.Backfill(context.Background(), payload, nil)
		require.Error(t, err)
		assert.True(t, apperrors.IsRetryable(err))
	})

	t.Run("poll budget exhausted", func(t *testing.T) {
		exports := newFakeExports(nil)
		exports.statuses = []*adapter.ExportStatus{
			{Status: types.ExportRunning}, {Status: types.ExportRunning}, {Status: types.ExportRunning},
		}
		svc, rec := newTestBackfill(exports, newMemoryWriter(), BackfillConfig{PollAttempts: 3})

		_, err := svc.Backfill(context.Background(), payload, nil)
		require.Error(t, err)
		assert.Len(t, rec.delays, 2)
	})
}

func TestBackfillValidation(t *testing.T) {
	svc, _ := newTestBackfill(newFakeExports(), newMemoryWriter(), BackfillConfig{})

	_, err := svc.Backfill(context.Background(), models.BackfillPayload{
		ContractAddress: testContract, FromDate: day(5, 0), ToDate: day(2, 0),
	}, nil)
	assert.True(t, apperrors.IsValidation(err))

	_, err = svc.Backfill(context.Background(), models.BackfillPayload{
		ContractAddress: "0x12", FromDate: day(1, 0), ToDate: day(2, 0),
	}, nil)
	assert.True(t, apperrors.IsValidation(err))
}

func TestBackfillWriteFailure(t *testing.T) {
	exports := newFakeExports(exportRows("a", day(1, 12)))
	writer := newMemoryWriter()
	writer.err = apperrors.NewStorageError("upsert transactions", fmt.Errorf("db down"))
	svc, _ := newTestBackfill(exports, writer, BackfillConfig{})

	err := svc.Run(context.Background(), models.BackfillPayload{
		ContractAddress: testContract, FromDate: day(1, 0), ToDate: day(2, 0),
	}, nil)
	require.Error(t, err)
}

func TestChainProgress(t *testing.T) {
	assert.Equal(t, 0.0, chainProgress(day(10, 0), day(1, 0), day(10, 0)))
	assert.InDelta(t, 0.5, chainProgress(day(11, 0), day(1, 0), day(6, 0)), 1e-9)
	assert.Equal(t, 1.0, chainProgress(day(10, 0), day(1, 0), day(1, 0).Add(-time.Hour)))
}
