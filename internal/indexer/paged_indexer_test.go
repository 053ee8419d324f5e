package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contract-indexer/internal/adapter"
	apperrors "github.com/contract-indexer/internal/errors"
	"github.com/contract-indexer/internal/models"
	"github.com/contract-indexer/internal/types"
)

const pagedContract = "0x1d74317d760f2c72a94386f50e8d10f2c902b899"

func item(i int) adapter.ExplorerTransaction {
	return adapter.ExplorerTransaction{
		TxHash:      fmt.Sprintf("0x%064x", i),
		BlockNumber: adapter.Numeric(fmt.Sprint(1000 + i)),
		Timestamp:   time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC),
		From:        "0x00000000000000000000000000000000000000a1",
		To:          adapter.AddressRef(pagedContract),
		Value:       adapter.Numeric(fmt.Sprint(i % 2)),
	}
}

func page(count int64, next string, ids ...int) adapter.Result[*adapter.TransactionPage] {
	p := &adapter.TransactionPage{Count: count}
	p.Link.NextToken = next
	for _, id := range ids {
		p.Items = append(p.Items, item(id))
	}
	return adapter.OK(p)
}

type pageCall struct {
	token string
	sort  types.SortOrder
}

// scriptedSource answers by continuation token, or from a queue of responses
type scriptedSource struct {
	mu     sync.Mutex
	pages  map[string]adapter.Result[*adapter.TransactionPage]
	queue  []func() (adapter.Result[*adapter.TransactionPage], error)
	repeat func(token string) adapter.Result[*adapter.TransactionPage]
	calls  []pageCall
}

func (s *scriptedSource) ListTransactions(_ context.Context, _ string, next string, _ int, sort types.SortOrder) (adapter.Result[*adapter.TransactionPage], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, pageCall{token: next, sort: sort})
	if len(s.queue) > 0 {
		fn := s.queue[0]
		s.queue = s.queue[1:]
		return fn()
	}
	if s.repeat != nil {
		return s.repeat(next), nil
	}
	if res, ok := s.pages[next]; ok {
		return res, nil
	}
	return adapter.NotFound[*adapter.TransactionPage](), nil
}

type memoryCursors struct {
	cursors map[string]models.PagedCursor
	saves   int
	strict  bool
}

func newMemoryCursors() *memoryCursors {
	return &memoryCursors{cursors: make(map[string]models.PagedCursor)}
}

func (m *memoryCursors) Get(_ context.Context, address string) (*models.PagedCursor, error) {
	c, ok := m.cursors[address]
	if !ok {
		return &models.PagedCursor{ContractAddress: address}, nil
	}
	return &c, nil
}

func (m *memoryCursors) Save(ctx context.Context, c *models.PagedCursor) error {
	if m.strict && ctx.Err() != nil {
		return ctx.Err()
	}
	m.saves++
	m.cursors[c.ContractAddress] = *c
	return nil
}

type staticHashes map[string]bool

func (s staticHashes) ExistingHashes(_ context.Context, hashes []string) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, h := range hashes {
		if s[h] {
			out[h] = true
		}
	}
	return out, nil
}

type staticSeen struct {
	known map[string]bool
	err   error
}

func (s *staticSeen) Seen(_ context.Context, _ string, hashes ...string) ([]bool, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]bool, len(hashes))
	for i, h := range hashes {
		out[i] = s.known[h]
	}
	return out, nil
}

func fastPagedConfig() PagedConfig {
	return PagedConfig{
		PageLimit:              3,
		MaxPages:               100,
		RateLimitDelay:         2 * time.Millisecond,
		InitialBackoff:         time.Millisecond,
		MaxBackoff:             4 * time.Millisecond,
		MaxConsecutiveFailures: 5,
		DuplicatePageLimit:     3,
		OverrunRatio:           0.10,
	}
}

func pagedTarget() *models.ContractTarget {
	return &models.ContractTarget{Address: pagedContract, IndexMode: types.IndexModePaginated, IsActive: true}
}

func TestBackfillWalksToExhaustion(t *testing.T) {
	source := &scriptedSource{pages: map[string]adapter.Result[*adapter.TransactionPage]{
		"":   page(7, "t2", 1, 2, 3),
		"t2": page(7, "t3", 4, 5, 6),
		"t3": page(7, "", 7),
	}}
	cursors := newMemoryCursors()
	writer := newRecordingWriter()
	p := NewPagedIndexer(source, cursors, staticHashes{}, nil, writer, fastPagedConfig())

	res, err := p.Backfill(context.Background(), pagedTarget())
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Empty(t, res.ForcedReason)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 7, res.NewTransactions)

	assert.Equal(t, 3, cursors.saves, "cursor saved after every page")
	c := cursors.cursors[pagedContract]
	assert.True(t, c.IsComplete)
	assert.Equal(t, int64(7), c.TotalIndexed)
	assert.Equal(t, int64(7), c.APIReportedTotal)

	assert.Equal(t, 7, writer.txCount())
	// odd ids carry value 1 and get a native transfer
	assert.Len(t, writer.transfers, 4)
	for _, call := range source.calls {
		assert.Equal(t, types.SortAsc, call.sort)
	}

	again, err := p.Backfill(context.Background(), pagedTarget())
	require.NoError(t, err)
	assert.True(t, again.Complete)
	assert.Len(t, source.calls, 3, "a complete cursor is not walked again")
}

func TestBackfillResumesFromPersistedToken(t *testing.T) {
	source := &scriptedSource{pages: map[string]adapter.Result[*adapter.TransactionPage]{
		"":   page(6, "t2", 1, 2),
		"t2": page(6, "t3", 3, 4),
		"t3": page(6, "", 5, 6),
	}}
	cursors := newMemoryCursors()
	cfg := fastPagedConfig()
	cfg.MaxPages = 1
	p := NewPagedIndexer(source, cursors, staticHashes{}, nil, newRecordingWriter(), cfg)

	res, err := p.Backfill(context.Background(), pagedTarget())
	require.NoError(t, err)
	assert.False(t, res.Complete)
	c := cursors.cursors[pagedContract]
	require.NotNil(t, c.ContinuationToken)
	assert.Equal(t, "t2", *c.ContinuationToken)

	p = NewPagedIndexer(source, cursors, staticHashes{}, nil, newRecordingWriter(), fastPagedConfig())
	res, err = p.Backfill(context.Background(), pagedTarget())
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Equal(t, "t2", source.calls[1].token)
	assert.Equal(t, int64(6), cursors.cursors[pagedContract].TotalIndexed)
}

func TestBackfillInterruptedPageIsPersisted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := &scriptedSource{
		queue: []func() (adapter.Result[*adapter.TransactionPage], error){
			func() (adapter.Result[*adapter.TransactionPage], error) { return page(6, "t2", 1, 2), nil },
			func() (adapter.Result[*adapter.TransactionPage], error) {
				cancel()
				return page(6, "t3", 3, 4), nil
			},
		},
		pages: map[string]adapter.Result[*adapter.TransactionPage]{"t3": page(6, "", 5, 6)},
	}
	cursors := newMemoryCursors()
	cursors.strict = true
	writer := newRecordingWriter()
	writer.strict = true
	p := NewPagedIndexer(source, cursors, staticHashes{}, nil, writer, fastPagedConfig())

	_, err := p.Backfill(ctx, pagedTarget())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, source.calls, 2)
	assert.Equal(t, 4, writer.txCount(), "the page fetched before the signal is written")

	c := cursors.cursors[pagedContract]
	require.NotNil(t, c.ContinuationToken)
	assert.Equal(t, "t3", *c.ContinuationToken)
	assert.Equal(t, int64(4), c.TotalIndexed)
	assert.False(t, c.IsComplete)
}

func TestBackfillForcesCompletionOnLoop(t *testing.T) {
	// the API keeps handing out a fresh token for the same page
	n := 0
	source := &scriptedSource{repeat: func(string) adapter.Result[*adapter.TransactionPage] {
		n++
		return page(0, fmt.Sprintf("tok-%d", n), 1, 2, 3)
	}}
	cursors := newMemoryCursors()
	p := NewPagedIndexer(source, cursors, staticHashes{}, nil, newRecordingWriter(), fastPagedConfig())

	res, err := p.Backfill(context.Background(), pagedTarget())
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Equal(t, ForcedLoop, res.ForcedReason)
	assert.Equal(t, 4, res.Pages, "one fresh page then three duplicates")
	assert.True(t, cursors.cursors[pagedContract].IsComplete)
}

func TestBackfillForcesCompletionOnOverrun(t *testing.T) {
	n := 0
	source := &scriptedSource{repeat: func(string) adapter.Result[*adapter.TransactionPage] {
		n++
		return page(10, fmt.Sprintf("tok-%d", n), n*3, n*3+1, n*3+2)
	}}
	cursors := newMemoryCursors()
	p := NewPagedIndexer(source, cursors, staticHashes{}, nil, newRecordingWriter(), fastPagedConfig())

	res, err := p.Backfill(context.Background(), pagedTarget())
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Equal(t, ForcedOverrun, res.ForcedReason)
	// 12 > 10 * 1.1 after the fourth page
	assert.Equal(t, 4, res.Pages)
	assert.Equal(t, int64(12), cursors.cursors[pagedContract].TotalIndexed)
}

func TestBackfillFailureBudget(t *testing.T) {
	t.Run("aborts after consecutive failures", func(t *testing.T) {
		fail := func() (adapter.Result[*adapter.TransactionPage], error) {
			return adapter.Result[*adapter.TransactionPage]{}, errors.New("502 bad gateway")
		}
		source := &scriptedSource{queue: []func() (adapter.Result[*adapter.TransactionPage], error){fail, fail, fail, fail, fail, fail}}
		cursors := newMemoryCursors()
		p := NewPagedIndexer(source, cursors, staticHashes{}, nil, newRecordingWriter(), fastPagedConfig())

		_, err := p.Backfill(context.Background(), pagedTarget())
		require.Error(t, err)
		assert.True(t, apperrors.IsRetryable(err))
		assert.Len(t, source.calls, 5)
		assert.Zero(t, cursors.saves)
	})

	t.Run("rate limits count toward the budget and recover", func(t *testing.T) {
		limited := func() (adapter.Result[*adapter.TransactionPage], error) {
			return adapter.RateLimited[*adapter.TransactionPage](0), nil
		}
		malformed := func() (adapter.Result[*adapter.TransactionPage], error) {
			return adapter.Malformed[*adapter.TransactionPage]("truncated"), nil
		}
		source := &scriptedSource{
			queue: []func() (adapter.Result[*adapter.TransactionPage], error){limited, malformed, limited},
			pages: map[string]adapter.Result[*adapter.TransactionPage]{"": page(1, "", 1)},
		}
		p := NewPagedIndexer(source, newMemoryCursors(), staticHashes{}, nil, newRecordingWriter(), fastPagedConfig())

		res, err := p.Backfill(context.Background(), pagedTarget())
		require.NoError(t, err)
		assert.True(t, res.Complete)
		assert.Len(t, source.calls, 4)
	})
}

func TestBackfillUnknownAddressCompletes(t *testing.T) {
	source := &scriptedSource{pages: map[string]adapter.Result[*adapter.TransactionPage]{}}
	cursors := newMemoryCursors()
	p := NewPagedIndexer(source, cursors, staticHashes{}, nil, newRecordingWriter(), fastPagedConfig())

	res, err := p.Backfill(context.Background(), pagedTarget())
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Zero(t, res.NewTransactions)
}

func TestPollStopsAtFirstKnownHash(t *testing.T) {
	hash := func(i int) string { return fmt.Sprintf("0x%064x", i) }

	t.Run("known in store", func(t *testing.T) {
		source := &scriptedSource{pages: map[string]adapter.Result[*adapter.TransactionPage]{
			"":   page(0, "p2", 20, 19, 18),
			"p2": page(0, "p3", 17, 16, 15),
			"p3": page(0, "", 14),
		}}
		cursors := newMemoryCursors()
		writer := newRecordingWriter()
		p := NewPagedIndexer(source, cursors, staticHashes{hash(16): true, hash(14): true}, nil, writer, fastPagedConfig())

		res, err := p.Poll(context.Background(), pagedTarget())
		require.NoError(t, err)
		assert.Equal(t, 4, res.NewTransactions)
		assert.Equal(t, []string{hash(20), hash(19), hash(18), hash(17)}, writer.order)
		assert.Len(t, source.calls, 2)
		assert.Equal(t, types.SortDesc, source.calls[0].sort)
		assert.Zero(t, cursors.saves, "poll leaves the backfill cursor alone")
	})

	t.Run("seen cache short-circuits", func(t *testing.T) {
		source := &scriptedSource{pages: map[string]adapter.Result[*adapter.TransactionPage]{
			"": page(0, "p2", 20, 19, 18),
		}}
		writer := newRecordingWriter()
		seen := &staticSeen{known: map[string]bool{hash(19): true}}
		p := NewPagedIndexer(source, newMemoryCursors(), staticHashes{}, seen, writer, fastPagedConfig())

		res, err := p.Poll(context.Background(), pagedTarget())
		require.NoError(t, err)
		assert.Equal(t, 1, res.NewTransactions)
		assert.Equal(t, []string{hash(20)}, writer.order)
	})

	t.Run("seen cache failure falls back to store", func(t *testing.T) {
		source := &scriptedSource{pages: map[string]adapter.Result[*adapter.TransactionPage]{
			"": page(0, "", 20, 19, 18),
		}}
		writer := newRecordingWriter()
		seen := &staticSeen{err: errors.New("redis down")}
		p := NewPagedIndexer(source, newMemoryCursors(), staticHashes{hash(18): true}, seen, writer, fastPagedConfig())

		res, err := p.Poll(context.Background(), pagedTarget())
		require.NoError(t, err)
		assert.Equal(t, 2, res.NewTransactions)
	})

	t.Run("rate limit is an error", func(t *testing.T) {
		source := &scriptedSource{queue: []func() (adapter.Result[*adapter.TransactionPage], error){
			func() (adapter.Result[*adapter.TransactionPage], error) {
				return adapter.RateLimited[*adapter.TransactionPage](time.Second), nil
			},
		}}
		p := NewPagedIndexer(source, newMemoryCursors(), staticHashes{}, nil, newRecordingWriter(), fastPagedConfig())

		_, err := p.Poll(context.Background(), pagedTarget())
		assert.True(t, apperrors.IsRateLimit(err))
	})
}
