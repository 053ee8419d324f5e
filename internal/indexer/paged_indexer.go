package indexer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/contract-indexer/internal/adapter"
	"github.com/contract-indexer/internal/decoder"
	apperrors "github.com/contract-indexer/internal/errors"
	"github.com/contract-indexer/internal/ingest"
	"github.com/contract-indexer/internal/logging"
	"github.com/contract-indexer/internal/metrics"
	"github.com/contract-indexer/internal/models"
	"github.com/contract-indexer/internal/retry"
	"github.com/contract-indexer/internal/types"
)

// PageSource lists an address's transactions one page at a time
type PageSource interface {
	ListTransactions(ctx context.Context, address, next string, limit int, sort types.SortOrder) (adapter.Result[*adapter.TransactionPage], error)
}

// CursorStore persists the backfill position per contract
type CursorStore interface {
	Get(ctx context.Context, address string) (*models.PagedCursor, error)
	Save(ctx context.Context, c *models.PagedCursor) error
}

// HashIndex answers which hashes are already stored
type HashIndex interface {
	ExistingHashes(ctx context.Context, hashes []string) (map[string]bool, error)
}

// SeenCache is a fast pre-check in front of HashIndex
type SeenCache interface {
	Seen(ctx context.Context, contract string, hashes ...string) ([]bool, error)
}

// PagedConfig configures the paginated indexer
type PagedConfig struct {
	PageLimit              int
	MaxPages               int
	RateLimitDelay         time.Duration
	InitialBackoff         time.Duration
	MaxBackoff             time.Duration
	MaxConsecutiveFailures int
	DuplicatePageLimit     int
	OverrunRatio           float64
}

func (c *PagedConfig) withDefaults() PagedConfig {
	out := *c
	if out.PageLimit <= 0 {
		out.PageLimit = 100
	}
	if out.MaxPages <= 0 {
		out.MaxPages = 10_000
	}
	if out.RateLimitDelay <= 0 {
		out.RateLimitDelay = 60 * time.Second
	}
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = time.Second
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = 30 * time.Second
	}
	if out.MaxConsecutiveFailures <= 0 {
		out.MaxConsecutiveFailures = 5
	}
	if out.DuplicatePageLimit <= 0 {
		out.DuplicatePageLimit = 3
	}
	if out.OverrunRatio <= 0 {
		out.OverrunRatio = 0.10
	}
	return out
}

// Forced completion reasons
const (
	ForcedLoop    = "loop"
	ForcedOverrun = "overrun"
)

// PagedResult summarizes one Backfill or Poll call
type PagedResult struct {
	Pages           int
	NewTransactions int
	Complete        bool
	ForcedReason    string
}

// PagedIndexer walks the explorer's transaction listing for a contract
type PagedIndexer struct {
	source PageSource
	cursor CursorStore
	hashes HashIndex
	seen   SeenCache
	writer BatchWriter
	cfg    PagedConfig
}

// NewPagedIndexer creates a paginated indexer. seen may be nil.
func NewPagedIndexer(source PageSource, cursor CursorStore, hashes HashIndex, seen SeenCache, writer BatchWriter, cfg PagedConfig) *PagedIndexer {
	return &PagedIndexer{
		source: source,
		cursor: cursor,
		hashes: hashes,
		seen:   seen,
		writer: writer,
		cfg:    cfg.withDefaults(),
	}
}

// pagedSession holds per-run state. Nothing in it outlives the run.
type pagedSession struct {
	seen       map[string]struct{}
	dupPages   int
	failures   int
	pages      int
	newRecords int
}

func newPagedSession() *pagedSession {
	return &pagedSession{seen: make(map[string]struct{})}
}

// admit returns the items whose hash this session has not seen yet
func (s *pagedSession) admit(items []adapter.ExplorerTransaction) []adapter.ExplorerTransaction {
	fresh := make([]adapter.ExplorerTransaction, 0, len(items))
	for _, it := range items {
		h := normalizeHash(it.TxHash)
		if _, dup := s.seen[h]; dup {
			continue
		}
		s.seen[h] = struct{}{}
		fresh = append(fresh, it)
	}
	return fresh
}

// Backfill walks oldest to newest from the persisted continuation token and
// saves the cursor after every page. A fetched page is always written and
// its cursor saved, even when ctx is cancelled meanwhile.
func (p *PagedIndexer) Backfill(ctx context.Context, target *models.ContractTarget) (*PagedResult, error) {
	logger := logging.FromContext(ctx).WithField("contract", target.Address)

	cursor, err := p.cursor.Get(ctx, target.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}
	if cursor.IsComplete {
		return &PagedResult{Complete: true}, nil
	}

	session := newPagedSession()
	persistCtx := context.WithoutCancel(ctx)
	bo := retry.NewBackOff(&retry.RetryConfig{
		InitialDelay: p.cfg.InitialBackoff,
		MaxDelay:     p.cfg.MaxBackoff,
		Multiplier:   2,
	})

	for session.pages < p.cfg.MaxPages {
		if err := ctx.Err(); err != nil {
			return p.result(session, false, ""), err
		}

		token := ""
		if cursor.ContinuationToken != nil {
			token = *cursor.ContinuationToken
		}

		res, err := p.source.ListTransactions(ctx, target.Address, token, p.cfg.PageLimit, types.SortAsc)
		if err == nil && res.Outcome == adapter.ResultNotFound {
			// the explorer has never seen the address
			res = adapter.OK(&adapter.TransactionPage{})
		}
		if err != nil || !res.IsOK() {
			if ctx.Err() != nil {
				return p.result(session, false, ""), ctx.Err()
			}
			session.failures++
			if session.failures >= p.cfg.MaxConsecutiveFailures {
				return p.result(session, false, ""), apperrors.NewUpstreamError("explorer",
					fmt.Errorf("aborting backfill after %d consecutive failures: %w", session.failures, pageError(res, err)))
			}

			delay := bo.NextBackOff()
			if res.Outcome == adapter.ResultRateLimited {
				delay = p.cfg.RateLimitDelay
				if res.RetryAfter > delay {
					delay = res.RetryAfter
				}
			}
			logger.WithError(pageError(res, err)).WithFields(map[string]interface{}{
				"failures": session.failures,
				"delay":    delay.String(),
			}).Warn("Page fetch failed")
			if err := retry.Sleep(ctx, delay); err != nil {
				return p.result(session, false, ""), err
			}
			continue
		}

		session.failures = 0
		bo.Reset()
		session.pages++

		page := res.Value
		fresh := session.admit(page.Items)
		if len(fresh) > 0 {
			if _, err := p.writer.Write(persistCtx, target.Address, explorerBatch(target.Address, fresh)); err != nil {
				return p.result(session, false, ""), fmt.Errorf("failed to write page: %w", err)
			}
		}
		session.newRecords += len(fresh)
		cursor.TotalIndexed += int64(len(fresh))
		if page.Count > 0 {
			cursor.APIReportedTotal = page.Count
		}

		if len(page.Items) > 0 && len(fresh) == 0 {
			session.dupPages++
		} else {
			session.dupPages = 0
		}

		next := page.NextToken()
		forced := ""
		switch {
		case session.dupPages >= p.cfg.DuplicatePageLimit:
			forced = ForcedLoop
		case cursor.APIReportedTotal > 0 &&
			float64(cursor.TotalIndexed) > float64(cursor.APIReportedTotal)*(1+p.cfg.OverrunRatio):
			forced = ForcedOverrun
		}
		complete := next == "" || forced != ""

		if next != "" {
			cursor.ContinuationToken = &next
		}
		cursor.IsComplete = complete
		if err := p.cursor.Save(persistCtx, cursor); err != nil {
			return p.result(session, false, ""), fmt.Errorf("failed to save cursor: %w", err)
		}

		if complete {
			fields := map[string]interface{}{
				"pages":         session.pages,
				"totalIndexed":  cursor.TotalIndexed,
				"reportedTotal": cursor.APIReportedTotal,
			}
			if forced != "" {
				metrics.PagedForcedCompletions.WithLabelValues(forced).Inc()
				fields["reason"] = forced
				logger.WithFields(fields).Warn("Backfill force-completed")
			} else {
				logger.WithFields(fields).Info("Backfill complete")
			}
			return p.result(session, true, forced), nil
		}
	}

	logger.WithField("pages", session.pages).Warn("Backfill stopped at page limit")
	return p.result(session, false, ""), nil
}

// Poll walks newest to oldest and writes items until it reaches a hash that
// is already stored. It never touches the backfill cursor.
func (p *PagedIndexer) Poll(ctx context.Context, target *models.ContractTarget) (*PagedResult, error) {
	session := newPagedSession()
	persistCtx := context.WithoutCancel(ctx)
	token := ""

	for session.pages < p.cfg.MaxPages {
		if err := ctx.Err(); err != nil {
			return p.result(session, false, ""), err
		}
		res, err := p.source.ListTransactions(ctx, target.Address, token, p.cfg.PageLimit, types.SortDesc)
		if err != nil {
			return p.result(session, false, ""), fmt.Errorf("failed to poll transactions: %w", err)
		}
		switch res.Outcome {
		case adapter.ResultOK:
		case adapter.ResultNotFound:
			return p.result(session, true, ""), nil
		case adapter.ResultRateLimited:
			return p.result(session, false, ""), apperrors.NewUpstreamRateLimitError("explorer")
		default:
			return p.result(session, false, ""), apperrors.NewUpstreamError("explorer", fmt.Errorf("malformed page: %s", res.Detail))
		}
		session.pages++

		items := session.admit(res.Value.Items)
		known, err := p.firstKnown(ctx, target.Address, items)
		if err != nil {
			return p.result(session, false, ""), err
		}
		fresh := items[:known]
		if len(fresh) > 0 {
			if _, err := p.writer.Write(persistCtx, target.Address, explorerBatch(target.Address, fresh)); err != nil {
				return p.result(session, false, ""), fmt.Errorf("failed to write polled transactions: %w", err)
			}
			session.newRecords += len(fresh)
		}

		token = res.Value.NextToken()
		if known < len(items) || token == "" {
			break
		}
	}

	if session.newRecords > 0 {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"contract": target.Address,
			"new":      session.newRecords,
		}).Info("Polled new transactions")
	}
	return p.result(session, true, ""), nil
}

// firstKnown returns the index of the first item already stored, or
// len(items). The seen cache is consulted first and the store covers
// whatever the cache does not know.
func (p *PagedIndexer) firstKnown(ctx context.Context, contract string, items []adapter.ExplorerTransaction) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	hashes := make([]string, len(items))
	for i, it := range items {
		hashes[i] = normalizeHash(it.TxHash)
	}

	known := make([]bool, len(hashes))
	if p.seen != nil {
		cached, err := p.seen.Seen(ctx, contract, hashes...)
		if err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Seen cache unavailable, checking store")
		} else {
			copy(known, cached)
		}
	}

	var unknown []string
	for i, h := range hashes {
		if !known[i] {
			unknown = append(unknown, h)
		}
	}
	if len(unknown) > 0 {
		stored, err := p.hashes.ExistingHashes(ctx, unknown)
		if err != nil {
			return 0, fmt.Errorf("failed to check existing hashes: %w", err)
		}
		for i, h := range hashes {
			if stored[h] {
				known[i] = true
			}
		}
	}

	for i, k := range known {
		if k {
			return i, nil
		}
	}
	return len(items), nil
}

func (p *PagedIndexer) result(s *pagedSession, complete bool, forced string) *PagedResult {
	return &PagedResult{
		Pages:           s.pages,
		NewTransactions: s.newRecords,
		Complete:        complete,
		ForcedReason:    forced,
	}
}

// explorerBatch converts listing items into transactions plus their native transfers
func explorerBatch(contract string, items []adapter.ExplorerTransaction) *ingest.Batch {
	b := &ingest.Batch{Source: types.SourceAPI}
	for i := range items {
		tx := items[i].ToModel(contract)
		b.Transactions = append(b.Transactions, tx)
		if native, ok := decoder.NativeTransfer(tx); ok {
			b.Transfers = append(b.Transfers, native)
		}
	}
	return b
}

func pageError[T any](res adapter.Result[T], err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("explorer returned %s: %s", res.Outcome, res.Detail)
}

func normalizeHash(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}
