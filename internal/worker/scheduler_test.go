package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contract-indexer/internal/indexer"
	"github.com/contract-indexer/internal/models"
	"github.com/contract-indexer/internal/service"
	"github.com/contract-indexer/internal/types"
)

const (
	rangeContract = "0x00000000000000000000000000000000000000aa"
	pagedContract = "0x00000000000000000000000000000000000000bb"
)

type staticContracts []*models.ContractTarget

func (s staticContracts) List(ctx context.Context, activeOnly bool) ([]*models.ContractTarget, error) {
	return s, nil
}

// callLog records which component ran for which contract
type callLog struct {
	mu        sync.Mutex
	calls     []string
	failRange error
	backfill  *indexer.PagedResult
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) Sync(ctx context.Context, target *models.ContractTarget) (bool, error) {
	l.add("sync:" + target.Address)
	return true, l.failRange
}

func (l *callLog) Backfill(ctx context.Context, target *models.ContractTarget) (*indexer.PagedResult, error) {
	l.add("backfill:" + target.Address)
	if l.backfill != nil {
		return l.backfill, nil
	}
	return &indexer.PagedResult{Complete: true}, nil
}

func (l *callLog) Poll(ctx context.Context, target *models.ContractTarget) (*indexer.PagedResult, error) {
	l.add("poll:" + target.Address)
	return &indexer.PagedResult{Complete: true}, nil
}

func (l *callLog) RunOnce(ctx context.Context, contract string) (*service.EnrichmentPass, error) {
	l.add("enrich:" + contract)
	return &service.EnrichmentPass{}, nil
}

func testContracts() staticContracts {
	return staticContracts{
		{Address: rangeContract, IndexMode: types.IndexModeRange, IsActive: true},
		{Address: pagedContract, IndexMode: types.IndexModePaginated, IsActive: true},
	}
}

func newTestScheduler(t *testing.T, log *callLog) *Scheduler {
	t.Helper()
	s, err := NewScheduler(&SchedulerConfig{
		Contracts:    testContracts(),
		Ranges:       log,
		Paged:        log,
		Enricher:     log,
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	return s
}

func TestSchedulerTickRoutesByMode(t *testing.T) {
	log := &callLog{}
	s := newTestScheduler(t, log)

	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, []string{
		"sync:" + rangeContract,
		"enrich:" + rangeContract,
		"backfill:" + pagedContract,
		"poll:" + pagedContract,
		"enrich:" + pagedContract,
	}, log.snapshot())
	assert.Equal(t, int64(1), s.GetStatus().Ticks)
}

func TestSchedulerPollsOnlyAfterBackfill(t *testing.T) {
	log := &callLog{backfill: &indexer.PagedResult{Complete: false}}
	s := newTestScheduler(t, log)

	require.NoError(t, s.Tick(context.Background()))
	assert.NotContains(t, log.snapshot(), "poll:"+pagedContract)
	assert.Contains(t, log.snapshot(), "enrich:"+pagedContract)
}

func TestSchedulerContinuesPastFailingContract(t *testing.T) {
	log := &callLog{failRange: fmt.Errorf("rpc down")}
	s := newTestScheduler(t, log)

	err := s.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), rangeContract)
	assert.NotContains(t, log.snapshot(), "enrich:"+rangeContract)
	assert.Contains(t, log.snapshot(), "enrich:"+pagedContract)

	status := s.GetStatus()
	assert.Contains(t, status.LastErrors[rangeContract], "rpc down")
	assert.NotContains(t, status.LastErrors, pagedContract)
}

func TestSchedulerStartStop(t *testing.T) {
	log := &callLog{}
	s := newTestScheduler(t, log)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx))

	assert.Eventually(t, func() bool {
		return s.GetStatus().Ticks >= 2
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
	assert.False(t, s.GetStatus().Running)
	assert.Error(t, s.Stop(stopCtx))
}

func TestNewSchedulerValidates(t *testing.T) {
	_, err := NewScheduler(&SchedulerConfig{})
	assert.Error(t, err)
	_, err = NewScheduler(&SchedulerConfig{Contracts: testContracts()})
	assert.Error(t, err)
}
