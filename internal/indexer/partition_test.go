package indexer

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/contract-indexer/internal/storage"
)

func TestPlanRangesWorkedExample(t *testing.T) {
	got := PlanRanges(100, 1100, 4)
	assert.Equal(t, []storage.BlockSpan{
		{Start: 100, End: 349},
		{Start: 350, End: 599},
		{Start: 600, End: 849},
		{Start: 850, End: 1100},
	}, got)
}

func TestPlanRangesEdgeCases(t *testing.T) {
	tests := []struct {
		name    string
		deploy  uint64
		latest  uint64
		workers int
		want    []storage.BlockSpan
	}{
		{name: "single block", deploy: 10, latest: 10, workers: 4, want: []storage.BlockSpan{{Start: 10, End: 10}}},
		{name: "latest behind deploy", deploy: 10, latest: 5, workers: 4, want: nil},
		{name: "zero workers", deploy: 0, latest: 100, workers: 0, want: nil},
		{name: "two blocks", deploy: 10, latest: 11, workers: 4, want: []storage.BlockSpan{{Start: 10, End: 11}}},
		{name: "workers clamped", deploy: 0, latest: 5, workers: 10, want: []storage.BlockSpan{
			{Start: 0, End: 0}, {Start: 1, End: 1}, {Start: 2, End: 2}, {Start: 3, End: 3}, {Start: 4, End: 5},
		}},
		{name: "single worker", deploy: 7, latest: 99, workers: 1, want: []storage.BlockSpan{{Start: 7, End: 99}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PlanRanges(tt.deploy, tt.latest, tt.workers))
		})
	}
}

func TestGrowthSpan(t *testing.T) {
	_, ok := GrowthSpan(1100, 1100)
	assert.False(t, ok)
	_, ok = GrowthSpan(1100, 1099)
	assert.False(t, ok)

	span, ok := GrowthSpan(1100, 1101)
	assert.True(t, ok)
	assert.Equal(t, storage.BlockSpan{Start: 1101, End: 1101}, span)

	span, ok = GrowthSpan(1100, 1500)
	assert.True(t, ok)
	assert.Equal(t, storage.BlockSpan{Start: 1101, End: 1500}, span)
}

func TestPlanRangesPartitionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("ranges partition [deploy, latest] without gaps or overlap", prop.ForAll(
		func(deploy uint64, span uint64, workers int) bool {
			latest := deploy + span
			spans := PlanRanges(deploy, latest, workers)
			if len(spans) == 0 || len(spans) > workers {
				return false
			}
			if spans[0].Start != deploy || spans[len(spans)-1].End != latest {
				return false
			}
			for i, s := range spans {
				if s.End < s.Start {
					return false
				}
				if i > 0 && s.Start != spans[i-1].End+1 {
					return false
				}
			}
			return true
		},
		gen.UInt64Range(0, 20_000_000),
		gen.UInt64Range(0, 5_000_000),
		gen.IntRange(1, 64),
	))

	properties.Property("all but the last range share the same width", prop.ForAll(
		func(span uint64, workers int) bool {
			spans := PlanRanges(0, span, workers)
			if len(spans) < 2 {
				return true
			}
			width := spans[0].End - spans[0].Start
			for _, s := range spans[:len(spans)-1] {
				if s.End-s.Start != width {
					return false
				}
			}
			last := spans[len(spans)-1]
			return last.End-last.Start >= width
		},
		gen.UInt64Range(1, 1_000_000),
		gen.IntRange(1, 32),
	))

	properties.TestingRun(t)
}
