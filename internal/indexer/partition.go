// Package indexer contains the two chain indexing strategies: the
// range-partitioned log scanner and the paginated explorer walker.
package indexer

import "github.com/contract-indexer/internal/storage"

// PlanRanges splits [deploy, latest] into contiguous worker ranges. Every
// range but the last has width (latest-deploy)/workers and the last one
// absorbs the remainder. workers is lowered so that no range is empty; a
// deploy block at the head yields one single-block range.
func PlanRanges(deploy, latest uint64, workers int) []storage.BlockSpan {
	if latest < deploy || workers <= 0 {
		return nil
	}

	span := latest - deploy
	if uint64(workers) > span {
		workers = int(span)
	}
	if workers < 1 {
		workers = 1
	}

	width := span / uint64(workers)
	out := make([]storage.BlockSpan, 0, workers)
	start := deploy
	for i := 0; i < workers; i++ {
		end := start + width - 1
		if i == workers-1 {
			end = latest
		}
		out = append(out, storage.BlockSpan{Start: start, End: end})
		start = end + 1
	}
	return out
}

// GrowthSpan returns the range to append when the chain has moved past the
// highest planned block, or false when nothing needs to be added.
func GrowthSpan(maxEnd, latest uint64) (storage.BlockSpan, bool) {
	if latest <= maxEnd {
		return storage.BlockSpan{}, false
	}
	return storage.BlockSpan{Start: maxEnd + 1, End: latest}, true
}
