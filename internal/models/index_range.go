package models

import "time"

// IndexRange is a contiguous block interval owned by one range worker.
// current_block is the last block whose logs have been persisted, except on a
// fresh range where it still equals range_start. The range is complete once
// its last window has been persisted.
type IndexRange struct {
	ID              int64     `json:"id" db:"id"`
	ContractAddress string    `json:"contractAddress" db:"contract_address"`
	RangeStart      uint64    `json:"rangeStart" db:"range_start"`
	RangeEnd        uint64    `json:"rangeEnd" db:"range_end"`
	CurrentBlock    uint64    `json:"currentBlock" db:"current_block"`
	IsComplete      bool      `json:"isComplete" db:"is_complete"`
	UpdatedAt       time.Time `json:"updatedAt" db:"updated_at"`
}

// Remaining returns the number of blocks not yet indexed
func (r *IndexRange) Remaining() uint64 {
	switch {
	case r.IsComplete:
		return 0
	case r.CurrentBlock <= r.RangeStart:
		return r.RangeEnd - r.RangeStart + 1
	case r.CurrentBlock >= r.RangeEnd:
		return 0
	}
	return r.RangeEnd - r.CurrentBlock
}
