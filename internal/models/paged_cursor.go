package models

import "time"

// PagedCursor is the resumable position of the paginated indexer for one contract
type PagedCursor struct {
	ContractAddress   string    `json:"contractAddress" db:"contract_address"`
	ContinuationToken *string   `json:"continuationToken,omitempty" db:"continuation_token"`
	TotalIndexed      int64     `json:"totalIndexed" db:"total_indexed"`
	APIReportedTotal  int64     `json:"apiReportedTotal" db:"api_reported_total"`
	IsComplete        bool      `json:"isComplete" db:"is_complete"`
	UpdatedAt         time.Time `json:"updatedAt" db:"updated_at"`
}
