package models

import (
	"encoding/json"
	"time"

	"github.com/contract-indexer/internal/types"
)

// Job is a durable unit of work in the job queue
type Job struct {
	ID           string          `json:"id" db:"id"`
	Type         types.JobType   `json:"type" db:"type"`
	Payload      json.RawMessage `json:"payload" db:"payload"`
	Status       types.JobStatus `json:"status" db:"status"`
	Attempts     int             `json:"attempts" db:"attempts"`
	MaxAttempts  int             `json:"maxAttempts" db:"max_attempts"`
	NextRetryAt  *time.Time      `json:"nextRetryAt,omitempty" db:"next_retry_at"`
	Priority     int             `json:"priority" db:"priority"`
	Progress     float64         `json:"progress" db:"progress"`
	ErrorMessage *string         `json:"errorMessage,omitempty" db:"error_message"`
	CreatedAt    time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time       `json:"updatedAt" db:"updated_at"`
	StartedAt    *time.Time      `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty" db:"completed_at"`
}

// BackfillPayload is the payload of a backfill job
type BackfillPayload struct {
	ContractAddress string    `json:"contractAddress"`
	FromDate        time.Time `json:"fromDate"`
	ToDate          time.Time `json:"toDate"`
}

// EnrichPayload is the payload of an on-demand enrichment job
type EnrichPayload struct {
	ContractAddress string `json:"contractAddress"`
	Workers         int    `json:"workers,omitempty"`
}

// JobFilter narrows job listings
type JobFilter struct {
	Status *types.JobStatus
	Type   *types.JobType
	Limit  int
	Offset int
}
