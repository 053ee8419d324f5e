package models

import (
	"time"

	"github.com/contract-indexer/internal/types"
)

// ContractTarget is a smart contract whose history is ingested.
// One row per address; the chain id is fixed per deployment.
type ContractTarget struct {
	Address     string          `json:"address" db:"address" mapstructure:"address"`
	ChainID     int64           `json:"chainId" db:"chain_id" mapstructure:"chain_id"`
	DeployBlock uint64          `json:"deployBlock" db:"deploy_block" mapstructure:"deploy_block"`
	IndexMode   types.IndexMode `json:"indexMode" db:"index_mode" mapstructure:"index_mode"`
	ABI         *string         `json:"abi,omitempty" db:"abi" mapstructure:"abi"`
	IsActive    bool            `json:"isActive" db:"is_active" mapstructure:"is_active"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at" mapstructure:"-"`
	UpdatedAt   time.Time       `json:"updatedAt" db:"updated_at" mapstructure:"-"`
}

// ContractProgress summarizes ingestion state for one contract
type ContractProgress struct {
	Address           string          `json:"address"`
	IndexMode         types.IndexMode `json:"indexMode"`
	Ranges            []*IndexRange   `json:"ranges,omitempty"`
	RangesComplete    int             `json:"rangesComplete"`
	BlocksRemaining   uint64          `json:"blocksRemaining"`
	Cursor            *PagedCursor    `json:"cursor,omitempty"`
	TransactionCount  int64           `json:"transactionCount"`
	TransferCount     int64           `json:"transferCount"`
	EnrichmentCount   int64           `json:"enrichmentCount"`
	PendingEnrichment int64           `json:"pendingEnrichment"`
}
