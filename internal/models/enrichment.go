package models

import (
	"encoding/json"
	"time"

	"github.com/contract-indexer/internal/types"
)

// Enrichment holds detail-API data for a transaction. A missing row means the
// transaction has not been enriched yet.
type Enrichment struct {
	TxHash            string                 `json:"txHash" db:"tx_hash"`
	Status            types.EnrichmentStatus `json:"status" db:"status"`
	GasUsed           *uint64                `json:"gasUsed,omitempty" db:"gas_used"`
	EffectiveGasPrice *string                `json:"effectiveGasPrice,omitempty" db:"effective_gas_price"`
	FeeWei            *string                `json:"feeWei,omitempty" db:"fee_wei"`
	LogCount          *int                   `json:"logCount,omitempty" db:"log_count"`
	OperationCount    *int                   `json:"operationCount,omitempty" db:"operation_count"`
	Detail            json.RawMessage        `json:"detail,omitempty" db:"detail"`
	EnrichedAt        time.Time              `json:"enrichedAt" db:"enriched_at"`
}
