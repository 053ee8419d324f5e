// Package types provides common type definitions for the contract indexer.
package types

import (
	"fmt"
	"regexp"
	"strings"
)

// IndexMode selects how a contract's history is ingested
type IndexMode string

const (
	// IndexModeRange scans eth_getLogs over partitioned block ranges
	IndexModeRange IndexMode = "range"
	// IndexModePaginated walks a third-party paginated transaction API
	IndexModePaginated IndexMode = "paginated"
)

// Valid reports whether the mode is a known index mode
func (m IndexMode) Valid() bool {
	return m == IndexModeRange || m == IndexModePaginated
}

// AssetType represents the kind of value moved by an asset transfer
type AssetType string

const (
	AssetETH          AssetType = "ETH"
	AssetERC20        AssetType = "ERC20"
	AssetERC721       AssetType = "ERC721"
	AssetERC1155      AssetType = "ERC1155"
	AssetERC1155Batch AssetType = "ERC1155_BATCH"
)

// TransactionStatus represents transaction execution status
type TransactionStatus string

const (
	// StatusSuccess represents a successful transaction
	StatusSuccess TransactionStatus = "success"
	// StatusFailed represents a failed transaction
	StatusFailed TransactionStatus = "failed"
	// StatusUnknown is used when the source did not report an execution status
	StatusUnknown TransactionStatus = "unknown"
)

// TransactionSource records which ingestion path produced a transaction row
type TransactionSource string

const (
	SourceRPC    TransactionSource = "rpc"
	SourceAPI    TransactionSource = "api"
	SourceExport TransactionSource = "export"
)

// EnrichmentStatus marks the outcome of a detail lookup for a transaction
type EnrichmentStatus string

const (
	// EnrichmentEnriched means the detail API returned data for the hash
	EnrichmentEnriched EnrichmentStatus = "enriched"
	// EnrichmentNotFound means the upstream has no record of the hash; it is not retried
	EnrichmentNotFound EnrichmentStatus = "not_found"
)

// JobType identifies the handler a job is dispatched to
type JobType string

const (
	// JobTypeBackfill ingests a date window through the CSV export API
	JobTypeBackfill JobType = "backfill"
	// JobTypeEnrich runs fan-out gap enrichment for one contract
	JobTypeEnrich JobType = "enrich"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further processing happens without operator action
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusCancelled
}

// ExportStatus is the state reported by the CSV export API
type ExportStatus string

const (
	ExportRunning   ExportStatus = "running"
	ExportSucceeded ExportStatus = "succeeded"
	ExportFailed    ExportStatus = "failed"
)

// SortOrder is the direction in which a paginated API is walked
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

var addressPattern = regexp.MustCompile("^0x[a-fA-F0-9]{40}$")

// ValidateAddress checks the 0x-prefixed 20 byte hex format
func ValidateAddress(address string) bool {
	return addressPattern.MatchString(address)
}

// NormalizeAddress lowercases and trims an address. Invalid input is returned as an error.
func NormalizeAddress(address string) (string, error) {
	addr := strings.ToLower(strings.TrimSpace(address))
	if !strings.HasPrefix(addr, "0x") {
		addr = "0x" + addr
	}
	if !ValidateAddress(addr) {
		return "", fmt.Errorf("invalid address format: %s", address)
	}
	return addr, nil
}
