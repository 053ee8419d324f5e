package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/contract-indexer/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestCategorize(t *testing.T) {
	t.Run("wrapped categorized error", func(t *testing.T) {
		err := fmt.Errorf("claim job: %w", NewStorageError("claim", fmt.Errorf("conn reset")))
		cat := Categorize(err)
		assert.Equal(t, CategoryStorage, cat.Category)
		assert.Equal(t, "STORAGE_ERROR", cat.Code)
	})

	t.Run("service error", func(t *testing.T) {
		cat := Categorize(&types.ServiceError{Code: "JOB_NOT_FOUND", Message: "missing"})
		assert.Equal(t, CategoryNotFound, cat.Category)
		assert.Equal(t, http.StatusNotFound, cat.StatusCode)
	})

	t.Run("plain error", func(t *testing.T) {
		cat := Categorize(fmt.Errorf("boom"))
		assert.Equal(t, CategorySystem, cat.Category)
		assert.Equal(t, http.StatusInternalServerError, GetHTTPStatusCode(fmt.Errorf("boom")))
	})

	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, Categorize(nil))
	})
}

func TestRetryClassification(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		retryable  bool
		validation bool
	}{
		{"upstream", NewUpstreamError("rpc", fmt.Errorf("eof")), true, false},
		{"rate limit", NewUpstreamRateLimitError("explorer"), true, false},
		{"storage", NewStorageError("upsert", nil), true, false},
		{"validation", NewInvalidAddressError("0x12"), false, true},
		{"wrapped validation", fmt.Errorf("payload: %w", NewInvalidParameterError("fromDate", "must precede toDate")), false, true},
		{"not found", NewNotFoundError("job", "abc"), false, false},
		{"plain", fmt.Errorf("boom"), true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			assert.Equal(t, tt.validation, IsValidation(tt.err))
		})
	}
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsRateLimit(fmt.Errorf("x: %w", NewUpstreamRateLimitError("rpc"))))
	assert.True(t, IsNotFound(NewNotFoundError("contract", "0x1")))
	assert.True(t, IsUserError(NewValidationError("bad")))
	assert.False(t, IsUserError(NewStorageError("read", nil)))
}
