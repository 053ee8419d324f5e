package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/contract-indexer/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryTransient represents network failures and upstream 5xx responses
	CategoryTransient ErrorCategory = "transient"
	// CategoryRateLimit represents upstream throttling
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryNotFound represents a missing resource
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConsistency represents data that contradicts persisted state
	CategoryConsistency ErrorCategory = "consistency"
	// CategoryValidation represents bad input that will never succeed on retry
	CategoryValidation ErrorCategory = "validation"
	// CategoryStorage represents database or cache failures
	CategoryStorage ErrorCategory = "storage"
	// CategorySystem represents unexpected internal failures
	CategorySystem ErrorCategory = "system"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Validation Errors

// NewInvalidAddressError creates an invalid address error
func NewInvalidAddressError(address string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_ADDRESS",
		Message:    fmt.Sprintf("invalid address format: %s", address),
		Details: map[string]interface{}{
			"address": address,
		},
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewValidationError creates a generic validation error
func NewValidationError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "VALIDATION_ERROR",
		Message:    message,
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewConflictError creates a conflict error
func NewConflictError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConsistency,
		StatusCode: http.StatusConflict,
		Code:       "CONFLICT",
		Message:    message,
	}
}

// NewConsistencyError reports data that contradicts stored state
func NewConsistencyError(message string, details map[string]interface{}) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConsistency,
		StatusCode: http.StatusInternalServerError,
		Code:       "CONSISTENCY_ERROR",
		Message:    message,
		Details:    details,
	}
}

// NewRateLimitError creates a rate limit error for the admin API
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// Upstream Errors

// NewUpstreamError creates a transient error for an upstream provider
func NewUpstreamError(provider string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransient,
		StatusCode: http.StatusBadGateway,
		Code:       "UPSTREAM_ERROR",
		Message:    fmt.Sprintf("upstream error: %s", provider),
		Cause:      cause,
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// NewUpstreamRateLimitError creates a rate limit error for an upstream provider
func NewUpstreamRateLimitError(provider string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "UPSTREAM_RATE_LIMIT",
		Message:    fmt.Sprintf("upstream rate limit exceeded: %s", provider),
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// System Errors (5xx)

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewStorageError creates a database or cache error
func NewStorageError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryStorage,
		StatusCode: http.StatusInternalServerError,
		Code:       "STORAGE_ERROR",
		Message:    fmt.Sprintf("storage error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(service string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransient,
		StatusCode: http.StatusServiceUnavailable,
		Code:       "SERVICE_UNAVAILABLE",
		Message:    fmt.Sprintf("service unavailable: %s", service),
		Details: map[string]interface{}{
			"service": service,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if errors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	return NewInternalError("unexpected error", err)
}

func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	out := &CategorizedError{
		Code:    err.Code,
		Message: err.Message,
		Details: err.Details,
	}
	switch err.Code {
	case "INVALID_ADDRESS", "INVALID_PARAMETER", "VALIDATION_ERROR":
		out.Category = CategoryValidation
		out.StatusCode = http.StatusBadRequest
	case "NOT_FOUND", "JOB_NOT_FOUND", "CONTRACT_NOT_FOUND":
		out.Category = CategoryNotFound
		out.StatusCode = http.StatusNotFound
	case "CONFLICT":
		out.Category = CategoryConsistency
		out.StatusCode = http.StatusConflict
	default:
		out.Category = CategorySystem
		out.StatusCode = http.StatusInternalServerError
	}
	return out
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryTransient, CategoryRateLimit, CategoryStorage:
		return true
	case CategorySystem:
		// Uncategorized errors get the benefit of the doubt
		return catErr.Code == "INTERNAL_ERROR"
	default:
		return false
	}
}

// IsValidation reports whether retrying can never fix err
func IsValidation(err error) bool {
	var catErr *CategorizedError
	return errors.As(err, &catErr) && catErr.Category == CategoryValidation
}

// IsRateLimit reports whether err is upstream throttling
func IsRateLimit(err error) bool {
	var catErr *CategorizedError
	return errors.As(err, &catErr) && catErr.Category == CategoryRateLimit
}

// IsNotFound reports whether err is a not found error
func IsNotFound(err error) bool {
	var catErr *CategorizedError
	return errors.As(err, &catErr) && catErr.Category == CategoryNotFound
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}
