// Package adapter provides clients for the chain RPC and the third-party
// explorer and export APIs the indexer consumes.
package adapter

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/contract-indexer/internal/errors"
	"github.com/contract-indexer/internal/metrics"
)

// Outcome tags the answer of an upstream API call
type Outcome int

const (
	// ResultOK carries a decoded value
	ResultOK Outcome = iota
	// ResultRateLimited means the upstream asked us to slow down
	ResultRateLimited
	// ResultNotFound means the upstream has no record of the resource
	ResultNotFound
	// ResultMalformed means the upstream answered with a body we could not decode
	ResultMalformed
)

func (o Outcome) String() string {
	switch o {
	case ResultOK:
		return "ok"
	case ResultRateLimited:
		return "rate_limited"
	case ResultNotFound:
		return "not_found"
	case ResultMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Result is an upstream answer decoded at the boundary. Transport failures and
// 5xx answers are returned as a separate transient error instead.
type Result[T any] struct {
	Outcome    Outcome
	Value      T
	RetryAfter time.Duration
	Detail     string
}

// OK wraps a decoded value
func OK[T any](v T) Result[T] {
	return Result[T]{Outcome: ResultOK, Value: v}
}

// RateLimited builds a rate-limited result
func RateLimited[T any](retryAfter time.Duration) Result[T] {
	return Result[T]{Outcome: ResultRateLimited, RetryAfter: retryAfter}
}

// NotFound builds a not-found result
func NotFound[T any]() Result[T] {
	return Result[T]{Outcome: ResultNotFound}
}

// Malformed builds a malformed result with a short description
func Malformed[T any](detail string) Result[T] {
	return Result[T]{Outcome: ResultMalformed, Detail: detail}
}

// IsOK reports whether the result carries a value
func (r Result[T]) IsOK() bool {
	return r.Outcome == ResultOK
}

// maxErrorBody bounds how much of an error body is kept for diagnostics
const maxErrorBody = 512

// decodeResponse maps an HTTP response onto a Result. Only 5xx answers come
// back as an error; they are transient.
func decodeResponse[T any](api string, resp *http.Response) (Result[T], error) {
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.UpstreamResults.WithLabelValues(api, ResultRateLimited.String()).Inc()
		return RateLimited[T](parseRetryAfter(resp.Header.Get("Retry-After"))), nil
	case resp.StatusCode == http.StatusNotFound:
		metrics.UpstreamResults.WithLabelValues(api, ResultNotFound.String()).Inc()
		return NotFound[T](), nil
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		metrics.UpstreamResults.WithLabelValues(api, "transient").Inc()
		return Result[T]{}, apperrors.NewUpstreamError(api,
			fmt.Errorf("status=%d, body=%s", resp.StatusCode, string(body)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		metrics.UpstreamResults.WithLabelValues(api, ResultMalformed.String()).Inc()
		return Malformed[T](fmt.Sprintf("status=%d, body=%s", resp.StatusCode, string(body))), nil
	}

	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		metrics.UpstreamResults.WithLabelValues(api, ResultMalformed.String()).Inc()
		return Malformed[T](fmt.Sprintf("failed to decode response: %v", err)), nil
	}
	metrics.UpstreamResults.WithLabelValues(api, ResultOK.String()).Inc()
	return OK(v), nil
}

// parseRetryAfter reads a Retry-After header given in seconds
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
