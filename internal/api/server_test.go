package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/contract-indexer/internal/errors"
	"github.com/contract-indexer/internal/models"
	"github.com/contract-indexer/internal/service"
	"github.com/contract-indexer/internal/types"
)

const testAddress = "0x00000000000000000000000000000000000000aa"

type mockJobs struct {
	EnqueueFunc func(ctx context.Context, jobType types.JobType, payload interface{}, priority int) (*models.Job, error)
	GetFunc     func(ctx context.Context, id string) (*models.Job, error)
	ListFunc    func(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
	CancelFunc  func(ctx context.Context, id string) (*models.Job, error)
	RetryFunc   func(ctx context.Context, id string) (*models.Job, error)
}

func (m *mockJobs) Enqueue(ctx context.Context, jobType types.JobType, payload interface{}, priority int) (*models.Job, error) {
	return m.EnqueueFunc(ctx, jobType, payload, priority)
}

func (m *mockJobs) Get(ctx context.Context, id string) (*models.Job, error) {
	return m.GetFunc(ctx, id)
}

func (m *mockJobs) List(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	return m.ListFunc(ctx, filter)
}

func (m *mockJobs) Cancel(ctx context.Context, id string) (*models.Job, error) {
	return m.CancelFunc(ctx, id)
}

func (m *mockJobs) Retry(ctx context.Context, id string) (*models.Job, error) {
	return m.RetryFunc(ctx, id)
}

type mockContracts struct {
	CreateFunc   func(ctx context.Context, req service.CreateContractRequest) (*models.ContractTarget, error)
	GetFunc      func(ctx context.Context, address string) (*models.ContractTarget, error)
	ListFunc     func(ctx context.Context, activeOnly bool) ([]*models.ContractTarget, error)
	UpdateFunc   func(ctx context.Context, address string, req service.UpdateContractRequest) (*models.ContractTarget, error)
	DeleteFunc   func(ctx context.Context, address string) error
	ProgressFunc func(ctx context.Context, address string) (*models.ContractProgress, error)
	ResetFunc    func(ctx context.Context, address string) (*service.ResetResult, error)
}

func (m *mockContracts) CreateContract(ctx context.Context, req service.CreateContractRequest) (*models.ContractTarget, error) {
	return m.CreateFunc(ctx, req)
}

func (m *mockContracts) GetContract(ctx context.Context, address string) (*models.ContractTarget, error) {
	return m.GetFunc(ctx, address)
}

func (m *mockContracts) ListContracts(ctx context.Context, activeOnly bool) ([]*models.ContractTarget, error) {
	return m.ListFunc(ctx, activeOnly)
}

func (m *mockContracts) UpdateContract(ctx context.Context, address string, req service.UpdateContractRequest) (*models.ContractTarget, error) {
	return m.UpdateFunc(ctx, address, req)
}

func (m *mockContracts) DeleteContract(ctx context.Context, address string) error {
	return m.DeleteFunc(ctx, address)
}

func (m *mockContracts) GetProgress(ctx context.Context, address string) (*models.ContractProgress, error) {
	return m.ProgressFunc(ctx, address)
}

func (m *mockContracts) ResetContract(ctx context.Context, address string) (*service.ResetResult, error) {
	return m.ResetFunc(ctx, address)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func createTestServer(jobs *mockJobs, contracts *mockContracts) *Server {
	if jobs == nil {
		jobs = &mockJobs{}
	}
	if contracts == nil {
		contracts = &mockContracts{}
	}
	return NewServer(&ServerConfig{Host: "localhost", Port: "0", DisableLimiting: true}, jobs, contracts, nil)
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.ServiceError {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp.Error
}

func TestHealth(t *testing.T) {
	s := NewServer(&ServerConfig{DisableLimiting: true}, &mockJobs{}, &mockContracts{}, map[string]Pinger{
		"postgres": pingFunc(func(ctx context.Context) error { return nil }),
	})
	w := do(t, s, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	s = NewServer(&ServerConfig{DisableLimiting: true}, &mockJobs{}, &mockContracts{}, map[string]Pinger{
		"redis": pingFunc(func(ctx context.Context) error { return errors.New("connection refused") }),
	})
	w = do(t, s, "GET", "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "degraded", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := createTestServer(nil, nil)
	w := do(t, s, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestEnqueueJob(t *testing.T) {
	var gotType types.JobType
	var gotPayload json.RawMessage
	jobs := &mockJobs{
		EnqueueFunc: func(ctx context.Context, jobType types.JobType, payload interface{}, priority int) (*models.Job, error) {
			gotType = jobType
			gotPayload = payload.(json.RawMessage)
			return &models.Job{ID: "job-1", Type: jobType, Status: types.JobStatusPending, Priority: priority}, nil
		},
	}
	s := createTestServer(jobs, nil)

	w := do(t, s, "POST", "/api/jobs", map[string]interface{}{
		"type":     "backfill",
		"priority": 5,
		"payload":  map[string]string{"contractAddress": testAddress},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, types.JobTypeBackfill, gotType)
	assert.JSONEq(t, `{"contractAddress":"`+testAddress+`"}`, string(gotPayload))

	var job models.Job
	require.NoError(t, json.NewDecoder(w.Body).Decode(&job))
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, 5, job.Priority)
}

func TestEnqueueJobRejectsBadInput(t *testing.T) {
	jobs := &mockJobs{
		EnqueueFunc: func(ctx context.Context, jobType types.JobType, payload interface{}, priority int) (*models.Job, error) {
			return nil, apperrors.NewInvalidParameterError("type", "unknown job type")
		},
	}
	s := createTestServer(jobs, nil)

	tests := []struct {
		name string
		body interface{}
		code string
	}{
		{name: "malformed json", body: "not json", code: ErrCodeInvalidInput},
		{name: "unknown field", body: map[string]interface{}{"type": "enrich", "payload": map[string]string{}, "extra": 1}, code: ErrCodeInvalidInput},
		{name: "missing type", body: map[string]interface{}{"payload": map[string]string{}}, code: "INVALID_PARAMETER"},
		{name: "missing payload", body: map[string]interface{}{"type": "enrich"}, code: "INVALID_PARAMETER"},
		{name: "unknown type", body: map[string]interface{}{"type": "snapshot", "payload": map[string]string{}}, code: "INVALID_PARAMETER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, "POST", "/api/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.code, decodeError(t, w).Code)
		})
	}
}

func TestListJobsFilter(t *testing.T) {
	var got models.JobFilter
	jobs := &mockJobs{
		ListFunc: func(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
			got = filter
			return nil, nil
		},
	}
	s := createTestServer(jobs, nil)

	w := do(t, s, "GET", "/api/jobs?status=failed&type=enrich&limit=10&offset=20", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, got.Status)
	require.NotNil(t, got.Type)
	assert.Equal(t, types.JobStatusFailed, *got.Status)
	assert.Equal(t, types.JobTypeEnrich, *got.Type)
	assert.Equal(t, 10, got.Limit)
	assert.Equal(t, 20, got.Offset)
	assert.Contains(t, w.Body.String(), `"jobs":[]`)

	w = do(t, s, "GET", "/api/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, defaultJobLimit, got.Limit)

	for _, q := range []string{"?limit=0", "?limit=10000", "?limit=abc", "?offset=-1"} {
		w = do(t, s, "GET", "/api/jobs"+q, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestJobLifecycleRoutes(t *testing.T) {
	jobs := &mockJobs{
		GetFunc: func(ctx context.Context, id string) (*models.Job, error) {
			if id != "job-1" {
				return nil, apperrors.NewNotFoundError("job", id)
			}
			return &models.Job{ID: id, Status: types.JobStatusProcessing}, nil
		},
		CancelFunc: func(ctx context.Context, id string) (*models.Job, error) {
			return &models.Job{ID: id, Status: types.JobStatusCancelled}, nil
		},
		RetryFunc: func(ctx context.Context, id string) (*models.Job, error) {
			return nil, apperrors.NewConflictError("job job-1 is completed and cannot be retried")
		},
	}
	s := createTestServer(jobs, nil)

	w := do(t, s, "GET", "/api/jobs/job-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, "GET", "/api/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, w).Code)

	w = do(t, s, "POST", "/api/jobs/job-1/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"cancelled"`)

	w = do(t, s, "POST", "/api/jobs/job-1/retry", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateContract(t *testing.T) {
	var got service.CreateContractRequest
	contracts := &mockContracts{
		CreateFunc: func(ctx context.Context, req service.CreateContractRequest) (*models.ContractTarget, error) {
			got = req
			if req.Address == "bad" {
				return nil, apperrors.NewInvalidAddressError(req.Address)
			}
			return &models.ContractTarget{Address: req.Address, IndexMode: types.IndexModeRange, IsActive: true}, nil
		},
	}
	s := createTestServer(nil, contracts)

	w := do(t, s, "POST", "/api/contracts", map[string]interface{}{
		"address":     testAddress,
		"deployBlock": 1200,
		"indexMode":   "range",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, uint64(1200), got.DeployBlock)
	assert.Equal(t, types.IndexModeRange, got.IndexMode)

	w = do(t, s, "POST", "/api/contracts", map[string]interface{}{"address": "bad"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_ADDRESS", decodeError(t, w).Code)
}

func TestContractRoutes(t *testing.T) {
	var activeOnly bool
	var deleted string
	contracts := &mockContracts{
		ListFunc: func(ctx context.Context, active bool) ([]*models.ContractTarget, error) {
			activeOnly = active
			return []*models.ContractTarget{{Address: testAddress}}, nil
		},
		GetFunc: func(ctx context.Context, address string) (*models.ContractTarget, error) {
			return &models.ContractTarget{Address: address}, nil
		},
		UpdateFunc: func(ctx context.Context, address string, req service.UpdateContractRequest) (*models.ContractTarget, error) {
			return &models.ContractTarget{Address: address, IsActive: *req.IsActive}, nil
		},
		DeleteFunc: func(ctx context.Context, address string) error {
			deleted = address
			return nil
		},
		ProgressFunc: func(ctx context.Context, address string) (*models.ContractProgress, error) {
			return &models.ContractProgress{Address: address, IndexMode: types.IndexModeRange, RangesComplete: 3, PendingEnrichment: 7}, nil
		},
		ResetFunc: func(ctx context.Context, address string) (*service.ResetResult, error) {
			return &service.ResetResult{Address: address, RangesDeleted: 4}, nil
		},
	}
	s := createTestServer(nil, contracts)

	w := do(t, s, "GET", "/api/contracts?active=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, activeOnly)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = do(t, s, "GET", "/api/contracts?active=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, "GET", "/api/contracts/"+testAddress, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, "PATCH", "/api/contracts/"+testAddress, map[string]interface{}{"isActive": false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"isActive":false`)

	w = do(t, s, "GET", "/api/contracts/"+testAddress+"/progress", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var progress models.ContractProgress
	require.NoError(t, json.NewDecoder(w.Body).Decode(&progress))
	assert.Equal(t, 3, progress.RangesComplete)
	assert.Equal(t, int64(7), progress.PendingEnrichment)

	w = do(t, s, "POST", "/api/contracts/"+testAddress+"/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"rangesDeleted":4`)

	w = do(t, s, "DELETE", "/api/contracts/"+testAddress, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, testAddress, deleted)
}

func TestInternalErrorsAreHidden(t *testing.T) {
	contracts := &mockContracts{
		GetFunc: func(ctx context.Context, address string) (*models.ContractTarget, error) {
			return nil, apperrors.NewStorageError("get contract", errors.New("pq: password authentication failed"))
		},
	}
	s := createTestServer(nil, contracts)

	w := do(t, s, "GET", "/api/contracts/"+testAddress, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "password")
}

func TestRecoveryMiddleware(t *testing.T) {
	contracts := &mockContracts{
		GetFunc: func(ctx context.Context, address string) (*models.ContractTarget, error) {
			panic("boom")
		},
	}
	s := createTestServer(nil, contracts)

	w := do(t, s, "GET", "/api/contracts/"+testAddress, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, ErrCodeInternalError, decodeError(t, w).Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	s := NewServer(&ServerConfig{RequestsPerSec: 1, Burst: 2}, &mockJobs{}, &mockContracts{}, nil)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/health", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
		if w.Code == http.StatusTooManyRequests {
			assert.Equal(t, "1", w.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// a different client has its own bucket
	req := httptest.NewRequest("GET", "/health", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := NewServer(&ServerConfig{AllowedOrigins: []string{"https://admin.example.com"}, DisableLimiting: true}, &mockJobs{}, &mockContracts{}, nil)

	req := httptest.NewRequest("OPTIONS", "/api/contracts", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	req.Header.Set("Access-Control-Request-Method", "PATCH")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, "https://admin.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}
