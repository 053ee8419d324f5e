package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	apperrors "github.com/contract-indexer/internal/errors"
	"github.com/contract-indexer/internal/models"
	"github.com/contract-indexer/internal/types"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
)

// EnqueueJobRequest is the body of POST /api/jobs
type EnqueueJobRequest struct {
	Type     types.JobType   `json:"type"`
	Priority int             `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req EnqueueJobRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if req.Type == "" {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("type", "is required"))
		return
	}
	if len(req.Payload) == 0 {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("payload", "is required"))
		return
	}

	job, err := s.jobs.Enqueue(r.Context(), req.Type, req.Payload, req.Priority)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.JobFilter{Limit: defaultJobLimit}

	if v := q.Get("status"); v != "" {
		status := types.JobStatus(v)
		filter.Status = &status
	}
	if v := q.Get("type"); v != "" {
		jobType := types.JobType(v)
		filter.Type = &jobType
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 || limit > maxJobLimit {
			respondServiceError(w, r, apperrors.NewInvalidParameterError("limit", "must be between 1 and 500"))
			return
		}
		filter.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			respondServiceError(w, r, apperrors.NewInvalidParameterError("offset", "must be a non-negative integer"))
			return
		}
		filter.Offset = offset
	}

	jobs, err := s.jobs.List(r.Context(), filter)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   jobs,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Retry(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}
