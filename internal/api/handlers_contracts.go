package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	apperrors "github.com/contract-indexer/internal/errors"
	"github.com/contract-indexer/internal/models"
	"github.com/contract-indexer/internal/service"
)

func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if v := r.URL.Query().Get("active"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			respondServiceError(w, r, apperrors.NewInvalidParameterError("active", "must be a boolean"))
			return
		}
		activeOnly = parsed
	}

	contracts, err := s.contracts.ListContracts(r.Context(), activeOnly)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if contracts == nil {
		contracts = []*models.ContractTarget{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"contracts": contracts,
		"count":     len(contracts),
	})
}

func (s *Server) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	var req service.CreateContractRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	target, err := s.contracts.CreateContract(r.Context(), req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, target)
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	target, err := s.contracts.GetContract(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, target)
}

func (s *Server) handleUpdateContract(w http.ResponseWriter, r *http.Request) {
	var req service.UpdateContractRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	target, err := s.contracts.UpdateContract(r.Context(), mux.Vars(r)["address"], req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, target)
}

func (s *Server) handleDeleteContract(w http.ResponseWriter, r *http.Request) {
	if err := s.contracts.DeleteContract(r.Context(), mux.Vars(r)["address"]); err != nil {
		respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.contracts.GetProgress(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, progress)
}

func (s *Server) handleResetContract(w http.ResponseWriter, r *http.Request) {
	result, err := s.contracts.ResetContract(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
