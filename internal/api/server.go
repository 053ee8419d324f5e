// Package api provides the admin HTTP API for jobs and contract targets.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/contract-indexer/internal/logging"
	"github.com/contract-indexer/internal/models"
	"github.com/contract-indexer/internal/service"
	"github.com/contract-indexer/internal/types"
)

// JobAPI is the job queue surface used by the handlers
type JobAPI interface {
	Enqueue(ctx context.Context, jobType types.JobType, payload interface{}, priority int) (*models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
	Cancel(ctx context.Context, id string) (*models.Job, error)
	Retry(ctx context.Context, id string) (*models.Job, error)
}

// ContractAPI is the contract service surface used by the handlers
type ContractAPI interface {
	CreateContract(ctx context.Context, req service.CreateContractRequest) (*models.ContractTarget, error)
	GetContract(ctx context.Context, address string) (*models.ContractTarget, error)
	ListContracts(ctx context.Context, activeOnly bool) ([]*models.ContractTarget, error)
	UpdateContract(ctx context.Context, address string, req service.UpdateContractRequest) (*models.ContractTarget, error)
	DeleteContract(ctx context.Context, address string) error
	GetProgress(ctx context.Context, address string) (*models.ContractProgress, error)
	ResetContract(ctx context.Context, address string) (*service.ResetResult, error)
}

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	jobs       JobAPI
	contracts  ContractAPI
	checks     map[string]Pinger
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	AllowedOrigins  []string
	RequestsPerSec  float64
	Burst           int
	DisableLimiting bool
}

// NewServer creates a new API server instance. checks are pinged by /health.
func NewServer(config *ServerConfig, jobs JobAPI, contracts ContractAPI, checks map[string]Pinger) *Server {
	if config.RequestsPerSec <= 0 {
		config.RequestsPerSec = 20
	}
	if config.Burst <= 0 {
		config.Burst = 40
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"*"}
	}
	s := &Server{
		router:    mux.NewRouter(),
		jobs:      jobs,
		contracts: contracts,
		checks:    checks,
		config:    config,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	if !s.config.DisableLimiting {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.config.RequestsPerSec, s.config.Burst)))
	}

	s.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         3600,
	})

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      c.Handler(s.router),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/jobs", s.handleEnqueueJob).Methods("POST")
	api.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/retry", s.handleRetryJob).Methods("POST")

	api.HandleFunc("/contracts", s.handleListContracts).Methods("GET")
	api.HandleFunc("/contracts", s.handleCreateContract).Methods("POST")
	api.HandleFunc("/contracts/{address}", s.handleGetContract).Methods("GET")
	api.HandleFunc("/contracts/{address}", s.handleUpdateContract).Methods("PATCH")
	api.HandleFunc("/contracts/{address}", s.handleDeleteContract).Methods("DELETE")
	api.HandleFunc("/contracts/{address}/progress", s.handleGetProgress).Methods("GET")
	api.HandleFunc("/contracts/{address}/reset", s.handleResetContract).Methods("POST")
}

// handleHealth pings each dependency and reports 503 when any is down
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(s.checks))
	for name, p := range s.checks {
		if err := p.Ping(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "degraded"
	}
	respondJSON(w, status, map[string]interface{}{
		"status":       overall,
		"service":      "contract-indexer",
		"dependencies": deps,
	})
}

// Handler exposes the routed handler, CORS included
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
