// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/ehealth-sync/internal/models"
	"github.com/ehealth-sync/internal/storage"
	"github.com/ehealth-sync/internal/syncer"
	"github.com/ehealth-sync/internal/types"
)

// Service interfaces for dependency injection and testing

// CoordinatorInterface defines the interface for sync dispatch operations
type CoordinatorInterface interface {
	Dispatch(ctx context.Context, req syncer.DispatchRequest) (*syncer.DispatchResult, error)
	Status(ctx context.Context, legalEntityID int64) (map[types.EntityType]types.JobStatus, error)
}

// ResumerInterface defines the interface for batch resume operations
type ResumerInterface interface {
	FindFailedBatches(ctx context.Context, legalEntityID int64) ([]*models.SyncBatch, error)
	ResumeAll(ctx context.Context, legalEntityID int64) (int, error)
	ResumeOnLogin(ctx context.Context, legalEntityID int64, userID string) (int, error)
}

// Server represents the HTTP API server.
type Server struct {
	router        *mux.Router
	httpServer    *http.Server
	coordinator   CoordinatorInterface
	resumer       ResumerInterface
	batchRepo     *storage.BatchRepository
	notifications *storage.NotificationRepository
	db            *storage.PostgresDB
	config        *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// NewServer creates a new API server instance.
func NewServer(
	config *ServerConfig,
	coordinator CoordinatorInterface,
	resumer ResumerInterface,
	batchRepo *storage.BatchRepository,
	notifications *storage.NotificationRepository,
	db *storage.PostgresDB,
) *Server {
	s := &Server{
		router:        mux.NewRouter(),
		coordinator:   coordinator,
		resumer:       resumer,
		batchRepo:     batchRepo,
		notifications: notifications,
		db:            db,
		config:        config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Sync endpoints
	api.HandleFunc("/sync/login", s.handleLoginSync).Methods("POST")
	api.HandleFunc("/sync/resume", s.handleResumeSync).Methods("POST")
	api.HandleFunc("/sync/status", s.handleSyncStatus).Methods("GET")
	api.HandleFunc("/sync/{entity}", s.handleDispatchSync).Methods("POST")

	// Batch endpoints
	api.HandleFunc("/batches/failed", s.handleFailedBatches).Methods("GET")
	api.HandleFunc("/batches/{id}", s.handleGetBatch).Methods("GET")

	// Notification endpoints
	api.HandleFunc("/notifications", s.handleListNotifications).Methods("GET")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": "ehealth-sync",
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "ehealth-sync",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
