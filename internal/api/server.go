package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-pds/granary/internal/audit"
	"github.com/opensource-pds/granary/internal/domain"
	"github.com/opensource-pds/granary/internal/forecast"
	"github.com/opensource-pds/granary/internal/rules"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, auditor *audit.Auditor, engine *forecast.Engine, reporter *forecast.Reporter, custom *rules.CustomEngine, version string) *Server {
	handler := NewHandler(repo, cache, bus, auditor, engine, reporter, custom, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no district required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (district required)
	router.Route("/", func(r chi.Router) {
		r.Use(DistrictMiddleware)

		// Order ingestion
		r.Post("/orders", handler.IngestOrder)

		// Audits
		r.Post("/audits/{storeID}", handler.AuditBatch)
		r.Post("/audits/{storeID}/run", handler.RunAudit)
		r.Get("/audits/{storeID}/latest", handler.LatestAudit)

		// Forecasting
		r.Get("/forecasts/{storeID}/{item}", handler.GetForecast)
		r.Get("/stores/{storeID}/demand-report", handler.GetDemandReport)

		// Registry and stock maintenance
		r.Put("/stores/{storeID}", handler.UpsertStore)
		r.Post("/stores/{storeID}/demand/{item}", handler.RecordDemand)
		r.Put("/stores/{storeID}/stock/{item}", handler.SetStock)
		r.Put("/beneficiaries/{id}", handler.UpsertBeneficiary)
		r.Get("/beneficiaries/{id}", handler.GetBeneficiary)

		// Custom rule management
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{id}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)

		// Policy management
		r.Get("/policy", handler.GetPolicy)
		r.Put("/policy", handler.UpdatePolicy)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
