// Package api serves the orchestrator's management surface: scheduler
// control, manual backups, records, retries, audit logs and metrics.
package api

import (
	"context"
	"net/http"

	"backup-orchestrator/internal/backup"
	"backup-orchestrator/internal/logging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SchedulerService is the part of backup.Scheduler the API drives
type SchedulerService interface {
	Start() error
	Stop() error
	Status() backup.SchedulerStatus
	ForceCheck(ctx context.Context) (*backup.TickReport, error)
	RunTenant(ctx context.Context, tenantID string) (*backup.BackupRecord, error)
}

// StatsService reports what is on disk for a tenant
type StatsService interface {
	Stats(ctx context.Context, tenantID string) (*backup.StorageStats, error)
}

// SnapshotVerifier re-checks a snapshot without recording the result
type SnapshotVerifier interface {
	Verify(record *backup.BackupRecord) *backup.ValidationResult
}

// AuditLog returns recent audit entries
type AuditLog interface {
	Recent(ctx context.Context, limit int) ([]*backup.LogEntry, error)
}

// Deps are the collaborators of a Server. Registerer and Gatherer default to
// the Prometheus globals.
type Deps struct {
	Scheduler  SchedulerService
	Stats      StatsService
	Verifier   SnapshotVerifier
	Store      backup.Store
	Audit      AuditLog
	Logger     *logging.Logger
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Server routes management requests
type Server struct {
	router    chi.Router
	scheduler SchedulerService
	stats     StatsService
	verifier  SnapshotVerifier
	store     backup.Store
	audit     AuditLog
	logger    *logging.Logger
	gatherer  prometheus.Gatherer
	metrics   *httpMetrics
}

// NewServer builds the router
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.NewDefaultLogger()
	}
	if deps.Registerer == nil {
		deps.Registerer = prometheus.DefaultRegisterer
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		router:    chi.NewRouter(),
		scheduler: deps.Scheduler,
		stats:     deps.Stats,
		verifier:  deps.Verifier,
		store:     deps.Store,
		audit:     deps.Audit,
		logger:    deps.Logger,
		gatherer:  deps.Gatherer,
		metrics:   newHTTPMetrics(deps.Registerer),
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.metrics.middleware)
}

func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.router.Get("/healthz", s.handleHealthz)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/status", s.handleSchedulerStatus)
			r.Post("/start", s.handleSchedulerStart)
			r.Post("/stop", s.handleSchedulerStop)
			r.Post("/check", s.handleSchedulerCheck)
		})

		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Post("/backup", s.handleRunTenant)
			r.Get("/stats", s.handleTenantStats)
		})

		r.Get("/records", s.handleListRecords)
		r.Get("/records/{recordID}", s.handleGetRecord)
		r.Post("/records/{recordID}/validate", s.handleValidateRecord)

		r.Get("/retries", s.handleListRetries)
		r.Get("/logs", s.handleLogs)
	})
}
