// Package server exposes the stampd HTTP API.
//
// The API is the write path for everything the editor does: documents
// are registered here, page geometry reports are resolved here, and
// annotation saves land here as full-list replacements. The in-process
// editor talks to the same routes through persist.HTTPBackend, so the
// wire shapes in this package are the single contract both sides
// compile against.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"stampd/internal/annotation"
	"stampd/internal/config"
	"stampd/internal/geometry"
	"stampd/internal/health"
	"stampd/internal/httpx"
	"stampd/internal/logging"
	"stampd/internal/metrics"
	"stampd/internal/store"
	"stampd/internal/tracing"
)

// MergeFunc flattens a document's annotations into its PDF and returns
// the delivery receipt. The server records the receipt; the delivery
// layer supplies the implementation.
type MergeFunc func(ctx context.Context, doc *store.Document, anns []*annotation.Annotation) (*store.DeliveryReceipt, error)

// Config carries the server's collaborators. Store is required;
// everything else falls back to package defaults or is skipped when
// nil.
type Config struct {
	Server config.ServerConfig

	Store    store.Store
	Resolver *geometry.Resolver
	Registry *geometry.Registry

	Log     *logging.Logger
	Audit   *logging.AuditLogger
	Metrics *metrics.StampdMetrics
	Tracer  *tracing.Tracer
	Health  *health.Checker

	Merge MergeFunc

	// Version is reported by the status endpoint.
	Version string
}

// Server is the stampd HTTP API server.
type Server struct {
	cfg      config.ServerConfig
	store    store.Store
	resolver *geometry.Resolver
	registry *geometry.Registry

	log     *logging.Logger
	audit   *logging.AuditLogger
	metrics *metrics.StampdMetrics
	tracer  *tracing.Tracer
	health  *health.Checker

	merge     MergeFunc
	version   string
	started   time.Time
	annSchema *jsonschema.Schema

	httpSrv *http.Server

	requests     *metrics.Counter
	requestsFail *metrics.Counter
	duration     *metrics.Histogram
}

// New creates a server from its collaborators.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("server: store is required")
	}

	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}
	log = log.WithComponent("server")

	resolver := cfg.Resolver
	if resolver == nil {
		resolver = geometry.NewResolver(geometry.DefaultConfig(), log.Logger)
	}
	registry := cfg.Registry
	if registry == nil {
		registry = geometry.NewRegistry()
	}

	annSchema, err := compileAnnotationSchema()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg.Server,
		store:     cfg.Store,
		resolver:  resolver,
		registry:  registry,
		log:       log,
		audit:     cfg.Audit,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		health:    cfg.Health,
		merge:     cfg.Merge,
		version:   cfg.Version,
		started:   time.Now(),
		annSchema: annSchema,
	}

	if s.metrics != nil {
		reg := s.metrics.Registry()
		s.requests = reg.RegisterCounter("http_requests_total",
			"HTTP requests served", nil)
		s.requestsFail = reg.RegisterCounter("http_request_errors_total",
			"HTTP requests answered with a 5xx status", nil)
		s.duration = reg.RegisterHistogram("http_request_duration_seconds",
			"HTTP request latency", nil, metrics.DurationBuckets)
	}
	return s, nil
}

// Router builds the chi router with the full middleware chain and all
// API routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	if s.tracer != nil {
		r.Use(tracing.HTTPMiddleware(s.tracer))
	}
	r.Use(s.accessLogMiddleware)
	r.Use(s.recoverMiddleware)
	if s.cfg.MaxBodyBytes > 0 {
		r.Use(s.bodyLimitMiddleware)
	}

	if s.health != nil {
		r.Method(http.MethodGet, "/healthz", s.health.LivenessHandler())
		r.Method(http.MethodGet, "/readyz", s.health.ReadinessHandler())
		r.Method(http.MethodGet, "/health", s.health.HealthHandler())
	}
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Registry().HTTPHandler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/status", s.handleStatus)

		api.Route("/documents", func(docs chi.Router) {
			docs.Post("/", s.handleCreateDocument)
			docs.Get("/", s.handleListDocuments)

			docs.Route("/{documentID}", func(doc chi.Router) {
				doc.Get("/", s.handleGetDocument)
				doc.Delete("/", s.handleDeleteDocument)

				doc.Get("/geometry", s.handleListGeometry)
				doc.Get("/pages/{page}/geometry", s.handleGetGeometry)
				doc.Put("/pages/{page}/geometry", s.handlePutGeometry)

				doc.Get("/annotations", s.handleGetAnnotations)
				doc.Put("/annotations", s.handlePutAnnotations)
				doc.Delete("/annotations/{annotationID}", s.handleDeleteAnnotation)

				doc.Get("/audit", s.handleGetAudit)
				doc.Post("/merge", s.handleMerge)
				doc.Get("/receipts", s.handleGetReceipts)
			})
		})
	})

	return r
}

// Run serves the API until ctx is cancelled, then drains in-flight
// requests for the configured grace period.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:8421"
	}

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  secondsOr(s.cfg.ReadTimeoutSec, 30*time.Second),
		WriteTimeout: secondsOr(s.cfg.WriteTimeoutSec, 60*time.Second),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", "addr", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	grace := secondsOr(s.cfg.ShutdownGraceSec, 10*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	s.log.Info("api shutting down", "grace", grace)
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func secondsOr(sec int, fallback time.Duration) time.Duration {
	if sec <= 0 {
		return fallback
	}
	return time.Duration(sec) * time.Second
}

// handleStatus reports daemon identity and a few liveness figures.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.ListDocuments(r.Context())
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"service":       "stampd",
		"version":       s.version,
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
		"documents":     len(docs),
	})
}
