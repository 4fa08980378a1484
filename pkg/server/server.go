package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/tokenquota/pkg/config"
	"mercator-hq/tokenquota/pkg/quota/admission"
	"mercator-hq/tokenquota/pkg/quota/analytics"
	"mercator-hq/tokenquota/pkg/security/auth"
	"mercator-hq/tokenquota/pkg/telemetry/health"
	"mercator-hq/tokenquota/pkg/telemetry/logging"
	"mercator-hq/tokenquota/pkg/telemetry/metrics"
	"mercator-hq/tokenquota/pkg/telemetry/tracing"
)

// Deps are the components the API serves. Health, Metrics and Tracer are
// optional.
type Deps struct {
	Controller *admission.Controller
	Reporter   *analytics.Reporter
	Health     *health.Checker
	Metrics    *metrics.Collector
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	config     *config.Config
	deps       Deps
	logger     *slog.Logger
	handler    http.Handler
	httpServer *http.Server

	shutdownChan chan struct{}
	shutdownOnce sync.Once
	mu           sync.RWMutex
	isRunning    bool
}

// New creates a server. The route table is built immediately so Handler can
// be used without starting a listener.
func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		config:       cfg,
		deps:         deps,
		logger:       logging.Component(deps.Logger, "server"),
		shutdownChan: make(chan struct{}),
	}
	s.handler = s.routes()
	return s
}

// Start starts the HTTP server and blocks until ctx is cancelled, a
// termination signal arrives, Stop is called or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.isRunning = true
	s.httpServer = &http.Server{
		Addr:         s.config.Server.ListenAddress,
		Handler:      s.handler,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting quota API server", "address", s.config.Server.ListenAddress)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, initiating shutdown")
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errChan:
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		return err
	case <-s.shutdownChan:
		s.logger.Info("shutdown requested")
	}
	return s.Shutdown(context.Background())
}

// Stop asks a running Start to shut down.
func (s *Server) Stop() {
	select {
	case <-s.shutdownChan:
	default:
		close(s.shutdownChan)
	}
}

// Shutdown gracefully stops the listener, waiting up to the configured
// shutdown timeout for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		if !s.isRunning {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		s.logger.Info("initiating graceful shutdown", "timeout", s.config.Server.ShutdownTimeout.String())

		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error during server shutdown", "error", err)
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}

		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()

		s.logger.Info("quota API server stopped")
	})

	return shutdownErr
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Handler returns the full route table with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer(s.logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(requestLogger(s.logger))
	if s.deps.Tracer != nil {
		r.Use(tracing.HTTPMiddleware(s.deps.Tracer))
	}
	r.Use(limitBody(s.config.Server.MaxBodyBytes))

	tel := s.config.Telemetry
	if s.deps.Health != nil {
		r.Get(pathOr(tel.Health.LivenessPath, "/health"), s.deps.Health.LivenessHandler())
		r.Get(pathOr(tel.Health.ReadinessPath, "/ready"), s.deps.Health.ReadinessHandler())
	}
	if s.deps.Metrics.Enabled() {
		r.Handle(pathOr(tel.Metrics.Path, "/metrics"), s.deps.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/reservations", s.handleReserve)
		r.Post("/reservations/{id}/commit", s.handleCommit)
		r.Post("/reservations/{id}/release", s.handleRelease)

		r.Get("/usage", s.handleUsage)
		r.Get("/statistics", s.handleStatistics)
		r.Get("/audit", s.handleAudit)

		r.Route("/admin", func(r chi.Router) {
			if s.config.Server.Auth.Enabled {
				r.Use(auth.NewMiddleware(auth.FromConfig(s.config.Server.Auth), auth.DefaultSources,
					writeErr, s.logger).Handle)
			}
			r.Put("/actors/{actor}/limits", s.handleSetActorLimit)
			r.Post("/actors/{actor}/reset", s.handleResetUsage)
			r.Put("/defaults", s.handleSetDefaultLimit)
			r.Put("/groups/{group}/pool", s.handleSetGroupPool)
			r.Put("/groups/{group}/member-limit", s.handleSetMemberLimit)
			r.Put("/groups/{group}/roles/{role}", s.handleSetRoleLimit)
			r.Put("/groups/{group}/bypasses/{actor}", s.handleSetBypass(true))
			r.Delete("/groups/{group}/bypasses/{actor}", s.handleSetBypass(false))
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

func pathOr(path, fallback string) string {
	if path == "" {
		return fallback
	}
	return path
}
