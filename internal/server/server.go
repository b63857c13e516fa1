// Package server exposes the portal over HTTP: the peer-delegation
// endpoints (form-encoded POSTs answered with a JSON envelope, the same
// protocol the remote backend speaks) plus read-only job and service
// listings.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/mobgo/internal/config"
	"github.com/me/mobgo/internal/index"
	"github.com/me/mobgo/internal/jobengine"
	"github.com/me/mobgo/internal/registry"
	"github.com/me/mobgo/internal/workflow"
)

// Server is the portal HTTP server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	cfg       config.Portal
	services  *registry.Registry
	jobs      *jobengine.Engine
	workflows *workflow.Engine
	index     *index.Index    // optional; job listing and catalog upkeep
	baseCtx   context.Context // outlives requests; supervisory goroutines run on it
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithIndex wires the job catalog: submissions and status transitions
// are mirrored into it and /jobs serves from it.
func WithIndex(idx *index.Index) Option {
	return func(s *Server) {
		s.index = idx
	}
}

// WithBaseContext sets the context workflow supervision goroutines run
// on. Defaults to context.Background().
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) {
		s.baseCtx = ctx
	}
}

// New creates a Server with all routes registered.
func New(cfg config.Portal, services *registry.Registry, jobs *jobengine.Engine,
	workflows *workflow.Engine, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		cfg:       cfg,
		services:  services,
		jobs:      jobs,
		workflows: workflows,
		baseCtx:   context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware(s.logger))

	// Peer-delegation protocol.
	r.Post("/job_submit", s.handleSubmit)
	r.Post("/job_status", s.handleStatus)
	r.Post("/job_kill", s.handleKill)
	r.Post("/job_subjobs", s.handleSubJobs)

	// Read-only listings.
	r.Get("/jobs", s.handleListJobs)
	r.Get("/services", s.handleListServices)
}

// loggingMiddleware logs every request at INFO level.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration", time.Since(start).String(),
			)
		})
	}
}

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
