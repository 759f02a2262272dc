package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/me/queuegate/internal/store"
)

// HealthPath is served by the gateway itself; every other path belongs to
// the backend app.
const HealthPath = "/_queuegate/health"

// Server is the queuegate HTTP front end.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	gateway   http.Handler
	lister    store.Lister // optional; reported by the health endpoint
	version   string
	startTime time.Time
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithQueueLister lets the health endpoint report the stored queues.
func WithQueueLister(l store.Lister) Option {
	return func(s *Server) {
		s.lister = l
	}
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new Server routing all traffic to gw.
func New(gw http.Handler, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		gateway:   gw,
		version:   "dev",
		startTime: time.Now(),
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

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Get(HealthPath, s.handleHealth)

	// Everything else: ticks, upgrades and backend traffic.
	r.Handle("/*", s.gateway)
}
