// Package server assembles the HTTP router: middleware, the gatekeeping
// chain and the endpoint handlers.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/grok-gateway/internal/codec"
	"github.com/tjfontaine/grok-gateway/internal/domain"
	"github.com/tjfontaine/grok-gateway/internal/handlers"
	"github.com/tjfontaine/grok-gateway/internal/pipeline"
	"github.com/tjfontaine/grok-gateway/internal/requestlog"
)

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves h on /metrics, behind the same chain as every route.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithRequestTimeout bounds the buffered-only routes.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.requestTimeout = d
	}
}

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger

	metrics        http.Handler
	requestTimeout time.Duration

	mu         sync.Mutex
	httpServer *http.Server
}

// New builds the router. Every request passes request id assignment, tracing,
// panic recovery and then the chain (auth, rate limit, request log) before
// reaching a handler.
func New(port int, logger *slog.Logger, chain *pipeline.Executor, h *handlers.Handler, opts ...Option) *Server {
	s := &Server{
		Router:         chi.NewRouter(),
		Port:           port,
		logger:         logger,
		requestTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := s.Router
	r.Use(requestlog.RequestIDMiddleware)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "grok-gateway")
	})
	r.Use(middleware.Recoverer)
	r.Use(chain.Middleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		codec.WriteError(w, domain.ErrNotFound(fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path)))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		codec.WriteError(w, domain.ErrInvalidRequest(fmt.Sprintf("method %s not allowed", r.Method)).
			WithStatusCode(http.StatusMethodNotAllowed))
	})

	r.Get("/health", h.Health)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Chat and Responses may stream, so only the upstream client's own
		// timeouts apply to them.
		r.Post("/chat/completions", h.Chat)
		r.Post("/responses", h.CreateResponse)

		r.Group(func(r chi.Router) {
			r.Use(TimeoutMiddleware(s.requestTimeout))
			r.Post("/images/generate", h.Images)
			r.Post("/images/generations", h.Images)
			r.Post("/vision/analyze", h.Vision)
			r.Get("/responses/{id}", h.GetResponse)
			r.Delete("/responses/{id}", h.DeleteResponse)
		})
	})

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.Router
}

// Start listens on the configured port and blocks until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.Port, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln and blocks until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("starting server", slog.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests,
// including open streams, until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("shutting down server")
	return srv.Shutdown(ctx)
}
