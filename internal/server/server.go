// Package server exposes the gateway over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/ports"
	"github.com/tjfontaine/edu-ai-gateway/internal/health"
	"github.com/tjfontaine/edu-ai-gateway/internal/pkg/config"
	"github.com/tjfontaine/edu-ai-gateway/internal/usage"
)

// AIService answers requests. In production this is the secure gateway.
type AIService interface {
	Submit(ctx context.Context, req *domain.Request) (*domain.Response, error)
	Stream(ctx context.Context, req *domain.Request) (<-chan domain.Chunk, error)
}

// Diagnostics serves the operational endpoints.
type Diagnostics interface {
	TestConnection(ctx context.Context, cfg config.ProviderConfig) (time.Duration, error)
	ListModels(ctx context.Context, name string) ([]string, error)
	Providers() []config.ProviderConfig
	Health() []health.Status
	Usage(ctx context.Context, provider, requester string) (usage.Snapshot, error)
}

// Options configures a Server.
type Options struct {
	Port           int
	RequestTimeout time.Duration
	Limits         usage.Limits
	// Resolver authenticates callers. Nil trusts the requester in the body.
	Resolver ports.IdentityResolver
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server is the HTTP surface.
type Server struct {
	Router *chi.Mux
	Port   int

	ai       AIService
	diag     Diagnostics
	resolver ports.IdentityResolver
	limits   usage.Limits
	logger   *slog.Logger
	srv      *http.Server
}

// New builds the router.
func New(ai AIService, diag Diagnostics, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Router:   chi.NewRouter(),
		Port:     opts.Port,
		ai:       ai,
		diag:     diag,
		resolver: opts.Resolver,
		limits:   opts.Limits,
		logger:   logger,
	}

	r := s.Router
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "edu-ai-gateway")
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		if s.resolver != nil {
			r.Use(AuthMiddleware(s.resolver))
		} else {
			logger.Warn("no identity resolver configured, trusting requester from request bodies")
		}

		r.Route("/ai", func(r chi.Router) {
			r.With(TimeoutMiddleware(opts.RequestTimeout), RateLimitHeadersMiddleware).
				Post("/submit", s.handleSubmit)
			r.Post("/stream", s.handleStream)
		})

		r.Get("/usage", s.handleUsage)

		r.Route("/providers", func(r chi.Router) {
			if s.resolver != nil {
				r.Use(RequireRole(domain.RoleAdmin, domain.RoleTeacher))
			}
			r.Get("/health", s.handleHealth)
			r.With(TimeoutMiddleware(opts.RequestTimeout)).Post("/test", s.handleTestConnection)
			r.With(TimeoutMiddleware(opts.RequestTimeout)).Get("/{name}/models", s.handleListModels)
		})
	})

	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// Start listens until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", slog.Int("port", s.Port))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.logger.Info("shutting down server")
		return s.srv.Shutdown(shutdownCtx)
	}
}
