// Package core provides the HTTP chassis for the billing relay. It builds a
// chi router and enforces cross-cutting concerns (security headers, logging,
// CORS, rate limiting, authentication and error handling) before requests
// reach the billing handlers.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"billingrelay/internal/config"
)

// RouteRegistrar mounts handler routes onto a router group. Registrars are
// supplied by main so core never imports handler packages.
type RouteRegistrar func(r chi.Router)

// ShutdownFunc releases a resource during Server.Shutdown.
type ShutdownFunc func(ctx context.Context) error

// Server encapsulates all dependencies of the HTTP surface, allowing for easy
// injection during testing and distinct configuration per environment.
type Server struct {
	Config         *config.Config
	Logger         *slog.Logger
	Validator      *Validator
	Metrics        MetricsCollector
	Authenticator  Authenticator  // Resolves bearer tokens on /api routes.
	RateLimitStore RateLimitStore // nil disables rate limiting.
	HealthProbes   []HealthProbe

	// WebhookRegistrars mount signature-authenticated routes (no bearer auth,
	// no body decoding middleware).
	WebhookRegistrars []RouteRegistrar
	// APIRegistrars mount bearer-authenticated routes under /api.
	APIRegistrars []RouteRegistrar

	router    *chi.Mux
	shutdowns []ShutdownFunc
	now       func() time.Time
}

// NewServer validates critical dependencies and prepares the router. The
// caller mounts routes via MountRoutes after injecting optional dependencies.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
		now:       time.Now,
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux. Used by tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// OnShutdown registers fn to run during Shutdown, in reverse order of
// registration.
func (s *Server) OnShutdown(fn ShutdownFunc) {
	s.shutdowns = append(s.shutdowns, fn)
}

// Shutdown releases registered resources (store clients, metric flushers).
// Every hook runs; their errors are joined.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var errs []error
	for i := len(s.shutdowns) - 1; i >= 0; i-- {
		if err := s.shutdowns[i](ctx); err != nil {
			s.Logger.Error("error releasing server resource", "error", err)
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("releasing server resources: %w", err)
	}

	s.Logger.Info("server shutdown complete")
	return nil
}
