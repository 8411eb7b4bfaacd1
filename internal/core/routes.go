package core

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"

	"billingrelay/internal/config"
	"billingrelay/internal/types"
)

// defaultRequestTimeout applies when the config leaves REQUEST_TIMEOUT unset.
const defaultRequestTimeout = 30 * time.Second

// defaultRedactedHeaders lists header names whose values are masked in request
// logs to prevent leakage of credentials and webhook signatures.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"Stripe-Signature",
}

// Rate limit groups.
const (
	rateLimitGroupAPI     = "api"
	rateLimitGroupWebhook = "webhook"
)

// MountRoutes defines the routing hierarchy:
//
//	GET  /health                             public
//	POST /webhooks/stripe, /stripe/webhook   signature-authenticated (WebhookRegistrars)
//	     /api/...                            bearer-authenticated (APIRegistrars)
func (s *Server) MountRoutes() {
	s.registerGlobalMiddleware()

	s.router.Get("/health", s.HandleHealth)

	s.router.Group(func(r chi.Router) {
		r.Use(s.RateLimit(rateLimitGroupWebhook, s.rateLimits().WebhookMax, s.rateLimits().WebhookWindow))
		for _, registrar := range s.WebhookRegistrars {
			registrar(r)
		}
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Use(s.RateLimit(rateLimitGroupAPI, s.rateLimits().APIMax, s.rateLimits().APIWindow))
		r.Use(s.AuthMiddleware)
		r.Use(CompressionMiddleware)
		for _, registrar := range s.APIRegistrars {
			registrar(r)
		}
	})
}

// registerGlobalMiddleware applies middleware in strict order.
//
// Ordering Rationale:
//  1. Recoverer        - Catches panics; outermost to catch all failures.
//  2. ContextTimeout   - Bounds every request context.
//  3. RequestID        - Generates/propagates correlation ID.
//  4. SecurityHeaders  - Ensures all responses include security headers.
//  5. RequestLogger    - Structured logging (redacted headers).
//  6. CORS             - Browser security headers and preflight.
//  7. Metrics          - Request latency and count recording.
//
// Rate limiting and auth are applied per route group in MountRoutes.
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(NewCORSMiddleware(s.corsAllowedOrigins()))
	s.router.Use(s.MetricsMiddleware)
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.RequestTimeout > 0 {
		return s.Config.Server.RequestTimeout
	}
	return defaultRequestTimeout
}

func (s *Server) corsAllowedOrigins() []string {
	if s.Config != nil && len(s.Config.Security.CorsAllowedOrigins) > 0 {
		return s.Config.Security.CorsAllowedOrigins
	}
	return []string{"*"}
}

func (s *Server) rateLimits() config.RateLimitConfig {
	rl := s.Config.RateLimit
	if rl.APIMax <= 0 {
		rl.APIMax = 100
	}
	if rl.APIWindow <= 0 {
		rl.APIWindow = 15 * time.Minute
	}
	if rl.WebhookMax <= 0 {
		rl.WebhookMax = 50
	}
	if rl.WebhookWindow <= 0 {
		rl.WebhookWindow = time.Minute
	}
	return rl
}

// ContextTimeoutMiddleware sets a deadline on the request context. Handlers
// receive a cancelled context once it passes.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware generates or propagates a request ID for correlation
// across logs. An incoming X-Request-Id header is reused; otherwise a random
// UUID is generated. The ID is stored in the context and echoed as the
// X-Request-Id response header.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := types.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CompressionMiddleware gzips responses for clients that accept it. It is
// applied only to routes whose request bodies are decoded normally; the
// webhook route reads raw bytes and is left untouched.
func CompressionMiddleware(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}
