package core

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"billingrelay/internal/types"
)

// RateLimit returns middleware enforcing limit requests per window for each
// client IP within the named route group.
//
// It passes through when no RateLimitStore is configured or rate limiting is
// disabled for the environment. Store errors fail open so a counter outage
// never blocks billing traffic.
//
// Every checked response carries:
//   - X-RateLimit-Limit
//   - X-RateLimit-Remaining
//   - X-RateLimit-Reset (unix seconds)
//
// and rejected responses also carry Retry-After.
func (s *Server) RateLimit(group string, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.RateLimitStore == nil || !s.rateLimitEnabled() {
				next.ServeHTTP(w, r)
				return
			}

			ip := extractClientIP(r)
			key := group + ":" + ip

			result, err := s.RateLimitStore.IncrementAndCheck(r.Context(), key, limit, window)
			if err != nil {
				s.Logger.Error("rate limit store error",
					slog.String("group", group),
					slog.String("ip", ip),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}

			setRateLimitHeaders(w, limit, result)

			if !result.Allowed {
				s.Logger.Warn("rate limit exceeded",
					slog.String("group", group),
					slog.String("ip", ip),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)

				retryAfter := int(result.ResetAt.Sub(s.now()).Seconds())
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

				Error(w, r, types.NewAppError(
					types.ErrCodeRateLimit,
					"Too many requests, please try again later.",
					nil,
				))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) rateLimitEnabled() bool {
	return s.Config.RateLimit.IsEnabled(s.Config.Environment)
}

func setRateLimitHeaders(w http.ResponseWriter, limit int, result RateLimitResult) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}
