package core

import (
	"context"
	"time"

	"billingrelay/internal/types"
)

// Authenticator decouples the HTTP layer from the identity provider,
// allowing for easy mocking in tests.
type Authenticator interface {
	// ResolveToken verifies a bearer token and returns the Actor it names.
	//
	// Distinct Error Codes:
	// - auth_token_missing if the token is empty.
	// - auth_token_expired if the token verified but is past its expiry.
	// - auth_token_invalid for every other verification failure.
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}

// RateLimitStore abstracts the backing store for rate limiting.
// Production uses Redis; local and test use the in-memory store.
type RateLimitStore interface {
	// IncrementAndCheck atomically increments the counter for key and checks
	// it against limit within the fixed window.
	IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error)
}

// RateLimitResult contains the outcome of a rate limit check.
type RateLimitResult struct {
	// Allowed indicates whether the request is within the rate limit.
	Allowed bool
	// Remaining is the number of requests remaining in the current window.
	Remaining int
	// ResetAt is the time when the current rate limit window resets.
	ResetAt time.Time
}

// MetricsCollector records API telemetry. Implementations publish request
// latency and counts to CloudWatch.
type MetricsCollector interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
}
