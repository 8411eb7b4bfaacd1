package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// healthCheckTimeout is the maximum time allowed for all health probes to complete.
// If any probe exceeds this deadline, the health check returns 503 Service Unavailable.
const healthCheckTimeout = 2 * time.Second

// HealthProbe defines the interface for a subsystem health check.
// Each probe represents a dependency (user store, rate limit counters) the
// relay needs to reconcile billing state.
type HealthProbe interface {
	// Name returns a human-readable identifier for the probe (e.g., "user_store", "redis").
	Name() string

	// Check performs the health check against the subsystem.
	// It should respect the context deadline and return an error if the subsystem
	// is unhealthy or unreachable.
	Check(ctx context.Context) error
}

// componentStatus represents the health state of a single subsystem.
type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthResponse is the JSON response body for the health check endpoint.
type healthResponse struct {
	Status     string                     `json:"status"`
	Timestamp  string                     `json:"timestamp"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs every registered probe concurrently under a 2s budget and
// reports 200 "ok" when all pass, 503 "unhealthy" otherwise. A probe still
// running at the deadline counts as failed. The timestamp is RFC 3339 UTC.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Timestamp: s.now().UTC().Format(time.RFC3339)}
	if len(s.HealthProbes) == 0 {
		JSON(w, r, http.StatusOK, resp)
		return
	}

	results := runProbes(ctx, s.HealthProbes)

	resp.Components = make(map[string]componentStatus, len(results))
	for i, probe := range s.HealthProbes {
		status := componentStatus{Status: "ok"}
		if err := results[i]; err != nil {
			status = componentStatus{Status: "unhealthy", Message: err.Error()}
			resp.Status = "unhealthy"
		}
		resp.Components[probe.Name()] = status
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	JSON(w, r, code, resp)
}

var errProbeTimeout = errors.New("health check timed out")

// runProbes returns one error slot per probe. Slots of probes that have not
// finished when ctx expires hold errProbeTimeout.
func runProbes(ctx context.Context, probes []HealthProbe) []error {
	var (
		mu      sync.Mutex
		results = make([]error, len(probes))
		g       errgroup.Group
	)
	for i := range results {
		results[i] = errProbeTimeout
	}

	for i, probe := range probes {
		g.Go(func() error {
			err := checkProbe(ctx, probe)
			mu.Lock()
			results[i] = err
			mu.Unlock()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]error(nil), results...)
}

func checkProbe(ctx context.Context, p HealthProbe) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("probe panicked: %v", rec)
		}
	}()
	return p.Check(ctx)
}
