// Package health provides HTTP health and readiness check handlers.
//
// The package exposes two endpoints:
//
//   - /health/live: liveness probe; always returns 200 OK.
//   - /health/ready: readiness probe; aggregates the registered
//     [Checker] results into healthy, degraded, or unhealthy.
//
// A required dependency failing makes the service unhealthy (503). Only
// optional dependencies failing makes it degraded, which still serves
// traffic (200). Responses are JSON objects with a top-level "status"
// field and a "dependencies" map naming each check's result.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Aggregate statuses reported by /health/ready.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Checker is a named health check. The Check function should return nil
// when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "postgres",
	// "stt"). It appears as a key in the JSON response.
	Name string

	// Required marks dependencies the service cannot serve without. A
	// failing optional dependency only degrades the service.
	Required bool

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// result is the JSON response body for health endpoints.
type result struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// Handler serves the health endpoints. It is safe for concurrent use;
// the checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers on each
// readiness request. The checkers run concurrently, so the probe takes
// as long as the slowest dependency rather than the sum of all.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Live is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: StatusHealthy})
}

// Ready is a readiness probe. Every registered [Checker] runs with a
// [checkTimeout] deadline derived from the request context; the response
// names each dependency's outcome so a failing one is identifiable from
// the probe alone.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	outcomes := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			outcomes[i] = c.Check(ctx)
			return nil
		})
	}
	// Checks never return an error to the group; each failure lands in
	// its own outcome slot so all dependencies are always reported.
	_ = g.Wait()

	deps := make(map[string]string, len(h.checkers))
	requiredFailed := false
	optionalFailed := false
	for i, c := range h.checkers {
		if err := outcomes[i]; err != nil {
			deps[c.Name] = "fail: " + err.Error()
			if c.Required {
				requiredFailed = true
			} else {
				optionalFailed = true
			}
		} else {
			deps[c.Name] = "ok"
		}
	}

	res := result{Status: StatusHealthy, Dependencies: deps}
	status := http.StatusOK
	switch {
	case requiredFailed:
		res.Status = StatusUnhealthy
		status = http.StatusServiceUnavailable
	case optionalFailed:
		// Degraded still serves: core dependencies are up.
		res.Status = StatusDegraded
	}

	writeJSON(w, status, res)
}

// Register adds the /health/live and /health/ready routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health/live", h.Live)
	mux.HandleFunc("GET /health/ready", h.Ready)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
