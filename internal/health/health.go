// Package health provides the diagnostics HTTP handlers of the client.
//
// The package exposes up to four endpoints:
//
//   - /healthz  liveness probe; always returns 200 OK.
//   - /readyz   readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//   - /statusz  the current call snapshot as JSON, when [WithStatus] is set.
//   - /metrics  Prometheus exposition, when [WithMetrics] is set.
//
// Probe responses are JSON objects with a top-level "status" field ("ok" or
// "fail") and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "archive",
	// "audio"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// result is the JSON response body for probe endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithChecker adds a readiness check. Checkers run in the order added.
func WithChecker(c Checker) Option {
	return func(h *Handler) { h.checkers = append(h.checkers, c) }
}

// WithStatus serves the value returned by fn as JSON on /statusz.
func WithStatus(fn func() any) Option {
	return func(h *Handler) { h.status = fn }
}

// WithMetrics serves the metrics gathered by g on /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(h *Handler) { h.gatherer = g }
}

// Handler serves the diagnostics endpoints. It is safe for concurrent use;
// its configuration is fixed at construction time.
type Handler struct {
	checkers []Checker
	status   func() any
	gatherer prometheus.Gatherer
}

// New creates a [Handler].
func New(opts ...Option) *Handler {
	h := &Handler{}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Statusz writes the status snapshot. It returns 404 when no status source
// is configured.
func (h *Handler) Statusz(w http.ResponseWriter, _ *http.Request) {
	if h.status == nil {
		http.NotFound(w, nil)
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

// Register adds the configured routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if h.status != nil {
		mux.HandleFunc("GET /statusz", h.Statusz)
	}
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}
