// SPDX-License-Identifier: MIT

package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cliparino/cliparino/internal/log"
)

// HealthResponse is the liveness probe body.
type HealthResponse struct {
	Status    Status                     `json:"status"`
	Version   string                     `json:"version,omitempty"`
	Timestamp time.Time                  `json:"timestamp"`
	Checks    map[string]ComponentHealth `json:"checks,omitempty"`
}

// ReadinessResponse is the readiness probe body.
type ReadinessResponse struct {
	Ready     bool                       `json:"ready"`
	Status    Status                     `json:"status"`
	Timestamp time.Time                  `json:"timestamp"`
	Checks    map[string]ComponentHealth `json:"checks,omitempty"`
}

// Handler serves health and readiness probes from a Reporter.
type Handler struct {
	reporter *Reporter
	version  string
}

// NewHandler creates probe handlers backed by the given reporter.
func NewHandler(reporter *Reporter, version string) *Handler {
	return &Handler{reporter: reporter, version: version}
}

// ServeHealth handles liveness requests. Always 200: the process is alive.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "health")

	resp := HealthResponse{
		Status:    h.reporter.Aggregate(),
		Version:   h.version,
		Timestamp: time.Now(),
	}
	if r.URL.Query().Get("verbose") == "true" {
		resp.Checks = h.reporter.Snapshot()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str("event", "health.encode_error").Msg("failed to encode health response")
	}
}

// ServeReady handles readiness requests. 503 while the aggregate is Unhealthy.
func (h *Handler) ServeReady(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "readiness")

	status := h.reporter.Aggregate()
	resp := ReadinessResponse{
		Ready:     status != StatusUnhealthy,
		Status:    status,
		Timestamp: time.Now(),
		Checks:    h.reporter.Snapshot(),
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Str("event", "readiness.encode_error").Msg("failed to encode readiness response")
	}
}
