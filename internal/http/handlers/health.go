// Package handlers holds transport-agnostic HTTP endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/meditriage/triage-platform/pkg/logging"
)

const healthCheckTimeout = 5 * time.Second

// HealthCheck probes one backing service.
type HealthCheck func(ctx context.Context) error

// HealthHandler reports service health for liveness probes.
type HealthHandler struct {
	logger *logging.Logger
	checks map[string]HealthCheck
}

func NewHealthHandler(logger *logging.Logger, checks map[string]HealthCheck) *HealthHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &HealthHandler{logger: logger, checks: checks}
}

type serviceHealth struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// Handle serves GET /health. A failing dependency degrades the response but
// keeps 200 so the instance is not restarted for a downstream outage.
func (h *HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	overall := "healthy"
	services := map[string]serviceHealth{"api": {Status: "running", Connected: true}}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			overall = "degraded"
			services[name] = serviceHealth{Status: "unreachable", Error: err.Error()}
			h.logger.Warn("health check failed", "service", name, "error", err)
			continue
		}
		services[name] = serviceHealth{Status: "connected", Connected: true}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    overall,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  services,
	})
}
