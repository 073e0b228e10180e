// Package handlers implements the dashboard API endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	apperrors "github.com/sorabatch/sorabatch/internal/errors"
)

// HealthChecker probes one dependency.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthResponse is the healthy-path body.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// HealthManager aggregates registered checkers.
type HealthManager struct {
	version  string
	checkers map[string]HealthChecker
}

// NewHealthManager creates a manager reporting the given version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{version: version, checkers: make(map[string]HealthChecker)}
}

// RegisterChecker adds a named dependency probe.
func (m *HealthManager) RegisterChecker(name string, c HealthChecker) {
	m.checkers[name] = c
}

// HealthHandler reports overall health: 200 when every checker passes,
// 503 with per-check detail otherwise.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(m.checkers))
	healthy := true
	for name, c := range m.checkers {
		if err := c.CheckHealth(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
		} else {
			checks[name] = "healthy"
		}
	}

	if !healthy {
		writeUnhealthy(w, checks)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(HealthResponse{
		Status:  "healthy",
		Version: m.version,
		Checks:  checks,
	})
}

func writeUnhealthy(w http.ResponseWriter, checks map[string]string) {
	details := make(map[string]any, len(checks))
	for name, status := range checks {
		details[name] = status
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(apperrors.HTTPErrorResponse{
		Error: apperrors.HTTPError{
			Code:    apperrors.CodeServiceUnavailable,
			Message: "one or more health checks failed",
			Details: details,
		},
	})
}
