package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"wandererkills/pkg/version"
)

// HealthResponse represents the health check response structure
type HealthResponse struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Version   string         `json:"version,omitempty"`
	Modules   map[string]any `json:"modules,omitempty"`
}

// HealthChecker reports per-module health details.
type HealthChecker interface {
	Name() string
	Health() map[string]any
}

// HealthHandler aggregates the health of the given modules into one endpoint.
// Health checks are excluded from request logging to reduce noise.
func HealthHandler(checkers ...HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := HealthResponse{
			Status:    "ok",
			Timestamp: time.Now().UTC(),
			Version:   version.String(),
		}

		if len(checkers) > 0 {
			response.Modules = make(map[string]any, len(checkers))
			for _, c := range checkers {
				health := c.Health()
				response.Modules[c.Name()] = health
				if healthy, ok := health["healthy"].(bool); ok && !healthy {
					response.Status = "degraded"
				}
			}
		}

		JSONResponse(w, response, http.StatusOK)
	}
}

// SimpleHealthHandler creates a health check without module information.
func SimpleHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("Health check requested", slog.String("remote_addr", r.RemoteAddr))
		JSONResponse(w, HealthResponse{Status: "ok", Timestamp: time.Now().UTC()}, http.StatusOK)
	}
}
