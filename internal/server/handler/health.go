package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Check is a named dependency health check.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	running func() bool
	checks  []Check
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler. running reports whether the
// engine loops are active.
func NewHealthHandler(running func() bool, checks []Check, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{running: running, checks: checks, logger: logHandler(logger, "health")}
}

// HealthCheck reports the engine and each dependency. Any failure turns the
// response into a 503.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for _, c := range h.checks {
		if err := c.Ping(ctx); err != nil {
			deps[c.Name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			h.logger.WarnContext(ctx, "health check failed",
				slog.String("dependency", c.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		deps[c.Name] = "ok"
	}
	running := h.running != nil && h.running()
	if !running {
		status, code = "stopped", http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":       status,
		"engine":       running,
		"dependencies": deps,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}
