package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/tradeexec/internal/domain"
	"github.com/alanyoungcy/tradeexec/internal/monitor"
)

// StatusService is the engine's read-only and breaker surface.
type StatusService interface {
	Mode() string
	Running() bool
	PendingSignals() int
	GetStats() domain.Stats
	Breaker() domain.BreakerStatus
	ResetBreaker(ctx context.Context) error
	SchedulerStatus() []monitor.TaskStatus
}

// StatusHandler serves stats, breaker and scheduler endpoints.
type StatusHandler struct {
	engine   StatusService
	instance string
	logger   *slog.Logger
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(engine StatusService, instance string, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{engine: engine, instance: instance, logger: logHandler(logger, "status")}
}

// GetStatus responds with the mode, run state and monitoring loops.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	tasks := h.engine.SchedulerStatus()
	if tasks == nil {
		tasks = []monitor.TaskStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instance":        h.instance,
		"mode":            h.engine.Mode(),
		"running":         h.engine.Running(),
		"pending_signals": h.engine.PendingSignals(),
		"breaker":         h.engine.Breaker(),
		"tasks":           tasks,
	})
}

// GetStats returns the trading-day summary.
// GET /api/stats
func (h *StatusHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetStats())
}

// GetBreaker returns the circuit breaker state.
// GET /api/breaker
func (h *StatusHandler) GetBreaker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Breaker())
}

// ResetBreaker clears a tripped breaker.
// POST /api/breaker/reset
func (h *StatusHandler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ResetBreaker(r.Context()); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	h.logger.InfoContext(r.Context(), "breaker reset over http", slog.String("remote_addr", r.RemoteAddr))
	writeJSON(w, http.StatusOK, h.engine.Breaker())
}
