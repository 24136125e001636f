package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

// SignalService accepts strategy signals.
type SignalService interface {
	EnterPosition(ctx context.Context, sig domain.Signal) (domain.EntryResult, error)
	SubmitSignal(ctx context.Context, sig domain.Signal) (string, error)
}

// SignalHandler serves the entry and signal endpoints.
type SignalHandler struct {
	signals SignalService
	logger  *slog.Logger
}

// NewSignalHandler creates a SignalHandler.
func NewSignalHandler(signals SignalService, logger *slog.Logger) *SignalHandler {
	return &SignalHandler{signals: signals, logger: logHandler(logger, "signals")}
}

func (h *SignalHandler) decodeSignal(w http.ResponseWriter, r *http.Request) (domain.Signal, bool) {
	var sig domain.Signal
	if err := decodeJSON(w, r, &sig); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return sig, false
	}
	sig.Symbol = strings.ToUpper(strings.TrimSpace(sig.Symbol))
	if sig.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return sig, false
	}
	return sig, true
}

// Enter validates and executes an entry immediately. Rejections come back
// with the full validation so callers can see every violation.
// POST /api/entries
func (h *SignalHandler) Enter(w http.ResponseWriter, r *http.Request) {
	sig, ok := h.decodeSignal(w, r)
	if !ok {
		return
	}
	if _, entry := sig.Direction.Side(); !entry {
		writeError(w, http.StatusBadRequest, "direction must be long_entry or short_entry")
		return
	}
	res, err := h.signals.EnterPosition(r.Context(), sig)
	if err != nil {
		h.logger.InfoContext(r.Context(), "entry not accepted",
			slog.String("symbol", sig.Symbol),
			slog.String("error", err.Error()),
		)
		code := statusFor(err)
		if res.Accepted {
			// The order was sent but its outcome is unknown.
			code = http.StatusAccepted
		}
		writeJSON(w, code, map[string]any{"error": err.Error(), "result": res})
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Submit queues a signal for the next monitoring tick.
// POST /api/signals
func (h *SignalHandler) Submit(w http.ResponseWriter, r *http.Request) {
	sig, ok := h.decodeSignal(w, r)
	if !ok {
		return
	}
	id, err := h.signals.SubmitSignal(r.Context(), sig)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "signal_id": id})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"signal_id": id, "status": "queued"})
}
