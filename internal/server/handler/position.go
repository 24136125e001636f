package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

// PositionService is the part of the engine the position endpoints use.
type PositionService interface {
	GetPositions() []domain.Position
	GetPosition(symbol string) (domain.Position, bool)
	ExitPosition(ctx context.Context, symbol string, reason domain.ExitReason, price float64) (domain.ExitResult, error)
	ModifyStop(ctx context.Context, symbol string, stop float64) (domain.Position, error)
	ModifyTarget(ctx context.Context, symbol string, target float64) (domain.Position, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logHandler(logger, "positions"),
	}
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns every active position.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.positions.GetPositions()
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns the active position in one symbol.
// GET /api/positions/{symbol}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	symbol := symbolParam(r)
	p, ok := h.positions.GetPosition(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "no active position for "+symbol)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type exitRequest struct {
	Reason domain.ExitReason `json:"reason"`
	Price  float64           `json:"price"`
}

// ExitPosition closes a position. The body is optional.
// POST /api/positions/{symbol}/exit
func (h *PositionHandler) ExitPosition(w http.ResponseWriter, r *http.Request) {
	symbol := symbolParam(r)
	var req exitRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	res, err := h.positions.ExitPosition(r.Context(), symbol, req.Reason, req.Price)
	if err != nil {
		h.logger.WarnContext(r.Context(), "exit failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "result": res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type priceRequest struct {
	Price *float64 `json:"price"`
}

// ModifyStop moves the protective stop.
// PUT /api/positions/{symbol}/stop
func (h *PositionHandler) ModifyStop(w http.ResponseWriter, r *http.Request) {
	h.modify(w, r, "stop", h.positions.ModifyStop)
}

// ModifyTarget changes the profit target. A price of 0 clears it.
// PUT /api/positions/{symbol}/target
func (h *PositionHandler) ModifyTarget(w http.ResponseWriter, r *http.Request) {
	h.modify(w, r, "target", h.positions.ModifyTarget)
}

func (h *PositionHandler) modify(w http.ResponseWriter, r *http.Request, what string,
	fn func(context.Context, string, float64) (domain.Position, error)) {
	symbol := symbolParam(r)
	var req priceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Price == nil || *req.Price < 0 {
		writeError(w, http.StatusBadRequest, "price must be a non-negative number")
		return
	}
	p, err := fn(r.Context(), symbol, *req.Price)
	if err != nil {
		h.logger.WarnContext(r.Context(), "modify "+what+" failed",
			slog.String("symbol", symbol),
			slog.Float64("price", *req.Price),
			slog.String("error", err.Error()),
		)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func symbolParam(r *http.Request) string {
	return strings.ToUpper(strings.TrimSpace(r.PathValue("symbol")))
}
