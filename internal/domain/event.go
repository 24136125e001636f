package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind tags a lifecycle event.
type EventKind string

const (
	EventPositionEntryPlaced     EventKind = "position_entry_placed"
	EventPositionClosed          EventKind = "position_closed"
	EventOrderRejected           EventKind = "order_rejected"
	EventCircuitBreakerTriggered EventKind = "circuit_breaker_triggered"
)

// EventKinds lists every kind the engine emits.
var EventKinds = []EventKind{
	EventPositionEntryPlaced,
	EventPositionClosed,
	EventOrderRejected,
	EventCircuitBreakerTriggered,
}

// Event is a lifecycle notification published for observability and alerting.
type Event struct {
	Kind       EventKind       `json:"event"`
	Symbol     string          `json:"symbol,omitempty"`
	PositionID string          `json:"position_id,omitempty"`
	OrderID    string          `json:"order_id,omitempty"`
	Side       Side            `json:"side,omitempty"`
	Quantity   int64           `json:"quantity,omitempty"`
	Price      float64         `json:"price,omitempty"`
	PnL        decimal.Decimal `json:"pnl"`
	Reason     string          `json:"reason,omitempty"`
	At         time.Time       `json:"at"`
}

// EventSink receives lifecycle events. Implementations must not block for
// long; they are called from engine goroutines.
type EventSink interface {
	Emit(ctx context.Context, evt Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, evt Event)

// Emit calls f.
func (f EventSinkFunc) Emit(ctx context.Context, evt Event) { f(ctx, evt) }
