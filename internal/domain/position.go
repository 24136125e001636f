package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of market exposure.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Sign returns +1 for long and -1 for short.
func (s Side) Sign() int64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// EntryOrderSide is the order side that opens exposure on s.
func (s Side) EntryOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitOrderSide is the order side that flattens exposure on s.
func (s Side) ExitOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// PositionState is the lifecycle state of a position.
type PositionState string

const (
	PositionPending PositionState = "PENDING"
	PositionOpen    PositionState = "OPEN"
	PositionClosing PositionState = "CLOSING"
	PositionClosed  PositionState = "CLOSED"
)

// Active reports whether the state occupies the symbol slot.
func (s PositionState) Active() bool {
	return s == PositionPending || s == PositionOpen || s == PositionClosing
}

// ProductType controls end-of-day handling.
type ProductType string

const (
	ProductIntraday ProductType = "intraday"
	ProductDelivery ProductType = "delivery"
)

// Position represents one market exposure in a single symbol.
type Position struct {
	ID                   string          `json:"id"`
	Symbol               string          `json:"symbol"`
	Side                 Side            `json:"side"`
	Quantity             int64           `json:"quantity"`
	AvgEntryPrice        float64         `json:"avg_entry_price"`
	CurrentPrice         float64         `json:"current_price"`
	StopLoss             float64         `json:"stop_loss,omitempty"` // zero means no stop
	InitialStopLoss      float64         `json:"initial_stop_loss,omitempty"`
	Target               float64         `json:"target,omitempty"` // zero means no target
	TrailingStopEnabled  bool            `json:"trailing_stop_enabled"`
	TrailingStopDistance float64         `json:"trailing_stop_distance,omitempty"`
	HighWatermark        float64         `json:"high_watermark,omitempty"`
	LowWatermark         float64         `json:"low_watermark,omitempty"`
	State                PositionState   `json:"state"`
	ProductType          ProductType     `json:"product_type"`
	StrategyID           string          `json:"strategy_id,omitempty"`
	EntryOrderID         string          `json:"entry_order_id"`
	StopOrderID          string          `json:"stop_order_id,omitempty"`
	ExitOrderID          string          `json:"exit_order_id,omitempty"`
	PendingExitReason    ExitReason      `json:"pending_exit_reason,omitempty"`
	EntryCommission      decimal.Decimal `json:"entry_commission"`
	EntryTime            time.Time       `json:"entry_time"`
	UpdatedAt            time.Time       `json:"updated_at"`
	ReconcileCycles      int             `json:"reconcile_cycles,omitempty"`
}

// Notional returns quantity times average entry price.
func (p Position) Notional() float64 {
	return float64(p.Quantity) * p.AvgEntryPrice
}

// HasStop reports whether a protective stop is configured.
func (p Position) HasStop() bool { return p.StopLoss > 0 }

// HasTarget reports whether a profit target is configured.
func (p Position) HasTarget() bool { return p.Target > 0 }

// BrokerPosition is the broker's authoritative view of an open position.
type BrokerPosition struct {
	Symbol    string
	Quantity  int64 // signed: negative for short
	AvgPrice  float64
	LastPrice float64
}

// Quote is a last-traded price snapshot.
type Quote struct {
	Symbol    string
	LastPrice float64
	Timestamp time.Time
}
