package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitStopLoss       ExitReason = "STOP_LOSS"
	ExitTrailingStop   ExitReason = "TRAILING_STOP"
	ExitTarget         ExitReason = "TARGET"
	ExitTime           ExitReason = "TIME_EXIT"
	ExitManual         ExitReason = "MANUAL"
	ExitSignal         ExitReason = "SIGNAL"
	ExitReconciled     ExitReason = "RECONCILED"
	ExitEntryAbandoned ExitReason = "ENTRY_ABANDONED"
)

// exitPriority orders triggers that fire on the same tick. Lower wins.
var exitPriority = map[ExitReason]int{
	ExitStopLoss:     0,
	ExitTrailingStop: 1,
	ExitTarget:       2,
	ExitTime:         3,
	ExitManual:       4,
	ExitSignal:       4,
}

// Outranks reports whether r takes precedence over other when both fire.
func (r ExitReason) Outranks(other ExitReason) bool {
	a, ok := exitPriority[r]
	if !ok {
		a = len(exitPriority)
	}
	b, ok := exitPriority[other]
	if !ok {
		b = len(exitPriority)
	}
	return a < b
}

// Trade is the immutable record of a closed position.
type Trade struct {
	ID              string          `json:"id"`
	PositionID      string          `json:"position_id"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Quantity        int64           `json:"quantity"`
	EntryPrice      float64         `json:"entry_price"`
	ExitPrice       float64         `json:"exit_price"`
	StopLoss        float64         `json:"stop_loss,omitempty"`
	Target          float64         `json:"target,omitempty"`
	ProductType     ProductType     `json:"product_type"`
	StrategyID      string          `json:"strategy_id,omitempty"`
	EntryOrderID    string          `json:"entry_order_id"`
	ExitOrderID     string          `json:"exit_order_id,omitempty"`
	EntryTime       time.Time       `json:"entry_time"`
	ExitTime        time.Time       `json:"exit_time"`
	ExitReason      ExitReason      `json:"exit_reason"`
	EntryCommission decimal.Decimal `json:"entry_commission"`
	ExitCommission  decimal.Decimal `json:"exit_commission"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	PnLPercent      float64         `json:"pnl_percent"`
}

// Win reports whether the trade closed with positive P&L.
func (t Trade) Win() bool { return t.RealizedPnL.IsPositive() }
