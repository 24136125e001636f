package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stats is a point-in-time summary of engine activity for the trading day.
type Stats struct {
	Mode              string          `json:"mode"`
	TradeDate         string          `json:"trade_date"`
	OpenPositions     int             `json:"open_positions"`
	PendingPositions  int             `json:"pending_positions"`
	ClosingPositions  int             `json:"closing_positions"`
	TradesToday       int             `json:"trades_today"`
	Wins              int             `json:"wins"`
	Losses            int             `json:"losses"`
	WinRate           float64         `json:"win_rate"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
	Equity            decimal.Decimal `json:"equity"`
	PeakEquity        decimal.Decimal `json:"peak_equity"`
	DrawdownPct       float64         `json:"drawdown_pct"`
	Exposure          float64         `json:"exposure"`
	Breaker           BreakerStatus   `json:"breaker"`
	AsOf              time.Time       `json:"as_of"`
}

// EntryResult is the structured outcome of an entry request.
type EntryResult struct {
	Accepted   bool       `json:"accepted"`
	Position   *Position  `json:"position,omitempty"`
	Validation Validation `json:"validation"`
	Message    string     `json:"message,omitempty"`
}

// ExitResult is the structured outcome of an exit request.
type ExitResult struct {
	Success  bool      `json:"success"`
	Position *Position `json:"position,omitempty"`
	Trade    *Trade    `json:"trade,omitempty"`
	Message  string    `json:"message,omitempty"`
}
