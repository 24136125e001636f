package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Severity classifies how a violation affects an entry decision.
type Severity string

const (
	// SeverityHard rejects the signal and stops further checks.
	SeverityHard Severity = "hard"
	// SeverityBlock rejects the signal; remaining checks still run.
	SeverityBlock Severity = "block"
	// SeveritySoft is informational and never rejects.
	SeveritySoft Severity = "soft"
)

// Violation codes reported by the risk gate.
const (
	ViolationBreakerTripped   = "circuit_breaker_tripped"
	ViolationDailyLossLimit   = "daily_loss_limit"
	ViolationMaxOpenPositions = "max_open_positions"
	ViolationOutsideHours     = "outside_trading_hours"
	ViolationEntryCutoff      = "past_entry_cutoff"
	ViolationSymbolActive     = "symbol_position_exists"
	ViolationStrategyCap      = "strategy_position_cap"
	ViolationExposureCap      = "exposure_cap"
	ViolationLossStreak       = "consecutive_loss_cap"
	ViolationMissingStop      = "missing_stop_loss"
	ViolationRiskReward       = "risk_reward_below_min"
	ViolationInvalidStop      = "invalid_stop"
	ViolationInvalidSignal    = "invalid_signal"
	ViolationExitedThisTick   = "exited_this_tick"
	ViolationQuantityFloored  = "quantity_floored"
	ViolationQuantityCapped   = "quantity_capped_by_position_value"
	ViolationDryRun           = "dry_run"
)

// Violation is a single failed or noted risk check.
type Violation struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Blocking reports whether the violation rejects the entry.
func (v Violation) Blocking() bool { return v.Severity != SeveritySoft }

// Validation is the outcome of running a signal through the risk gate.
type Validation struct {
	Approved   bool        `json:"approved"`
	Quantity   int64       `json:"quantity"`
	Violations []Violation `json:"violations,omitempty"`
}

// Has reports whether a violation with the given code was recorded.
func (v Validation) Has(code string) bool {
	for _, x := range v.Violations {
		if x.Code == code {
			return true
		}
	}
	return false
}

// RiskState is the process-wide, day-scoped risk ledger.
type RiskState struct {
	TradeDate         string // YYYY-MM-DD in the session time zone
	DailyPnL          decimal.Decimal
	PeakEquity        decimal.Decimal
	ConsecutiveLosses int
	TradesToday       int
	Wins              int
	Losses            int
	Tripped           bool
	TripReason        string
	TripTime          time.Time
}

// BreakerStatus is a read-only view of the circuit breaker.
type BreakerStatus struct {
	Tripped   bool      `json:"tripped"`
	Reason    string    `json:"reason,omitempty"`
	TrippedAt time.Time `json:"tripped_at,omitempty"`
	ResumesAt time.Time `json:"resumes_at,omitempty"`
}
