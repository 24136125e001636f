package domain

import "time"

// SignalDirection is what a strategy asks the engine to do.
type SignalDirection string

const (
	DirectionLongEntry  SignalDirection = "long_entry"
	DirectionShortEntry SignalDirection = "short_entry"
	DirectionExit       SignalDirection = "exit"
)

// Side maps an entry direction onto a position side.
func (d SignalDirection) Side() (Side, bool) {
	switch d {
	case DirectionLongEntry:
		return SideLong, true
	case DirectionShortEntry:
		return SideShort, true
	default:
		return "", false
	}
}

// Signal is emitted by a strategy to request an entry or an exit.
// A signal is never mutated after it is issued.
type Signal struct {
	ID                   string          `json:"id"`
	Symbol               string          `json:"symbol"`
	Direction            SignalDirection `json:"direction"`
	EntryPrice           float64         `json:"entry_price"`
	StopLoss             float64         `json:"stop_loss,omitempty"`
	Target               float64         `json:"target,omitempty"`
	AllocationPct        float64         `json:"allocation_pct"`
	StrategyID           string          `json:"strategy_id"`
	ProductType          ProductType     `json:"product_type,omitempty"`
	TrailingStopDistance float64         `json:"trailing_stop_distance,omitempty"`
	Reason               string          `json:"reason,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	ExpiresAt            time.Time       `json:"expires_at,omitempty"`
}

// Expired reports whether the signal carries an expiry that has passed.
func (s Signal) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}
