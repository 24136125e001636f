package lifecycle

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

// RealizedPnL returns (exit - entry) * qty, signed by side, less commissions.
// Prices are converted to decimal before any arithmetic so repeated sums stay
// exact.
func RealizedPnL(side domain.Side, entry, exit float64, qty int64, commissions ...decimal.Decimal) decimal.Decimal {
	gross := decimal.NewFromFloat(exit).
		Sub(decimal.NewFromFloat(entry)).
		Mul(decimal.NewFromInt(qty * side.Sign()))
	for _, c := range commissions {
		gross = gross.Sub(c)
	}
	return gross
}

// UnrealizedPnL marks p to its current price. Commissions are excluded; the
// figure is an estimate until the position closes.
func UnrealizedPnL(p domain.Position) decimal.Decimal {
	if p.State != domain.PositionOpen && p.State != domain.PositionClosing {
		return decimal.Zero
	}
	if p.CurrentPrice <= 0 || p.AvgEntryPrice <= 0 {
		return decimal.Zero
	}
	return RealizedPnL(p.Side, p.AvgEntryPrice, p.CurrentPrice, p.Quantity)
}

// PnLPercent is the directional price move as a percentage of entry.
func PnLPercent(side domain.Side, entry, exit float64) float64 {
	if entry <= 0 {
		return 0
	}
	pct := decimal.NewFromFloat(exit).
		Sub(decimal.NewFromFloat(entry)).
		Div(decimal.NewFromFloat(entry)).
		Mul(decimal.NewFromInt(100 * side.Sign()))
	return pct.Round(4).InexactFloat64()
}
