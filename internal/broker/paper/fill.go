package paper

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

// FillModel prices simulated fills. Percentages are in percent.
type FillModel struct {
	SlippagePct    float64
	CommissionFlat float64
	CommissionPct  float64
}

// Price applies slippage against the trader: buys fill above the quote and
// sells below it.
func (m FillModel) Price(quote float64, side domain.OrderSide) float64 {
	q := decimal.NewFromFloat(quote)
	slip := q.Mul(decimal.NewFromFloat(m.SlippagePct)).Div(decimal.NewFromInt(100))
	if side == domain.OrderSideBuy {
		q = q.Add(slip)
	} else {
		q = q.Sub(slip)
	}
	return q.Round(6).InexactFloat64()
}

// Commission is the flat fee plus the percentage of notional for one fill.
func (m FillModel) Commission(price float64, qty int64) decimal.Decimal {
	c := decimal.NewFromFloat(m.CommissionFlat)
	if m.CommissionPct > 0 {
		notional := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(qty))
		c = c.Add(notional.Mul(decimal.NewFromFloat(m.CommissionPct)).Div(decimal.NewFromInt(100)))
	}
	return c.Round(4)
}
