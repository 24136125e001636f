package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

// Trigger is an exit condition that fired for a position.
type Trigger struct {
	Symbol string
	Reason domain.ExitReason
	Price  float64
}

// EvaluateExits checks every OPEN position against its stop, trailing stop,
// target and the square-off time, in that order, and exits those that fire.
// At most one exit is requested per position per call. Trailing stops are
// ratcheted and pushed to the broker for positions that stay open.
func (m *Manager) EvaluateExits(ctx context.Context) []Trigger {
	if err := m.begin(); err != nil {
		return nil
	}
	defer m.end()

	pastSquareOff := m.window.PastSquareOff(m.now())

	var (
		triggers []Trigger
		ratchets []string
		rec      record
	)
	m.mu.Lock()
	for sym, p := range m.positions {
		if p.State != domain.PositionOpen || p.CurrentPrice <= 0 {
			continue
		}
		reason, moved := checkExit(p, pastSquareOff)
		if moved {
			p.UpdatedAt = m.now()
			rec.position(p)
		}
		if reason != "" {
			triggers = append(triggers, Trigger{Symbol: sym, Reason: reason, Price: p.CurrentPrice})
		} else if moved {
			ratchets = append(ratchets, sym)
		}
	}
	m.mu.Unlock()
	m.flush(ctx, &rec)

	sort.Strings(ratchets)
	for _, sym := range ratchets {
		m.syncStop(ctx, sym)
	}

	sort.Slice(triggers, func(i, j int) bool { return triggers[i].Symbol < triggers[j].Symbol })
	for _, t := range triggers {
		m.logger.InfoContext(ctx, "exit triggered",
			slog.String("symbol", t.Symbol),
			slog.String("reason", string(t.Reason)),
			slog.Float64("price", t.Price),
		)
		if _, err := m.exit(ctx, t.Symbol, t.Reason, 0); err != nil {
			m.logger.WarnContext(ctx, "triggered exit failed",
				slog.String("symbol", t.Symbol),
				slog.String("reason", string(t.Reason)),
				slog.String("error", err.Error()),
			)
		}
	}
	return triggers
}

// checkExit returns the highest-precedence exit that fires for p at its
// current price, and whether the trailing stop moved. The stop is tested
// before ratcheting so a gap through the old stop is reported as a stop-out.
func checkExit(p *domain.Position, pastSquareOff bool) (domain.ExitReason, bool) {
	price := p.CurrentPrice
	if p.HasStop() && favorable(p.Side, p.StopLoss, price) <= 0 {
		return stopReason(*p), false
	}

	moved := false
	if p.TrailingStopEnabled && p.TrailingStopDistance > 0 {
		moved = ratchet(p, price)
	} else {
		trackWatermarks(p, price)
	}

	if p.HasTarget() && favorable(p.Side, p.Target, price) >= 0 {
		return domain.ExitTarget, moved
	}
	if pastSquareOff && p.ProductType == domain.ProductIntraday {
		return domain.ExitTime, moved
	}
	return "", moved
}

func trackWatermarks(p *domain.Position, price float64) {
	if price > p.HighWatermark {
		p.HighWatermark = price
	}
	if p.LowWatermark == 0 || price < p.LowWatermark {
		p.LowWatermark = price
	}
}

// ratchet moves a trailing stop toward the price. It only ever tightens.
func ratchet(p *domain.Position, price float64) bool {
	trackWatermarks(p, price)
	dist := decimal.NewFromFloat(p.TrailingStopDistance)

	if p.Side == domain.SideShort {
		candidate := decimal.NewFromFloat(p.LowWatermark).Add(dist).InexactFloat64()
		if p.StopLoss == 0 || candidate < p.StopLoss {
			p.StopLoss = candidate
			return true
		}
		return false
	}
	candidate := decimal.NewFromFloat(p.HighWatermark).Sub(dist).InexactFloat64()
	if candidate > 0 && candidate > p.StopLoss {
		p.StopLoss = candidate
		return true
	}
	return false
}

// SquareOff exits every intraday position once the square-off time has
// passed. Pending entries are cancelled. It returns the symbols it acted on.
func (m *Manager) SquareOff(ctx context.Context) []string {
	if err := m.begin(); err != nil {
		return nil
	}
	defer m.end()

	if !m.window.PastSquareOff(m.now()) {
		return nil
	}

	var symbols []string
	m.mu.Lock()
	for sym, p := range m.positions {
		if p.ProductType != domain.ProductIntraday || p.State == domain.PositionClosing || p.PendingExitReason != "" {
			continue
		}
		symbols = append(symbols, sym)
	}
	m.mu.Unlock()
	sort.Strings(symbols)

	for _, sym := range symbols {
		if _, err := m.exit(ctx, sym, domain.ExitTime, 0); err != nil && !errors.Is(err, domain.ErrAlreadyClosing) {
			m.logger.WarnContext(ctx, "square-off exit failed",
				slog.String("symbol", sym),
				slog.String("error", err.Error()),
			)
		}
	}
	if len(symbols) > 0 {
		m.logger.InfoContext(ctx, "square-off", slog.Int("positions", len(symbols)))
	}
	return symbols
}

// RefreshPrices fetches a quote for every active position. A failed quote
// leaves that symbol's last price in place and does not affect the others.
func (m *Manager) RefreshPrices(ctx context.Context) int {
	if err := m.begin(); err != nil {
		return 0
	}
	defer m.end()

	m.mu.Lock()
	symbols := make([]string, 0, len(m.positions))
	for sym := range m.positions {
		symbols = append(symbols, sym)
	}
	m.mu.Unlock()
	sort.Strings(symbols)

	updated := 0
	for _, sym := range symbols {
		q, err := m.broker.GetQuote(ctx, sym)
		if err != nil || q.LastPrice <= 0 {
			msg := "non-positive price"
			if err != nil {
				msg = err.Error()
			}
			m.logger.WarnContext(ctx, "quote refresh failed",
				slog.String("symbol", sym),
				slog.String("error", msg),
			)
			continue
		}

		m.mu.Lock()
		if p, ok := m.positions[sym]; ok {
			p.CurrentPrice = q.LastPrice
			updated++
		}
		m.mu.Unlock()

		if m.prices != nil {
			at := q.Timestamp
			if at.IsZero() {
				at = m.now()
			}
			if err := m.prices.SetPrice(ctx, sym, q.LastPrice, at); err != nil {
				m.logger.DebugContext(ctx, "price cache write failed",
					slog.String("symbol", sym),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return updated
}

// Exposure returns the summed notional of active positions at entry price.
func (m *Manager) Exposure() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0.0
	for _, p := range m.positions {
		total += p.Notional()
	}
	return total
}

// Unrealized returns mark-to-market P&L across open positions.
func (m *Manager) Unrealized() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, p := range m.positions {
		total = total.Add(UnrealizedPnL(*p))
	}
	return total
}
