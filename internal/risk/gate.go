package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

// Gate validates entry signals against the configured limits and sizes the
// approved position. It owns the circuit breaker.
type Gate struct {
	limits  Limits
	window  Window
	breaker *Breaker
	now     func() time.Time
	logger  *slog.Logger
}

// NewGate creates a Gate. The breaker's clock is reused for session checks.
func NewGate(breaker *Breaker, logger *slog.Logger) *Gate {
	return &Gate{
		limits:  breaker.limits,
		window:  breaker.window,
		breaker: breaker,
		now:     breaker.now,
		logger:  logger.With(slog.String("component", "risk_gate")),
	}
}

// Breaker returns the circuit breaker owned by the gate.
func (g *Gate) Breaker() *Breaker { return g.breaker }

// Window returns the trading session.
func (g *Gate) Window() Window { return g.window }

// Validate runs sig through every risk check. active is a snapshot of all
// non-closed positions.
//
// Checks performed, in order:
//  1. Circuit breaker tripped (hard)
//  2. Daily loss, drawdown or loss-streak limit newly breached (hard)
//  3. Max open positions (hard)
//  4. Trading hours and the no-entry cutoff
//  5. Symbol already has a position
//  6. Per-strategy position cap
//  7. Total exposure cap
//  8. Missing stop-loss when required
//  9. Risk/reward below minimum
func (g *Gate) Validate(ctx context.Context, sig domain.Signal, active []domain.Position) domain.Validation {
	var out domain.Validation
	add := func(code string, sev domain.Severity, format string, args ...any) {
		v := domain.Violation{Code: code, Severity: sev, Message: fmt.Sprintf(format, args...)}
		out.Violations = append(out.Violations, v)
		if sev != domain.SeveritySoft {
			g.logger.WarnContext(ctx, "risk check failed",
				slog.String("symbol", sig.Symbol),
				slog.String("strategy", sig.StrategyID),
				slog.String("code", code),
				slog.String("detail", v.Message),
			)
		}
	}
	finish := func() domain.Validation {
		out.Approved = true
		for _, v := range out.Violations {
			if v.Blocking() {
				out.Approved = false
				out.Quantity = 0
				break
			}
		}
		return out
	}

	side, ok := sig.Direction.Side()
	if !ok || sig.Symbol == "" || sig.EntryPrice <= 0 {
		add(domain.ViolationInvalidSignal, domain.SeverityHard,
			"signal must name a symbol, an entry direction and a positive entry price")
		return finish()
	}

	// Check 1: breaker already tripped.
	status := g.breaker.Status()
	if status.Tripped {
		add(domain.ViolationBreakerTripped, domain.SeverityHard,
			"circuit breaker tripped (%s) until %s", status.Reason, status.ResumesAt.Format(time.RFC3339))
		return finish()
	}

	// Check 2: level-triggered re-evaluation.
	if _, reason := g.breaker.Evaluate(ctx); reason != "" {
		state := g.breaker.State()
		switch reason {
		case ReasonDailyLossAbsolute, ReasonDailyLossPct:
			add(domain.ViolationDailyLossLimit, domain.SeverityHard,
				"daily loss limit reached: pnl %s", state.DailyPnL.StringFixed(2))
		case ReasonLossStreak:
			add(domain.ViolationLossStreak, domain.SeverityHard,
				"%d consecutive losses (limit %d)", state.ConsecutiveLosses, g.limits.ConsecutiveLossLimit)
		default:
			add(domain.ViolationBreakerTripped, domain.SeverityHard, "circuit breaker tripped (%s)", reason)
		}
		return finish()
	}

	// Check 3: open position count.
	if g.limits.MaxOpenPositions > 0 && len(active) >= g.limits.MaxOpenPositions {
		add(domain.ViolationMaxOpenPositions, domain.SeverityHard,
			"max open positions reached (%d/%d)", len(active), g.limits.MaxOpenPositions)
		return finish()
	}

	// Check 4: session.
	now := g.now()
	if !g.window.InSession(now) {
		add(domain.ViolationOutsideHours, domain.SeverityBlock,
			"outside trading hours at %s", now.In(g.window.Location()).Format("15:04"))
	}
	if g.window.PastEntryCutoff(now) {
		add(domain.ViolationEntryCutoff, domain.SeverityBlock,
			"no new entries after cutoff, now %s", now.In(g.window.Location()).Format("15:04"))
	}

	// Check 5 and 6: per-symbol and per-strategy caps.
	var strategyCount int
	var exposure float64
	for _, p := range active {
		if p.Symbol == sig.Symbol {
			add(domain.ViolationSymbolActive, domain.SeverityBlock,
				"position %s already %s for %s", p.ID, p.State, p.Symbol)
		}
		if sig.StrategyID != "" && p.StrategyID == sig.StrategyID {
			strategyCount++
		}
		exposure += p.Notional()
	}
	if g.limits.MaxPositionsPerStrategy > 0 && strategyCount >= g.limits.MaxPositionsPerStrategy {
		add(domain.ViolationStrategyCap, domain.SeverityBlock,
			"strategy %s at position cap (%d/%d)", sig.StrategyID, strategyCount, g.limits.MaxPositionsPerStrategy)
	}

	// Check 8: stop-loss required. Sizing depends on the stop, so this runs
	// before the exposure check.
	if sig.StopLoss <= 0 && g.limits.RequireStopLoss {
		add(domain.ViolationMissingStop, domain.SeverityBlock, "stop-loss required")
		return finish()
	}

	qty, sizing := g.Size(sig, side)
	out.Violations = append(out.Violations, sizing...)
	for _, v := range sizing {
		if v.Blocking() {
			return finish()
		}
	}
	out.Quantity = qty

	// Check 7: total exposure.
	if g.limits.MaxExposurePct > 0 {
		limit := g.limits.StartingCapital * g.limits.MaxExposurePct / 100
		if next := exposure + float64(qty)*sig.EntryPrice; next > limit {
			add(domain.ViolationExposureCap, domain.SeverityBlock,
				"exposure %.2f would exceed cap %.2f", next, limit)
		}
	}

	// Check 9: risk/reward.
	if g.limits.MinRiskReward > 0 && sig.StopLoss > 0 && sig.Target > 0 {
		risk := directional(side, sig.EntryPrice, sig.StopLoss)
		reward := directional(side, sig.Target, sig.EntryPrice)
		if reward <= 0 {
			add(domain.ViolationRiskReward, domain.SeverityBlock,
				"target %.4f is on the losing side of entry %.4f", sig.Target, sig.EntryPrice)
		} else if rr := reward / risk; rr < g.limits.MinRiskReward {
			add(domain.ViolationRiskReward, domain.SeverityBlock,
				"risk/reward %.2f below minimum %.2f", rr, g.limits.MinRiskReward)
		}
	}

	return finish()
}

// directional returns a-b for a long and b-a for a short.
func directional(side domain.Side, a, b float64) float64 {
	if side == domain.SideShort {
		return b - a
	}
	return a - b
}

// Size computes the approved quantity for sig:
//
//	floor(min(maxRiskCapital, allocatedCapital) / riskPerUnit), at least 1
//
// Without a stop the allocation is divided by the entry price instead.
func (g *Gate) Size(sig domain.Signal, side domain.Side) (int64, []domain.Violation) {
	var notes []domain.Violation
	capital := decimal.NewFromFloat(g.limits.StartingCapital)
	entry := decimal.NewFromFloat(sig.EntryPrice)
	allocated := capital.Mul(decimal.NewFromFloat(sig.AllocationPct)).Div(hundred)

	var raw decimal.Decimal
	if sig.StopLoss > 0 {
		perUnit := decimal.NewFromFloat(sig.StopLoss).Sub(entry)
		if side == domain.SideLong {
			perUnit = perUnit.Neg()
		}
		if !perUnit.IsPositive() {
			return 0, []domain.Violation{{
				Code:     domain.ViolationInvalidStop,
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("risk per unit %s is not positive (entry %.4f, stop %.4f)", perUnit.String(), sig.EntryPrice, sig.StopLoss),
			}}
		}
		riskCapital := capital.Mul(decimal.NewFromFloat(g.limits.MaxRiskPerTradePct)).Div(hundred)
		budget := decimal.Min(riskCapital, allocated)
		raw = budget.Div(perUnit).Floor()
	} else {
		raw = allocated.Div(entry).Floor()
	}

	qty := raw.IntPart()
	if qty < 1 {
		qty = 1
		notes = append(notes, domain.Violation{
			Code:     domain.ViolationQuantityFloored,
			Severity: domain.SeveritySoft,
			Message:  fmt.Sprintf("computed quantity %s raised to minimum of 1", raw.String()),
		})
	}
	if g.limits.MaxPositionValue > 0 && float64(qty)*sig.EntryPrice > g.limits.MaxPositionValue {
		capped := decimal.NewFromFloat(g.limits.MaxPositionValue).Div(entry).Floor().IntPart()
		if capped < 1 {
			capped = 1
		}
		notes = append(notes, domain.Violation{
			Code:     domain.ViolationQuantityCapped,
			Severity: domain.SeveritySoft,
			Message:  fmt.Sprintf("quantity %d capped to %d by max position value %.2f", qty, capped, g.limits.MaxPositionValue),
		})
		qty = capped
	}
	return qty, notes
}
