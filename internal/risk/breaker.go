// Package risk implements the pre-trade risk gate and the circuit breaker
// that halts new entries once loss thresholds are breached.
package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

// Trip reasons, in priority order. Loss-limit reasons outrank the streak.
const (
	ReasonDailyLossAbsolute = "daily_loss_absolute"
	ReasonDailyLossPct      = "daily_loss_pct"
	ReasonDrawdown          = "max_drawdown"
	ReasonLossStreak        = "consecutive_losses"
	ReasonManual            = "manual"
)

var hundred = decimal.NewFromInt(100)

// Limits are the configured risk thresholds. Percentages are in percent.
// A zero limit disables its check.
type Limits struct {
	StartingCapital         float64
	MaxRiskPerTradePct      float64
	MaxOpenPositions        int
	MaxPositionsPerStrategy int
	MaxPositionValue        float64
	MaxExposurePct          float64
	MaxDailyLossAbsolute    float64
	MaxDailyLossPct         float64
	MaxDrawdownPct          float64
	ConsecutiveLossLimit    int
	Cooldown                time.Duration
	RequireStopLoss         bool
	MinRiskReward           float64
}

// Breaker owns the day-scoped RiskState and the circuit breaker built on it.
// All methods are safe for concurrent use.
type Breaker struct {
	mu     sync.Mutex
	state  domain.RiskState
	limits Limits
	window Window
	sink   domain.EventSink
	store  domain.RiskStateStore
	now    func() time.Time
	logger *slog.Logger
}

// BreakerOption customises a Breaker.
type BreakerOption func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// WithStateStore persists the risk ledger after every change.
func WithStateStore(store domain.RiskStateStore) BreakerOption {
	return func(b *Breaker) { b.store = store }
}

// NewBreaker creates a Breaker. sink receives circuit_breaker_triggered
// events and may be nil.
func NewBreaker(limits Limits, window Window, sink domain.EventSink, logger *slog.Logger, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		limits: limits,
		window: window,
		sink:   sink,
		now:    time.Now,
		logger: logger.With(slog.String("component", "circuit_breaker")),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.state = b.freshState(b.now())
	return b
}

func (b *Breaker) freshState(now time.Time) domain.RiskState {
	capital := decimal.NewFromFloat(b.limits.StartingCapital)
	return domain.RiskState{
		TradeDate:  b.window.TradeDate(now),
		DailyPnL:   decimal.Zero,
		PeakEquity: capital,
	}
}

// Restore seeds the ledger from persisted state. State from another trade
// date is ignored.
func (b *Breaker) Restore(state domain.RiskState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state.TradeDate != b.window.TradeDate(b.now()) {
		return
	}
	if state.PeakEquity.IsZero() {
		state.PeakEquity = decimal.NewFromFloat(b.limits.StartingCapital)
	}
	b.state = state
}

// rollLocked performs the lazy day reset and the cooldown auto-reset.
func (b *Breaker) rollLocked(now time.Time) {
	if date := b.window.TradeDate(now); date != b.state.TradeDate {
		b.logger.Info("risk state reset for new trading day",
			slog.String("previous", b.state.TradeDate),
			slog.String("trade_date", date),
		)
		b.state = b.freshState(now)
		return
	}
	if b.state.Tripped && b.limits.Cooldown > 0 && !now.Before(b.state.TripTime.Add(b.limits.Cooldown)) {
		b.logger.Info("circuit breaker cooldown elapsed",
			slog.String("reason", b.state.TripReason),
			slog.Duration("cooldown", b.limits.Cooldown),
		)
		b.clearTripLocked()
	}
}

func (b *Breaker) clearTripLocked() {
	b.state.Tripped = false
	b.state.TripReason = ""
	b.state.TripTime = time.Time{}
	b.state.ConsecutiveLosses = 0
}

// breachLocked returns the highest-priority breached condition, or "".
func (b *Breaker) breachLocked() string {
	pnl := b.state.DailyPnL
	capital := decimal.NewFromFloat(b.limits.StartingCapital)

	if b.limits.MaxDailyLossAbsolute > 0 && pnl.LessThan(decimal.NewFromFloat(-b.limits.MaxDailyLossAbsolute)) {
		return ReasonDailyLossAbsolute
	}
	if b.limits.MaxDailyLossPct > 0 && pnl.IsNegative() && capital.IsPositive() {
		lossPct := pnl.Abs().Div(capital).Mul(hundred)
		if lossPct.GreaterThanOrEqual(decimal.NewFromFloat(b.limits.MaxDailyLossPct)) {
			return ReasonDailyLossPct
		}
	}
	if b.limits.MaxDrawdownPct > 0 && b.state.PeakEquity.IsPositive() {
		equity := capital.Add(pnl)
		dd := b.state.PeakEquity.Sub(equity).Div(b.state.PeakEquity).Mul(hundred)
		if dd.GreaterThanOrEqual(decimal.NewFromFloat(b.limits.MaxDrawdownPct)) {
			return ReasonDrawdown
		}
	}
	if b.limits.ConsecutiveLossLimit > 0 && b.state.ConsecutiveLosses >= b.limits.ConsecutiveLossLimit {
		return ReasonLossStreak
	}
	return ""
}

// tripLocked trips the breaker if a condition is breached and it is not
// already tripped. It returns the event to emit once the lock is released.
func (b *Breaker) tripLocked(now time.Time) *domain.Event {
	if b.state.Tripped {
		return nil
	}
	reason := b.breachLocked()
	if reason == "" {
		return nil
	}
	b.state.Tripped = true
	b.state.TripReason = reason
	b.state.TripTime = now

	b.logger.Warn("circuit breaker tripped",
		slog.String("reason", reason),
		slog.String("daily_pnl", b.state.DailyPnL.StringFixed(2)),
		slog.Int("consecutive_losses", b.state.ConsecutiveLosses),
	)
	return &domain.Event{
		Kind:   domain.EventCircuitBreakerTriggered,
		PnL:    b.state.DailyPnL,
		Reason: reason,
		At:     now,
	}
}

// finish emits evt and persists a snapshot, outside the lock.
func (b *Breaker) finish(ctx context.Context, evt *domain.Event, snapshot domain.RiskState) {
	if evt != nil && b.sink != nil {
		b.sink.Emit(ctx, *evt)
	}
	if b.store != nil {
		if err := b.store.Save(ctx, snapshot); err != nil {
			b.logger.WarnContext(ctx, "persist risk state failed",
				slog.String("trade_date", snapshot.TradeDate),
				slog.String("error", err.Error()),
			)
		}
	}
}

// RecordTrade folds a closed trade into the daily ledger and re-evaluates
// the breaker.
func (b *Breaker) RecordTrade(ctx context.Context, trade domain.Trade) {
	b.mu.Lock()
	now := b.now()
	b.rollLocked(now)

	b.state.DailyPnL = b.state.DailyPnL.Add(trade.RealizedPnL)
	b.state.TradesToday++
	switch {
	case trade.RealizedPnL.IsNegative():
		b.state.Losses++
		b.state.ConsecutiveLosses++
	case trade.RealizedPnL.IsPositive():
		b.state.Wins++
		b.state.ConsecutiveLosses = 0
	}
	equity := decimal.NewFromFloat(b.limits.StartingCapital).Add(b.state.DailyPnL)
	if equity.GreaterThan(b.state.PeakEquity) {
		b.state.PeakEquity = equity
	}

	evt := b.tripLocked(now)
	snapshot := b.state
	b.mu.Unlock()

	b.finish(ctx, evt, snapshot)
}

// Evaluate rolls the day, applies the cooldown and re-checks every trip
// condition. It returns the current status and the reason of a trip caused
// by this call, if any.
func (b *Breaker) Evaluate(ctx context.Context) (domain.BreakerStatus, string) {
	b.mu.Lock()
	now := b.now()
	wasTripped := b.state.Tripped
	b.rollLocked(now)
	evt := b.tripLocked(now)
	status := b.statusLocked()
	snapshot := b.state
	changed := evt != nil || wasTripped != b.state.Tripped
	b.mu.Unlock()

	var reason string
	if evt != nil {
		reason = evt.Reason
	}
	if changed {
		b.finish(ctx, evt, snapshot)
	}
	return status, reason
}

// Status returns the breaker status after the lazy day and cooldown checks,
// without evaluating trip conditions.
func (b *Breaker) Status() domain.BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked(b.now())
	return b.statusLocked()
}

func (b *Breaker) statusLocked() domain.BreakerStatus {
	st := domain.BreakerStatus{
		Tripped:   b.state.Tripped,
		Reason:    b.state.TripReason,
		TrippedAt: b.state.TripTime,
	}
	if st.Tripped && b.limits.Cooldown > 0 {
		st.ResumesAt = b.state.TripTime.Add(b.limits.Cooldown)
	}
	return st
}

// Trip forces the breaker open with a manual reason. It is a no-op when
// already tripped.
func (b *Breaker) Trip(ctx context.Context, note string) {
	b.mu.Lock()
	now := b.now()
	b.rollLocked(now)
	if b.state.Tripped {
		b.mu.Unlock()
		return
	}
	b.state.Tripped = true
	b.state.TripReason = ReasonManual
	b.state.TripTime = now
	snapshot := b.state
	b.mu.Unlock()

	b.logger.WarnContext(ctx, "circuit breaker tripped manually", slog.String("note", note))
	b.finish(ctx, &domain.Event{
		Kind:   domain.EventCircuitBreakerTriggered,
		PnL:    snapshot.DailyPnL,
		Reason: ReasonManual,
		At:     now,
	}, snapshot)
}

// Reset clears a tripped breaker and the loss streak. Loss limits are level
// triggered, so a breached daily limit trips again on the next evaluation.
func (b *Breaker) Reset(ctx context.Context) {
	b.mu.Lock()
	b.rollLocked(b.now())
	was := b.state.TripReason
	b.clearTripLocked()
	snapshot := b.state
	b.mu.Unlock()

	b.logger.InfoContext(ctx, "circuit breaker reset", slog.String("previous_reason", was))
	b.finish(ctx, nil, snapshot)
}

// State returns a copy of the day's ledger.
func (b *Breaker) State() domain.RiskState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked(b.now())
	return b.state
}

// Limits returns the configured thresholds.
func (b *Breaker) Limits() Limits { return b.limits }
