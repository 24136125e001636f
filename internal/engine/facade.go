package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeexec/internal/domain"
	"github.com/alanyoungcy/tradeexec/internal/lifecycle"
)

// breakerCodes are the violations that mean trading is halted.
var breakerCodes = []string{
	domain.ViolationBreakerTripped,
	domain.ViolationDailyLossLimit,
	domain.ViolationLossStreak,
}

// EnterPosition validates sig, sizes it and opens the position. A rejected
// signal returns the validation alongside an error wrapping
// domain.ErrCircuitBreakerActive when trading is halted, or
// domain.ErrValidationFailed otherwise. In dry-run mode an approved signal is
// audited and reported as accepted without placing an order.
func (e *Engine) EnterPosition(ctx context.Context, sig domain.Signal) (domain.EntryResult, error) {
	if err := e.guard("enter"); err != nil {
		return domain.EntryResult{Message: err.Error()}, err
	}
	if sig.Expired(e.now()) {
		v := domain.Validation{Violations: []domain.Violation{{
			Code:     domain.ViolationInvalidSignal,
			Severity: domain.SeverityHard,
			Message:  "signal expired at " + sig.ExpiresAt.UTC().Format("15:04:05"),
		}}}
		return domain.EntryResult{Validation: v, Message: v.Violations[0].Message},
			fmt.Errorf("engine: enter %s: %w: signal expired", sig.Symbol, domain.ErrValidationFailed)
	}

	// Validation and the PENDING reservation happen under entryMu so the caps
	// count every entry admitted before this one.
	e.entryMu.Lock()
	v := e.gate.Validate(ctx, sig, e.manager.Active())
	if !v.Approved {
		e.entryMu.Unlock()
		sentinel := domain.ErrValidationFailed
		for _, code := range breakerCodes {
			if v.Has(code) {
				sentinel = domain.ErrCircuitBreakerActive
				break
			}
		}
		msg := blockingMessage(v)
		e.audit(ctx, "entry_rejected", map[string]any{
			"signal_id":  sig.ID,
			"symbol":     sig.Symbol,
			"strategy":   sig.StrategyID,
			"violations": v.Violations,
		})
		return domain.EntryResult{Validation: v, Message: msg},
			fmt.Errorf("engine: enter %s: %w: %s", sig.Symbol, sentinel, msg)
	}

	if e.DryRun() {
		e.entryMu.Unlock()
		v.Violations = append(v.Violations, domain.Violation{
			Code:     domain.ViolationDryRun,
			Severity: domain.SeveritySoft,
			Message:  domain.ErrDryRun.Error(),
		})
		e.logger.InfoContext(ctx, "dry run entry",
			slog.String("symbol", sig.Symbol),
			slog.String("direction", string(sig.Direction)),
			slog.Int64("quantity", v.Quantity),
			slog.Float64("price", sig.EntryPrice),
		)
		e.audit(ctx, "dry_run_entry", map[string]any{
			"signal_id": sig.ID,
			"symbol":    sig.Symbol,
			"direction": string(sig.Direction),
			"quantity":  v.Quantity,
			"price":     sig.EntryPrice,
			"stop_loss": sig.StopLoss,
			"target":    sig.Target,
		})
		return domain.EntryResult{Accepted: true, Validation: v, Message: domain.ErrDryRun.Error()}, nil
	}

	side, _ := sig.Direction.Side()
	reservation, err := e.manager.Reserve(ctx, lifecycle.EntryRequest{
		Symbol:               sig.Symbol,
		Side:                 side,
		Quantity:             v.Quantity,
		Price:                sig.EntryPrice,
		StopLoss:             sig.StopLoss,
		Target:               sig.Target,
		TrailingStopDistance: sig.TrailingStopDistance,
		ProductType:          sig.ProductType,
		StrategyID:           sig.StrategyID,
		SignalID:             sig.ID,
	})
	e.entryMu.Unlock()
	if err != nil {
		return domain.EntryResult{Validation: v, Message: err.Error()},
			fmt.Errorf("engine: enter %s: %w", sig.Symbol, err)
	}

	pos, err := e.manager.Place(ctx, reservation)
	res := domain.EntryResult{Validation: v}
	if pos.ID != "" {
		res.Position = &pos
	}
	if err != nil {
		// An unknown broker outcome leaves the position PENDING.
		res.Accepted = pos.State.Active()
		res.Message = err.Error()
		return res, fmt.Errorf("engine: enter %s: %w", sig.Symbol, err)
	}
	res.Accepted = true
	return res, nil
}

func blockingMessage(v domain.Validation) string {
	for _, x := range v.Violations {
		if x.Blocking() {
			return x.Message
		}
	}
	return "rejected"
}

// ExitPosition closes the position in symbol. price is informational.
func (e *Engine) ExitPosition(ctx context.Context, symbol string, reason domain.ExitReason, price float64) (domain.ExitResult, error) {
	if err := e.guard("exit"); err != nil {
		return domain.ExitResult{Message: err.Error()}, err
	}
	if e.DryRun() {
		return domain.ExitResult{Message: domain.ErrDryRun.Error()}, fmt.Errorf("engine: exit %s: %w", symbol, domain.ErrDryRun)
	}
	if reason == "" {
		reason = domain.ExitManual
	}
	res, err := e.manager.Exit(ctx, symbol, reason, price)
	if err != nil {
		return res, fmt.Errorf("engine: exit %s: %w", symbol, err)
	}
	return res, nil
}

// ModifyStop moves the protective stop for symbol.
func (e *Engine) ModifyStop(ctx context.Context, symbol string, stop float64) (domain.Position, error) {
	if err := e.guard("modify stop"); err != nil {
		return domain.Position{}, err
	}
	if e.DryRun() {
		return domain.Position{}, fmt.Errorf("engine: modify stop %s: %w", symbol, domain.ErrDryRun)
	}
	p, err := e.manager.ModifyStop(ctx, symbol, stop)
	if err != nil {
		return p, fmt.Errorf("engine: modify stop %s: %w", symbol, err)
	}
	return p, nil
}

// ModifyTarget changes the profit target for symbol. Zero clears it.
func (e *Engine) ModifyTarget(ctx context.Context, symbol string, target float64) (domain.Position, error) {
	if err := e.guard("modify target"); err != nil {
		return domain.Position{}, err
	}
	if e.DryRun() {
		return domain.Position{}, fmt.Errorf("engine: modify target %s: %w", symbol, domain.ErrDryRun)
	}
	p, err := e.manager.ModifyTarget(ctx, symbol, target)
	if err != nil {
		return p, fmt.Errorf("engine: modify target %s: %w", symbol, err)
	}
	return p, nil
}

// GetPositions returns copies of every active position, sorted by symbol.
func (e *Engine) GetPositions() []domain.Position {
	return e.manager.Active()
}

// GetPosition returns the active position for symbol.
func (e *Engine) GetPosition(symbol string) (domain.Position, bool) {
	return e.manager.Get(symbol)
}

// GetTrades lists closed trades, newest first. It reads the trade store when
// one is configured and the in-memory history otherwise.
func (e *Engine) GetTrades(ctx context.Context, opts domain.ListOpts) ([]domain.Trade, error) {
	if e.journal.Trades != nil {
		trades, err := e.journal.Trades.List(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("engine: list trades: %w", err)
		}
		return trades, nil
	}

	all := e.manager.Trades()
	out := make([]domain.Trade, 0, len(all))
	for _, t := range all {
		if opts.Since != nil && t.ExitTime.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !t.ExitTime.Before(*opts.Until) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExitTime.After(out[j].ExitTime) })
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []domain.Trade{}, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// GetStats summarises the trading day.
func (e *Engine) GetStats() domain.Stats {
	state := e.breaker.State()
	active := e.manager.Active()

	st := domain.Stats{
		Mode:              e.cfg.Mode,
		TradeDate:         state.TradeDate,
		TradesToday:       state.TradesToday,
		Wins:              state.Wins,
		Losses:            state.Losses,
		ConsecutiveLosses: state.ConsecutiveLosses,
		RealizedPnL:       state.DailyPnL,
		UnrealizedPnL:     e.manager.Unrealized(),
		PeakEquity:        state.PeakEquity,
		Exposure:          e.manager.Exposure(),
		Breaker:           e.breaker.Status(),
		AsOf:              e.now(),
	}
	for _, p := range active {
		switch p.State {
		case domain.PositionPending:
			st.PendingPositions++
		case domain.PositionOpen:
			st.OpenPositions++
		case domain.PositionClosing:
			st.ClosingPositions++
		}
	}
	if state.TradesToday > 0 {
		st.WinRate = float64(state.Wins) / float64(state.TradesToday) * 100
	}

	capital := decimal.NewFromFloat(e.breaker.Limits().StartingCapital)
	st.Equity = capital.Add(state.DailyPnL).Add(st.UnrealizedPnL)
	if st.PeakEquity.IsZero() {
		st.PeakEquity = capital
	}
	if st.PeakEquity.IsPositive() && st.Equity.LessThan(st.PeakEquity) {
		st.DrawdownPct = st.PeakEquity.Sub(st.Equity).Div(st.PeakEquity).Mul(decimal.NewFromInt(100)).Round(4).InexactFloat64()
	}
	return st
}

// ResetBreaker clears a tripped circuit breaker and the loss streak.
func (e *Engine) ResetBreaker(ctx context.Context) error {
	if err := e.guard("reset breaker"); err != nil {
		return err
	}
	e.breaker.Reset(ctx)
	e.audit(ctx, "breaker_reset", map[string]any{"instance": e.cfg.InstanceID})
	return nil
}

// Breaker returns the circuit breaker status.
func (e *Engine) Breaker() domain.BreakerStatus {
	return e.breaker.Status()
}
