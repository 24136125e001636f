package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

// Operations used by reconciliation. Each one re-checks, under the lock,
// that the position it was handed is still the active one for its symbol.

// MarkReconcileSeen increments the number of reconcile passes that have
// observed a position and returns the new count.
func (m *Manager) MarkReconcileSeen(symbol, posID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.lookupLocked(symbol, posID)
	if p == nil {
		return 0
	}
	p.ReconcileCycles++
	return p.ReconcileCycles
}

// AdoptBrokerView overwrites a position's quantity and prices with the
// broker's numbers. A PENDING position the broker holds is promoted to OPEN.
func (m *Manager) AdoptBrokerView(ctx context.Context, symbol, posID string, bp domain.BrokerPosition) error {
	if err := m.begin(); err != nil {
		return fmt.Errorf("lifecycle: adopt %s: %w", symbol, err)
	}
	defer m.end()

	qty := bp.Quantity
	side := domain.SideLong
	if qty < 0 {
		qty = -qty
		side = domain.SideShort
	}

	m.mu.Lock()
	p := m.lookupLocked(symbol, posID)
	if p == nil {
		m.mu.Unlock()
		return nil
	}
	if p.State == domain.PositionPending {
		entryID := p.EntryOrderID
		m.mu.Unlock()
		u := domain.OrderUpdate{OrderID: entryID, Status: domain.OrderStatusFilled, FilledPrice: bp.AvgPrice, FilledQty: qty}
		if known, ok := m.fetchOrder(ctx, entryID); ok && known.Status == domain.OrderStatusFilled {
			u = known
		}
		m.logger.InfoContext(ctx, "pending entry found at broker, promoting to open",
			slog.String("symbol", symbol),
			slog.String("position_id", posID),
			slog.Int64("qty", qty),
			slog.Float64("avg_price", bp.AvgPrice),
		)
		return m.promoteEntry(ctx, symbol, posID, entryID, u, true)
	}

	var rec record
	changed := p.Quantity != qty || (bp.AvgPrice > 0 && p.AvgEntryPrice != bp.AvgPrice) || p.Side != side
	if p.Side != side {
		m.logger.ErrorContext(ctx, "broker position side disagrees with local state",
			slog.String("symbol", symbol),
			slog.String("local", string(p.Side)),
			slog.String("broker", string(side)),
		)
		p.Side = side
	}
	if changed {
		m.logger.WarnContext(ctx, "position corrected from broker",
			slog.String("symbol", symbol),
			slog.Int64("local_qty", p.Quantity),
			slog.Int64("broker_qty", qty),
			slog.Float64("local_avg", p.AvgEntryPrice),
			slog.Float64("broker_avg", bp.AvgPrice),
		)
		rec.note("position_reconciled", map[string]any{
			"position_id": p.ID,
			"symbol":      symbol,
			"local_qty":   p.Quantity,
			"broker_qty":  qty,
			"broker_avg":  bp.AvgPrice,
		})
	}
	p.Quantity = qty
	if bp.AvgPrice > 0 {
		p.AvgEntryPrice = bp.AvgPrice
	}
	if bp.LastPrice > 0 {
		p.CurrentPrice = bp.LastPrice
	}
	p.UpdatedAt = m.now()
	rec.position(p)
	open := p.State == domain.PositionOpen
	m.mu.Unlock()
	m.flush(ctx, &rec)

	if changed && open {
		m.syncStop(ctx, symbol)
	}
	return nil
}

// CloseExternally closes a position the broker no longer holds. seen is the
// local snapshot the broker's view was compared against. When fill is known,
// a trade is booked from it. Otherwise the position is closed with no trade,
// no P&L is invented, and orders it still had working are cancelled at the
// broker. A position that changed after seen was taken is left for the next
// pass. closed reports whether the position was closed.
func (m *Manager) CloseExternally(ctx context.Context, seen domain.Position, fill *domain.OrderUpdate) (bool, error) {
	symbol, posID := seen.Symbol, seen.ID
	if err := m.begin(); err != nil {
		return false, fmt.Errorf("lifecycle: external close %s: %w", symbol, err)
	}
	defer m.end()

	if fill != nil {
		m.mu.Lock()
		o := m.orders[fill.OrderID]
		p := m.lookupLocked(symbol, posID)
		var snap domain.Position
		if p != nil {
			snap = *p
		}
		m.mu.Unlock()
		if p == nil {
			return false, nil
		}
		reason := domain.ExitReconciled
		switch {
		case o.Kind == domain.OrderKindStop:
			reason = stopReason(snap)
		case o.Kind == domain.OrderKindExit && snap.PendingExitReason != "":
			reason = snap.PendingExitReason
		}
		if _, err := m.closeWithFill(ctx, symbol, posID, fill.OrderID, *fill, reason); err != nil {
			return false, err
		}
		return true, nil
	}

	var rec record
	m.mu.Lock()
	p := m.lookupLocked(symbol, posID)
	if p == nil {
		m.mu.Unlock()
		return false, nil
	}
	if p.State != seen.State || p.UpdatedAt.After(seen.UpdatedAt) {
		state := p.State
		m.mu.Unlock()
		m.logger.InfoContext(ctx, "position changed since broker snapshot, external close deferred",
			slog.String("symbol", symbol),
			slog.String("position_id", posID),
			slog.String("seen_state", string(seen.State)),
			slog.String("state", string(state)),
		)
		return false, nil
	}
	if p.State == domain.PositionPending {
		m.mu.Unlock()
		return false, fmt.Errorf("lifecycle: external close %s: pending entries are abandoned, not closed: %w", symbol, domain.ErrInvariantViolation)
	}
	if p.State == domain.PositionOpen {
		if err := m.transitionLocked(p, domain.PositionClosing); err != nil {
			m.mu.Unlock()
			return false, err
		}
	}
	if err := m.transitionLocked(p, domain.PositionClosed); err != nil {
		m.mu.Unlock()
		return false, err
	}
	if p.PendingExitReason == "" {
		p.PendingExitReason = domain.ExitReconciled
	}
	var working []string
	for _, id := range []string{p.StopOrderID, p.ExitOrderID} {
		if o, ok := m.orders[id]; ok && !o.Status.Terminal() {
			working = append(working, id)
		}
	}
	m.retireLocked(p)
	rec.position(p)
	rec.event(domain.Event{
		Kind:       domain.EventPositionClosed,
		Symbol:     p.Symbol,
		PositionID: p.ID,
		Side:       p.Side,
		Quantity:   p.Quantity,
		PnL:        decimal.Zero,
		Reason:     string(domain.ExitReconciled),
		At:         m.now(),
	})
	rec.note("position_closed_externally", map[string]any{
		"position_id": p.ID,
		"symbol":      p.Symbol,
		"quantity":    p.Quantity,
	})
	m.mu.Unlock()
	m.flush(ctx, &rec)

	m.logger.WarnContext(ctx, "position closed at broker without a known fill, no trade recorded",
		slog.String("symbol", symbol),
		slog.String("position_id", posID),
	)
	m.cancelLeftovers(ctx, symbol, working)
	return true, nil
}

// cancelLeftovers cancels orders still working for a position that is
// already flat at the broker.
func (m *Manager) cancelLeftovers(ctx context.Context, symbol string, ids []string) {
	for _, id := range ids {
		_, err := m.broker.CancelOrder(ctx, id)
		if err == nil {
			m.markOrder(ctx, id, domain.OrderStatusCancelled, "position closed at broker")
			continue
		}
		if u, ok := m.fetchOrder(ctx, id); ok && u.Status.Terminal() {
			m.markOrder(ctx, id, u.Status, "position closed at broker")
			continue
		}
		m.logger.ErrorContext(ctx, "order left working after external close, cancel unresolved",
			slog.String("symbol", symbol),
			slog.String("order_id", id),
			slog.String("error", err.Error()),
		)
		var rec record
		rec.note("orphan_order_cancel_failed", map[string]any{
			"symbol":   symbol,
			"order_id": id,
			"error":    err.Error(),
		})
		m.flush(ctx, &rec)
	}
}

// AbandonEntry closes a PENDING position whose entry never reached the
// broker's book.
func (m *Manager) AbandonEntry(ctx context.Context, symbol, posID, why string) error {
	if err := m.begin(); err != nil {
		return fmt.Errorf("lifecycle: abandon %s: %w", symbol, err)
	}
	defer m.end()

	m.mu.Lock()
	p := m.lookupLocked(symbol, posID)
	if p == nil {
		m.mu.Unlock()
		return nil
	}
	orderID := p.EntryOrderID
	m.mu.Unlock()

	m.abandon(ctx, symbol, posID, orderID, domain.OrderStatusCancelled, why)
	m.logger.WarnContext(ctx, "pending entry abandoned",
		slog.String("symbol", symbol),
		slog.String("position_id", posID),
		slog.String("reason", why),
	)
	return nil
}

// OrderStatus fetches an order's broker-side state when the broker supports
// it.
func (m *Manager) OrderStatus(ctx context.Context, orderID string) (domain.OrderUpdate, bool) {
	return m.fetchOrder(ctx, orderID)
}
