package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

// favorable is the move from `from` to `to` in the position's favour.
func favorable(side domain.Side, from, to float64) float64 {
	if side == domain.SideShort {
		return from - to
	}
	return to - from
}

// ModifyStop moves the protective stop. The new stop must sit on the loss
// side of the current price. The broker stop is replaced cancel-first.
func (m *Manager) ModifyStop(ctx context.Context, symbol string, stop float64) (domain.Position, error) {
	if err := m.begin(); err != nil {
		return domain.Position{}, fmt.Errorf("lifecycle: modify stop %s: %w", symbol, err)
	}
	defer m.end()

	if stop <= 0 {
		return domain.Position{}, fmt.Errorf("lifecycle: modify stop %s: %w: stop must be positive", symbol, domain.ErrValidationFailed)
	}

	var rec record
	m.mu.Lock()
	p, ok := m.positions[symbol]
	if !ok {
		m.mu.Unlock()
		return domain.Position{}, fmt.Errorf("lifecycle: modify stop %s: %w", symbol, domain.ErrNoPosition)
	}
	if p.State == domain.PositionClosing {
		m.mu.Unlock()
		return domain.Position{}, fmt.Errorf("lifecycle: modify stop %s: %w", symbol, domain.ErrAlreadyClosing)
	}
	ref := p.CurrentPrice
	if ref <= 0 {
		ref = p.AvgEntryPrice
	}
	if ref > 0 && favorable(p.Side, stop, ref) <= 0 {
		m.mu.Unlock()
		return domain.Position{}, fmt.Errorf("lifecycle: modify stop %s: %w: stop %.4f is on the wrong side of %s price %.4f",
			symbol, domain.ErrValidationFailed, stop, p.Side, ref)
	}
	prev := p.StopLoss
	p.StopLoss = stop
	if p.InitialStopLoss == 0 {
		p.InitialStopLoss = stop
	}
	p.UpdatedAt = m.now()
	rec.position(p)
	rec.note("stop_modified", map[string]any{
		"position_id": p.ID,
		"symbol":      p.Symbol,
		"from":        prev,
		"to":          stop,
	})
	open := p.State == domain.PositionOpen
	m.mu.Unlock()
	m.flush(ctx, &rec)

	if open {
		m.syncStop(ctx, symbol)
	}
	pos, _ := m.Get(symbol)
	return pos, nil
}

// ModifyTarget sets the profit target. Zero clears it. Targets are watched
// locally and never rest at the broker.
func (m *Manager) ModifyTarget(ctx context.Context, symbol string, target float64) (domain.Position, error) {
	if err := m.begin(); err != nil {
		return domain.Position{}, fmt.Errorf("lifecycle: modify target %s: %w", symbol, err)
	}
	defer m.end()

	if target < 0 {
		return domain.Position{}, fmt.Errorf("lifecycle: modify target %s: %w: negative target", symbol, domain.ErrValidationFailed)
	}

	var rec record
	m.mu.Lock()
	p, ok := m.positions[symbol]
	if !ok {
		m.mu.Unlock()
		return domain.Position{}, fmt.Errorf("lifecycle: modify target %s: %w", symbol, domain.ErrNoPosition)
	}
	if p.State == domain.PositionClosing {
		m.mu.Unlock()
		return domain.Position{}, fmt.Errorf("lifecycle: modify target %s: %w", symbol, domain.ErrAlreadyClosing)
	}
	if target > 0 && p.AvgEntryPrice > 0 && favorable(p.Side, p.AvgEntryPrice, target) <= 0 {
		m.mu.Unlock()
		return domain.Position{}, fmt.Errorf("lifecycle: modify target %s: %w: target %.4f is on the wrong side of %s entry %.4f",
			symbol, domain.ErrValidationFailed, target, p.Side, p.AvgEntryPrice)
	}
	prev := p.Target
	p.Target = target
	p.UpdatedAt = m.now()
	rec.position(p)
	rec.note("target_modified", map[string]any{
		"position_id": p.ID,
		"symbol":      p.Symbol,
		"from":        prev,
		"to":          target,
	})
	snap := *p
	m.mu.Unlock()
	m.flush(ctx, &rec)
	return snap, nil
}

// syncStop makes the broker's resting stop match the position's StopLoss.
// A working stop at a different price is cancelled before its replacement is
// placed. Only one sync runs per symbol at a time; a skipped sync is picked
// up on the next exit-check tick.
func (m *Manager) syncStop(ctx context.Context, symbol string) {
	m.mu.Lock()
	p, ok := m.positions[symbol]
	if !ok || p.State != domain.PositionOpen || !p.HasStop() || m.stopBusy[symbol] {
		m.mu.Unlock()
		return
	}
	cur, has := m.orders[p.StopOrderID]
	working := has && p.StopOrderID != "" && cur.Status.Working()
	if working && cur.TriggerPrice == p.StopLoss && cur.Quantity == p.Quantity {
		m.mu.Unlock()
		return
	}
	m.stopBusy[symbol] = true
	oldID := ""
	if working {
		oldID = p.StopOrderID
	}
	snap := *p
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.stopBusy, symbol)
		m.mu.Unlock()
	}()

	if oldID != "" {
		if _, err := m.broker.CancelOrder(ctx, oldID); err != nil {
			if domain.IsUnknownOutcome(err) {
				m.logger.WarnContext(ctx, "stop cancel outcome unknown, replacement deferred",
					slog.String("symbol", symbol),
					slog.String("stop_order_id", oldID),
					slog.String("error", err.Error()),
				)
				return
			}
			if u, ok := m.fetchOrder(ctx, oldID); ok && u.Status == domain.OrderStatusFilled {
				if _, cerr := m.closeWithFill(ctx, symbol, snap.ID, oldID, u, stopReason(snap)); cerr != nil {
					m.logger.ErrorContext(ctx, "booking filled stop failed",
						slog.String("symbol", symbol),
						slog.String("error", cerr.Error()),
					)
				}
				return
			}
		}
		m.dropStop(ctx, symbol, snap.ID, oldID, domain.OrderStatusCancelled, "replaced")
	}

	order := domain.Order{
		ID:           m.newID(),
		PositionID:   snap.ID,
		Symbol:       symbol,
		Kind:         domain.OrderKindStop,
		Side:         snap.Side.ExitOrderSide(),
		Type:         domain.OrderTypeStop,
		Quantity:     snap.Quantity,
		TriggerPrice: snap.StopLoss,
		Status:       domain.OrderStatusPending,
		CreatedAt:    m.now(),
	}
	res, err := m.broker.PlaceOrder(ctx, domain.OrderRequest{
		ClientOrderID: order.ID,
		Symbol:        symbol,
		Kind:          order.Kind,
		Side:          order.Side,
		Type:          order.Type,
		Quantity:      order.Quantity,
		TriggerPrice:  order.TriggerPrice,
	})

	var rec record
	if err != nil || res.Status == domain.OrderStatusRejected {
		msg := res.Message
		if msg == "" && err != nil {
			msg = err.Error()
		}
		m.logger.WarnContext(ctx, "stop order not placed, stop enforced locally",
			slog.String("symbol", symbol),
			slog.Float64("stop", snap.StopLoss),
			slog.String("reason", msg),
		)
		if err == nil || errors.Is(err, domain.ErrBrokerRejected) {
			order.Status = domain.OrderStatusRejected
			order.Message = msg
			rec.order(order)
			rec.event(m.rejectedEvent(&snap, order.ID, domain.OrderKindStop, msg))
			m.flush(ctx, &rec)
		}
		return
	}

	if res.OrderID != "" {
		order.ID = res.OrderID
	}
	order.Status = res.Status

	m.mu.Lock()
	p = m.lookupLocked(symbol, snap.ID)
	stale := p == nil || p.State != domain.PositionOpen
	m.orders[order.ID] = order
	if !stale {
		p.StopOrderID = order.ID
		rec.position(p)
	}
	rec.order(order)
	m.mu.Unlock()
	m.flush(ctx, &rec)

	if stale {
		// The position left OPEN while the stop was in flight.
		if _, err := m.broker.CancelOrder(ctx, order.ID); err == nil {
			m.markOrder(ctx, order.ID, domain.OrderStatusCancelled, "position no longer open")
		} else {
			m.logger.WarnContext(ctx, "orphaned stop order could not be cancelled",
				slog.String("symbol", symbol),
				slog.String("order_id", order.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	m.logger.DebugContext(ctx, "stop order placed",
		slog.String("symbol", symbol),
		slog.String("order_id", order.ID),
		slog.Float64("stop", order.TriggerPrice),
	)
}

// dropStop marks a stop order terminal and detaches it from its position.
func (m *Manager) dropStop(ctx context.Context, symbol, posID, orderID string, status domain.OrderStatus, msg string) {
	var rec record
	m.mu.Lock()
	if o, ok := m.orders[orderID]; ok && !o.Status.Terminal() {
		o.Status = status
		o.Message = msg
		m.orders[orderID] = o
		rec.order(o)
	}
	if p := m.lookupLocked(symbol, posID); p != nil && p.StopOrderID == orderID {
		p.StopOrderID = ""
		rec.position(p)
	}
	m.mu.Unlock()
	m.flush(ctx, &rec)
}
