package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

// Exit closes the position on symbol. A positive price sends a limit exit;
// otherwise the exit is a market order. A PENDING position has its entry
// order cancelled instead.
func (m *Manager) Exit(ctx context.Context, symbol string, reason domain.ExitReason, price float64) (domain.ExitResult, error) {
	if err := m.begin(); err != nil {
		return domain.ExitResult{Message: err.Error()}, fmt.Errorf("lifecycle: exit %s: %w", symbol, err)
	}
	defer m.end()
	return m.exit(ctx, symbol, reason, price)
}

func (m *Manager) exit(ctx context.Context, symbol string, reason domain.ExitReason, price float64) (domain.ExitResult, error) {
	if price < 0 {
		return domain.ExitResult{Message: "negative exit price"},
			fmt.Errorf("lifecycle: exit %s: %w: negative price", symbol, domain.ErrValidationFailed)
	}

	var rec record
	m.mu.Lock()
	p, ok := m.positions[symbol]
	if !ok {
		m.mu.Unlock()
		return domain.ExitResult{Message: "no active position"}, fmt.Errorf("lifecycle: exit %s: %w", symbol, domain.ErrNoPosition)
	}
	if p.State == domain.PositionClosing || p.PendingExitReason != "" {
		snap := *p
		m.mu.Unlock()
		return domain.ExitResult{Position: &snap, Message: "exit already in progress"},
			fmt.Errorf("lifecycle: exit %s: %w", symbol, domain.ErrAlreadyClosing)
	}
	if p.State == domain.PositionPending {
		p.PendingExitReason = reason
		snap := *p
		m.mu.Unlock()
		return m.cancelEntry(ctx, snap, reason)
	}

	if err := m.transitionLocked(p, domain.PositionClosing); err != nil {
		m.mu.Unlock()
		return domain.ExitResult{Message: err.Error()}, err
	}
	p.PendingExitReason = reason
	stopID := p.StopOrderID
	p.StopOrderID = ""
	exitOrder := domain.Order{
		ID:         m.newID(),
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Kind:       domain.OrderKindExit,
		Side:       p.Side.ExitOrderSide(),
		Type:       domain.OrderTypeMarket,
		Quantity:   p.Quantity,
		Status:     domain.OrderStatusPending,
		CreatedAt:  m.now(),
	}
	if price > 0 {
		exitOrder.Type = domain.OrderTypeLimit
		exitOrder.Price = price
	}
	p.ExitOrderID = exitOrder.ID
	m.orders[exitOrder.ID] = exitOrder
	rec.position(p)
	rec.order(exitOrder)
	rec.note("exit_requested", map[string]any{
		"position_id": p.ID,
		"symbol":      p.Symbol,
		"reason":      string(reason),
		"price":       p.CurrentPrice,
	})
	snap := *p
	m.mu.Unlock()
	m.flush(ctx, &rec)

	m.logger.InfoContext(ctx, "exiting position",
		slog.String("symbol", symbol),
		slog.String("position_id", snap.ID),
		slog.String("reason", string(reason)),
		slog.Float64("price", snap.CurrentPrice),
	)

	// The protective stop is cancelled before the exit is sent so the two
	// can never both fill.
	if stopID != "" {
		if handled, res, err := m.cancelStopForExit(ctx, snap, stopID, exitOrder.ID); handled {
			return res, err
		}
	}

	res, err := m.broker.PlaceOrder(ctx, domain.OrderRequest{
		ClientOrderID: exitOrder.ID,
		Symbol:        exitOrder.Symbol,
		Kind:          exitOrder.Kind,
		Side:          exitOrder.Side,
		Type:          exitOrder.Type,
		Quantity:      exitOrder.Quantity,
		Price:         exitOrder.Price,
	})
	return m.applyExitResult(ctx, snap, exitOrder.ID, res, err)
}

// cancelStopForExit cancels the resting stop ahead of an exit. handled is
// true when the exit must not proceed: either the stop already filled and
// closed the position, or its state is unknown and the exit was reverted.
func (m *Manager) cancelStopForExit(ctx context.Context, snap domain.Position, stopID, exitID string) (bool, domain.ExitResult, error) {
	_, err := m.broker.CancelOrder(ctx, stopID)
	if err == nil {
		m.markOrder(ctx, stopID, domain.OrderStatusCancelled, "cancelled for exit")
		return false, domain.ExitResult{}, nil
	}

	if domain.IsUnknownOutcome(err) {
		m.logger.WarnContext(ctx, "stop cancel outcome unknown, exit deferred",
			slog.String("symbol", snap.Symbol),
			slog.String("stop_order_id", stopID),
			slog.String("error", err.Error()),
		)
		pos := m.revertExit(ctx, snap.Symbol, snap.ID, exitID, domain.OrderStatusCancelled, "stop cancel unresolved", stopID)
		return true, domain.ExitResult{Position: &pos, Message: "stop cancel unresolved, exit deferred"},
			fmt.Errorf("lifecycle: exit %s: cancel stop: %w", snap.Symbol, err)
	}

	// The broker refused the cancel, so the stop is no longer working. If it
	// filled, the position is already flat.
	if u, ok := m.fetchOrder(ctx, stopID); ok && u.Status == domain.OrderStatusFilled {
		m.markOrder(ctx, exitID, domain.OrderStatusCancelled, "stop filled first")
		res, cerr := m.closeWithFill(ctx, snap.Symbol, snap.ID, stopID, u, stopReason(snap))
		return true, res, cerr
	}
	m.markOrder(ctx, stopID, domain.OrderStatusCancelled, err.Error())
	return false, domain.ExitResult{}, nil
}

func (m *Manager) applyExitResult(ctx context.Context, snap domain.Position, orderID string, res domain.OrderResult, placeErr error) (domain.ExitResult, error) {
	rejected := res.Status == domain.OrderStatusRejected || errors.Is(placeErr, domain.ErrBrokerRejected)

	switch {
	case rejected:
		msg := res.Message
		if msg == "" && placeErr != nil {
			msg = placeErr.Error()
		}
		m.logger.WarnContext(ctx, "exit rejected, position reverted to open",
			slog.String("symbol", snap.Symbol),
			slog.String("position_id", snap.ID),
			slog.String("reason", msg),
		)
		pos := m.revertExit(ctx, snap.Symbol, snap.ID, orderID, domain.OrderStatusRejected, msg, "")
		if placeErr == nil {
			placeErr = fmt.Errorf("%w: %s", domain.ErrBrokerRejected, msg)
		}
		return domain.ExitResult{Position: &pos, Message: "exit rejected: " + msg},
			fmt.Errorf("lifecycle: exit %s: %w", snap.Symbol, placeErr)

	case placeErr != nil:
		m.logger.WarnContext(ctx, "exit outcome unknown, position left closing",
			slog.String("symbol", snap.Symbol),
			slog.String("position_id", snap.ID),
			slog.String("error", placeErr.Error()),
		)
		pos, _ := m.Get(snap.Symbol)
		return domain.ExitResult{Position: &pos, Message: "exit outcome unknown, awaiting reconciliation"},
			fmt.Errorf("lifecycle: exit %s: %w", snap.Symbol, placeErr)

	case res.Status == domain.OrderStatusFilled:
		id := orderID
		if res.OrderID != "" {
			id = res.OrderID
		}
		return m.closeWithFill(ctx, snap.Symbol, snap.ID, orderID, resultUpdate(id, res), snap.PendingExitReason)
	}

	var rec record
	m.mu.Lock()
	p := m.lookupLocked(snap.Symbol, snap.ID)
	o := m.orders[orderID]
	if res.OrderID != "" {
		o.ID = res.OrderID
		if p != nil {
			p.ExitOrderID = res.OrderID
		}
	}
	o.Status = res.Status
	m.setOrderLocked(orderID, o)
	rec.order(o)
	pos := snap
	if p != nil {
		rec.position(p)
		pos = *p
	}
	m.mu.Unlock()
	m.flush(ctx, &rec)
	return domain.ExitResult{Success: true, Position: &pos, Message: "exit order working"}, nil
}

// closeWithFill books the trade for a filled EXIT or STOP order and closes
// the position. prevID is the order's id before the broker assigned one. A
// fill without a price is looked up at the broker; if the price is still
// unknown the position is held CLOSING and no trade is booked.
func (m *Manager) closeWithFill(ctx context.Context, symbol, posID, prevID string, u domain.OrderUpdate, reason domain.ExitReason) (domain.ExitResult, error) {
	if u.FilledPrice <= 0 {
		id := u.OrderID
		if id == "" {
			id = prevID
		}
		if known, ok := m.fetchOrder(ctx, id); ok && known.Status == domain.OrderStatusFilled && known.FilledPrice > 0 {
			if known.At.IsZero() {
				known.At = u.At
			}
			u = known
		}
	}
	if u.FilledPrice <= 0 {
		return m.holdForFillPrice(ctx, symbol, posID, prevID, u, reason)
	}

	var rec record
	m.mu.Lock()
	p := m.lookupLocked(symbol, posID)
	if p == nil {
		m.mu.Unlock()
		return domain.ExitResult{Message: "position no longer active"},
			fmt.Errorf("lifecycle: close %s: %w", symbol, domain.ErrNoPosition)
	}
	if p.State == domain.PositionOpen {
		if err := m.transitionLocked(p, domain.PositionClosing); err != nil {
			m.mu.Unlock()
			return domain.ExitResult{Message: err.Error()}, err
		}
	}
	trade, err := m.closeLocked(p, prevID, u, reason, &rec)
	if err != nil {
		m.mu.Unlock()
		return domain.ExitResult{Message: err.Error()}, err
	}
	snap := *p
	m.mu.Unlock()

	if m.breaker != nil {
		m.breaker.RecordTrade(ctx, trade)
	}
	m.flush(ctx, &rec)

	m.logger.InfoContext(ctx, "position closed",
		slog.String("symbol", symbol),
		slog.String("position_id", posID),
		slog.String("reason", string(reason)),
		slog.Float64("entry", trade.EntryPrice),
		slog.Float64("exit", trade.ExitPrice),
		slog.Int64("qty", trade.Quantity),
		slog.String("pnl", trade.RealizedPnL.String()),
	)
	return domain.ExitResult{Success: true, Position: &snap, Trade: &trade, Message: "position closed"}, nil
}

// holdForFillPrice parks a position whose closing order filled at a price the
// broker has not reported. It stays CLOSING until reconciliation learns the
// price or gives up and closes it without a trade.
func (m *Manager) holdForFillPrice(ctx context.Context, symbol, posID, prevID string, u domain.OrderUpdate, reason domain.ExitReason) (domain.ExitResult, error) {
	var rec record
	m.mu.Lock()
	p := m.lookupLocked(symbol, posID)
	if p == nil {
		m.mu.Unlock()
		return domain.ExitResult{Message: "position no longer active"},
			fmt.Errorf("lifecycle: close %s: %w", symbol, domain.ErrNoPosition)
	}
	if p.State == domain.PositionOpen {
		if err := m.transitionLocked(p, domain.PositionClosing); err != nil {
			m.mu.Unlock()
			return domain.ExitResult{Message: err.Error()}, err
		}
	}
	if p.PendingExitReason == "" {
		p.PendingExitReason = reason
	}
	if o, ok := m.orders[prevID]; ok {
		if o.Status != domain.OrderStatusFilled {
			p.ReconcileCycles = 0
		}
		if u.OrderID != "" {
			o.ID = u.OrderID
		}
		o.Status = domain.OrderStatusFilled
		o.FilledQty = u.FilledQty
		o.Message = "filled, price not reported"
		m.setOrderLocked(prevID, o)
		rec.order(o)
		switch o.Kind {
		case domain.OrderKindStop:
			p.StopOrderID = o.ID
		case domain.OrderKindExit:
			p.ExitOrderID = o.ID
		}
	}
	rec.position(p)
	rec.note("fill_price_pending", map[string]any{
		"position_id": p.ID,
		"symbol":      p.Symbol,
		"order_id":    u.OrderID,
		"reason":      string(reason),
	})
	snap := *p
	m.mu.Unlock()
	m.flush(ctx, &rec)

	m.logger.WarnContext(ctx, "order filled without a price, position held closing",
		slog.String("symbol", symbol),
		slog.String("position_id", posID),
		slog.String("order_id", u.OrderID),
	)
	return domain.ExitResult{Position: &snap, Message: "filled, awaiting fill price"},
		fmt.Errorf("lifecycle: close %s: %w", symbol, domain.ErrFillPriceUnknown)
}

// closeLocked moves a CLOSING position to CLOSED and builds its trade from
// the reported fill.
func (m *Manager) closeLocked(p *domain.Position, prevID string, u domain.OrderUpdate, reason domain.ExitReason, rec *record) (domain.Trade, error) {
	exitPrice := u.FilledPrice
	if exitPrice <= 0 {
		return domain.Trade{}, fmt.Errorf("lifecycle: close %s: %w", p.Symbol, domain.ErrFillPriceUnknown)
	}
	at := u.At
	if at.IsZero() {
		at = m.now()
	}
	orderID := u.OrderID
	if orderID == "" {
		orderID = prevID
	}

	if err := m.transitionLocked(p, domain.PositionClosed); err != nil {
		return domain.Trade{}, err
	}
	p.CurrentPrice = exitPrice
	p.ExitOrderID = orderID
	p.PendingExitReason = reason
	p.StopOrderID = ""

	trade := domain.Trade{
		ID:              m.newID(),
		PositionID:      p.ID,
		Symbol:          p.Symbol,
		Side:            p.Side,
		Quantity:        p.Quantity,
		EntryPrice:      p.AvgEntryPrice,
		ExitPrice:       exitPrice,
		StopLoss:        p.StopLoss,
		Target:          p.Target,
		ProductType:     p.ProductType,
		StrategyID:      p.StrategyID,
		EntryOrderID:    p.EntryOrderID,
		ExitOrderID:     orderID,
		EntryTime:       p.EntryTime,
		ExitTime:        at,
		ExitReason:      reason,
		EntryCommission: p.EntryCommission,
		ExitCommission:  u.Commission,
	}
	trade.RealizedPnL = RealizedPnL(p.Side, p.AvgEntryPrice, exitPrice, p.Quantity, p.EntryCommission, u.Commission)
	trade.PnLPercent = PnLPercent(p.Side, p.AvgEntryPrice, exitPrice)

	o, ok := m.orders[prevID]
	if !ok {
		o = domain.Order{PositionID: p.ID, Symbol: p.Symbol, Kind: domain.OrderKindExit,
			Side: p.Side.ExitOrderSide(), Type: domain.OrderTypeMarket, Quantity: p.Quantity, CreatedAt: at}
	}
	o.ID = orderID
	o.Status = domain.OrderStatusFilled
	o.FilledPrice = exitPrice
	o.FilledQty = p.Quantity
	o.Commission = u.Commission
	o.FilledAt = &at
	m.setOrderLocked(prevID, o)

	m.retireLocked(p)
	m.trades = append(m.trades, trade)

	rec.order(o)
	rec.position(p)
	rec.trade = &trade
	rec.event(domain.Event{
		Kind:       domain.EventPositionClosed,
		Symbol:     p.Symbol,
		PositionID: p.ID,
		OrderID:    orderID,
		Side:       p.Side,
		Quantity:   p.Quantity,
		Price:      exitPrice,
		PnL:        trade.RealizedPnL,
		Reason:     string(reason),
		At:         at,
	})
	rec.note("position_closed", map[string]any{
		"position_id": p.ID,
		"trade_id":    trade.ID,
		"symbol":      p.Symbol,
		"reason":      string(reason),
		"exit_price":  exitPrice,
		"pnl":         trade.RealizedPnL.String(),
	})
	return trade, nil
}

// revertExit returns a CLOSING position to OPEN after its exit failed.
// restoreStopID keeps a stop whose cancel could not be confirmed; otherwise
// a fresh stop is placed.
func (m *Manager) revertExit(ctx context.Context, symbol, posID, exitID string, status domain.OrderStatus, msg, restoreStopID string) domain.Position {
	var rec record
	m.mu.Lock()
	p := m.lookupLocked(symbol, posID)
	if p == nil || p.State != domain.PositionClosing {
		m.mu.Unlock()
		if p == nil {
			return domain.Position{}
		}
		return *p
	}
	if o, ok := m.orders[exitID]; ok {
		o.Status = status
		o.Message = msg
		m.setOrderLocked(exitID, o)
		rec.order(o)
	}
	if err := m.transitionLocked(p, domain.PositionOpen); err != nil {
		snap := *p
		m.mu.Unlock()
		return snap
	}
	p.ExitOrderID = ""
	p.PendingExitReason = ""
	if restoreStopID != "" {
		p.StopOrderID = restoreStopID
	}
	rec.position(p)
	if status == domain.OrderStatusRejected {
		rec.event(m.rejectedEvent(p, exitID, domain.OrderKindExit, msg))
	}
	rec.note("exit_reverted", map[string]any{
		"position_id": p.ID,
		"symbol":      p.Symbol,
		"status":      string(status),
		"message":     msg,
	})
	snap := *p
	m.mu.Unlock()
	m.flush(ctx, &rec)

	if restoreStopID == "" {
		m.syncStop(ctx, symbol)
		snap, _ = m.Get(symbol)
	}
	return snap
}

// cancelEntry handles an exit request on a PENDING position.
func (m *Manager) cancelEntry(ctx context.Context, snap domain.Position, reason domain.ExitReason) (domain.ExitResult, error) {
	_, err := m.broker.CancelOrder(ctx, snap.EntryOrderID)
	switch {
	case err == nil:
		pos := m.abandon(ctx, snap.Symbol, snap.ID, snap.EntryOrderID, domain.OrderStatusCancelled, "entry cancelled: "+string(reason))
		return domain.ExitResult{Success: true, Position: &pos, Message: "entry cancelled"}, nil

	case domain.IsUnknownOutcome(err):
		m.clearPendingExit(snap.Symbol, snap.ID)
		pos, _ := m.Get(snap.Symbol)
		return domain.ExitResult{Position: &pos, Message: "entry cancel outcome unknown"},
			fmt.Errorf("lifecycle: exit %s: cancel entry: %w", snap.Symbol, err)
	}

	// The entry is terminal at the broker. A fill means there is exposure to
	// flatten.
	if u, ok := m.fetchOrder(ctx, snap.EntryOrderID); ok && u.Status == domain.OrderStatusFilled {
		if perr := m.promoteEntry(ctx, snap.Symbol, snap.ID, snap.EntryOrderID, u, false); perr != nil {
			return domain.ExitResult{Message: perr.Error()}, perr
		}
		m.clearPendingExit(snap.Symbol, snap.ID)
		return m.exit(ctx, snap.Symbol, reason, 0)
	}
	pos := m.abandon(ctx, snap.Symbol, snap.ID, snap.EntryOrderID, domain.OrderStatusCancelled, err.Error())
	return domain.ExitResult{Success: true, Position: &pos, Message: "entry no longer working"}, nil
}

func (m *Manager) clearPendingExit(symbol, posID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.lookupLocked(symbol, posID); p != nil && p.State != domain.PositionClosing {
		p.PendingExitReason = ""
	}
}

// markOrder records a status change for a known order.
func (m *Manager) markOrder(ctx context.Context, orderID string, status domain.OrderStatus, msg string) {
	var rec record
	m.mu.Lock()
	if o, ok := m.orders[orderID]; ok && !o.Status.Terminal() {
		o.Status = status
		o.Message = msg
		m.orders[orderID] = o
		rec.order(o)
	}
	m.mu.Unlock()
	m.flush(ctx, &rec)
}

// fetchOrder asks the broker for an order's state when it supports that.
func (m *Manager) fetchOrder(ctx context.Context, orderID string) (domain.OrderUpdate, bool) {
	f, ok := m.broker.(domain.OrderStatusFetcher)
	if !ok || orderID == "" {
		return domain.OrderUpdate{}, false
	}
	u, err := f.GetOrder(ctx, orderID)
	if err != nil {
		if !errors.Is(err, errors.ErrUnsupported) {
			m.logger.DebugContext(ctx, "order status lookup failed",
				slog.String("order_id", orderID),
				slog.String("error", err.Error()),
			)
		}
		return domain.OrderUpdate{}, false
	}
	// Keep the local key; brokers may answer with their own id.
	u.OrderID = orderID
	return u, true
}

// stopReason names a stop-out, distinguishing a ratcheted trailing stop.
func stopReason(p domain.Position) domain.ExitReason {
	if p.TrailingStopEnabled && p.StopLoss != p.InitialStopLoss {
		return domain.ExitTrailingStop
	}
	return domain.ExitStopLoss
}

// ConfirmFill applies an asynchronous order update, such as a late entry
// fill or a broker-side stop execution.
func (m *Manager) ConfirmFill(ctx context.Context, u domain.OrderUpdate) error {
	if err := m.begin(); err != nil {
		return fmt.Errorf("lifecycle: confirm %s: %w", u.OrderID, err)
	}
	defer m.end()
	return m.confirm(ctx, u)
}

func (m *Manager) confirm(ctx context.Context, u domain.OrderUpdate) error {
	m.mu.Lock()
	o, ok := m.orders[u.OrderID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("lifecycle: confirm %s: %w", u.OrderID, domain.ErrNotFound)
	}
	p := m.lookupLocked(o.Symbol, o.PositionID)
	if p == nil {
		m.mu.Unlock()
		m.logger.DebugContext(ctx, "order update for inactive position ignored",
			slog.String("order_id", u.OrderID),
			slog.String("status", string(u.Status)),
		)
		return nil
	}
	snap := *p
	m.mu.Unlock()

	switch o.Kind {
	case domain.OrderKindEntry:
		if snap.State != domain.PositionPending {
			return nil
		}
		switch u.Status {
		case domain.OrderStatusFilled:
			return m.promoteEntry(ctx, snap.Symbol, snap.ID, o.ID, u, true)
		case domain.OrderStatusRejected, domain.OrderStatusCancelled:
			m.abandon(ctx, snap.Symbol, snap.ID, o.ID, u.Status, u.Message)
			return nil
		}

	case domain.OrderKindExit:
		if snap.State != domain.PositionClosing {
			return nil
		}
		switch u.Status {
		case domain.OrderStatusFilled:
			_, err := m.closeWithFill(ctx, snap.Symbol, snap.ID, o.ID, u, snap.PendingExitReason)
			return err
		case domain.OrderStatusRejected, domain.OrderStatusCancelled:
			m.revertExit(ctx, snap.Symbol, snap.ID, o.ID, u.Status, u.Message, "")
			return nil
		}

	case domain.OrderKindStop:
		switch u.Status {
		case domain.OrderStatusFilled:
			if snap.State != domain.PositionOpen && snap.State != domain.PositionClosing {
				return nil
			}
			_, err := m.closeWithFill(ctx, snap.Symbol, snap.ID, o.ID, u, stopReason(snap))
			return err
		case domain.OrderStatusRejected, domain.OrderStatusCancelled:
			m.dropStop(ctx, snap.Symbol, snap.ID, o.ID, u.Status, u.Message)
			return nil
		}
	}

	if u.Status != "" && u.Status != o.Status {
		m.markOrder(ctx, o.ID, u.Status, u.Message)
	}
	return nil
}
