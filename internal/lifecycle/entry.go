package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

// EntryRequest describes a sized, risk-approved entry.
type EntryRequest struct {
	Symbol               string
	Side                 domain.Side
	Quantity             int64
	Price                float64 // reference price; the limit price when Limit is set
	Limit                bool
	StopLoss             float64
	Target               float64
	TrailingStopDistance float64
	ProductType          domain.ProductType
	StrategyID           string
	SignalID             string
}

func (r EntryRequest) validate() error {
	switch {
	case r.Symbol == "":
		return errors.New("symbol is required")
	case r.Side != domain.SideLong && r.Side != domain.SideShort:
		return fmt.Errorf("invalid side %q", r.Side)
	case r.Quantity <= 0:
		return fmt.Errorf("quantity must be positive, got %d", r.Quantity)
	case r.Limit && r.Price <= 0:
		return errors.New("limit entry requires a price")
	case r.StopLoss < 0 || r.Target < 0 || r.TrailingStopDistance < 0:
		return errors.New("stop, target and trailing distance must not be negative")
	}
	return nil
}

// Reservation is a PENDING position whose ENTRY order has not been sent yet.
// Every successful Reserve must be followed by exactly one Place.
type Reservation struct {
	symbol string
	posID  string
	entry  domain.Order
	placed bool
}

// Enter reserves the symbol as PENDING, sends the ENTRY order and applies the
// result. A rejection abandons the position. An unknown outcome leaves it
// PENDING for reconciliation and returns the broker error alongside the
// position. A fill opens it and places the protective stop.
func (m *Manager) Enter(ctx context.Context, req EntryRequest) (domain.Position, error) {
	r, err := m.Reserve(ctx, req)
	if err != nil {
		return domain.Position{}, err
	}
	return m.Place(ctx, r)
}

// Reserve inserts req as a PENDING position without touching the broker.
// Once it returns, Active includes the new position, so callers that hold
// their own lock across validation and Reserve see every admitted entry.
func (m *Manager) Reserve(ctx context.Context, req EntryRequest) (*Reservation, error) {
	if err := m.begin(); err != nil {
		return nil, fmt.Errorf("lifecycle: enter %s: %w", req.Symbol, err)
	}

	if err := req.validate(); err != nil {
		m.end()
		return nil, fmt.Errorf("lifecycle: enter %s: %w: %w", req.Symbol, domain.ErrValidationFailed, err)
	}
	if req.ProductType == "" {
		req.ProductType = m.cfg.DefaultProductType
	}
	if req.TrailingStopDistance == 0 {
		req.TrailingStopDistance = m.cfg.DefaultTrailingStopDistance
	}

	var rec record
	m.mu.Lock()
	if existing, ok := m.positions[req.Symbol]; ok {
		m.mu.Unlock()
		m.end()
		m.logger.ErrorContext(ctx, "entry refused: symbol already has an active position",
			slog.String("symbol", req.Symbol),
			slog.String("position_id", existing.ID),
			slog.String("state", string(existing.State)),
		)
		return nil, fmt.Errorf("lifecycle: enter %s: %w: %w", req.Symbol, domain.ErrInvariantViolation, domain.ErrPositionExists)
	}

	now := m.now()
	p := &domain.Position{
		ID:                   m.newID(),
		Symbol:               req.Symbol,
		Side:                 req.Side,
		Quantity:             req.Quantity,
		AvgEntryPrice:        req.Price,
		CurrentPrice:         req.Price,
		StopLoss:             req.StopLoss,
		InitialStopLoss:      req.StopLoss,
		Target:               req.Target,
		TrailingStopEnabled:  req.TrailingStopDistance > 0,
		TrailingStopDistance: req.TrailingStopDistance,
		HighWatermark:        req.Price,
		LowWatermark:         req.Price,
		ProductType:          req.ProductType,
		StrategyID:           req.StrategyID,
		EntryTime:            now,
	}
	if err := m.transitionLocked(p, domain.PositionPending); err != nil {
		m.mu.Unlock()
		m.end()
		return nil, err
	}
	entry := domain.Order{
		ID:         m.newID(),
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Kind:       domain.OrderKindEntry,
		Side:       p.Side.EntryOrderSide(),
		Type:       domain.OrderTypeMarket,
		Quantity:   p.Quantity,
		Status:     domain.OrderStatusPending,
		CreatedAt:  now,
	}
	if req.Limit {
		entry.Type = domain.OrderTypeLimit
		entry.Price = req.Price
	}
	p.EntryOrderID = entry.ID
	m.positions[p.Symbol] = p
	m.orders[entry.ID] = entry
	rec.position(p)
	rec.order(entry)
	rec.note("entry_requested", map[string]any{
		"position_id": p.ID,
		"symbol":      p.Symbol,
		"side":        string(p.Side),
		"quantity":    p.Quantity,
		"price":       req.Price,
		"stop_loss":   req.StopLoss,
		"target":      req.Target,
		"strategy_id": req.StrategyID,
		"signal_id":   req.SignalID,
	})
	m.mu.Unlock()
	m.flush(ctx, &rec)

	return &Reservation{symbol: p.Symbol, posID: p.ID, entry: entry}, nil
}

// Place sends the reserved ENTRY order and applies the broker's answer.
func (m *Manager) Place(ctx context.Context, r *Reservation) (domain.Position, error) {
	if r == nil || r.placed {
		return domain.Position{}, fmt.Errorf("lifecycle: place: reservation already used: %w", domain.ErrInvariantViolation)
	}
	r.placed = true
	defer m.end()

	res, err := m.broker.PlaceOrder(ctx, domain.OrderRequest{
		ClientOrderID: r.entry.ID,
		Symbol:        r.entry.Symbol,
		Kind:          r.entry.Kind,
		Side:          r.entry.Side,
		Type:          r.entry.Type,
		Quantity:      r.entry.Quantity,
		Price:         r.entry.Price,
	})
	return m.applyEntryResult(ctx, r.symbol, r.posID, r.entry.ID, res, err)
}

func (m *Manager) applyEntryResult(ctx context.Context, symbol, posID, orderID string, res domain.OrderResult, placeErr error) (domain.Position, error) {
	rejected := res.Status == domain.OrderStatusRejected || errors.Is(placeErr, domain.ErrBrokerRejected)

	if placeErr != nil && !rejected {
		m.logger.WarnContext(ctx, "entry outcome unknown, position left pending",
			slog.String("symbol", symbol),
			slog.String("position_id", posID),
			slog.String("error", placeErr.Error()),
		)
		pos, _ := m.Get(symbol)
		return pos, fmt.Errorf("lifecycle: enter %s: %w", symbol, placeErr)
	}

	if rejected {
		msg := res.Message
		if msg == "" && placeErr != nil {
			msg = placeErr.Error()
		}
		pos := m.abandon(ctx, symbol, posID, orderID, domain.OrderStatusRejected, msg)
		m.logger.WarnContext(ctx, "entry rejected",
			slog.String("symbol", symbol),
			slog.String("position_id", posID),
			slog.String("reason", msg),
		)
		if placeErr == nil {
			placeErr = fmt.Errorf("%w: %s", domain.ErrBrokerRejected, msg)
		}
		return pos, fmt.Errorf("lifecycle: enter %s: %w", symbol, placeErr)
	}

	var rec record
	m.mu.Lock()
	p := m.lookupLocked(symbol, posID)
	if p == nil || p.State != domain.PositionPending {
		m.mu.Unlock()
		return domain.Position{}, fmt.Errorf("lifecycle: enter %s: position %s changed while entry was in flight: %w",
			symbol, posID, domain.ErrInvariantViolation)
	}
	o := m.orders[orderID]
	if res.OrderID != "" {
		o.ID = res.OrderID
		p.EntryOrderID = res.OrderID
	}
	o.Status = res.Status
	o.Message = res.Message
	filled := res.Status == domain.OrderStatusFilled
	if filled {
		if err := m.fillEntryLocked(p, &o, resultUpdate(o.ID, res)); err != nil {
			m.mu.Unlock()
			return domain.Position{}, err
		}
	}
	m.setOrderLocked(orderID, o)
	rec.order(o)
	rec.position(p)
	rec.event(domain.Event{
		Kind:       domain.EventPositionEntryPlaced,
		Symbol:     p.Symbol,
		PositionID: p.ID,
		OrderID:    o.ID,
		Side:       p.Side,
		Quantity:   p.Quantity,
		Price:      p.AvgEntryPrice,
		Reason:     p.StrategyID,
		At:         m.now(),
	})
	m.mu.Unlock()
	m.flush(ctx, &rec)

	m.logger.InfoContext(ctx, "entry placed",
		slog.String("symbol", symbol),
		slog.String("position_id", posID),
		slog.String("order_id", o.ID),
		slog.String("status", string(o.Status)),
	)

	if filled {
		m.syncStop(ctx, symbol)
	}
	pos, _ := m.Get(symbol)
	return pos, nil
}

// fillEntryLocked applies an entry fill and moves p to OPEN.
func (m *Manager) fillEntryLocked(p *domain.Position, o *domain.Order, u domain.OrderUpdate) error {
	if err := m.transitionLocked(p, domain.PositionOpen); err != nil {
		return err
	}
	if u.FilledQty > 0 {
		p.Quantity = u.FilledQty
	}
	if u.FilledPrice > 0 {
		p.AvgEntryPrice = u.FilledPrice
		p.CurrentPrice = u.FilledPrice
		p.HighWatermark = u.FilledPrice
		p.LowWatermark = u.FilledPrice
	}
	p.EntryCommission = u.Commission

	at := u.At
	if at.IsZero() {
		at = m.now()
	}
	o.Status = domain.OrderStatusFilled
	o.FilledPrice = p.AvgEntryPrice
	o.FilledQty = p.Quantity
	o.Commission = u.Commission
	o.FilledAt = &at
	return nil
}

// promoteEntry applies a late entry fill to a PENDING position.
func (m *Manager) promoteEntry(ctx context.Context, symbol, posID, orderID string, u domain.OrderUpdate, placeStop bool) error {
	var rec record
	m.mu.Lock()
	p := m.lookupLocked(symbol, posID)
	if p == nil || p.State != domain.PositionPending {
		m.mu.Unlock()
		return nil
	}
	o, ok := m.orders[orderID]
	if !ok {
		o = domain.Order{ID: orderID, PositionID: posID, Symbol: symbol, Kind: domain.OrderKindEntry,
			Side: p.Side.EntryOrderSide(), Type: domain.OrderTypeMarket, Quantity: p.Quantity, CreatedAt: p.EntryTime}
	}
	if err := m.fillEntryLocked(p, &o, u); err != nil {
		m.mu.Unlock()
		return err
	}
	m.setOrderLocked(orderID, o)
	rec.order(o)
	rec.position(p)
	rec.note("entry_filled", map[string]any{
		"position_id": p.ID,
		"symbol":      p.Symbol,
		"price":       p.AvgEntryPrice,
		"quantity":    p.Quantity,
	})
	m.mu.Unlock()
	m.flush(ctx, &rec)

	if placeStop {
		m.syncStop(ctx, symbol)
	}
	return nil
}

// abandon closes a PENDING position whose entry never filled. No trade is
// recorded. It returns the final position snapshot.
func (m *Manager) abandon(ctx context.Context, symbol, posID, orderID string, status domain.OrderStatus, msg string) domain.Position {
	var rec record
	m.mu.Lock()
	p := m.lookupLocked(symbol, posID)
	if p == nil || p.State != domain.PositionPending {
		m.mu.Unlock()
		return domain.Position{}
	}
	if o, ok := m.orders[orderID]; ok {
		o.Status = status
		o.Message = msg
		m.setOrderLocked(orderID, o)
		rec.order(o)
	}
	if err := m.transitionLocked(p, domain.PositionClosed); err != nil {
		m.mu.Unlock()
		return *p
	}
	p.PendingExitReason = domain.ExitEntryAbandoned
	m.retireLocked(p)
	rec.position(p)
	if status == domain.OrderStatusRejected {
		rec.event(m.rejectedEvent(p, orderID, domain.OrderKindEntry, msg))
	}
	rec.note("entry_abandoned", map[string]any{
		"position_id": p.ID,
		"symbol":      p.Symbol,
		"status":      string(status),
		"message":     msg,
	})
	snap := *p
	m.mu.Unlock()
	m.flush(ctx, &rec)
	return snap
}

func resultUpdate(orderID string, res domain.OrderResult) domain.OrderUpdate {
	return domain.OrderUpdate{
		OrderID:     orderID,
		Status:      res.Status,
		FilledPrice: res.FilledPrice,
		FilledQty:   res.FilledQty,
		Commission:  res.Commission,
		Message:     res.Message,
		At:          res.FilledAt,
	}
}
