// Package paper implements a simulated broker. Market orders fill
// immediately at the quote adjusted by the fill model; stop orders rest
// until cancelled because the engine enforces stops itself.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

var (
	_ domain.Broker             = (*Broker)(nil)
	_ domain.OrderStatusFetcher = (*Broker)(nil)
)

type holding struct {
	qty      int64 // signed
	avgPrice float64
}

// Broker is an in-process simulated venue.
type Broker struct {
	mu        sync.Mutex
	quotes    QuoteSource
	fill      FillModel
	orders    map[string]domain.Order
	positions map[string]holding
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a simulated broker.
func New(quotes QuoteSource, fill FillModel, logger *slog.Logger) *Broker {
	return &Broker{
		quotes:    quotes,
		fill:      fill,
		orders:    make(map[string]domain.Order),
		positions: make(map[string]holding),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With(slog.String("component", "paper_broker")),
	}
}

// PlaceOrder simulates order submission.
func (b *Broker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if req.Quantity <= 0 || req.Symbol == "" {
		return domain.OrderResult{Status: domain.OrderStatusRejected, Message: "invalid order"},
			fmt.Errorf("paper: place order %s: %w", req.Symbol, domain.ErrBrokerRejected)
	}

	id := req.ClientOrderID
	if id == "" {
		id = uuid.NewString()
	}
	order := domain.Order{
		ID:           id,
		Symbol:       req.Symbol,
		Kind:         req.Kind,
		Side:         req.Side,
		Type:         req.Type,
		Quantity:     req.Quantity,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		CreatedAt:    b.now(),
	}

	if req.Type == domain.OrderTypeStop {
		order.Status = domain.OrderStatusOpen
		b.mu.Lock()
		b.orders[id] = order
		b.mu.Unlock()
		return domain.OrderResult{OrderID: id, Status: domain.OrderStatusOpen}, nil
	}

	quote, err := b.quotes.GetQuote(ctx, req.Symbol)
	if err != nil || quote.LastPrice <= 0 {
		order.Status = domain.OrderStatusRejected
		order.Message = "no quote available"
		b.mu.Lock()
		b.orders[id] = order
		b.mu.Unlock()
		return domain.OrderResult{OrderID: id, Status: domain.OrderStatusRejected, Message: order.Message},
			fmt.Errorf("paper: place order %s: no quote: %w", req.Symbol, domain.ErrBrokerRejected)
	}

	price := b.fill.Price(quote.LastPrice, req.Side)
	commission := b.fill.Commission(price, req.Quantity)
	filledAt := b.now()
	order.Status = domain.OrderStatusFilled
	order.FilledPrice = price
	order.FilledQty = req.Quantity
	order.Commission = commission
	order.FilledAt = &filledAt

	b.mu.Lock()
	b.orders[id] = order
	b.applyFillLocked(req.Symbol, req.Side, req.Quantity, price)
	b.mu.Unlock()

	b.logger.InfoContext(ctx, "paper fill",
		slog.String("order_id", id),
		slog.String("symbol", req.Symbol),
		slog.String("kind", string(req.Kind)),
		slog.String("side", string(req.Side)),
		slog.Int64("qty", req.Quantity),
		slog.Float64("quote", quote.LastPrice),
		slog.Float64("fill", price),
		slog.String("commission", commission.String()),
	)

	return domain.OrderResult{
		OrderID:     id,
		Status:      domain.OrderStatusFilled,
		FilledPrice: price,
		FilledQty:   req.Quantity,
		Commission:  commission,
		FilledAt:    filledAt,
	}, nil
}

func (b *Broker) applyFillLocked(symbol string, side domain.OrderSide, qty int64, price float64) {
	h := b.positions[symbol]
	delta := qty
	if side == domain.OrderSideSell {
		delta = -qty
	}
	next := h.qty + delta
	switch {
	case next == 0:
		delete(b.positions, symbol)
		return
	case h.qty == 0 || (h.qty > 0) != (next > 0):
		h.avgPrice = price
	case (h.qty > 0) == (delta > 0):
		h.avgPrice = (h.avgPrice*float64(abs(h.qty)) + price*float64(qty)) / float64(abs(next))
	}
	h.qty = next
	b.positions[symbol] = h
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// CancelOrder cancels a resting order.
func (b *Broker) CancelOrder(_ context.Context, orderID string) (domain.OrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return "", fmt.Errorf("paper: cancel %s: %w: %w", orderID, domain.ErrBrokerRejected, domain.ErrNotFound)
	}
	if o.Status.Terminal() {
		return o.Status, fmt.Errorf("paper: cancel %s: order %s: %w", orderID, o.Status, domain.ErrBrokerRejected)
	}
	o.Status = domain.OrderStatusCancelled
	b.orders[orderID] = o
	return o.Status, nil
}

// GetPositions returns the simulated holdings.
func (b *Broker) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	b.mu.Lock()
	out := make([]domain.BrokerPosition, 0, len(b.positions))
	for sym, h := range b.positions {
		out = append(out, domain.BrokerPosition{Symbol: sym, Quantity: h.qty, AvgPrice: h.avgPrice})
	}
	b.mu.Unlock()

	for i := range out {
		if q, err := b.quotes.GetQuote(ctx, out[i].Symbol); err == nil {
			out[i].LastPrice = q.LastPrice
		}
	}
	return out, nil
}

// GetQuote returns the current quote from the configured source.
func (b *Broker) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	return b.quotes.GetQuote(ctx, symbol)
}

// GetOrder reports the simulated state of an order.
func (b *Broker) GetOrder(_ context.Context, orderID string) (domain.OrderUpdate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return domain.OrderUpdate{}, fmt.Errorf("paper: get order %s: %w", orderID, domain.ErrNotFound)
	}
	u := domain.OrderUpdate{
		OrderID:     o.ID,
		Status:      o.Status,
		FilledPrice: o.FilledPrice,
		FilledQty:   o.FilledQty,
		Commission:  o.Commission,
		Message:     o.Message,
	}
	if o.FilledAt != nil {
		u.At = *o.FilledAt
	}
	return u, nil
}
