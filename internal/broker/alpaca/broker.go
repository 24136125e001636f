// Package alpaca adapts the Alpaca trading and market data APIs to
// domain.Broker.
package alpaca

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

var (
	_ domain.Broker             = (*Broker)(nil)
	_ domain.OrderStatusFetcher = (*Broker)(nil)
)

// Config holds Alpaca credentials and endpoints. Empty URLs use the SDK
// defaults.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string
	DataURL   string
}

// Broker places orders through the Alpaca trading API and reads quotes from
// the market data API. The SDK does not take a context, so callers bound
// each call with broker.WithTimeout.
type Broker struct {
	trading *alpaca.Client
	data    *marketdata.Client
	logger  *slog.Logger
}

// New creates an Alpaca-backed broker.
func New(cfg Config, logger *slog.Logger) *Broker {
	dataOpts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		dataOpts.BaseURL = cfg.DataURL
	}
	return &Broker{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			BaseURL:   cfg.BaseURL,
		}),
		data:   marketdata.NewClient(dataOpts),
		logger: logger.With(slog.String("component", "alpaca_broker")),
	}
}

// PlaceOrder submits req as a day order.
func (b *Broker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	qty := decimal.NewFromInt(req.Quantity)
	r := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Buy,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientOrderID,
	}
	if req.Side == domain.OrderSideSell {
		r.Side = alpaca.Sell
	}
	switch req.Type {
	case domain.OrderTypeLimit:
		lp := decimal.NewFromFloat(req.Price)
		r.Type = alpaca.Limit
		r.LimitPrice = &lp
	case domain.OrderTypeStop:
		sp := decimal.NewFromFloat(req.TriggerPrice)
		r.Type = alpaca.Stop
		r.StopPrice = &sp
	}

	order, err := b.trading.PlaceOrder(r)
	if err != nil {
		res := domain.OrderResult{Status: domain.OrderStatusRejected, Message: err.Error()}
		err = classify(err)
		if !errors.Is(err, domain.ErrBrokerRejected) {
			res.Status = ""
		}
		b.logger.WarnContext(ctx, "place order failed",
			slog.String("symbol", req.Symbol),
			slog.String("kind", string(req.Kind)),
			slog.String("error", err.Error()),
		)
		return res, fmt.Errorf("alpaca: place order %s: %w", req.Symbol, err)
	}

	u := toUpdate(order)
	return domain.OrderResult{
		OrderID:     order.ID,
		Status:      u.Status,
		Message:     order.Status,
		FilledPrice: u.FilledPrice,
		FilledQty:   u.FilledQty,
		FilledAt:    u.At,
	}, nil
}

// CancelOrder cancels orderID.
func (b *Broker) CancelOrder(_ context.Context, orderID string) (domain.OrderStatus, error) {
	if err := b.trading.CancelOrder(orderID); err != nil {
		return "", fmt.Errorf("alpaca: cancel order %s: %w", orderID, classify(err))
	}
	return domain.OrderStatusCancelled, nil
}

// GetPositions lists open positions. Short positions carry negative quantity.
func (b *Broker) GetPositions(_ context.Context) ([]domain.BrokerPosition, error) {
	positions, err := b.trading.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("alpaca: get positions: %w", classify(err))
	}
	out := make([]domain.BrokerPosition, 0, len(positions))
	for _, p := range positions {
		qty := p.Qty.IntPart()
		if strings.EqualFold(p.Side, "short") && qty > 0 {
			qty = -qty
		}
		bp := domain.BrokerPosition{
			Symbol:   p.Symbol,
			Quantity: qty,
			AvgPrice: p.AvgEntryPrice.InexactFloat64(),
		}
		if p.CurrentPrice != nil {
			bp.LastPrice = p.CurrentPrice.InexactFloat64()
		}
		out = append(out, bp)
	}
	return out, nil
}

// GetQuote returns the latest trade price for symbol.
func (b *Broker) GetQuote(_ context.Context, symbol string) (domain.Quote, error) {
	trade, err := b.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return domain.Quote{}, fmt.Errorf("alpaca: latest trade %s: %w", symbol, classify(err))
	}
	if trade == nil {
		return domain.Quote{}, fmt.Errorf("alpaca: latest trade %s: %w", symbol, domain.ErrNotFound)
	}
	return domain.Quote{Symbol: symbol, LastPrice: trade.Price, Timestamp: trade.Timestamp}, nil
}

// GetOrder reports the current state of orderID. An id Alpaca does not know
// is retried as a client order id, which is all the engine holds for an
// order whose submission timed out.
func (b *Broker) GetOrder(_ context.Context, orderID string) (domain.OrderUpdate, error) {
	order, err := b.trading.GetOrder(orderID)
	if err != nil {
		err = classify(err)
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.OrderUpdate{}, fmt.Errorf("alpaca: get order %s: %w", orderID, err)
		}
		order, err = b.trading.GetOrderByClientOrderID(orderID)
		if err != nil {
			return domain.OrderUpdate{}, fmt.Errorf("alpaca: get order %s: %w", orderID, classify(err))
		}
	}
	return toUpdate(order), nil
}

func toUpdate(o *alpaca.Order) domain.OrderUpdate {
	u := domain.OrderUpdate{
		OrderID:   o.ID,
		Status:    mapStatus(o.Status),
		FilledQty: o.FilledQty.IntPart(),
		Message:   o.Status,
	}
	if o.FilledAvgPrice != nil {
		u.FilledPrice = o.FilledAvgPrice.InexactFloat64()
	}
	if o.FilledAt != nil {
		u.At = *o.FilledAt
	}
	return u
}

// mapStatus folds Alpaca's order states onto the engine's five.
func mapStatus(s string) domain.OrderStatus {
	switch s {
	case "filled":
		return domain.OrderStatusFilled
	case "canceled", "expired", "done_for_day", "replaced":
		return domain.OrderStatusCancelled
	case "rejected", "suspended":
		return domain.OrderStatusRejected
	case "pending_new", "accepted", "pending_cancel", "pending_replace", "accepted_for_bidding", "calculated":
		return domain.OrderStatusPending
	default: // new, partially_filled, held, stopped
		return domain.OrderStatusOpen
	}
}

// classify maps SDK errors onto the engine's taxonomy: 4xx responses are
// rejections, everything else leaves the outcome unknown.
func classify(err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %w: %s", domain.ErrBrokerRejected, domain.ErrNotFound, apiErr.Message)
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %w: %s", domain.ErrBrokerRejected, domain.ErrRateLimited, apiErr.Message)
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			return fmt.Errorf("%w: %s", domain.ErrBrokerRejected, apiErr.Message)
		}
		return fmt.Errorf("%w: %s", domain.ErrBrokerUnreachable, apiErr.Message)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrBrokerTimeout, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrBrokerUnreachable, err)
}
