package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

var _ domain.Broker = (*RateLimited)(nil)

// RateLimited throttles entry orders through a shared limiter. Stop and exit
// orders always pass so protective exits are never delayed.
type RateLimited struct {
	next    domain.Broker
	limiter domain.RateLimiter
	key     string
	limit   int
	window  time.Duration
	logger  *slog.Logger
}

// NewRateLimited wraps next with a limit of limit entries per window.
func NewRateLimited(next domain.Broker, limiter domain.RateLimiter, key string, limit int, window time.Duration, logger *slog.Logger) *RateLimited {
	return &RateLimited{
		next:    next,
		limiter: limiter,
		key:     key,
		limit:   limit,
		window:  window,
		logger:  logger.With(slog.String("component", "order_rate_limit")),
	}
}

// PlaceOrder rejects entry orders above the configured rate.
func (r *RateLimited) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if req.Kind == domain.OrderKindEntry {
		allowed, err := r.limiter.Allow(ctx, r.key, r.limit, r.window)
		if err != nil {
			// Limiter outage must not halt trading.
			r.logger.WarnContext(ctx, "rate limiter unavailable, allowing order",
				slog.String("symbol", req.Symbol),
				slog.String("error", err.Error()),
			)
		} else if !allowed {
			res := domain.OrderResult{Status: domain.OrderStatusRejected, Message: "order rate limit exceeded"}
			return res, fmt.Errorf("broker: place order %s: %w: %w",
				req.Symbol, domain.ErrBrokerRejected, domain.ErrRateLimited)
		}
	}
	return r.next.PlaceOrder(ctx, req)
}

// CancelOrder forwards to the wrapped broker.
func (r *RateLimited) CancelOrder(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	return r.next.CancelOrder(ctx, orderID)
}

// GetPositions forwards to the wrapped broker.
func (r *RateLimited) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	return r.next.GetPositions(ctx)
}

// GetQuote forwards to the wrapped broker.
func (r *RateLimited) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	return r.next.GetQuote(ctx, symbol)
}

// GetOrder forwards to the wrapped broker when it can report order status.
func (r *RateLimited) GetOrder(ctx context.Context, orderID string) (domain.OrderUpdate, error) {
	f, ok := r.next.(domain.OrderStatusFetcher)
	if !ok {
		return domain.OrderUpdate{}, errors.ErrUnsupported
	}
	return f.GetOrder(ctx, orderID)
}
