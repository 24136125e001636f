// Package broker holds venue-independent decorators around domain.Broker.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

var (
	_ domain.Broker             = (*Timeout)(nil)
	_ domain.OrderStatusFetcher = (*Timeout)(nil)
)

// Timeout bounds every broker call. A call that outlives its deadline
// returns domain.ErrBrokerTimeout: the venue may or may not have acted on it.
type Timeout struct {
	next    domain.Broker
	timeout time.Duration
}

// WithTimeout wraps next so each call is limited to d.
func WithTimeout(next domain.Broker, d time.Duration) *Timeout {
	return &Timeout{next: next, timeout: d}
}

// PlaceOrder forwards to the wrapped broker under a deadline.
func (t *Timeout) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	return bounded(ctx, t.timeout, "place order", func(ctx context.Context) (domain.OrderResult, error) {
		return t.next.PlaceOrder(ctx, req)
	})
}

// CancelOrder forwards to the wrapped broker under a deadline.
func (t *Timeout) CancelOrder(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	return bounded(ctx, t.timeout, "cancel order", func(ctx context.Context) (domain.OrderStatus, error) {
		return t.next.CancelOrder(ctx, orderID)
	})
}

// GetPositions forwards to the wrapped broker under a deadline.
func (t *Timeout) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	return bounded(ctx, t.timeout, "get positions", func(ctx context.Context) ([]domain.BrokerPosition, error) {
		return t.next.GetPositions(ctx)
	})
}

// GetQuote forwards to the wrapped broker under a deadline.
func (t *Timeout) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	return bounded(ctx, t.timeout, "get quote", func(ctx context.Context) (domain.Quote, error) {
		return t.next.GetQuote(ctx, symbol)
	})
}

// GetOrder forwards to the wrapped broker when it can report order status.
func (t *Timeout) GetOrder(ctx context.Context, orderID string) (domain.OrderUpdate, error) {
	f, ok := t.next.(domain.OrderStatusFetcher)
	if !ok {
		return domain.OrderUpdate{}, errors.ErrUnsupported
	}
	return bounded(ctx, t.timeout, "get order", func(ctx context.Context) (domain.OrderUpdate, error) {
		return f.GetOrder(ctx, orderID)
	})
}

// bounded runs fn in its own goroutine so adapters whose client libraries
// ignore the context still respect the deadline.
func bounded[T any](ctx context.Context, d time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && !errors.Is(r.err, domain.ErrBrokerTimeout) {
			return r.v, fmt.Errorf("broker: %s: %w: %w", op, domain.ErrBrokerTimeout, r.err)
		}
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("broker: %s: %w: %w", op, domain.ErrBrokerTimeout, ctx.Err())
	}
}
