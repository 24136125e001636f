package domain

import "context"

// Broker is the venue capability the engine depends on. One implementation
// exists per venue; the engine never sees anything more specific.
type Broker interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) (OrderStatus, error)
	GetPositions(ctx context.Context) ([]BrokerPosition, error)
	GetQuote(ctx context.Context, symbol string) (Quote, error)
}

// OrderStatusFetcher is implemented by brokers that can report the state of
// a single order. Reconciliation uses it to recover real fill prices.
type OrderStatusFetcher interface {
	GetOrder(ctx context.Context, orderID string) (OrderUpdate, error)
}
