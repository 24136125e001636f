package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions so an engine restart can resume managing
// exposure it opened earlier.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	ListActive(ctx context.Context) ([]Position, error)
	GetByID(ctx context.Context, id string) (Position, error)
}

// OrderStore persists every order the engine sends or simulates.
type OrderStore interface {
	Upsert(ctx context.Context, order Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	ListByPosition(ctx context.Context, positionID string) ([]Order, error)
}

// TradeStore persists closed trades.
type TradeStore interface {
	Insert(ctx context.Context, trade Trade) error
	List(ctx context.Context, opts ListOpts) ([]Trade, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// RiskStateStore persists the day-scoped risk ledger.
type RiskStateStore interface {
	Save(ctx context.Context, state RiskState) error
	Load(ctx context.Context, tradeDate string) (RiskState, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Journal bundles the stores the engine writes through.
type Journal struct {
	Positions PositionStore
	Orders    OrderStore
	Trades    TradeStore
	Risk      RiskStateStore
	Audit     AuditStore
}
