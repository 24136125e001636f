package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

var _ domain.OrderStore = (*OrderStore)(nil)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderSelectCols = `id, position_id, symbol, kind, side, type, quantity,
	price, trigger_price, status, filled_price, filled_qty, commission::text,
	message, created_at, filled_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var kind, side, typ, status, commission string
	var filledAt *time.Time

	err := row.Scan(
		&o.ID, &o.PositionID, &o.Symbol, &kind, &side, &typ, &o.Quantity,
		&o.Price, &o.TriggerPrice, &status, &o.FilledPrice, &o.FilledQty, &commission,
		&o.Message, &o.CreatedAt, &filledAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Kind = domain.OrderKind(kind)
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(typ)
	o.Status = domain.OrderStatus(status)
	if o.Commission, err = parseDecimal("commission", commission); err != nil {
		return domain.Order{}, err
	}
	o.CreatedAt = o.CreatedAt.UTC()
	if filledAt != nil {
		t := filledAt.UTC()
		o.FilledAt = &t
	}
	return o, nil
}

// Upsert inserts the order or updates its fill state.
func (s *OrderStore) Upsert(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, position_id, symbol, kind, side, type, quantity,
			price, trigger_price, status, filled_price, filled_qty, commission,
			message, created_at, filled_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13::numeric,
			$14, $15, $16, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			price = EXCLUDED.price,
			trigger_price = EXCLUDED.trigger_price,
			status = EXCLUDED.status,
			filled_price = EXCLUDED.filled_price,
			filled_qty = EXCLUDED.filled_qty,
			commission = EXCLUDED.commission,
			message = EXCLUDED.message,
			filled_at = EXCLUDED.filled_at,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		o.ID, o.PositionID, o.Symbol, string(o.Kind), string(o.Side), string(o.Type), o.Quantity,
		o.Price, o.TriggerPrice, string(o.Status), o.FilledPrice, o.FilledQty, o.Commission.String(),
		o.Message, o.CreatedAt.UTC(), o.FilledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert order %s: %w", o.ID, err)
	}
	return nil
}

// GetByID returns an order by id, or domain.ErrNotFound.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders WHERE id = $1`
	o, err := scanOrder(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, domain.ErrNotFound)
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// ListByPosition returns the orders of a position in creation order.
func (s *OrderStore) ListByPosition(ctx context.Context, positionID string) ([]domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders WHERE position_id = $1 ORDER BY created_at, id`
	rows, err := s.pool.Query(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders for %s: %w", positionID, err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list orders rows: %w", err)
	}
	return out, nil
}
