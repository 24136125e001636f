package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

var _ domain.PositionStore = (*PositionStore)(nil)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, symbol, side, quantity, avg_entry_price, current_price,
	stop_loss, initial_stop_loss, target, trailing_enabled, trailing_distance,
	high_watermark, low_watermark, state, product_type, strategy_id,
	entry_order_id, stop_order_id, exit_order_id, pending_exit_reason,
	entry_commission::text, entry_time, updated_at, reconcile_cycles`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, state, product, exitReason, commission string

	err := row.Scan(
		&p.ID, &p.Symbol, &side, &p.Quantity, &p.AvgEntryPrice, &p.CurrentPrice,
		&p.StopLoss, &p.InitialStopLoss, &p.Target, &p.TrailingStopEnabled, &p.TrailingStopDistance,
		&p.HighWatermark, &p.LowWatermark, &state, &product, &p.StrategyID,
		&p.EntryOrderID, &p.StopOrderID, &p.ExitOrderID, &exitReason,
		&commission, &p.EntryTime, &p.UpdatedAt, &p.ReconcileCycles,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.State = domain.PositionState(state)
	p.ProductType = domain.ProductType(product)
	p.PendingExitReason = domain.ExitReason(exitReason)
	if p.EntryCommission, err = parseDecimal("entry_commission", commission); err != nil {
		return domain.Position{}, err
	}
	p.EntryTime = p.EntryTime.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

// Upsert inserts the position or overwrites every mutable column.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, symbol, side, quantity, avg_entry_price, current_price,
			stop_loss, initial_stop_loss, target, trailing_enabled, trailing_distance,
			high_watermark, low_watermark, state, product_type, strategy_id,
			entry_order_id, stop_order_id, exit_order_id, pending_exit_reason,
			entry_commission, entry_time, updated_at, reconcile_cycles
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19, $20,
			$21::numeric, $22, COALESCE($23, NOW()), $24
		)
		ON CONFLICT (id) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			avg_entry_price = EXCLUDED.avg_entry_price,
			current_price = EXCLUDED.current_price,
			stop_loss = EXCLUDED.stop_loss,
			target = EXCLUDED.target,
			trailing_enabled = EXCLUDED.trailing_enabled,
			trailing_distance = EXCLUDED.trailing_distance,
			high_watermark = EXCLUDED.high_watermark,
			low_watermark = EXCLUDED.low_watermark,
			state = EXCLUDED.state,
			entry_order_id = EXCLUDED.entry_order_id,
			stop_order_id = EXCLUDED.stop_order_id,
			exit_order_id = EXCLUDED.exit_order_id,
			pending_exit_reason = EXCLUDED.pending_exit_reason,
			entry_commission = EXCLUDED.entry_commission,
			updated_at = EXCLUDED.updated_at,
			reconcile_cycles = EXCLUDED.reconcile_cycles`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.Symbol, string(p.Side), p.Quantity, p.AvgEntryPrice, p.CurrentPrice,
		p.StopLoss, p.InitialStopLoss, p.Target, p.TrailingStopEnabled, p.TrailingStopDistance,
		p.HighWatermark, p.LowWatermark, string(p.State), string(p.ProductType), p.StrategyID,
		p.EntryOrderID, p.StopOrderID, p.ExitOrderID, string(p.PendingExitReason),
		p.EntryCommission.String(), p.EntryTime.UTC(), nullTime(p.UpdatedAt), p.ReconcileCycles,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.ID, err)
	}
	return nil
}

// ListActive returns every position that is not CLOSED, oldest first.
func (s *PositionStore) ListActive(ctx context.Context) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE state <> $1 ORDER BY entry_time`
	rows, err := s.pool.Query(ctx, query, string(domain.PositionClosed))
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list active positions rows: %w", err)
	}
	return out, nil
}

// GetByID returns a position by id, or domain.ErrNotFound.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE id = $1`
	p, err := scanPosition(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, domain.ErrNotFound)
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}
