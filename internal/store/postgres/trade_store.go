package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

var _ domain.TradeStore = (*TradeStore)(nil)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, position_id, symbol, side, quantity, entry_price, exit_price,
	stop_loss, target, product_type, strategy_id, entry_order_id, exit_order_id,
	entry_time, exit_time, exit_reason, entry_commission::text, exit_commission::text,
	realized_pnl::text, pnl_percent`

func scanTrade(row pgx.Row) (domain.Trade, error) {
	var t domain.Trade
	var side, product, reason, entryComm, exitComm, pnl string

	err := row.Scan(
		&t.ID, &t.PositionID, &t.Symbol, &side, &t.Quantity, &t.EntryPrice, &t.ExitPrice,
		&t.StopLoss, &t.Target, &product, &t.StrategyID, &t.EntryOrderID, &t.ExitOrderID,
		&t.EntryTime, &t.ExitTime, &reason, &entryComm, &exitComm,
		&pnl, &t.PnLPercent,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	t.Side = domain.Side(side)
	t.ProductType = domain.ProductType(product)
	t.ExitReason = domain.ExitReason(reason)
	t.EntryTime = t.EntryTime.UTC()
	t.ExitTime = t.ExitTime.UTC()
	if t.EntryCommission, err = parseDecimal("entry_commission", entryComm); err != nil {
		return domain.Trade{}, err
	}
	if t.ExitCommission, err = parseDecimal("exit_commission", exitComm); err != nil {
		return domain.Trade{}, err
	}
	if t.RealizedPnL, err = parseDecimal("realized_pnl", pnl); err != nil {
		return domain.Trade{}, err
	}
	return t, nil
}

// Insert records a closed trade. Inserting the same id twice is a no-op.
func (s *TradeStore) Insert(ctx context.Context, t domain.Trade) error {
	const query = `
		INSERT INTO trades (
			id, position_id, symbol, side, quantity, entry_price, exit_price,
			stop_loss, target, product_type, strategy_id, entry_order_id, exit_order_id,
			entry_time, exit_time, exit_reason, entry_commission, exit_commission,
			realized_pnl, pnl_percent
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17::numeric, $18::numeric,
			$19::numeric, $20
		)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.PositionID, t.Symbol, string(t.Side), t.Quantity, t.EntryPrice, t.ExitPrice,
		t.StopLoss, t.Target, string(t.ProductType), t.StrategyID, t.EntryOrderID, t.ExitOrderID,
		t.EntryTime.UTC(), t.ExitTime.UTC(), string(t.ExitReason), t.EntryCommission.String(), t.ExitCommission.String(),
		t.RealizedPnL.String(), t.PnLPercent,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", t.ID, err)
	}
	return nil
}

// List returns trades by exit time, newest first.
func (s *TradeStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Trade, error) {
	query, args := listQuery(`SELECT `+tradeSelectCols+` FROM trades WHERE 1=1`, "exit_time", opts, nil)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list trades rows: %w", err)
	}
	return out, nil
}

// DeleteBefore removes trades that exited before the cutoff.
func (s *TradeStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trades WHERE exit_time < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trades before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}
