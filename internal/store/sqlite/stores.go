package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

// Positions, orders and trades are kept as JSON bodies next to the columns
// they are queried by.

var (
	_ domain.PositionStore  = (*PositionStore)(nil)
	_ domain.OrderStore     = (*OrderStore)(nil)
	_ domain.TradeStore     = (*TradeStore)(nil)
	_ domain.RiskStateStore = (*RiskStateStore)(nil)
	_ domain.AuditStore     = (*AuditStore)(nil)
)

// PositionStore implements domain.PositionStore.
type PositionStore struct{ db *sql.DB }

// Upsert inserts or replaces the position.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("sqlite: marshal position %s: %w", p.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO positions (id, symbol, state, entry_time, body) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, body = excluded.body`,
		p.ID, p.Symbol, string(p.State), formatTime(p.EntryTime), string(body))
	if err != nil {
		return fmt.Errorf("sqlite: upsert position %s: %w", p.ID, err)
	}
	return nil
}

// ListActive returns positions that are not CLOSED, oldest first.
func (s *PositionStore) ListActive(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM positions WHERE state <> ? ORDER BY entry_time`, string(domain.PositionClosed))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list active positions: %w", err)
	}
	return scanBodies[domain.Position](rows, "position")
}

// GetByID returns a position, or domain.ErrNotFound.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	var p domain.Position
	if err := getBody(ctx, s.db, `SELECT body FROM positions WHERE id = ?`, id, &p); err != nil {
		return domain.Position{}, fmt.Errorf("sqlite: get position %s: %w", id, err)
	}
	return p, nil
}

// OrderStore implements domain.OrderStore.
type OrderStore struct{ db *sql.DB }

// Upsert inserts or replaces the order.
func (s *OrderStore) Upsert(ctx context.Context, o domain.Order) error {
	body, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("sqlite: marshal order %s: %w", o.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (id, position_id, created_at, body) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body`,
		o.ID, o.PositionID, formatTime(o.CreatedAt), string(body))
	if err != nil {
		return fmt.Errorf("sqlite: upsert order %s: %w", o.ID, err)
	}
	return nil
}

// GetByID returns an order, or domain.ErrNotFound.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	var o domain.Order
	if err := getBody(ctx, s.db, `SELECT body FROM orders WHERE id = ?`, id, &o); err != nil {
		return domain.Order{}, fmt.Errorf("sqlite: get order %s: %w", id, err)
	}
	return o, nil
}

// ListByPosition returns the orders of a position in creation order.
func (s *OrderStore) ListByPosition(ctx context.Context, positionID string) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM orders WHERE position_id = ? ORDER BY created_at, id`, positionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list orders for %s: %w", positionID, err)
	}
	return scanBodies[domain.Order](rows, "order")
}

// TradeStore implements domain.TradeStore.
type TradeStore struct{ db *sql.DB }

// Insert records a closed trade. Re-inserting an id is a no-op.
func (s *TradeStore) Insert(ctx context.Context, t domain.Trade) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("sqlite: marshal trade %s: %w", t.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trades (id, exit_time, body) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		t.ID, formatTime(t.ExitTime), string(body))
	if err != nil {
		return fmt.Errorf("sqlite: insert trade %s: %w", t.ID, err)
	}
	return nil
}

// List returns trades by exit time, newest first.
func (s *TradeStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Trade, error) {
	query, args := window(`SELECT body FROM trades WHERE 1=1`, "exit_time", opts)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list trades: %w", err)
	}
	return scanBodies[domain.Trade](rows, "trade")
}

// DeleteBefore removes trades that exited before the cutoff.
func (s *TradeStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trades WHERE exit_time < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete trades: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete trades: %w", err)
	}
	return n, nil
}

// RiskStateStore implements domain.RiskStateStore.
type RiskStateStore struct{ db *sql.DB }

// Save writes the ledger for st.TradeDate.
func (s *RiskStateStore) Save(ctx context.Context, st domain.RiskState) error {
	var trip sql.NullString
	if !st.TripTime.IsZero() {
		trip = sql.NullString{String: formatTime(st.TripTime), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_state (
			trade_date, daily_pnl, peak_equity, consecutive_losses, trades_today,
			wins, losses, tripped, trip_reason, trip_time, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trade_date) DO UPDATE SET
			daily_pnl = excluded.daily_pnl,
			peak_equity = excluded.peak_equity,
			consecutive_losses = excluded.consecutive_losses,
			trades_today = excluded.trades_today,
			wins = excluded.wins,
			losses = excluded.losses,
			tripped = excluded.tripped,
			trip_reason = excluded.trip_reason,
			trip_time = excluded.trip_time,
			updated_at = excluded.updated_at`,
		st.TradeDate, st.DailyPnL.String(), st.PeakEquity.String(), st.ConsecutiveLosses, st.TradesToday,
		st.Wins, st.Losses, st.Tripped, st.TripReason, trip, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("sqlite: save risk state %s: %w", st.TradeDate, err)
	}
	return nil
}

// Load returns the ledger for tradeDate, or domain.ErrNotFound.
func (s *RiskStateStore) Load(ctx context.Context, tradeDate string) (domain.RiskState, error) {
	var st domain.RiskState
	var pnl, peak string
	var trip sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT trade_date, daily_pnl, peak_equity, consecutive_losses, trades_today,
			wins, losses, tripped, trip_reason, trip_time
		FROM risk_state WHERE trade_date = ?`, tradeDate).Scan(
		&st.TradeDate, &pnl, &peak, &st.ConsecutiveLosses, &st.TradesToday,
		&st.Wins, &st.Losses, &st.Tripped, &st.TripReason, &trip)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RiskState{}, fmt.Errorf("sqlite: load risk state %s: %w", tradeDate, domain.ErrNotFound)
		}
		return domain.RiskState{}, fmt.Errorf("sqlite: load risk state %s: %w", tradeDate, err)
	}
	if st.DailyPnL, err = parseDecimal("daily_pnl", pnl); err != nil {
		return domain.RiskState{}, err
	}
	if st.PeakEquity, err = parseDecimal("peak_equity", peak); err != nil {
		return domain.RiskState{}, err
	}
	if trip.Valid {
		if st.TripTime, err = parseTime(trip.String); err != nil {
			return domain.RiskState{}, err
		}
	}
	return st, nil
}

// AuditStore implements domain.AuditStore.
type AuditStore struct{ db *sql.DB }

// Log appends an audit row.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	var raw sql.NullString
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("sqlite: marshal audit detail: %w", err)
		}
		raw = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (event, detail, created_at) VALUES (?, ?, ?)`,
		event, raw, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns audit rows, newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query, args := window(`SELECT id, event, detail, created_at FROM audit_log WHERE 1=1`, "created_at", opts)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var raw sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.Event, &raw, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		if raw.Valid {
			if err := json.Unmarshal([]byte(raw.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit detail %d: %w", e.ID, err)
			}
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries rows: %w", err)
	}
	return out, nil
}

func getBody(ctx context.Context, db *sql.DB, query, id string, dst any) error {
	var body string
	if err := db.QueryRowContext(ctx, query, id).Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		return err
	}
	return json.Unmarshal([]byte(body), dst)
}

func scanBodies[T any](rows *sql.Rows, what string) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("sqlite: scan %s: %w", what, err)
		}
		var v T
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal %s: %w", what, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: %s rows: %w", what, err)
	}
	return out, nil
}
