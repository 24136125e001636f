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

var _ domain.RiskStateStore = (*RiskStateStore)(nil)

// RiskStateStore keeps one risk ledger row per trade date.
type RiskStateStore struct {
	pool *pgxpool.Pool
}

// NewRiskStateStore creates a new RiskStateStore backed by the given connection pool.
func NewRiskStateStore(pool *pgxpool.Pool) *RiskStateStore {
	return &RiskStateStore{pool: pool}
}

// Save writes the ledger for state.TradeDate, replacing any earlier copy.
func (s *RiskStateStore) Save(ctx context.Context, st domain.RiskState) error {
	const query = `
		INSERT INTO risk_state (
			trade_date, daily_pnl, peak_equity, consecutive_losses, trades_today,
			wins, losses, tripped, trip_reason, trip_time, updated_at
		) VALUES ($1::date, $2::numeric, $3::numeric, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (trade_date) DO UPDATE SET
			daily_pnl = EXCLUDED.daily_pnl,
			peak_equity = EXCLUDED.peak_equity,
			consecutive_losses = EXCLUDED.consecutive_losses,
			trades_today = EXCLUDED.trades_today,
			wins = EXCLUDED.wins,
			losses = EXCLUDED.losses,
			tripped = EXCLUDED.tripped,
			trip_reason = EXCLUDED.trip_reason,
			trip_time = EXCLUDED.trip_time,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		st.TradeDate, st.DailyPnL.String(), st.PeakEquity.String(), st.ConsecutiveLosses, st.TradesToday,
		st.Wins, st.Losses, st.Tripped, st.TripReason, nullTime(st.TripTime),
	)
	if err != nil {
		return fmt.Errorf("postgres: save risk state %s: %w", st.TradeDate, err)
	}
	return nil
}

// Load returns the ledger for tradeDate, or domain.ErrNotFound.
func (s *RiskStateStore) Load(ctx context.Context, tradeDate string) (domain.RiskState, error) {
	const query = `
		SELECT to_char(trade_date, 'YYYY-MM-DD'), daily_pnl::text, peak_equity::text,
			consecutive_losses, trades_today, wins, losses, tripped, trip_reason, trip_time
		FROM risk_state WHERE trade_date = $1::date`

	var st domain.RiskState
	var pnl, peak string
	var tripTime *time.Time
	err := s.pool.QueryRow(ctx, query, tradeDate).Scan(
		&st.TradeDate, &pnl, &peak,
		&st.ConsecutiveLosses, &st.TradesToday, &st.Wins, &st.Losses,
		&st.Tripped, &st.TripReason, &tripTime,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RiskState{}, fmt.Errorf("postgres: load risk state %s: %w", tradeDate, domain.ErrNotFound)
		}
		return domain.RiskState{}, fmt.Errorf("postgres: load risk state %s: %w", tradeDate, err)
	}
	if st.DailyPnL, err = parseDecimal("daily_pnl", pnl); err != nil {
		return domain.RiskState{}, err
	}
	if st.PeakEquity, err = parseDecimal("peak_equity", peak); err != nil {
		return domain.RiskState{}, err
	}
	if tripTime != nil {
		st.TripTime = tripTime.UTC()
	}
	return st, nil
}
