// Package sqlite is a single-file journal for simulated and dry-run sessions
// that run without PostgreSQL. It implements the same stores as the postgres
// package on the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeexec/internal/domain"

	_ "modernc.org/sqlite"
)

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DB owns the SQLite handle shared by the stores.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// ":memory:" is accepted for tests.
func Open(ctx context.Context, path string) (*DB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite: create dir %s: %w", dir, err)
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// One writer; also keeps a :memory: database on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Journal returns every store backed by this database.
func (d *DB) Journal() domain.Journal {
	return domain.Journal{
		Positions: &PositionStore{db: d.db},
		Orders:    &OrderStore{db: d.db},
		Trades:    &TradeStore{db: d.db},
		Risk:      &RiskStateStore{db: d.db},
		Audit:     &AuditStore{db: d.db},
	}
}

func (d *DB) init(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			state TEXT NOT NULL,
			entry_time TEXT NOT NULL,
			body TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS positions_state ON positions(state);`,
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			position_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			body TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS orders_position ON orders(position_id);`,
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			exit_time TEXT NOT NULL,
			body TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS trades_exit_time ON trades(exit_time);`,
		`CREATE TABLE IF NOT EXISTS risk_state (
			trade_date TEXT PRIMARY KEY,
			daily_pnl TEXT NOT NULL,
			peak_equity TEXT NOT NULL,
			consecutive_losses INTEGER NOT NULL,
			trades_today INTEGER NOT NULL,
			wins INTEGER NOT NULL,
			losses INTEGER NOT NULL,
			tripped INTEGER NOT NULL,
			trip_reason TEXT NOT NULL,
			trip_time TEXT,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event TEXT NOT NULL,
			detail TEXT,
			created_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite: init schema: %w", err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", s, err)
	}
	return t, nil
}

func parseDecimal(col, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sqlite: parse %s %q: %w", col, s, err)
	}
	return d, nil
}

// window appends the time window, newest-first ordering and paging of opts.
// rowid breaks ties between rows written in the same instant.
func window(base, timeCol string, opts domain.ListOpts) (string, []any) {
	query := base
	var args []any
	if opts.Since != nil {
		query += " AND " + timeCol + " >= ?"
		args = append(args, formatTime(*opts.Since))
	}
	if opts.Until != nil {
		query += " AND " + timeCol + " < ?"
		args = append(args, formatTime(*opts.Until))
	}
	query += " ORDER BY " + timeCol + " DESC, rowid DESC"
	switch {
	case opts.Limit > 0:
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	case opts.Offset > 0:
		query += " LIMIT -1"
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}
	return query, args
}
