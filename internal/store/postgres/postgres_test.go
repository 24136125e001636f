package postgres

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

func TestListQuery(t *testing.T) {
	since := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	until := since.Add(24 * time.Hour)

	q, args := listQuery("SELECT id FROM trades WHERE 1=1", "exit_time",
		domain.ListOpts{Since: &since, Until: &until, Limit: 10, Offset: 20}, nil)
	assert.Equal(t, "SELECT id FROM trades WHERE 1=1 AND exit_time >= $1 AND exit_time < $2 ORDER BY exit_time DESC LIMIT $3 OFFSET $4", q)
	assert.Equal(t, []any{since, until, 10, 20}, args)

	q, args = listQuery("SELECT id FROM orders WHERE position_id = $1", "created_at", domain.ListOpts{Limit: 5}, []any{"p1"})
	assert.Equal(t, "SELECT id FROM orders WHERE position_id = $1 ORDER BY created_at DESC LIMIT $2", q)
	assert.Equal(t, []any{"p1", 5}, args)
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/exec?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "exec", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestDSNAppliesDefaults(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:6432/exec?sslmode=require",
		DSN(ClientConfig{Host: "db", Port: 6432, Database: "exec", User: "u", Password: "p", SSLMode: "require"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "  postgres://x  "}))
}

func TestLoadMigrationsOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"m/010_trades_index.sql": {Data: []byte("CREATE INDEX t ON trades (exit_time);")},
		"m/002_audit.sql":        {Data: []byte("CREATE TABLE audit ();")},
		"m/001_init.sql":         {Data: []byte("CREATE TABLE positions ();")},
		"m/README.md":            {Data: []byte("notes")},
	}

	steps, err := loadMigrations(fsys, "m")

	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, []int{1, 2, 10}, []int{steps[0].version, steps[1].version, steps[2].version})
	assert.Equal(t, "010_trades_index.sql", steps[2].name)
	assert.Contains(t, steps[0].sql, "positions")
}

func TestLoadMigrationsRejectsBadNames(t *testing.T) {
	_, err := loadMigrations(fstest.MapFS{"m/init.sql": {Data: []byte("")}}, "m")
	assert.ErrorContains(t, err, "positive version")

	_, err = loadMigrations(fstest.MapFS{
		"m/001_init.sql":  {Data: []byte("")},
		"m/0001_more.sql": {Data: []byte("")},
	}, "m")
	assert.ErrorContains(t, err, "share version 1")
}

func TestEmbeddedMigrationsLoad(t *testing.T) {
	steps, err := loadMigrations(migrationsFS, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, steps)
	assert.Equal(t, 1, steps[0].version)
}

func TestDialIPv4First(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	ctx := context.Background()
	d := &net.Dialer{Timeout: time.Second}

	var asked []string
	lookup := func(_ context.Context, network, host string) ([]net.IP, error) {
		asked = append(asked, network+" "+host)
		if host == "journal.test" {
			return []net.IP{net.ParseIP("127.0.0.1")}, nil
		}
		return nil, errors.New("no such host")
	}
	dial := dialIPv4First(d, lookup)

	conn, err := dial(ctx, "tcp", net.JoinHostPort("journal.test", port))
	require.NoError(t, err)
	_ = conn.Close()
	assert.Equal(t, []string{"ip4 journal.test"}, asked)

	asked = nil
	conn, err = dial(ctx, "tcp", ln.Addr().String())
	require.NoError(t, err)
	_ = conn.Close()
	assert.Empty(t, asked, "literal addresses skip the lookup")

	_, err = dial(ctx, "tcp", net.JoinHostPort("journal.invalid", port))
	require.Error(t, err)
	assert.ErrorContains(t, err, "lookup ip4")
	assert.ErrorContains(t, err, "journal.invalid")

	_, err = dial(ctx, "tcp", "no-port")
	assert.Error(t, err)
}

// newTestClient connects to TRADEEXEC_TEST_POSTGRES_DSN, runs the migrations
// and skips the test when the variable is unset.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("TRADEEXEC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TRADEEXEC_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	_, err = c.RunMigrations(ctx)
	require.NoError(t, err)
	// A second run finds nothing to do.
	applied, err := c.RunMigrations(ctx)
	require.NoError(t, err)
	require.Zero(t, applied)
	return c
}

func TestPositionStore(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	store := NewPositionStore(c.Pool())

	entry := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	p := domain.Position{
		ID:              uuid.NewString(),
		Symbol:          "T" + uuid.NewString()[:8],
		Side:            domain.SideLong,
		Quantity:        100,
		AvgEntryPrice:   250.5,
		StopLoss:        245,
		InitialStopLoss: 245,
		Target:          260,
		State:           domain.PositionOpen,
		ProductType:     domain.ProductIntraday,
		EntryOrderID:    "ord-1",
		EntryCommission: decimal.RequireFromString("1.25"),
		EntryTime:       entry,
		UpdatedAt:       entry,
	}
	require.NoError(t, store.Upsert(ctx, p))

	got, err := store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Symbol, got.Symbol)
	assert.Equal(t, "1.25", got.EntryCommission.String())
	assert.True(t, entry.Equal(got.EntryTime))

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	assert.True(t, containsPosition(active, p.ID))

	p.State = domain.PositionClosed
	require.NoError(t, store.Upsert(ctx, p))
	active, err = store.ListActive(ctx)
	require.NoError(t, err)
	assert.False(t, containsPosition(active, p.ID))

	_, err = store.GetByID(ctx, uuid.NewString())
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func containsPosition(ps []domain.Position, id string) bool {
	for _, p := range ps {
		if p.ID == id {
			return true
		}
	}
	return false
}

func TestOrderStore(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	store := NewOrderStore(c.Pool())

	posID := uuid.NewString()
	created := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	o := domain.Order{
		ID:         uuid.NewString(),
		PositionID: posID,
		Symbol:     "MSFT",
		Kind:       domain.OrderKindEntry,
		Side:       domain.OrderSideBuy,
		Type:       domain.OrderTypeMarket,
		Quantity:   10,
		Status:     domain.OrderStatusPending,
		CreatedAt:  created,
	}
	require.NoError(t, store.Upsert(ctx, o))

	filled := created.Add(time.Second)
	o.Status = domain.OrderStatusFilled
	o.FilledQty = 10
	o.FilledPrice = 410.2
	o.Commission = decimal.NewFromInt(20)
	o.FilledAt = &filled
	require.NoError(t, store.Upsert(ctx, o))

	got, err := store.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.Equal(t, "20", got.Commission.String())
	require.NotNil(t, got.FilledAt)
	assert.True(t, filled.Equal(*got.FilledAt))

	list, err := store.ListByPosition(ctx, posID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, o.ID, list[0].ID)
}

func TestTradeStoreListAndDelete(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	store := NewTradeStore(c.Pool())

	// Far in the past so other rows in a shared database are unaffected.
	base := time.Date(1999, 1, 4, 15, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		tr := domain.Trade{
			ID:          uuid.NewString(),
			PositionID:  uuid.NewString(),
			Symbol:      "AAPL",
			Side:        domain.SideShort,
			Quantity:    5,
			EntryPrice:  100,
			ExitPrice:   98,
			ProductType: domain.ProductIntraday,
			EntryTime:   base.Add(time.Duration(i) * time.Hour),
			ExitTime:    base.Add(time.Duration(i)*time.Hour + 30*time.Minute),
			ExitReason:  domain.ExitTarget,
			RealizedPnL: decimal.RequireFromString("10.5"),
		}
		require.NoError(t, store.Insert(ctx, tr))
		require.NoError(t, store.Insert(ctx, tr))
		ids = append(ids, tr.ID)
	}

	since := base
	until := base.Add(24 * time.Hour)
	list, err := store.List(ctx, domain.ListOpts{Since: &since, Until: &until, Limit: 2})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, "10.5", list[0].RealizedPnL.String())

	n, err := store.DeleteBefore(ctx, base.Add(time.Hour+45*time.Minute))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(2))

	list, err = store.List(ctx, domain.ListOpts{Since: &since, Until: &until})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ids[2], list[0].ID)
}

func TestRiskStateStore(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	store := NewRiskStateStore(c.Pool())

	_, err := store.Load(ctx, "1998-12-31")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	trip := time.Date(1999, 1, 4, 16, 0, 0, 0, time.UTC)
	st := domain.RiskState{
		TradeDate:         "1999-01-04",
		DailyPnL:          decimal.RequireFromString("-2040"),
		PeakEquity:        decimal.NewFromInt(100000),
		ConsecutiveLosses: 5,
		TradesToday:       5,
		Losses:            5,
		Tripped:           true,
		TripReason:        "consecutive_losses",
		TripTime:          trip,
	}
	require.NoError(t, store.Save(ctx, st))
	require.NoError(t, store.Save(ctx, st))

	got, err := store.Load(ctx, "1999-01-04")
	require.NoError(t, err)
	assert.Equal(t, "1999-01-04", got.TradeDate)
	assert.Equal(t, "-2040", got.DailyPnL.String())
	assert.True(t, got.Tripped)
	assert.True(t, trip.Equal(got.TripTime))
}

func TestAuditStore(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	store := NewAuditStore(c.Pool())

	marker := uuid.NewString()
	require.NoError(t, store.Log(ctx, "breaker_reset", map[string]any{"marker": marker}))

	entries, err := store.List(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if e.Event == "breaker_reset" && e.Detail["marker"] == marker {
			found = true
		}
	}
	assert.True(t, found)
}
