package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradeexec/internal/domain"
	"github.com/alanyoungcy/tradeexec/internal/risk"
)

func noon() time.Time { return time.Date(2024, 3, 4, 16, 0, 0, 0, time.UTC) }

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to domain.PositionState
		ok       bool
	}{
		{"", domain.PositionPending, true},
		{domain.PositionPending, domain.PositionOpen, true},
		{domain.PositionPending, domain.PositionClosed, true},
		{domain.PositionOpen, domain.PositionClosing, true},
		{domain.PositionClosing, domain.PositionClosed, true},
		{domain.PositionClosing, domain.PositionOpen, true},
		{domain.PositionOpen, domain.PositionClosed, false},
		{domain.PositionOpen, domain.PositionPending, false},
		{domain.PositionClosed, domain.PositionOpen, false},
		{domain.PositionClosed, domain.PositionPending, false},
		{domain.PositionPending, domain.PositionClosing, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, canTransition(tt.from, tt.to))
		})
	}
}

func TestIllegalTransitionLeavesPositionUntouched(t *testing.T) {
	fx := newFixture(t, risk.Window{}, noon())
	p := &domain.Position{ID: "p1", Symbol: "AAPL", State: domain.PositionOpen}

	err := fx.mgr.transitionLocked(p, domain.PositionPending)

	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
	assert.Equal(t, domain.PositionOpen, p.State)
}

func TestLongStopLossRoundTrip(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, risk.Window{}, noon())
	fx.broker.setPrice("AAPL", 100)

	pos, err := fx.mgr.Enter(ctx, longEntry("AAPL", 1000, 100, 98, 106))
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, pos.State)
	assert.Equal(t, 100.0, pos.AvgEntryPrice)

	stops := fx.broker.callsOf("place", domain.OrderKindStop)
	require.Len(t, stops, 1)
	assert.Equal(t, 98.0, stops[0].req.TriggerPrice)
	assert.Equal(t, domain.OrderSideSell, stops[0].req.Side)
	assert.Equal(t, int64(1000), stops[0].req.Quantity)
	assert.Len(t, fx.sink.ofKind(domain.EventPositionEntryPlaced), 1)

	triggers := fx.tick(ctx, "AAPL", 98)

	require.Len(t, triggers, 1)
	assert.Equal(t, domain.ExitStopLoss, triggers[0].Reason)
	assert.Empty(t, fx.mgr.Active())

	trades := fx.mgr.Trades()
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.Equal(t, domain.ExitStopLoss, tr.ExitReason)
	assert.Equal(t, int64(1000), tr.Quantity)
	assert.Equal(t, "-2040", tr.RealizedPnL.String())

	// The resting stop is cancelled before the exit goes out.
	cancelAt := fx.broker.callIndex("cancel", stops[0].id)
	exits := fx.broker.callsOf("place", domain.OrderKindExit)
	require.Len(t, exits, 1)
	require.GreaterOrEqual(t, cancelAt, 0)
	assert.Less(t, cancelAt, fx.broker.callIndex("place", exits[0].id))

	closed := fx.sink.ofKind(domain.EventPositionClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, string(domain.ExitStopLoss), closed[0].Reason)

	state := fx.breaker.State()
	assert.Equal(t, "-2040", state.DailyPnL.String())
	assert.Equal(t, 1, state.ConsecutiveLosses)

	hist := fx.mgr.History()
	require.Len(t, hist, 1)
	assert.Equal(t, domain.PositionClosed, hist[0].State)
}

func TestShortTargetExit(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, risk.Window{}, noon())
	fx.broker.setPrice("TSLA", 200)

	req := longEntry("TSLA", 100, 200, 205, 190)
	req.Side = domain.SideShort
	_, err := fx.mgr.Enter(ctx, req)
	require.NoError(t, err)

	assert.Empty(t, fx.tick(ctx, "TSLA", 195))
	triggers := fx.tick(ctx, "TSLA", 189.5)

	require.Len(t, triggers, 1)
	assert.Equal(t, domain.ExitTarget, triggers[0].Reason)
	trades := fx.mgr.Trades()
	require.Len(t, trades, 1)
	// (200 - 189.5) * 100 - 40
	assert.Equal(t, "1010", trades[0].RealizedPnL.String())
	assert.Equal(t, domain.OrderSideBuy, fx.broker.callsOf("place", domain.OrderKindExit)[0].req.Side)
}

func TestStopOutranksTargetOnSameTick(t *testing.T) {
	p := &domain.Position{Side: domain.SideLong, StopLoss: 98, Target: 97, CurrentPrice: 97}
	reason, _ := checkExit(p, true)
	assert.Equal(t, domain.ExitStopLoss, reason)

	p = &domain.Position{Side: domain.SideLong, Target: 105, CurrentPrice: 106, ProductType: domain.ProductIntraday}
	reason, _ = checkExit(p, true)
	assert.Equal(t, domain.ExitTarget, reason)
}

func TestTrailingStopOnlyTightens(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, risk.Window{}, noon())
	fx.broker.setPrice("AAPL", 100)

	req := longEntry("AAPL", 100, 100, 98, 0)
	req.TrailingStopDistance = 2
	_, err := fx.mgr.Enter(ctx, req)
	require.NoError(t, err)

	var stops []float64
	for _, px := range []float64{103, 102, 104, 103.5, 102.5} {
		assert.Empty(t, fx.tick(ctx, "AAPL", px))
		pos, ok := fx.mgr.Get("AAPL")
		require.True(t, ok)
		stops = append(stops, pos.StopLoss)
	}
	assert.Equal(t, []float64{101, 101, 102, 102, 102}, stops)
	for i := 1; i < len(stops); i++ {
		assert.GreaterOrEqual(t, stops[i], stops[i-1])
	}

	// Each replacement cancels the previous stop before placing the next.
	placed := fx.broker.callsOf("place", domain.OrderKindStop)
	require.Len(t, placed, 3)
	for i := 1; i < len(placed); i++ {
		cancelAt := fx.broker.callIndex("cancel", placed[i-1].id)
		require.GreaterOrEqual(t, cancelAt, 0)
		assert.Less(t, cancelAt, fx.broker.callIndex("place", placed[i].id))
	}

	triggers := fx.tick(ctx, "AAPL", 101.9)
	require.Len(t, triggers, 1)
	assert.Equal(t, domain.ExitTrailingStop, triggers[0].Reason)
	trades := fx.mgr.Trades()
	require.Len(t, trades, 1)
	assert.True(t, trades[0].Win())
}

func TestShortTrailingStop(t *testing.T) {
	p := &domain.Position{Side: domain.SideShort, StopLoss: 105, InitialStopLoss: 105,
		TrailingStopEnabled: true, TrailingStopDistance: 3, LowWatermark: 100}

	assert.True(t, ratchet(p, 99))
	assert.Equal(t, 102.0, p.StopLoss)
	assert.False(t, ratchet(p, 100.5))
	assert.Equal(t, 102.0, p.StopLoss)
	assert.Equal(t, domain.ExitTrailingStop, stopReason(*p))
}

func TestEntryRejectionAbandonsPosition(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, risk.Window{}, noon())
	fx.broker.setPrice("AAPL", 100)
	fx.broker.reject[domain.OrderKindEntry] = true

	pos, err := fx.mgr.Enter(ctx, longEntry("AAPL", 10, 100, 98, 106))

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBrokerRejected)
	assert.Equal(t, domain.PositionClosed, pos.State)
	assert.Empty(t, fx.mgr.Active())
	assert.Empty(t, fx.mgr.Trades())
	assert.Len(t, fx.sink.ofKind(domain.EventOrderRejected), 1)
	assert.Empty(t, fx.broker.callsOf("place", domain.OrderKindStop))
}

func TestEntryTimeoutLeavesPending(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, risk.Window{}, noon())
	fx.broker.fail[domain.OrderKindEntry] = fmt.Errorf("fake: %w", domain.ErrBrokerTimeout)

	pos, err := fx.mgr.Enter(ctx, longEntry("AAPL", 10, 100, 98, 106))

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBrokerTimeout)
	assert.Equal(t, domain.PositionPending, pos.State)
	_, ok := fx.mgr.Get("AAPL")
	assert.True(t, ok)

	_, err = fx.mgr.Enter(ctx, longEntry("AAPL", 10, 100, 98, 106))
	assert.ErrorIs(t, err, domain.ErrPositionExists)
}

func TestLateEntryFillOpensAndPlacesStop(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, risk.Window{}, noon())
	fx.broker.hold[domain.OrderKindEntry] = true

	pos, err := fx.mgr.Enter(ctx, longEntry("AAPL", 10, 100, 98, 106))
	require.NoError(t, err)
	require.Equal(t, domain.PositionPending, pos.State)
	assert.Empty(t, fx.broker.callsOf("place", domain.OrderKindStop))

	err = fx.mgr.ConfirmFill(ctx, domain.OrderUpdate{
		OrderID:     pos.EntryOrderID,
		Status:      domain.OrderStatusFilled,
		FilledPrice: 100.5,
		FilledQty:   10,
		Commission:  decimal.NewFromInt(1),
	})
	require.NoError(t, err)

	got, ok := fx.mgr.Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, domain.PositionOpen, got.State)
	assert.Equal(t, 100.5, got.AvgEntryPrice)
	assert.NotEmpty(t, got.StopOrderID)
	assert.Len(t, fx.broker.callsOf("place", domain.OrderKindStop), 1)
}

func TestExitRejectionRevertsToOpen(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, risk.Window{}, noon())
	fx.broker.setPrice("AAPL", 100)
	_, err := fx.mgr.Enter(ctx, longEntry("AAPL", 10, 100, 98, 106))
	require.NoError(t, err)
	fx.broker.reject[domain.OrderKindExit] = true

	res, err := fx.mgr.Exit(ctx, "AAPL", domain.ExitManual, 0)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBrokerRejected)
	assert.False(t, res.Success)
	got, ok := fx.mgr.Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, domain.PositionOpen, got.State)
	assert.Empty(t, got.PendingExitReason)
	assert.NotEmpty(t, got.StopOrderID, "protective stop is restored")
	assert.Len(t, fx.broker.callsOf("place", domain.OrderKindStop), 2)
	assert.Len(t, fx.sink.ofKind(domain.EventOrderRejected), 1)
	assert.Empty(t, fx.mgr.Trades())
}

func TestExitTimeoutStaysClosing(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, risk.Window{}, noon())
	fx.broker.setPrice("AAPL", 100)
	_, err := fx.mgr.Enter(ctx, longEntry("AAPL", 10, 100, 98, 106))
	require.NoError(t, err)
	fx.broker.fail[domain.OrderKindExit] = fmt.Errorf("fake: %w", domain.ErrBrokerUnreachable)

	_, err = fx.mgr.Exit(ctx, "AAPL", domain.ExitManual, 0)
	assert.ErrorIs(t, err, domain.ErrBrokerUnreachable)

	got, _ := fx.mgr.Get("AAPL")
	assert.Equal(t, domain.PositionClosing, got.State)

	_, err = fx.mgr.Exit(ctx, "AAPL", domain.ExitManual, 0)
	assert.ErrorIs(t, err, domain.ErrAlreadyClosing)
	assert.Len(t, fx.broker.callsOf("place", domain.OrderKindExit), 1)
}

func TestExitOfPendingCancelsEntry(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, risk.Window{}, noon())
	fx.broker.hold[domain.OrderKindEntry] = true
	pos, err := fx.mgr.Enter(ctx, longEntry("AAPL", 10, 100, 98, 106))
	require.NoError(t, err)

	res, err := fx.mgr.Exit(ctx, "AAPL", domain.ExitManual, 0)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, fx.mgr.Active())
	assert.Empty(t, fx.mgr.Trades())
	assert.GreaterOrEqual(t, fx.broker.callIndex("cancel", pos.EntryOrderID), 0)
}

func TestExitWithoutPosition(t *testing.T) {
	fx := newFixture(t, risk.Window{}, noon())
	_, err := fx.mgr.Exit(context.Background(), "NOPE", domain.ExitManual, 0)
	assert.ErrorIs(t, err, domain.ErrNoPosition)
}

func TestConcurrentEntriesAdmitOne(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, risk.Window{}, noon())
	fx.broker.setPrice("AAPL", 100)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok, dup int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.mgr.Enter(ctx, longEntry("AAPL", 10, 100, 98, 106))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrPositionExists):
				dup++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 19, dup)
	assert.Len(t, fx.mgr.Active(), 1)
	assert.Len(t, fx.broker.callsOf("place", domain.OrderKindEntry), 1)
}

func TestEnterValidatesRequest(t *testing.T) {
	fx := newFixture(t, risk.Window{}, noon())
	_, err := fx.mgr.Enter(context.Background(), longEntry("AAPL", 0, 100, 98, 106))
	assert.ErrorIs(t, err, domain.ErrValidationFailed)
	assert.Empty(t, fx.mgr.Active())
}

func TestSquareOffClosesIntradayOnly(t *testing.T) {
	ctx := context.Background()
	w, err := risk.NewWindow("America/New_York", "09:30", "16:00", "15:30", "15:50")
	require.NoError(t, err)
	fx := newFixture(t, w, time.Date(2024, 3, 4, 14, 0, 0, 0, w.Location()))
	fx.broker.setPrice("AAPL", 100)
	fx.broker.setPrice("MSFT", 300)

	_, err = fx.mgr.Enter(ctx, longEntry("AAPL", 10, 100, 98, 0))
	require.NoError(t, err)
	held := longEntry("MSFT", 5, 300, 290, 0)
	held.ProductType = domain.ProductDelivery
	_, err = fx.mgr.Enter(ctx, held)
	require.NoError(t, err)

	assert.Empty(t, fx.mgr.SquareOff(ctx))

	fx.now = time.Date(2024, 3, 4, 15, 51, 0, 0, w.Location())
	assert.Equal(t, []string{"AAPL"}, fx.mgr.SquareOff(ctx))

	trades := fx.mgr.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.ExitTime, trades[0].ExitReason)
	_, stillHeld := fx.mgr.Get("MSFT")
	assert.True(t, stillHeld)
}

func TestRefreshPricesIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, risk.Window{}, noon())
	fx.broker.setPrice("AAPL", 100)
	fx.broker.setPrice("MSFT", 300)
	_, err := fx.mgr.Enter(ctx, longEntry("AAPL", 10, 100, 98, 0))
	require.NoError(t, err)
	_, err = fx.mgr.Enter(ctx, longEntry("MSFT", 10, 300, 290, 0))
	require.NoError(t, err)

	fx.broker.setPrice("AAPL", 101)
	fx.broker.setPrice("MSFT", 305)
	fx.broker.quoteErr["AAPL"] = fmt.Errorf("fake: %w", domain.ErrBrokerUnreachable)

	assert.Equal(t, 1, fx.mgr.RefreshPrices(ctx))
	aapl, _ := fx.mgr.Get("AAPL")
	msft, _ := fx.mgr.Get("MSFT")
	assert.Equal(t, 100.0, aapl.CurrentPrice)
	assert.Equal(t, 305.0, msft.CurrentPrice)
	assert.Equal(t, "50", fx.mgr.Unrealized().String())
}

func TestCloseExternallyWithoutFillBooksNoTrade(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, risk.Window{}, noon())
	fx.broker.setPrice("AAPL", 100)
	pos, err := fx.mgr.Enter(ctx, longEntry("AAPL", 10, 100, 98, 0))
	require.NoError(t, err)

	closed, err := fx.mgr.CloseExternally(ctx, pos, nil)

	require.NoError(t, err)
	assert.True(t, closed)
	assert.Empty(t, fx.mgr.Active())
	assert.Empty(t, fx.mgr.Trades())
	assert.Zero(t, fx.breaker.State().TradesToday)
	events := fx.sink.ofKind(domain.EventPositionClosed)
	require.Len(t, events, 1)
	assert.Equal(t, string(domain.ExitReconciled), events[0].Reason)

	// The resting stop is pulled at the broker, not just marked locally.
	require.Len(t, fx.broker.callsOf("cancel", domain.OrderKindStop), 1)
	fx.broker.mu.Lock()
	assert.Equal(t, domain.OrderStatusCancelled, fx.broker.orders[pos.StopOrderID].Status)
	fx.broker.mu.Unlock()
	stop, ok := fx.mgr.Order(pos.StopOrderID)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusCancelled, stop.Status)
}

func TestCloseExternallyReportsStopCancelFailure(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, risk.Window{}, noon())
	fx.broker.setPrice("AAPL", 100)
	pos, err := fx.mgr.Enter(ctx, longEntry("AAPL", 10, 100, 98, 0))
	require.NoError(t, err)
	fx.broker.cancelErr = fmt.Errorf("fake: %w", domain.ErrBrokerUnreachable)

	closed, err := fx.mgr.CloseExternally(ctx, pos, nil)

	require.NoError(t, err)
	assert.True(t, closed)
	assert.Empty(t, fx.mgr.Active())
	stop, ok := fx.mgr.Order(pos.StopOrderID)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusOpen, stop.Status)
}

func TestCloseExternallySkipsPositionChangedSinceSnapshot(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, risk.Window{}, noon())
	fx.broker.setPrice("AAPL", 100)
	seen, err := fx.mgr.Enter(ctx, longEntry("AAPL", 10, 100, 98, 0))
	require.NoError(t, err)

	fx.now = fx.now.Add(time.Minute)
	_, err = fx.mgr.ModifyStop(ctx, "AAPL", 97)
	require.NoError(t, err)

	closed, err := fx.mgr.CloseExternally(ctx, seen, nil)

	require.NoError(t, err)
	assert.False(t, closed)
	got, ok := fx.mgr.Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, domain.PositionOpen, got.State)
	assert.Empty(t, fx.sink.ofKind(domain.EventPositionClosed))
}

func TestCloseExternallySkipsEntryFilledSinceSnapshot(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, risk.Window{}, noon())
	fx.broker.setPrice("AAPL", 100)
	fx.broker.hold[domain.OrderKindEntry] = true
	pending, err := fx.mgr.Enter(ctx, longEntry("AAPL", 10, 100, 98, 0))
	require.NoError(t, err)
	require.Equal(t, domain.PositionPending, pending.State)

	require.NoError(t, fx.mgr.ConfirmFill(ctx, domain.OrderUpdate{
		OrderID: pending.EntryOrderID, Status: domain.OrderStatusFilled, FilledPrice: 100, FilledQty: 10,
	}))
	opened, ok := fx.mgr.Get("AAPL")
	require.True(t, ok)
	require.Equal(t, domain.PositionOpen, opened.State)

	closed, err := fx.mgr.CloseExternally(ctx, pending, nil)

	require.NoError(t, err)
	assert.False(t, closed)
	_, ok = fx.mgr.Get("AAPL")
	assert.True(t, ok)
}

func TestExitFillWithoutPriceWaitsForBrokerPrice(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, risk.Window{}, noon())
	fx.broker.setPrice("AAPL", 100)
	_, err := fx.mgr.Enter(ctx, longEntry("AAPL", 10, 100, 80, 0))
	require.NoError(t, err)

	fx.broker.hold[domain.OrderKindExit] = true
	fx.broker.setPrice("AAPL", 90)
	fx.mgr.RefreshPrices(ctx)
	_, err = fx.mgr.Exit(ctx, "AAPL", domain.ExitManual, 0)
	require.NoError(t, err)
	working, ok := fx.mgr.Get("AAPL")
	require.True(t, ok)
	require.NotEmpty(t, working.ExitOrderID)
	exitID := working.ExitOrderID

	err = fx.mgr.ConfirmFill(ctx, domain.OrderUpdate{OrderID: exitID, Status: domain.OrderStatusFilled, FilledQty: 10})

	require.ErrorIs(t, err, domain.ErrFillPriceUnknown)
	held, ok := fx.mgr.Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, domain.PositionClosing, held.State)
	assert.Empty(t, fx.mgr.Trades())
	assert.Zero(t, fx.breaker.State().TradesToday)
	o, ok := fx.mgr.Order(exitID)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusFilled, o.Status)

	fx.broker.mu.Lock()
	bo := fx.broker.orders[exitID]
	bo.Status = domain.OrderStatusFilled
	bo.FilledPrice = 95
	bo.FilledQty = 10
	fx.broker.orders[exitID] = bo
	fx.broker.mu.Unlock()

	require.NoError(t, fx.mgr.ConfirmFill(ctx, domain.OrderUpdate{OrderID: exitID, Status: domain.OrderStatusFilled, FilledQty: 10}))

	trades := fx.mgr.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, 95.0, trades[0].ExitPrice)
	assert.Equal(t, domain.ExitManual, trades[0].ExitReason)
	assert.Equal(t, "-70", trades[0].RealizedPnL.String()) // -50 gross, 20 entry commission
	assert.Empty(t, fx.mgr.Active())
}

func TestReserveHoldsSymbolUntilPlaced(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, risk.Window{}, noon())
	fx.broker.setPrice("AAPL", 100)

	r, err := fx.mgr.Reserve(ctx, longEntry("AAPL", 10, 100, 98, 0))
	require.NoError(t, err)

	active := fx.mgr.Active()
	require.Len(t, active, 1)
	assert.Equal(t, domain.PositionPending, active[0].State)
	assert.Empty(t, fx.broker.callsOf("place", domain.OrderKindEntry))

	_, err = fx.mgr.Reserve(ctx, longEntry("AAPL", 5, 100, 98, 0))
	assert.ErrorIs(t, err, domain.ErrPositionExists)

	pos, err := fx.mgr.Place(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionOpen, pos.State)

	_, err = fx.mgr.Place(ctx, r)
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
	assert.Len(t, fx.broker.callsOf("place", domain.OrderKindEntry), 1)
}

func TestBrokerStopFillClosesPosition(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, risk.Window{}, noon())
	fx.broker.setPrice("AAPL", 100)
	pos, err := fx.mgr.Enter(ctx, longEntry("AAPL", 10, 100, 98, 0))
	require.NoError(t, err)

	err = fx.mgr.ConfirmFill(ctx, domain.OrderUpdate{
		OrderID:     pos.StopOrderID,
		Status:      domain.OrderStatusFilled,
		FilledPrice: 97.9,
		FilledQty:   10,
	})
	require.NoError(t, err)

	trades := fx.mgr.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, domain.ExitStopLoss, trades[0].ExitReason)
	assert.Equal(t, "-41", trades[0].RealizedPnL.String()) // -21 gross, 20 entry commission
	assert.Empty(t, fx.broker.callsOf("place", domain.OrderKindExit))
}

func TestModifyStopReplacesBrokerOrder(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, risk.Window{}, noon())
	fx.broker.setPrice("AAPL", 100)
	before, err := fx.mgr.Enter(ctx, longEntry("AAPL", 10, 100, 98, 106))
	require.NoError(t, err)

	after, err := fx.mgr.ModifyStop(ctx, "AAPL", 99)
	require.NoError(t, err)
	assert.Equal(t, 99.0, after.StopLoss)
	assert.NotEqual(t, before.StopOrderID, after.StopOrderID)
	assert.GreaterOrEqual(t, fx.broker.callIndex("cancel", before.StopOrderID), 0)

	_, err = fx.mgr.ModifyStop(ctx, "AAPL", 101)
	assert.ErrorIs(t, err, domain.ErrValidationFailed)

	got, err := fx.mgr.ModifyTarget(ctx, "AAPL", 110)
	require.NoError(t, err)
	assert.Equal(t, 110.0, got.Target)
	_, err = fx.mgr.ModifyTarget(ctx, "AAPL", 95)
	assert.ErrorIs(t, err, domain.ErrValidationFailed)
}

func TestClosedManagerRefusesWork(t *testing.T) {
	fx := newFixture(t, risk.Window{}, noon())
	fx.mgr.Close()

	_, err := fx.mgr.Enter(context.Background(), longEntry("AAPL", 10, 100, 98, 106))
	assert.ErrorIs(t, err, domain.ErrEngineStopped)
}

func TestRealizedPnL(t *testing.T) {
	tests := []struct {
		name  string
		side  domain.Side
		entry float64
		exit  float64
		qty   int64
		fees  []decimal.Decimal
		want  string
	}{
		{"long loss", domain.SideLong, 100, 98, 1000, []decimal.Decimal{decimal.NewFromInt(20), decimal.NewFromInt(20)}, "-2040"},
		{"long win", domain.SideLong, 100.1, 100.3, 3, nil, "0.6"},
		{"short win", domain.SideShort, 200, 190, 10, nil, "100"},
		{"short loss", domain.SideShort, 200, 205.25, 4, []decimal.Decimal{decimal.RequireFromString("0.5")}, "-21.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RealizedPnL(tt.side, tt.entry, tt.exit, tt.qty, tt.fees...)
			assert.Equal(t, tt.want, got.String())
		})
	}
	assert.Equal(t, -2.0, PnLPercent(domain.SideLong, 100, 98))
	assert.Equal(t, 5.0, PnLPercent(domain.SideShort, 200, 190))
}
