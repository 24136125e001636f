package paper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

func newTestBroker(model FillModel, prices map[string]float64) (*Broker, *StaticQuotes) {
	quotes := NewStaticQuotes(prices)
	return New(quotes, model, slog.New(slog.NewTextHandler(io.Discard, nil))), quotes
}

func TestFillModelSlippageIsAdverse(t *testing.T) {
	m := FillModel{SlippagePct: 0.1}

	assert.InDelta(t, 100.1, m.Price(100, domain.OrderSideBuy), 1e-9)
	assert.InDelta(t, 99.9, m.Price(100, domain.OrderSideSell), 1e-9)
}

func TestFillModelCommission(t *testing.T) {
	tests := []struct {
		name  string
		model FillModel
		want  string
	}{
		{"flat", FillModel{CommissionFlat: 20}, "20"},
		{"percent", FillModel{CommissionPct: 0.03}, "30"},
		{"both", FillModel{CommissionFlat: 5, CommissionPct: 0.01}, "15"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.model.Commission(100, 1000)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestMarketOrderFillsImmediately(t *testing.T) {
	b, _ := newTestBroker(FillModel{SlippagePct: 0.05, CommissionFlat: 20}, map[string]float64{"AAPL": 100})

	res, err := b.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol: "AAPL", Kind: domain.OrderKindEntry, Side: domain.OrderSideBuy,
		Type: domain.OrderTypeMarket, Quantity: 10,
	})

	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, res.Status)
	assert.InDelta(t, 100.05, res.FilledPrice, 1e-9)
	assert.Equal(t, "20", res.Commission.String())

	positions, err := b.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(10), positions[0].Quantity)
	assert.Equal(t, 100.0, positions[0].LastPrice)
}

func TestRoundTripFlattensHolding(t *testing.T) {
	b, quotes := newTestBroker(FillModel{}, map[string]float64{"AAPL": 100})
	ctx := context.Background()

	_, err := b.PlaceOrder(ctx, domain.OrderRequest{Symbol: "AAPL", Side: domain.OrderSideSell, Type: domain.OrderTypeMarket, Quantity: 5})
	require.NoError(t, err)
	quotes.Set("AAPL", 95)
	_, err = b.PlaceOrder(ctx, domain.OrderRequest{Symbol: "AAPL", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 5})
	require.NoError(t, err)

	positions, err := b.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestStopOrderRestsAndCancels(t *testing.T) {
	b, _ := newTestBroker(FillModel{}, map[string]float64{"AAPL": 100})
	ctx := context.Background()

	res, err := b.PlaceOrder(ctx, domain.OrderRequest{
		ClientOrderID: "stop-1", Symbol: "AAPL", Kind: domain.OrderKindStop,
		Side: domain.OrderSideSell, Type: domain.OrderTypeStop, Quantity: 10, TriggerPrice: 98,
	})
	require.NoError(t, err)
	assert.Equal(t, "stop-1", res.OrderID)
	assert.Equal(t, domain.OrderStatusOpen, res.Status)

	st, err := b.CancelOrder(ctx, "stop-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, st)

	_, err = b.CancelOrder(ctx, "stop-1")
	assert.True(t, errors.Is(err, domain.ErrBrokerRejected))

	u, err := b.GetOrder(ctx, "stop-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, u.Status)
}

func TestOrderWithoutQuoteIsRejected(t *testing.T) {
	b, _ := newTestBroker(FillModel{}, nil)

	res, err := b.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol: "NOPE", Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket, Quantity: 1,
	})

	assert.ErrorIs(t, err, domain.ErrBrokerRejected)
	assert.Equal(t, domain.OrderStatusRejected, res.Status)
}
