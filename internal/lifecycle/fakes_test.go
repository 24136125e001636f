package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradeexec/internal/domain"
	"github.com/alanyoungcy/tradeexec/internal/risk"
)

// call is one broker interaction, in order.
type call struct {
	op   string // place or cancel
	kind domain.OrderKind
	id   string
	req  domain.OrderRequest
}

// fakeBroker fills market orders at the configured price and rests stops.
// Per-kind behaviour is scripted through reject, fail and hold.
type fakeBroker struct {
	mu         sync.Mutex
	prices     map[string]float64
	quoteErr   map[string]error
	orders     map[string]domain.Order
	calls      []call
	reject     map[domain.OrderKind]bool
	fail       map[domain.OrderKind]error
	hold       map[domain.OrderKind]bool
	cancelErr  error
	commission decimal.Decimal
	seq        int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		prices:     make(map[string]float64),
		quoteErr:   make(map[string]error),
		orders:     make(map[string]domain.Order),
		reject:     make(map[domain.OrderKind]bool),
		fail:       make(map[domain.OrderKind]error),
		hold:       make(map[domain.OrderKind]bool),
		commission: decimal.NewFromInt(20),
	}
}

func (f *fakeBroker) setPrice(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
}

func (f *fakeBroker) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("brk-%d", f.seq)
	f.calls = append(f.calls, call{op: "place", kind: req.Kind, id: id, req: req})

	if err := f.fail[req.Kind]; err != nil {
		return domain.OrderResult{}, err
	}
	order := domain.Order{ID: id, Symbol: req.Symbol, Kind: req.Kind, Side: req.Side, Type: req.Type,
		Quantity: req.Quantity, Price: req.Price, TriggerPrice: req.TriggerPrice}
	if f.reject[req.Kind] {
		order.Status = domain.OrderStatusRejected
		f.orders[id] = order
		return domain.OrderResult{OrderID: id, Status: domain.OrderStatusRejected, Message: "insufficient buying power"},
			fmt.Errorf("fake: %w", domain.ErrBrokerRejected)
	}
	if req.Type == domain.OrderTypeStop || f.hold[req.Kind] {
		order.Status = domain.OrderStatusOpen
		f.orders[id] = order
		return domain.OrderResult{OrderID: id, Status: domain.OrderStatusOpen}, nil
	}
	price := f.prices[req.Symbol]
	order.Status = domain.OrderStatusFilled
	order.FilledPrice = price
	order.FilledQty = req.Quantity
	order.Commission = f.commission
	f.orders[id] = order
	return domain.OrderResult{
		OrderID:     id,
		Status:      domain.OrderStatusFilled,
		FilledPrice: price,
		FilledQty:   req.Quantity,
		Commission:  f.commission,
	}, nil
}

func (f *fakeBroker) CancelOrder(_ context.Context, orderID string) (domain.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[orderID]
	f.calls = append(f.calls, call{op: "cancel", kind: o.Kind, id: orderID})
	if f.cancelErr != nil {
		return "", f.cancelErr
	}
	if o.ID == "" || o.Status.Terminal() {
		return o.Status, fmt.Errorf("fake: cancel %s: %w", orderID, domain.ErrBrokerRejected)
	}
	o.Status = domain.OrderStatusCancelled
	f.orders[orderID] = o
	return o.Status, nil
}

func (f *fakeBroker) GetPositions(context.Context) ([]domain.BrokerPosition, error) {
	return nil, nil
}

func (f *fakeBroker) GetQuote(_ context.Context, symbol string) (domain.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.quoteErr[symbol]; err != nil {
		return domain.Quote{}, err
	}
	return domain.Quote{Symbol: symbol, LastPrice: f.prices[symbol]}, nil
}

func (f *fakeBroker) GetOrder(_ context.Context, orderID string) (domain.OrderUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return domain.OrderUpdate{}, domain.ErrNotFound
	}
	return domain.OrderUpdate{OrderID: o.ID, Status: o.Status, FilledPrice: o.FilledPrice,
		FilledQty: o.FilledQty, Commission: o.Commission}, nil
}

func (f *fakeBroker) callsOf(op string, kind domain.OrderKind) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.op == op && c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeBroker) callIndex(op, id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.calls {
		if c.op == op && c.id == id {
			return i
		}
	}
	return -1
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingSink) Emit(_ context.Context, evt domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingSink) ofKind(kind domain.EventKind) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	mgr     *Manager
	broker  *fakeBroker
	sink    *recordingSink
	breaker *risk.Breaker
	now     time.Time
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, window risk.Window, at time.Time) *fixture {
	t.Helper()
	fx := &fixture{broker: newFakeBroker(), sink: &recordingSink{}, now: at}
	clock := func() time.Time { return fx.now }
	fx.breaker = risk.NewBreaker(risk.Limits{
		StartingCapital:      100_000,
		MaxDailyLossAbsolute: 50_000,
		ConsecutiveLossLimit: 5,
		Cooldown:             30 * time.Minute,
	}, window, fx.sink, discardLogger(), risk.WithClock(clock))
	fx.mgr = New(fx.broker, fx.breaker, window, fx.sink, Config{}, discardLogger(), WithClock(clock))
	return fx
}

func longEntry(symbol string, qty int64, price, stop, target float64) EntryRequest {
	return EntryRequest{
		Symbol:     symbol,
		Side:       domain.SideLong,
		Quantity:   qty,
		Price:      price,
		StopLoss:   stop,
		Target:     target,
		StrategyID: "breakout",
	}
}

// tick moves the market and runs one refresh and exit check.
func (fx *fixture) tick(ctx context.Context, symbol string, price float64) []Trigger {
	fx.broker.setPrice(symbol, price)
	fx.mgr.RefreshPrices(ctx)
	return fx.mgr.EvaluateExits(ctx)
}
