package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streamed  map[string][][]byte
	err       error
}

func newMemBus() *memBus {
	return &memBus{published: map[string][][]byte{}, streamed: map[string][][]byte{}}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return b.err
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamed[stream] = append(b.streamed[stream], payload)
	return b.err
}

func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type memAudit struct {
	events []string
	detail []map[string]any
}

func (a *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	a.events = append(a.events, event)
	a.detail = append(a.detail, detail)
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestDispatcherRoutesByKind(t *testing.T) {
	d := NewDispatcher(discardLogger())
	var closed, all []domain.EventKind
	d.On("closed", func(_ context.Context, e domain.Event) { closed = append(closed, e.Kind) }, domain.EventPositionClosed)
	d.OnAll("all", func(_ context.Context, e domain.Event) { all = append(all, e.Kind) })

	ctx := context.Background()
	d.Emit(ctx, domain.Event{Kind: domain.EventPositionEntryPlaced})
	d.Emit(ctx, domain.Event{Kind: domain.EventPositionClosed})

	assert.Equal(t, []domain.EventKind{domain.EventPositionClosed}, closed)
	assert.Equal(t, []domain.EventKind{domain.EventPositionEntryPlaced, domain.EventPositionClosed}, all)
}

func TestDispatcherSurvivesPanickingHandler(t *testing.T) {
	d := NewDispatcher(discardLogger())
	var after int
	d.OnAll("boom", func(context.Context, domain.Event) { panic("handler bug") })
	d.OnAll("after", func(context.Context, domain.Event) { after++ })

	assert.NotPanics(t, func() {
		d.Emit(context.Background(), domain.Event{Kind: domain.EventOrderRejected})
	})
	assert.Equal(t, 1, after)
}

func TestBusPublisherWritesChannelAndStream(t *testing.T) {
	bus := newMemBus()
	h := BusPublisher(bus, discardLogger())
	h(context.Background(), domain.Event{Kind: domain.EventPositionClosed, Symbol: "AAPL", PnL: decimal.RequireFromString("12.5")})

	require.Len(t, bus.published[domain.ChannelEvents], 1)
	require.Len(t, bus.streamed[domain.StreamEvents], 1)

	var got map[string]any
	require.NoError(t, json.Unmarshal(bus.published[domain.ChannelEvents][0], &got))
	assert.Equal(t, "position_closed", got["event"])
	assert.Equal(t, "12.5", got["pnl"])
}

func TestBusPublisherToleratesOutage(t *testing.T) {
	bus := newMemBus()
	bus.err = errors.New("redis down")
	h := BusPublisher(bus, discardLogger())
	assert.NotPanics(t, func() { h(context.Background(), domain.Event{Kind: domain.EventOrderRejected}) })
}

func TestAuditRecorderPrefixesKind(t *testing.T) {
	a := &memAudit{}
	AuditRecorder(a, discardLogger())(context.Background(), domain.Event{Kind: domain.EventOrderRejected, OrderID: "o-9"})

	require.Equal(t, []string{"event.order_rejected"}, a.events)
	assert.Equal(t, "o-9", a.detail[0]["order_id"])
}

func TestRecorderKeepsNewestFirst(t *testing.T) {
	r := NewRecorder(2)
	for _, s := range []string{"A", "B", "C"} {
		r.Handle(context.Background(), domain.Event{Kind: domain.EventPositionEntryPlaced, Symbol: s})
	}
	got := r.Recent(0)
	require.Len(t, got, 2)
	assert.Equal(t, "C", got[0].Symbol)
	assert.Equal(t, "B", got[1].Symbol)
	assert.Len(t, r.Recent(1), 1)
}

func TestQueueDeliversAndDrainsOnShutdown(t *testing.T) {
	var mu sync.Mutex
	var got []string
	q := NewQueue("test", func(_ context.Context, e domain.Event) {
		mu.Lock()
		got = append(got, e.Symbol)
		mu.Unlock()
	}, 8, discardLogger())

	q.Handle(context.Background(), domain.Event{Symbol: "A"})
	q.Handle(context.Background(), domain.Event{Symbol: "B"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, []string{"A", "B"}, got)
}

func TestQueueDropsWhenFull(t *testing.T) {
	var n int
	q := NewQueue("small", func(context.Context, domain.Event) { n++ }, 1, discardLogger())
	q.Handle(context.Background(), domain.Event{Symbol: "A"})
	q.Handle(context.Background(), domain.Event{Symbol: "B"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, q.Run(ctx))
	assert.Equal(t, 1, n)
}
