package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

type memEvents []domain.Event

func (m memEvents) Recent(n int) []domain.Event {
	if n < len(m) {
		return m[:n]
	}
	return m
}

// logBus serves StreamRead from a fixed slice of entries.
type logBus struct {
	entries  []domain.StreamMessage
	err      error
	lastRead string
}

func (b *logBus) Publish(context.Context, string, []byte) error { return nil }
func (b *logBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.ErrUnsupported
}
func (b *logBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *logBus) StreamRead(_ context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	b.lastRead = stream
	if b.err != nil {
		return nil, b.err
	}
	var out []domain.StreamMessage
	after := lastID == "0"
	for _, m := range b.entries {
		if after && len(out) < count {
			out = append(out, m)
		}
		if m.ID == lastID {
			after = true
		}
	}
	return out, nil
}

func entry(t *testing.T, id string, evt domain.Event) domain.StreamMessage {
	t.Helper()
	payload, err := json.Marshal(evt)
	require.NoError(t, err)
	return domain.StreamMessage{ID: id, Payload: payload}
}

func getEvents(t *testing.T, h *EventHandler, query string) map[string]any {
	t.Helper()
	w := httptest.NewRecorder()
	h.ListRecent(w, httptest.NewRequest(http.MethodGet, "/api/events"+query, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEventsPageThroughLog(t *testing.T) {
	bus := &logBus{entries: []domain.StreamMessage{
		entry(t, "1-0", domain.Event{Kind: domain.EventPositionEntryPlaced, Symbol: "AAPL"}),
		{ID: "2-0", Payload: []byte("not json")},
		entry(t, "3-0", domain.Event{Kind: domain.EventPositionClosed, Symbol: "AAPL"}),
		entry(t, "4-0", domain.Event{Kind: domain.EventPositionEntryPlaced, Symbol: "MSFT"}),
	}}
	h := NewEventHandler(memEvents{}, quietLogger(), WithEventLog(bus, domain.StreamEvents))

	out := getEvents(t, h, "?after=0&limit=3")

	assert.Equal(t, domain.StreamEvents, bus.lastRead)
	assert.Equal(t, "log", out["source"])
	assert.Equal(t, "3-0", out["next"])
	events := out["events"].([]any)
	require.Len(t, events, 2)
	assert.Equal(t, string(domain.EventPositionClosed), events[1].(map[string]any)["event"])

	out = getEvents(t, h, "?after=3-0")
	assert.Equal(t, "4-0", out["next"])
	require.Len(t, out["events"].([]any), 1)

	out = getEvents(t, h, "?after=4-0")
	assert.Equal(t, "4-0", out["next"])
	assert.Empty(t, out["events"].([]any))
}

func TestEventsFallBackToMemory(t *testing.T) {
	recent := memEvents{{Kind: domain.EventPositionClosed, Symbol: "AAPL"}}

	t.Run("no cursor", func(t *testing.T) {
		bus := &logBus{}
		h := NewEventHandler(recent, quietLogger(), WithEventLog(bus, domain.StreamEvents))
		out := getEvents(t, h, "")
		assert.Equal(t, "memory", out["source"])
		assert.Len(t, out["events"].([]any), 1)
		assert.Empty(t, bus.lastRead)
	})

	t.Run("log unavailable", func(t *testing.T) {
		bus := &logBus{err: fmt.Errorf("redis: stream read: %w", domain.ErrBrokerUnreachable)}
		h := NewEventHandler(recent, quietLogger(), WithEventLog(bus, domain.StreamEvents))
		out := getEvents(t, h, "?after=0")
		assert.Equal(t, "memory", out["source"])
		assert.Len(t, out["events"].([]any), 1)
	})

	t.Run("no log configured", func(t *testing.T) {
		h := NewEventHandler(memEvents(nil), quietLogger())
		out := getEvents(t, h, "?after=0")
		assert.Equal(t, "memory", out["source"])
		assert.Empty(t, out["events"].([]any))
	})
}

func TestStatusForUnpricedFill(t *testing.T) {
	err := fmt.Errorf("engine: exit AAPL: %w", domain.ErrFillPriceUnknown)
	assert.Equal(t, http.StatusAccepted, statusFor(err))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(domain.ErrBrokerTimeout))
}
