package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

// BusPublisher returns a handler that publishes events as JSON on the events
// channel and appends them to the durable events stream.
func BusPublisher(bus domain.SignalBus, logger *slog.Logger) Handler {
	log := logger.With(slog.String("component", "event_bus"))
	return func(ctx context.Context, evt domain.Event) {
		payload, err := json.Marshal(evt)
		if err != nil {
			log.ErrorContext(ctx, "marshal event failed", slog.String("error", err.Error()))
			return
		}
		if err := bus.Publish(ctx, domain.ChannelEvents, payload); err != nil {
			log.WarnContext(ctx, "publish event failed",
				slog.String("event", string(evt.Kind)),
				slog.String("error", err.Error()),
			)
		}
		if err := bus.StreamAppend(ctx, domain.StreamEvents, payload); err != nil {
			log.WarnContext(ctx, "append event to stream failed",
				slog.String("event", string(evt.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// AuditRecorder returns a handler that writes every event to the audit log.
func AuditRecorder(store domain.AuditStore, logger *slog.Logger) Handler {
	log := logger.With(slog.String("component", "event_audit"))
	return func(ctx context.Context, evt domain.Event) {
		detail := map[string]any{
			"symbol":      evt.Symbol,
			"position_id": evt.PositionID,
			"order_id":    evt.OrderID,
			"side":        string(evt.Side),
			"quantity":    evt.Quantity,
			"price":       evt.Price,
			"pnl":         evt.PnL.String(),
			"reason":      evt.Reason,
			"at":          evt.At,
		}
		if err := store.Log(ctx, "event."+string(evt.Kind), detail); err != nil {
			log.WarnContext(ctx, "audit event failed",
				slog.String("event", string(evt.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Recorder keeps the most recent events in memory for the status API.
type Recorder struct {
	mu     sync.Mutex
	events []domain.Event
	max    int
}

// NewRecorder creates a Recorder holding at most max events.
func NewRecorder(max int) *Recorder {
	if max <= 0 {
		max = 200
	}
	return &Recorder{max: max}
}

// Handle records evt, discarding the oldest entry once full.
func (r *Recorder) Handle(_ context.Context, evt domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == r.max {
		copy(r.events, r.events[1:])
		r.events = r.events[:r.max-1]
	}
	r.events = append(r.events, evt)
}

// Recent returns up to n events, newest first.
func (r *Recorder) Recent(n int) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.events) {
		n = len(r.events)
	}
	out := make([]domain.Event, 0, n)
	for i := len(r.events) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.events[i])
	}
	return out
}
