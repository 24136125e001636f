// Package events routes lifecycle events to the handlers that care about
// them: the Redis bus, the audit log, operator alerts and WebSocket clients.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

var _ domain.EventSink = (*Dispatcher)(nil)

// Handler reacts to one event.
type Handler func(ctx context.Context, evt domain.Event)

type registration struct {
	name string
	fn   Handler
}

// Dispatcher fans events out to handlers registered per event kind.
// Handlers run synchronously in registration order; a panicking handler is
// logged and skipped so the remaining handlers and the caller are unaffected.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[domain.EventKind][]registration
	logger   *slog.Logger
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[domain.EventKind][]registration),
		logger:   logger.With(slog.String("component", "events")),
	}
}

// On registers h for the given kinds.
func (d *Dispatcher) On(name string, h Handler, kinds ...domain.EventKind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range kinds {
		d.handlers[k] = append(d.handlers[k], registration{name: name, fn: h})
	}
}

// OnAll registers h for every event kind.
func (d *Dispatcher) OnAll(name string, h Handler) {
	d.On(name, h, domain.EventKinds...)
}

// Emit logs evt and delivers it to its handlers.
func (d *Dispatcher) Emit(ctx context.Context, evt domain.Event) {
	level := slog.LevelInfo
	if evt.Kind == domain.EventCircuitBreakerTriggered || evt.Kind == domain.EventOrderRejected {
		level = slog.LevelWarn
	}
	d.logger.Log(ctx, level, "event",
		slog.String("event", string(evt.Kind)),
		slog.String("symbol", evt.Symbol),
		slog.String("position_id", evt.PositionID),
		slog.String("reason", evt.Reason),
		slog.String("pnl", evt.PnL.String()),
	)

	d.mu.RLock()
	regs := d.handlers[evt.Kind]
	d.mu.RUnlock()

	for _, r := range regs {
		d.call(ctx, r, evt)
	}
}

func (d *Dispatcher) call(ctx context.Context, r registration, evt domain.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.ErrorContext(ctx, "event handler panicked",
				slog.String("handler", r.name),
				slog.String("event", string(evt.Kind)),
				slog.String("panic", fmt.Sprint(rec)),
			)
		}
	}()
	r.fn(ctx, evt)
}
