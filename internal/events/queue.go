package events

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

// Queue decouples a slow handler, such as an HTTP alert, from the engine
// goroutine that emitted the event. When the buffer is full the event is
// dropped and logged.
type Queue struct {
	name   string
	next   Handler
	ch     chan domain.Event
	logger *slog.Logger
}

// NewQueue wraps next with a buffered queue of the given size.
func NewQueue(name string, next Handler, size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{
		name:   name,
		next:   next,
		ch:     make(chan domain.Event, size),
		logger: logger.With(slog.String("component", "event_queue"), slog.String("queue", name)),
	}
}

// Handle enqueues evt without blocking.
func (q *Queue) Handle(ctx context.Context, evt domain.Event) {
	select {
	case q.ch <- evt:
	default:
		q.logger.WarnContext(ctx, "event queue full, dropping event",
			slog.String("event", string(evt.Kind)),
			slog.String("symbol", evt.Symbol),
		)
	}
}

// Run delivers queued events until ctx is cancelled, then drains what is
// already buffered.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			q.drain(context.WithoutCancel(ctx))
			return nil
		case evt := <-q.ch:
			q.next(ctx, evt)
		}
	}
}

func (q *Queue) drain(ctx context.Context) {
	for {
		select {
		case evt := <-q.ch:
			q.next(ctx, evt)
		default:
			return
		}
	}
}
