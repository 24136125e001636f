package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

// EventSource returns recent lifecycle events, newest first.
type EventSource interface {
	Recent(n int) []domain.Event
}

// EventHandler serves the recent-events endpoint.
type EventHandler struct {
	events EventSource
	bus    domain.SignalBus
	stream string
	logger *slog.Logger
}

// EventOption customises an EventHandler.
type EventOption func(*EventHandler)

// WithEventLog serves cursor reads from a durable stream. The log outlives
// the process, unlike the in-memory source.
func WithEventLog(bus domain.SignalBus, stream string) EventOption {
	return func(h *EventHandler) {
		h.bus = bus
		h.stream = stream
	}
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(events EventSource, logger *slog.Logger, opts ...EventOption) *EventHandler {
	h := &EventHandler{
		events: events,
		logger: logger.With(slog.String("component", "event_handler")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ListRecent returns up to limit events (default 50, max 500).
// GET /api/events?limit=50
//
// With an event log configured, ?after=<id> pages through the log oldest
// first and the response carries the cursor for the next page. "0" starts
// at the oldest retained event. Without after, or when the log cannot be
// read, the newest events come from memory.
func (h *EventHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	if after := q.Get("after"); after != "" && h.bus != nil {
		events, next, err := h.readLog(r, after, limit)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]any{"events": events, "next": next, "source": "log"})
			return
		}
		h.logger.WarnContext(r.Context(), "event log unavailable, serving recent events from memory",
			slog.String("stream", h.stream),
			slog.String("error", err.Error()),
		)
	}

	events := h.events.Recent(limit)
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "source": "memory"})
}

// readLog reads one page after cursor. next is the id of the last entry
// read, or cursor itself when the page is empty.
func (h *EventHandler) readLog(r *http.Request, cursor string, limit int) ([]domain.Event, string, error) {
	msgs, err := h.bus.StreamRead(r.Context(), h.stream, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	events := make([]domain.Event, 0, len(msgs))
	next := cursor
	for _, msg := range msgs {
		next = msg.ID
		var evt domain.Event
		if err := json.Unmarshal(msg.Payload, &evt); err != nil {
			h.logger.DebugContext(r.Context(), "skipping undecodable event log entry",
				slog.String("id", msg.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		events = append(events, evt)
	}
	return events, next, nil
}
