package lifecycle

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

func newUUID() string { return uuid.NewString() }

// record is a batch of writes produced by one locked section. It is applied
// after the lock is released.
type record struct {
	positions []domain.Position
	orders    []domain.Order
	trade     *domain.Trade
	events    []domain.Event
	audit     []auditRow
}

type auditRow struct {
	event  string
	detail map[string]any
}

func (r *record) position(p *domain.Position) { r.positions = append(r.positions, *p) }
func (r *record) order(o domain.Order)        { r.orders = append(r.orders, o) }
func (r *record) event(e domain.Event)        { r.events = append(r.events, e) }

func (r *record) note(event string, detail map[string]any) {
	r.audit = append(r.audit, auditRow{event: event, detail: detail})
}

// flush writes r to the journal and emits its events. Persistence failures
// are logged; the in-memory table stays authoritative.
func (m *Manager) flush(ctx context.Context, r *record) {
	j := m.journal
	if j.Positions != nil {
		for _, p := range r.positions {
			if err := j.Positions.Upsert(ctx, p); err != nil {
				m.logger.WarnContext(ctx, "persist position failed",
					slog.String("position_id", p.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	if j.Orders != nil {
		for _, o := range r.orders {
			if err := j.Orders.Upsert(ctx, o); err != nil {
				m.logger.WarnContext(ctx, "persist order failed",
					slog.String("order_id", o.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	if j.Trades != nil && r.trade != nil {
		if err := j.Trades.Insert(ctx, *r.trade); err != nil {
			m.logger.WarnContext(ctx, "persist trade failed",
				slog.String("trade_id", r.trade.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if j.Audit != nil {
		for _, a := range r.audit {
			if err := j.Audit.Log(ctx, a.event, a.detail); err != nil {
				m.logger.WarnContext(ctx, "audit log failed",
					slog.String("event", a.event),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	if m.sink != nil {
		for _, e := range r.events {
			m.sink.Emit(ctx, e)
		}
	}
}

// setOrderLocked stores o, re-keying if the broker assigned a new id.
func (m *Manager) setOrderLocked(oldID string, o domain.Order) {
	if oldID != "" && oldID != o.ID {
		delete(m.orders, oldID)
	}
	m.orders[o.ID] = o
}

func (m *Manager) rejectedEvent(p *domain.Position, orderID string, kind domain.OrderKind, msg string) domain.Event {
	return domain.Event{
		Kind:       domain.EventOrderRejected,
		Symbol:     p.Symbol,
		PositionID: p.ID,
		OrderID:    orderID,
		Side:       p.Side,
		Quantity:   p.Quantity,
		Reason:     string(kind) + ": " + msg,
		At:         m.now(),
	}
}
