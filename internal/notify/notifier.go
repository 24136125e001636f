// Package notify delivers operator alerts for trading events over Telegram
// and Discord.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

// Sender is one alert channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier formats events and forwards them to every sender. Only event kinds
// in the configured set are forwarded; an empty set forwards everything.
type Notifier struct {
	senders []Sender
	events  map[domain.EventKind]bool
	prefix  string
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. prefix is prepended to every title, usually
// the instance id, so alerts from several engines can be told apart.
func NewNotifier(senders []Sender, events []string, prefix string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventKind]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventKind(e)] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		prefix:  prefix,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Wants reports whether kind passes the event filter.
func (n *Notifier) Wants(kind domain.EventKind) bool {
	return len(n.events) == 0 || n.events[kind]
}

// HandleEvent formats evt and sends it if it passes the filter. Delivery
// failures are logged.
func (n *Notifier) HandleEvent(ctx context.Context, evt domain.Event) {
	if !n.Wants(evt.Kind) {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", string(evt.Kind)))
		return
	}
	title, message := Format(evt)
	if n.prefix != "" {
		title = "[" + n.prefix + "] " + title
	}
	if err := n.Send(ctx, title, message); err != nil {
		n.logger.WarnContext(ctx, "alert delivery incomplete",
			slog.String("event", string(evt.Kind)),
			slog.String("error", err.Error()),
		)
	}
}

// Send delivers title and message to every sender regardless of the filter.
// One failing sender does not stop delivery to the rest.
func (n *Notifier) Send(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}

// Format renders an event as an alert title and body.
func Format(evt domain.Event) (title, message string) {
	var b strings.Builder
	switch evt.Kind {
	case domain.EventPositionEntryPlaced:
		title = fmt.Sprintf("Entry %s %s", evt.Side, evt.Symbol)
		fmt.Fprintf(&b, "qty %d @ %.2f", evt.Quantity, evt.Price)
	case domain.EventPositionClosed:
		title = fmt.Sprintf("Closed %s", evt.Symbol)
		fmt.Fprintf(&b, "%s qty %d @ %.2f\npnl %s", evt.Side, evt.Quantity, evt.Price, evt.PnL.StringFixed(2))
	case domain.EventOrderRejected:
		title = fmt.Sprintf("Order rejected %s", evt.Symbol)
		fmt.Fprintf(&b, "order %s", evt.OrderID)
	case domain.EventCircuitBreakerTriggered:
		title = "Circuit breaker tripped"
		fmt.Fprintf(&b, "daily pnl %s", evt.PnL.StringFixed(2))
	default:
		title = string(evt.Kind)
		if evt.Symbol != "" {
			b.WriteString(evt.Symbol)
		}
	}
	if evt.Reason != "" {
		fmt.Fprintf(&b, "\nreason: %s", evt.Reason)
	}
	if !evt.At.IsZero() {
		fmt.Fprintf(&b, "\n%s", evt.At.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	return title, b.String()
}
