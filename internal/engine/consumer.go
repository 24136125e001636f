package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

// SignalSubmitter accepts signals for execution. *Engine implements it.
type SignalSubmitter interface {
	SubmitSignal(ctx context.Context, sig domain.Signal) (string, error)
}

// Consumer reads JSON signals from a bus channel and submits them to the
// engine.
type Consumer struct {
	bus     domain.SignalBus
	channel string
	target  SignalSubmitter
	logger  *slog.Logger
}

// NewConsumer creates a Consumer for the given channel, usually
// domain.ChannelSignals.
func NewConsumer(bus domain.SignalBus, channel string, target SignalSubmitter, logger *slog.Logger) *Consumer {
	return &Consumer{
		bus:     bus,
		channel: channel,
		target:  target,
		logger:  logger.With(slog.String("component", "signal_consumer"), slog.String("channel", channel)),
	}
}

// Run consumes until ctx is cancelled or the subscription closes.
func (c *Consumer) Run(ctx context.Context) error {
	msgs, err := c.bus.Subscribe(ctx, c.channel)
	if err != nil {
		return fmt.Errorf("engine: subscribe %s: %w", c.channel, err)
	}
	c.logger.Info("signal consumer started")
	defer c.logger.Info("signal consumer stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-msgs:
			if !ok {
				return nil
			}
			c.handle(ctx, payload)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, payload []byte) {
	var sig domain.Signal
	if err := json.Unmarshal(payload, &sig); err != nil {
		c.logger.WarnContext(ctx, "malformed signal dropped",
			slog.Int("bytes", len(payload)),
			slog.String("error", err.Error()),
		)
		return
	}
	id, err := c.target.SubmitSignal(ctx, sig)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrDuplicateSignal):
		c.logger.DebugContext(ctx, "duplicate signal", slog.String("signal_id", id))
	default:
		c.logger.WarnContext(ctx, "signal refused",
			slog.String("signal_id", id),
			slog.String("symbol", sig.Symbol),
			slog.String("error", err.Error()),
		)
	}
}
