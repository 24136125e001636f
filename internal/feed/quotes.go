// Package feed ingests last-traded prices published by an upstream market
// data process and stores them in the price cache read by the paper broker
// and the price refresh loop.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

// quoteEvent is the JSON shape published to the quotes channel.
type quoteEvent struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp string  `json:"timestamp,omitempty"`
}

// QuoteFeeder subscribes to a bus channel and writes each quote into the
// price cache.
type QuoteFeeder struct {
	bus     domain.SignalBus
	cache   domain.PriceCache
	channel string
	now     func() time.Time
	logger  *slog.Logger
}

// NewQuoteFeeder creates a QuoteFeeder for channel, usually
// domain.ChannelQuotes.
func NewQuoteFeeder(bus domain.SignalBus, cache domain.PriceCache, channel string, logger *slog.Logger) *QuoteFeeder {
	return &QuoteFeeder{
		bus:     bus,
		cache:   cache,
		channel: channel,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With(slog.String("component", "quote_feeder"), slog.String("channel", channel)),
	}
}

// Run consumes quotes until ctx is cancelled or the subscription closes.
func (f *QuoteFeeder) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, f.channel)
	if err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", f.channel, err)
	}
	f.logger.Info("quote feeder started")
	defer f.logger.Info("quote feeder stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.handleMessage(ctx, data); err != nil {
				f.logger.DebugContext(ctx, "quote dropped",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
			}
		}
	}
}

func (f *QuoteFeeder) handleMessage(ctx context.Context, data []byte) error {
	var ev quoteEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	symbol := strings.ToUpper(strings.TrimSpace(ev.Symbol))
	if symbol == "" {
		return fmt.Errorf("missing symbol")
	}
	if ev.Price <= 0 {
		return fmt.Errorf("%s: non-positive price %v", symbol, ev.Price)
	}
	ts := f.now()
	if ev.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, ev.Timestamp); err == nil {
			ts = t.UTC()
		}
	}
	if err := f.cache.SetPrice(ctx, symbol, ev.Price, ts); err != nil {
		return fmt.Errorf("cache %s: %w", symbol, err)
	}
	return nil
}
