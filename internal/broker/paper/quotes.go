package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

// QuoteSource supplies last-traded prices to the simulator.
type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (domain.Quote, error)
}

// CacheQuotes reads quotes that a market-data feed writes to a PriceCache.
type CacheQuotes struct {
	cache domain.PriceCache
}

// NewCacheQuotes creates a QuoteSource backed by cache.
func NewCacheQuotes(cache domain.PriceCache) *CacheQuotes {
	return &CacheQuotes{cache: cache}
}

// GetQuote returns the cached price for symbol.
func (c *CacheQuotes) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	price, ts, err := c.cache.GetPrice(ctx, symbol)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("paper: quote %s: %w", symbol, err)
	}
	return domain.Quote{Symbol: symbol, LastPrice: price, Timestamp: ts}, nil
}

// StaticQuotes is an in-memory QuoteSource. Prices are set explicitly,
// which makes it suitable for tests and for configured price sheets.
type StaticQuotes struct {
	mu     sync.RWMutex
	prices map[string]domain.Quote
}

// NewStaticQuotes creates a StaticQuotes seeded with prices.
func NewStaticQuotes(prices map[string]float64) *StaticQuotes {
	s := &StaticQuotes{prices: make(map[string]domain.Quote, len(prices))}
	now := time.Now().UTC()
	for sym, p := range prices {
		s.prices[sym] = domain.Quote{Symbol: sym, LastPrice: p, Timestamp: now}
	}
	return s
}

// Set updates the price for symbol.
func (s *StaticQuotes) Set(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = domain.Quote{Symbol: symbol, LastPrice: price, Timestamp: time.Now().UTC()}
}

// GetQuote returns the last price set for symbol.
func (s *StaticQuotes) GetQuote(_ context.Context, symbol string) (domain.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.prices[symbol]
	if !ok {
		return domain.Quote{}, fmt.Errorf("paper: quote %s: %w", symbol, domain.ErrNotFound)
	}
	return q, nil
}
