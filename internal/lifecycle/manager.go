// Package lifecycle owns the position table and drives every position
// through PENDING, OPEN, CLOSING and CLOSED. All broker I/O happens outside
// the table lock: state is snapshotted under the lock, the call is made, and
// the lock is re-acquired to apply the outcome.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/tradeexec/internal/domain"
	"github.com/alanyoungcy/tradeexec/internal/risk"
)

// legal lists the permitted transitions. The empty state is "no position".
var legal = map[domain.PositionState][]domain.PositionState{
	"":                     {domain.PositionPending},
	domain.PositionPending: {domain.PositionOpen, domain.PositionClosed},
	domain.PositionOpen:    {domain.PositionClosing},
	domain.PositionClosing: {domain.PositionClosed, domain.PositionOpen},
}

func canTransition(from, to domain.PositionState) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Config holds lifecycle defaults.
type Config struct {
	DefaultProductType          domain.ProductType
	DefaultTrailingStopDistance float64
}

// Manager is the position lifecycle state machine.
type Manager struct {
	mu        sync.Mutex
	positions map[string]*domain.Position // active positions by symbol
	orders    map[string]domain.Order     // every order this process knows, by id
	history   []domain.Position
	trades    []domain.Trade
	stopBusy  map[string]bool
	closed    bool
	inflight  sync.WaitGroup

	broker  domain.Broker
	breaker *risk.Breaker
	window  risk.Window
	sink    domain.EventSink
	journal domain.Journal
	prices  domain.PriceCache
	cfg     Config
	now     func() time.Time
	newID   func() string
	logger  *slog.Logger
}

// Option customises a Manager.
type Option func(*Manager)

// WithJournal persists positions, orders, trades and audit entries.
func WithJournal(j domain.Journal) Option {
	return func(m *Manager) { m.journal = j }
}

// WithPriceCache publishes refreshed quotes to cache.
func WithPriceCache(cache domain.PriceCache) Option {
	return func(m *Manager) { m.prices = cache }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides position and client order id generation.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// New creates a Manager. sink receives lifecycle events and may be nil.
func New(
	broker domain.Broker,
	breaker *risk.Breaker,
	window risk.Window,
	sink domain.EventSink,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) *Manager {
	if cfg.DefaultProductType == "" {
		cfg.DefaultProductType = domain.ProductIntraday
	}
	m := &Manager{
		positions: make(map[string]*domain.Position),
		orders:    make(map[string]domain.Order),
		stopBusy:  make(map[string]bool),
		broker:    broker,
		breaker:   breaker,
		window:    window,
		sink:      sink,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     newUUID,
		logger:    logger.With(slog.String("component", "lifecycle")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// begin registers an in-flight operation. It fails once Close has started.
func (m *Manager) begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.ErrEngineStopped
	}
	m.inflight.Add(1)
	return nil
}

func (m *Manager) end() { m.inflight.Done() }

// Close rejects new operations and waits for in-flight ones to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.inflight.Wait()
}

// transitionLocked moves p to state `to` or reports an invariant violation
// without touching p.
func (m *Manager) transitionLocked(p *domain.Position, to domain.PositionState) error {
	if !canTransition(p.State, to) {
		err := fmt.Errorf("lifecycle: %s %s -> %s: %w", p.Symbol, p.State, to, domain.ErrInvariantViolation)
		m.logger.Error("illegal position transition",
			slog.String("position_id", p.ID),
			slog.String("symbol", p.Symbol),
			slog.String("from", string(p.State)),
			slog.String("to", string(to)),
		)
		return err
	}
	m.logger.Debug("position transition",
		slog.String("position_id", p.ID),
		slog.String("symbol", p.Symbol),
		slog.String("from", string(p.State)),
		slog.String("to", string(to)),
	)
	p.State = to
	p.UpdatedAt = m.now()
	return nil
}

// retireLocked removes a CLOSED position from the active table.
func (m *Manager) retireLocked(p *domain.Position) {
	if cur, ok := m.positions[p.Symbol]; ok && cur.ID == p.ID {
		delete(m.positions, p.Symbol)
	}
	m.history = append(m.history, *p)
}

// lookupLocked returns the active position for symbol if it still has id.
func (m *Manager) lookupLocked(symbol, id string) *domain.Position {
	p, ok := m.positions[symbol]
	if !ok || (id != "" && p.ID != id) {
		return nil
	}
	return p
}

// Active returns copies of all non-closed positions, sorted by symbol.
func (m *Manager) Active() []domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Get returns a copy of the active position for symbol.
func (m *Manager) Get(symbol string) (domain.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// History returns closed positions, oldest first.
func (m *Manager) History() []domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Position, len(m.history))
	copy(out, m.history)
	return out
}

// Trades returns trades closed by this process, oldest first.
func (m *Manager) Trades() []domain.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Trade, len(m.trades))
	copy(out, m.trades)
	return out
}

// Order returns the last known state of an order.
func (m *Manager) Order(id string) (domain.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	return o, ok
}

// Restore loads persisted active positions and their orders into an empty
// table. It is called once before the monitoring loops start.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.journal.Positions == nil {
		return 0, nil
	}
	positions, err := m.journal.Positions.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("lifecycle: restore positions: %w", err)
	}

	var orders []domain.Order
	if m.journal.Orders != nil {
		for _, p := range positions {
			list, err := m.journal.Orders.ListByPosition(ctx, p.ID)
			if err != nil {
				return 0, fmt.Errorf("lifecycle: restore orders for %s: %w", p.ID, err)
			}
			orders = append(orders, list...)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i := range positions {
		p := positions[i]
		if !p.State.Active() {
			continue
		}
		if existing, dup := m.positions[p.Symbol]; dup {
			m.logger.ErrorContext(ctx, "duplicate active position in journal, keeping first",
				slog.String("symbol", p.Symbol),
				slog.String("kept", existing.ID),
				slog.String("dropped", p.ID),
			)
			continue
		}
		m.positions[p.Symbol] = &p
		n++
	}
	for _, o := range orders {
		m.orders[o.ID] = o
	}
	return n, nil
}
