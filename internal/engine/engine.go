// Package engine is the execution facade. It validates signals through the
// risk gate, hands approved entries to the lifecycle manager and runs the
// monitoring loops that keep positions protected and in step with the broker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/tradeexec/internal/domain"
	"github.com/alanyoungcy/tradeexec/internal/lifecycle"
	"github.com/alanyoungcy/tradeexec/internal/monitor"
	"github.com/alanyoungcy/tradeexec/internal/reconcile"
	"github.com/alanyoungcy/tradeexec/internal/risk"
)

// Trading modes.
const (
	ModeLive      = "live"
	ModeSimulated = "simulated"
	ModeDryRun    = "dry_run"
)

// Intervals is the cadence of each monitoring loop. A zero interval disables
// that loop.
type Intervals struct {
	PriceRefresh time.Duration
	ExitCheck    time.Duration
	Reconcile    time.Duration
	SquareOff    time.Duration
	BreakerCheck time.Duration
	Archive      time.Duration
}

// Config holds engine settings.
type Config struct {
	Mode             string
	InstanceID       string
	SignalTTL        time.Duration
	LockTTL          time.Duration
	ArchiveRetention time.Duration
	Intervals        Intervals
}

// Engine composes the risk gate, the lifecycle manager and the monitoring
// loops. All methods are safe for concurrent use.
type Engine struct {
	cfg        Config
	manager    *lifecycle.Manager
	gate       *risk.Gate
	breaker    *risk.Breaker
	reconciler *reconcile.Reconciler
	journal    domain.Journal
	archiver   domain.Archiver
	locks      domain.LockManager
	dedup      *Dedup
	now        func() time.Time
	logger     *slog.Logger

	entryMu sync.Mutex

	sigMu sync.Mutex
	queue []queued

	runMu     sync.Mutex
	running   bool
	stopped   atomic.Bool
	cancel    context.CancelFunc
	done      chan error
	lock      domain.Lock
	scheduler *monitor.Scheduler
}

type queued struct {
	sig      domain.Signal
	deadline time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithReconciler enables the reconcile loop. It only runs in live mode.
func WithReconciler(r *reconcile.Reconciler) Option {
	return func(e *Engine) { e.reconciler = r }
}

// WithJournal gives the engine access to persisted trades, risk state and
// the audit log.
func WithJournal(j domain.Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithArchiver enables the archive loop.
func WithArchiver(a domain.Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// WithLockManager makes Start take the single-instance lock.
func WithLockManager(l domain.LockManager) Option {
	return func(e *Engine) { e.locks = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine. The gate's breaker is the one the manager records
// closed trades against.
func New(cfg Config, manager *lifecycle.Manager, gate *risk.Gate, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.Mode == "" {
		cfg.Mode = ModeSimulated
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = "default"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	e := &Engine{
		cfg:     cfg,
		manager: manager,
		gate:    gate,
		breaker: gate.Breaker(),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With(slog.String("component", "engine")),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.dedup = NewDedup(cfg.SignalTTL, e.now)
	return e
}

// Mode returns the trading mode.
func (e *Engine) Mode() string { return e.cfg.Mode }

// DryRun reports whether orders are suppressed.
func (e *Engine) DryRun() bool { return e.cfg.Mode == ModeDryRun }

// Running reports whether the monitoring loops are active.
func (e *Engine) Running() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.running
}

func (e *Engine) lockKey() string { return "engine:" + e.cfg.InstanceID }

// Start takes the instance lock, restores persisted state and starts the
// monitoring loops. It returns once the loops are running; they stop when
// ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.stopped.Load() {
		return fmt.Errorf("engine: start: %w", domain.ErrEngineStopped)
	}
	if e.running {
		return nil
	}

	if e.locks != nil {
		lock, err := e.locks.Acquire(ctx, e.lockKey(), e.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("engine: acquire instance lock %s: %w", e.lockKey(), err)
		}
		e.lock = lock
	}

	if err := e.restore(ctx); err != nil {
		e.releaseLock()
		return err
	}

	e.scheduler = monitor.NewScheduler(e.logger, e.tasks()...)
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan error, 1)
	go func() { e.done <- e.scheduler.Run(runCtx) }()
	e.running = true

	e.logger.InfoContext(ctx, "engine started",
		slog.String("mode", e.cfg.Mode),
		slog.String("instance", e.cfg.InstanceID),
		slog.Int("active_positions", len(e.manager.Active())),
	)
	return nil
}

func (e *Engine) restore(ctx context.Context) error {
	n, err := e.manager.Restore(ctx)
	if err != nil {
		return fmt.Errorf("engine: restore positions: %w", err)
	}
	if n > 0 {
		e.logger.InfoContext(ctx, "restored active positions", slog.Int("count", n))
	}

	if e.journal.Risk == nil {
		return nil
	}
	date := e.gate.Window().TradeDate(e.now())
	state, err := e.journal.Risk.Load(ctx, date)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("engine: restore risk state: %w", err)
	}
	e.breaker.Restore(state)
	e.logger.InfoContext(ctx, "restored risk state",
		slog.String("trade_date", state.TradeDate),
		slog.String("daily_pnl", state.DailyPnL.String()),
		slog.Int("consecutive_losses", state.ConsecutiveLosses),
		slog.Bool("tripped", state.Tripped),
	)
	return nil
}

// Stop cancels the monitoring loops, waits for them and for in-flight
// lifecycle operations to finish, then releases the instance lock. After Stop
// every operation returns domain.ErrEngineStopped.
func (e *Engine) Stop(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.stopped.Swap(true) {
		return nil
	}

	var err error
	if e.running {
		e.cancel()
		select {
		case err = <-e.done:
		case <-ctx.Done():
			err = fmt.Errorf("engine: stop: %w", ctx.Err())
		}
		e.running = false
	}
	e.manager.Close()

	if e.journal.Risk != nil {
		if serr := e.journal.Risk.Save(context.WithoutCancel(ctx), e.breaker.State()); serr != nil {
			e.logger.WarnContext(ctx, "save risk state on stop failed", slog.String("error", serr.Error()))
		}
	}
	e.releaseLock()

	e.sigMu.Lock()
	dropped := len(e.queue)
	e.queue = nil
	e.sigMu.Unlock()

	e.logger.InfoContext(ctx, "engine stopped", slog.Int("dropped_signals", dropped))
	return err
}

func (e *Engine) releaseLock() {
	if e.lock != nil {
		e.lock.Release()
		e.lock = nil
	}
}

func (e *Engine) guard(op string) error {
	if e.stopped.Load() {
		return fmt.Errorf("engine: %s: %w", op, domain.ErrEngineStopped)
	}
	return nil
}

// SchedulerStatus reports the monitoring loops.
func (e *Engine) SchedulerStatus() []monitor.TaskStatus {
	e.runMu.Lock()
	s := e.scheduler
	e.runMu.Unlock()
	if s == nil {
		return nil
	}
	return s.Status()
}

func (e *Engine) audit(ctx context.Context, event string, detail map[string]any) {
	if e.journal.Audit == nil {
		return
	}
	if err := e.journal.Audit.Log(ctx, event, detail); err != nil {
		e.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
