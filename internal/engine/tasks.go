package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/tradeexec/internal/monitor"
)

// tasks builds the monitoring loops for the current mode.
func (e *Engine) tasks() []monitor.Task {
	iv := e.cfg.Intervals
	tasks := []monitor.Task{
		{
			Name:       "price_refresh",
			Interval:   iv.PriceRefresh,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				e.manager.RefreshPrices(ctx)
				return nil
			},
		},
		{Name: "exit_check", Interval: iv.ExitCheck, Run: e.Tick},
		{
			Name:     "square_off",
			Interval: iv.SquareOff,
			Run: func(ctx context.Context) error {
				e.manager.SquareOff(ctx)
				return nil
			},
		},
		{
			Name:       "breaker_check",
			Interval:   iv.BreakerCheck,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				e.breaker.Evaluate(ctx)
				return nil
			},
		},
	}

	if e.cfg.SignalTTL > 0 {
		tasks = append(tasks, monitor.Task{
			Name:     "signal_dedup_cleanup",
			Interval: e.cfg.SignalTTL,
			Run: func(context.Context) error {
				e.dedup.Cleanup()
				return nil
			},
		})
	}

	if e.cfg.Mode == ModeLive && e.reconciler != nil {
		tasks = append(tasks, monitor.Task{
			Name:       "reconcile",
			Interval:   iv.Reconcile,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				_, err := e.reconciler.Run(ctx)
				return err
			},
		})
	}

	if e.archiver != nil && e.cfg.ArchiveRetention > 0 {
		tasks = append(tasks, monitor.Task{Name: "archive", Interval: iv.Archive, Run: e.archive})
	}

	if e.lock != nil {
		lock := e.lock
		tasks = append(tasks, monitor.Task{
			Name:     "lock_refresh",
			Interval: e.cfg.LockTTL / 3,
			Run: func(ctx context.Context) error {
				if err := lock.Refresh(ctx, e.cfg.LockTTL); err != nil {
					if ctx.Err() == nil {
						e.breaker.Trip(ctx, "instance lock lost")
					}
					return fmt.Errorf("engine: refresh instance lock: %w", err)
				}
				return nil
			},
		})
	}
	return tasks
}

func (e *Engine) archive(ctx context.Context) error {
	before := e.now().Add(-e.cfg.ArchiveRetention)
	n, err := e.archiver.ArchiveTrades(ctx, before)
	if err != nil {
		return fmt.Errorf("engine: archive trades: %w", err)
	}
	if n > 0 {
		e.logger.InfoContext(ctx, "trades archived",
			slog.Int64("count", n),
			slog.Time("before", before),
		)
	}
	return nil
}
