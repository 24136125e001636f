package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/alanyoungcy/tradeexec/internal/domain"
)

// SubmitSignal queues sig for the next exit-check tick. Exits run before
// queued entries on every tick, and a symbol that exited on that tick is not
// re-entered until the next one. Expired and duplicate signals are refused.
func (e *Engine) SubmitSignal(ctx context.Context, sig domain.Signal) (string, error) {
	if err := e.guard("submit signal"); err != nil {
		return "", err
	}
	if sig.Symbol == "" {
		return "", fmt.Errorf("engine: submit signal: %w: symbol is required", domain.ErrValidationFailed)
	}
	switch sig.Direction {
	case domain.DirectionLongEntry, domain.DirectionShortEntry, domain.DirectionExit:
	default:
		return "", fmt.Errorf("engine: submit signal %s: %w: unknown direction %q", sig.Symbol, domain.ErrValidationFailed, sig.Direction)
	}
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	now := e.now()
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = now
	}
	if sig.Expired(now) {
		return sig.ID, fmt.Errorf("engine: submit signal %s: %w: expired", sig.ID, domain.ErrValidationFailed)
	}
	if e.dedup.Seen(sig.ID) {
		e.logger.DebugContext(ctx, "duplicate signal dropped", slog.String("signal_id", sig.ID))
		return sig.ID, fmt.Errorf("engine: submit signal %s: %w", sig.ID, domain.ErrDuplicateSignal)
	}

	q := queued{sig: sig, deadline: sig.ExpiresAt}
	if q.deadline.IsZero() && e.cfg.SignalTTL > 0 {
		q.deadline = sig.CreatedAt.Add(e.cfg.SignalTTL)
	}

	e.sigMu.Lock()
	e.queue = append(e.queue, q)
	depth := len(e.queue)
	e.sigMu.Unlock()

	e.logger.InfoContext(ctx, "signal queued",
		slog.String("signal_id", sig.ID),
		slog.String("symbol", sig.Symbol),
		slog.String("direction", string(sig.Direction)),
		slog.String("strategy", sig.StrategyID),
		slog.Int("queue_depth", depth),
	)
	return sig.ID, nil
}

// PendingSignals returns the number of queued signals.
func (e *Engine) PendingSignals() int {
	e.sigMu.Lock()
	defer e.sigMu.Unlock()
	return len(e.queue)
}

// Tick runs one monitoring step: exit conditions first, then queued signals.
func (e *Engine) Tick(ctx context.Context) error {
	if err := e.guard("tick"); err != nil {
		return err
	}
	exited := make(map[string]bool)
	for _, t := range e.manager.EvaluateExits(ctx) {
		exited[t.Symbol] = true
	}
	return e.drainSignals(ctx, exited)
}

// drainSignals processes the queue in arrival order, exits before entries.
func (e *Engine) drainSignals(ctx context.Context, exited map[string]bool) error {
	e.sigMu.Lock()
	batch := e.queue
	e.queue = nil
	e.sigMu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].sig.Direction == domain.DirectionExit && batch[j].sig.Direction != domain.DirectionExit
	})

	now := e.now()
	var errs []error
	for _, q := range batch {
		sig := q.sig
		log := e.logger.With(
			slog.String("signal_id", sig.ID),
			slog.String("symbol", sig.Symbol),
			slog.String("direction", string(sig.Direction)),
		)
		if !q.deadline.IsZero() && now.After(q.deadline) {
			log.WarnContext(ctx, "signal expired before execution")
			continue
		}

		if sig.Direction == domain.DirectionExit {
			res, err := e.ExitPosition(ctx, sig.Symbol, domain.ExitSignal, sig.EntryPrice)
			if err != nil {
				if !errors.Is(err, domain.ErrNoPosition) && !errors.Is(err, domain.ErrAlreadyClosing) && !errors.Is(err, domain.ErrDryRun) {
					errs = append(errs, err)
				}
				log.WarnContext(ctx, "exit signal not executed", slog.String("error", err.Error()))
				continue
			}
			log.InfoContext(ctx, "exit signal executed", slog.Bool("closed", res.Trade != nil))
			exited[sig.Symbol] = true
			continue
		}

		if exited[sig.Symbol] {
			log.InfoContext(ctx, "entry rejected: symbol exited this tick",
				slog.String("code", domain.ViolationExitedThisTick))
			e.audit(ctx, "entry_rejected", map[string]any{
				"signal_id": sig.ID,
				"symbol":    sig.Symbol,
				"code":      domain.ViolationExitedThisTick,
			})
			continue
		}

		res, err := e.EnterPosition(ctx, sig)
		if err != nil {
			if !errors.Is(err, domain.ErrValidationFailed) && !errors.Is(err, domain.ErrCircuitBreakerActive) {
				errs = append(errs, err)
			}
			log.WarnContext(ctx, "entry signal not executed", slog.String("error", err.Error()))
			continue
		}
		attrs := []any{slog.Int64("quantity", res.Validation.Quantity)}
		if res.Position != nil {
			attrs = append(attrs, slog.String("position_id", res.Position.ID), slog.String("state", string(res.Position.State)))
		}
		log.InfoContext(ctx, "entry signal executed", attrs...)
	}
	if len(errs) > 0 {
		return fmt.Errorf("engine: drain signals: %w", errors.Join(errs...))
	}
	return nil
}
