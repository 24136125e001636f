// Package reconcile compares the engine's position table with the broker's
// and repairs local state. The broker is the source of truth for quantity
// and price. Positions the broker holds but the engine never opened are
// reported and left alone.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alanyoungcy/tradeexec/internal/domain"
	"github.com/alanyoungcy/tradeexec/internal/lifecycle"
)

// Report summarises one reconciliation pass.
type Report struct {
	Checked   int      `json:"checked"`
	Promoted  int      `json:"promoted"`
	Closed    int      `json:"closed"`
	Abandoned int      `json:"abandoned"`
	External  []string `json:"external,omitempty"`
}

// Reconciler runs reconciliation passes against a broker.
type Reconciler struct {
	broker      domain.Broker
	positions   *lifecycle.Manager
	graceCycles int
	logger      *slog.Logger
}

// Option customises a Reconciler.
type Option func(*Reconciler)

// WithGraceCycles sets how many passes a PENDING entry may be missing at the
// broker before it is abandoned. The default is one, so an entry sent just
// before a pass is never abandoned by that pass.
func WithGraceCycles(n int) Option {
	return func(r *Reconciler) { r.graceCycles = n }
}

// New creates a Reconciler.
func New(broker domain.Broker, positions *lifecycle.Manager, logger *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		broker:      broker,
		positions:   positions,
		graceCycles: 1,
		logger:      logger.With(slog.String("component", "reconciler")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run performs one pass. A failure to read broker positions leaves local
// state untouched.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	// Local state is snapshotted before the broker is asked. A position that
	// moves during the call is then judged against a broker view at least as
	// new as the snapshot, and CloseExternally skips it if it changed.
	local := r.positions.Active()

	held, err := r.broker.GetPositions(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "broker positions unavailable, skipping pass",
			slog.String("error", err.Error()),
		)
		return Report{}, fmt.Errorf("reconcile: get positions: %w", err)
	}

	remote := make(map[string]domain.BrokerPosition, len(held))
	for _, bp := range held {
		if bp.Quantity != 0 {
			remote[bp.Symbol] = bp
		}
	}

	var rep Report
	for _, p := range local {
		rep.Checked++
		bp, ok := remote[p.Symbol]
		delete(remote, p.Symbol)

		var err error
		switch p.State {
		case domain.PositionPending:
			err = r.pending(ctx, p, bp, ok, &rep)
		default:
			err = r.live(ctx, p, bp, ok, &rep)
		}
		if err != nil {
			r.logger.ErrorContext(ctx, "reconcile position failed",
				slog.String("symbol", p.Symbol),
				slog.String("position_id", p.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	for sym, bp := range remote {
		rep.External = append(rep.External, sym)
		r.logger.WarnContext(ctx, "external position not adopted",
			slog.String("symbol", sym),
			slog.Int64("qty", bp.Quantity),
			slog.Float64("avg_price", bp.AvgPrice),
		)
	}
	sort.Strings(rep.External)

	r.logger.DebugContext(ctx, "reconcile pass complete",
		slog.Int("checked", rep.Checked),
		slog.Int("promoted", rep.Promoted),
		slog.Int("closed", rep.Closed),
		slog.Int("abandoned", rep.Abandoned),
		slog.Int("external", len(rep.External)),
	)
	return rep, nil
}

// pending resolves a position whose entry outcome is not yet known.
func (r *Reconciler) pending(ctx context.Context, p domain.Position, bp domain.BrokerPosition, held bool, rep *Report) error {
	if held {
		rep.Promoted++
		return r.positions.AdoptBrokerView(ctx, p.Symbol, p.ID, bp)
	}

	if u, ok := r.positions.OrderStatus(ctx, p.EntryOrderID); ok {
		switch {
		case u.Status == domain.OrderStatusFilled:
			rep.Promoted++
			return r.positions.ConfirmFill(ctx, u)
		case u.Status.Working():
			return nil
		default:
			rep.Abandoned++
			return r.positions.AbandonEntry(ctx, p.Symbol, p.ID, "entry order "+string(u.Status))
		}
	}

	if seen := r.positions.MarkReconcileSeen(p.Symbol, p.ID); seen <= r.graceCycles {
		return nil
	}
	rep.Abandoned++
	return r.positions.AbandonEntry(ctx, p.Symbol, p.ID, "entry not found at broker")
}

// live handles OPEN and CLOSING positions.
func (r *Reconciler) live(ctx context.Context, p domain.Position, bp domain.BrokerPosition, held bool, rep *Report) error {
	if held {
		if p.State == domain.PositionClosing {
			// A failed exit returns the position to OPEN.
			if u, ok := r.positions.OrderStatus(ctx, p.ExitOrderID); ok && u.Status.Terminal() && u.Status != domain.OrderStatusFilled {
				if err := r.positions.ConfirmFill(ctx, u); err != nil {
					return err
				}
			}
		}
		return r.positions.AdoptBrokerView(ctx, p.Symbol, p.ID, bp)
	}

	// The broker is flat. Book the trade from whichever order filled.
	for _, id := range []string{p.ExitOrderID, p.StopOrderID} {
		if id == "" {
			continue
		}
		u, ok := r.positions.OrderStatus(ctx, id)
		if !ok || u.Status != domain.OrderStatusFilled {
			continue
		}
		closed, err := r.positions.CloseExternally(ctx, p, &u)
		if closed {
			rep.Closed++
		}
		if !errors.Is(err, domain.ErrFillPriceUnknown) {
			return err
		}
		// The fill has no price yet. Wait out the grace cycles, then close
		// without booking a trade.
		if seen := r.positions.MarkReconcileSeen(p.Symbol, p.ID); seen <= r.graceCycles {
			r.logger.InfoContext(ctx, "fill price not reported yet, close deferred",
				slog.String("symbol", p.Symbol),
				slog.String("order_id", id),
			)
			return nil
		}
		if cur, ok := r.positions.Get(p.Symbol); ok && cur.ID == p.ID {
			p = cur
		}
		break
	}
	closed, err := r.positions.CloseExternally(ctx, p, nil)
	if closed {
		rep.Closed++
	}
	return err
}
