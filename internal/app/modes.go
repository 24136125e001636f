package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradeexec/internal/broker"
	"github.com/alanyoungcy/tradeexec/internal/broker/alpaca"
	"github.com/alanyoungcy/tradeexec/internal/broker/paper"
	"github.com/alanyoungcy/tradeexec/internal/config"
	"github.com/alanyoungcy/tradeexec/internal/domain"
	"github.com/alanyoungcy/tradeexec/internal/engine"
	"github.com/alanyoungcy/tradeexec/internal/events"
	"github.com/alanyoungcy/tradeexec/internal/feed"
	"github.com/alanyoungcy/tradeexec/internal/lifecycle"
	"github.com/alanyoungcy/tradeexec/internal/reconcile"
	"github.com/alanyoungcy/tradeexec/internal/risk"
	"github.com/alanyoungcy/tradeexec/internal/server"
	"github.com/alanyoungcy/tradeexec/internal/server/handler"
	"github.com/alanyoungcy/tradeexec/internal/server/ws"
)

const (
	recentEvents     = 500
	alertQueueSize   = 128
	statusPushPeriod = 5 * time.Second
	apiRateLimit     = 120
	apiRateWindow    = time.Minute
	stopTimeout      = 30 * time.Second
)

// runtime is the object graph of one running engine instance.
type runtime struct {
	engine   *engine.Engine
	alerts   *events.Queue
	hub      *ws.Hub
	consumer *engine.Consumer
	quotes   *feed.QuoteFeeder
	server   *server.Server
}

// runMode builds the engine for mode and runs it with its surrounding
// goroutines until ctx is cancelled. live routes orders to the configured
// venue and reconciles against it; simulated fills against the paper broker;
// dry_run validates and audits signals without placing orders.
func (a *App) runMode(ctx context.Context, mode string, deps *Dependencies) error {
	rt, err := a.build(ctx, mode, deps)
	if err != nil {
		return err
	}

	if err := rt.engine.Start(ctx); err != nil {
		return fmt.Errorf("app: start engine: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), stopTimeout)
		defer cancel()
		return rt.engine.Stop(stopCtx)
	})

	if rt.alerts != nil {
		g.Go(func() error { return rt.alerts.Run(gctx) })
	}
	if rt.hub != nil {
		g.Go(func() error { return rt.hub.Run(gctx) })
	}
	if rt.consumer != nil {
		g.Go(func() error { return rt.consumer.Run(gctx) })
	}
	if rt.quotes != nil {
		g.Go(func() error { return rt.quotes.Run(gctx) })
	}
	if rt.server != nil {
		g.Go(func() error { return rt.server.Run(gctx) })
	}

	a.logger.InfoContext(ctx, "engine running",
		slog.String("mode", mode),
		slog.Bool("signal_consumer", rt.consumer != nil),
		slog.Bool("quote_feed", rt.quotes != nil),
		slog.Bool("http", rt.server != nil),
		slog.Bool("alerts", rt.alerts != nil),
		slog.Bool("archive", deps.Archiver != nil),
	)
	return g.Wait()
}

// build assembles the broker, risk, lifecycle and engine components together
// with the event routing and the API surface.
func (a *App) build(ctx context.Context, mode string, deps *Dependencies) (*runtime, error) {
	cfg := a.cfg
	rt := &runtime{}

	venue, err := a.buildBroker(ctx, mode, deps)
	if err != nil {
		return nil, err
	}

	window, err := risk.NewWindow(
		cfg.Session.Timezone,
		cfg.Session.Open,
		cfg.Session.Close,
		cfg.Session.NoEntryAfter,
		cfg.Session.AutoSquareOff,
	)
	if err != nil {
		return nil, fmt.Errorf("app: session window: %w", err)
	}

	dispatcher := events.NewDispatcher(a.logger)
	recorder := events.NewRecorder(recentEvents)
	dispatcher.OnAll("recorder", recorder.Handle)
	if deps.Journal.Audit != nil {
		dispatcher.OnAll("audit", events.AuditRecorder(deps.Journal.Audit, a.logger))
	}
	if deps.SignalBus != nil {
		dispatcher.OnAll("bus", events.BusPublisher(deps.SignalBus, a.logger))
	}
	if deps.Notifier != nil && deps.Notifier.Enabled() {
		rt.alerts = events.NewQueue("notify", deps.Notifier.HandleEvent, alertQueueSize, a.logger)
		dispatcher.OnAll("notify", rt.alerts.Handle)
	}

	var breakerOpts []risk.BreakerOption
	if deps.Journal.Risk != nil {
		breakerOpts = append(breakerOpts, risk.WithStateStore(deps.Journal.Risk))
	}
	breaker := risk.NewBreaker(riskLimits(cfg.Risk), window, dispatcher, a.logger, breakerOpts...)
	gate := risk.NewGate(breaker, a.logger)

	managerOpts := []lifecycle.Option{lifecycle.WithJournal(deps.Journal)}
	if deps.PriceCache != nil {
		managerOpts = append(managerOpts, lifecycle.WithPriceCache(deps.PriceCache))
	}
	manager := lifecycle.New(venue, breaker, window, dispatcher, lifecycle.Config{
		DefaultProductType:          domain.ProductType(cfg.Execution.DefaultProductType),
		DefaultTrailingStopDistance: cfg.Execution.DefaultTrailingStopDistance,
	}, a.logger, managerOpts...)

	engineOpts := []engine.Option{engine.WithJournal(deps.Journal)}
	if mode == config.ModeLive {
		engineOpts = append(engineOpts, engine.WithReconciler(reconcile.New(venue, manager, a.logger)))
	}
	if deps.Archiver != nil {
		engineOpts = append(engineOpts, engine.WithArchiver(deps.Archiver))
	}
	if deps.LockManager != nil {
		engineOpts = append(engineOpts, engine.WithLockManager(deps.LockManager))
	}
	m := cfg.Monitor
	rt.engine = engine.New(engine.Config{
		Mode:             mode,
		InstanceID:       cfg.InstanceID,
		SignalTTL:        cfg.Execution.SignalTTL.Duration,
		ArchiveRetention: time.Duration(m.ArchiveRetentionDays) * 24 * time.Hour,
		Intervals: engine.Intervals{
			PriceRefresh: m.PriceRefreshInterval.Duration,
			ExitCheck:    m.ExitCheckInterval.Duration,
			Reconcile:    m.ReconcileInterval.Duration,
			SquareOff:    m.SquareOffInterval.Duration,
			BreakerCheck: m.BreakerCheckInterval.Duration,
			Archive:      m.ArchiveInterval.Duration,
		},
	}, manager, gate, a.logger, engineOpts...)

	if deps.SignalBus != nil {
		rt.consumer = engine.NewConsumer(deps.SignalBus, domain.ChannelSignals, rt.engine, a.logger)
		if deps.PriceCache != nil {
			rt.quotes = feed.NewQuoteFeeder(deps.SignalBus, deps.PriceCache, domain.ChannelQuotes, a.logger)
		}
	}

	if !cfg.Server.Enabled {
		return rt, nil
	}

	eng := rt.engine
	rt.hub = ws.NewHub(deps.SignalBus, func() any { return eng.GetStats() }, ws.Config{
		AllowedOrigins: cfg.Server.CORSOrigins,
		StatusInterval: statusPushPeriod,
	}, a.logger)
	if deps.SignalBus == nil {
		// Without a bus the hub cannot see published events, so feed it directly.
		dispatcher.OnAll("ws", rt.hub.Handle)
	}

	var eventOpts []handler.EventOption
	if deps.SignalBus != nil {
		eventOpts = append(eventOpts, handler.WithEventLog(deps.SignalBus, domain.StreamEvents))
	}

	rt.server = server.NewServer(server.Config{
		Port:        cfg.Server.Port,
		CORSOrigins: cfg.Server.CORSOrigins,
		APIKey:      cfg.Server.APIKey,
		RateLimit:   apiRateLimit,
		RateWindow:  apiRateWindow,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(eng.Running, deps.Checks, a.logger),
		Positions: handler.NewPositionHandler(eng, a.logger),
		Signals:   handler.NewSignalHandler(eng, a.logger),
		Trades:    handler.NewTradeHandler(eng, a.logger),
		Status:    handler.NewStatusHandler(eng, cfg.InstanceID, a.logger),
		Events:    handler.NewEventHandler(recorder, a.logger, eventOpts...),
	}, rt.hub, deps.RateLimiter, a.logger)

	return rt, nil
}

// buildBroker selects the venue adapter and wraps it with the call timeout
// and, when Redis is available, the order rate limit.
func (a *App) buildBroker(ctx context.Context, mode string, deps *Dependencies) (domain.Broker, error) {
	cfg := a.cfg
	var venue domain.Broker

	switch {
	case cfg.Broker.Name == "alpaca":
		venue = alpaca.New(alpaca.Config{
			APIKey:    cfg.Broker.APIKey,
			APISecret: cfg.Broker.APISecret,
			BaseURL:   cfg.Broker.BaseURL,
			DataURL:   cfg.Broker.DataURL,
		}, a.logger)
	case cfg.Broker.Name == "paper" && mode != config.ModeLive:
		var quotes paper.QuoteSource
		if deps.PriceCache != nil {
			quotes = paper.NewCacheQuotes(deps.PriceCache)
		} else {
			if len(cfg.Broker.Quotes) == 0 {
				a.logger.WarnContext(ctx, "paper broker has no price source; set broker.quotes or enable redis")
			}
			quotes = paper.NewStaticQuotes(cfg.Broker.Quotes)
		}
		venue = paper.New(quotes, paper.FillModel{
			SlippagePct:    cfg.Execution.SlippagePct,
			CommissionFlat: cfg.Execution.CommissionPerTrade,
			CommissionPct:  cfg.Execution.CommissionPct,
		}, a.logger)
	default:
		return nil, fmt.Errorf("app: broker %q is not usable in %s mode", cfg.Broker.Name, mode)
	}

	venue = broker.WithTimeout(venue, cfg.Execution.BrokerTimeout.Duration)
	if deps.RateLimiter != nil && cfg.Execution.OrderRateLimit > 0 {
		venue = broker.NewRateLimited(venue, deps.RateLimiter,
			"orders:"+cfg.InstanceID,
			cfg.Execution.OrderRateLimit,
			cfg.Execution.OrderRateWindow.Duration,
			a.logger,
		)
	}
	return venue, nil
}

func riskLimits(r config.RiskConfig) risk.Limits {
	return risk.Limits{
		StartingCapital:         r.StartingCapital,
		MaxRiskPerTradePct:      r.MaxRiskPerTradePct,
		MaxOpenPositions:        r.MaxOpenPositions,
		MaxPositionsPerStrategy: r.MaxPositionsPerStrategy,
		MaxPositionValue:        r.MaxPositionValue,
		MaxExposurePct:          r.MaxExposurePct,
		MaxDailyLossAbsolute:    r.MaxDailyLossAbsolute,
		MaxDailyLossPct:         r.MaxDailyLossPct,
		MaxDrawdownPct:          r.MaxDrawdownPct,
		ConsecutiveLossLimit:    r.ConsecutiveLossLimit,
		Cooldown:                r.CircuitBreakerCooldown.Duration,
		RequireStopLoss:         r.RequireStopLoss,
		MinRiskReward:           r.MinRiskRewardRatio,
	}
}
