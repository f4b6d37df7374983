package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coachbot/tradeexec/internal/domain"
	"github.com/coachbot/tradeexec/internal/execution"
	"github.com/coachbot/tradeexec/internal/feed"
	"github.com/coachbot/tradeexec/internal/lifecycle"
	"github.com/coachbot/tradeexec/internal/observability"
	"github.com/coachbot/tradeexec/internal/recommend"
	"github.com/coachbot/tradeexec/internal/reconcile"
	"github.com/coachbot/tradeexec/internal/ticks"
)

// transitionsChannel is the event bus channel transition events publish on.
const transitionsChannel = "transitions"

// TradeMode runs the full pipeline: tick feed, transition engine, execution
// orchestrator, order monitor, and the broker ledger reconciler.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode",
		slog.Bool("execution_enabled", a.cfg.Execution.Enabled),
	)

	g, ctx := errgroup.WithContext(ctx)
	clock := domain.RealClock{}

	engine := a.buildEngine(clock)

	monitor := execution.NewMonitor(execution.MonitorConfig{
		Interval:     a.cfg.Monitor.Interval.Duration,
		EntryTimeout: a.cfg.Monitor.EntryTimeout.Duration,
		MaxPolls:     a.cfg.Monitor.MaxPolls,
	}, deps.States, deps.Fills, deps.Notifier, clock, a.logger)
	monitor.SetMetrics(deps.Metrics)
	g.Go(func() error {
		return monitor.Run(ctx)
	})

	picker := recommend.NewQuotePicker(recommend.Config{
		StrikeIncrement: a.cfg.Recommend.StrikeIncrement,
		RootOverrides:   a.cfg.Recommend.RootOverrides,
		MaxQuoteAge:     a.cfg.Recommend.MaxQuoteAge.Duration,
	}, deps.TickCache, clock, a.logger)

	sizer := execution.NewSizer(execution.SizerConfig{
		MaxRiskPct:             a.cfg.Execution.MaxRiskPct,
		DayTradeUtilizationPct: a.cfg.Execution.DayTradeUtilizationPct,
		MaxContracts:           a.cfg.Execution.MaxContracts,
	})

	orch := execution.NewOrchestrator(execution.OrchestratorConfig{
		Enabled:             a.cfg.Execution.Enabled,
		Environment:         a.cfg.Environment,
		ProductionEnabled:   a.cfg.Execution.ProductionEnabled,
		UserAllowlist:       a.cfg.Execution.UserAllowlist,
		LimitOffset:         a.cfg.Execution.LimitOffset,
		ScaleOutPct:         a.cfg.Execution.ScaleOutPct,
		ScaleOutTargetPct:   a.cfg.Execution.ScaleOutTargetPct,
		RunnerStopOffsetPct: a.cfg.Execution.RunnerStopOffsetPct,
	}, sizer, picker, deps.Dialer, deps.Creds, deps.States, deps.Fills, monitor, deps.Notifier, clock, a.logger)
	orch.SetMetrics(deps.Metrics)

	sink := newTransitionSink(deps.EventBus, transitionsChannel, deps.Metrics, orch.HandleEvents, a.logger)
	g.Go(func() error {
		return sink.Run(ctx)
	})

	a.startRefresher(ctx, g, engine, sink.Enqueue)
	a.startFeed(ctx, g, deps, engine, sink.Enqueue)

	if a.cfg.Reconcile.Enabled {
		rec := reconcile.NewReconciler(deps.States, deps.Creds, deps.Dialer, a.cfg.Reconcile.Interval.Duration, a.logger)
		rec.SetMetrics(deps.Metrics)
		g.Go(func() error {
			return rec.Run(ctx)
		})
	}

	if a.cfg.Observability.Enabled {
		a.startMetricsServer(ctx, g)
	}

	return g.Wait()
}

// MonitorMode runs the feed and transition engine read-only: transitions are
// published and logged but no orders are placed.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	engine := a.buildEngine(domain.RealClock{})

	logEvents := func(ctx context.Context, events []domain.TransitionEvent) {
		for _, ev := range events {
			a.logger.InfoContext(ctx, "transition observed",
				slog.String("setup_id", ev.SetupID),
				slog.String("from", string(ev.FromPhase)),
				slog.String("to", string(ev.ToPhase)),
				slog.Float64("price", ev.Price),
			)
		}
	}
	sink := newTransitionSink(deps.EventBus, transitionsChannel, deps.Metrics, logEvents, a.logger)
	g.Go(func() error {
		return sink.Run(ctx)
	})

	a.startRefresher(ctx, g, engine, sink.Enqueue)
	a.startFeed(ctx, g, deps, engine, sink.Enqueue)

	if a.cfg.Observability.Enabled {
		a.startMetricsServer(ctx, g)
	}

	return g.Wait()
}

// ReconcileMode runs a single reconciliation pass and exits. Suited to cron.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconcile mode")

	rec := reconcile.NewReconciler(deps.States, deps.Creds, deps.Dialer, a.cfg.Reconcile.Interval.Duration, a.logger)
	rec.SetMetrics(deps.Metrics)

	stats, err := rec.ReconcileOnce(ctx)
	if err != nil {
		return fmt.Errorf("reconcile mode: %w", err)
	}
	a.logger.InfoContext(ctx, "reconciliation complete",
		slog.Int("checked", stats.Checked),
		slog.Int("force_closed", stats.ForceClosed),
		slog.Int("quantity_synced", stats.QuantitySynced),
	)
	return nil
}

// buildEngine constructs the transition engine from config.
func (a *App) buildEngine(clock domain.Clock) *lifecycle.Engine {
	return lifecycle.NewEngine(lifecycle.Config{
		Debounce:                 a.cfg.Lifecycle.Debounce.Duration,
		StopConfirmFromReady:     a.cfg.Lifecycle.StopConfirmFromReady,
		StopConfirmFromTriggered: a.cfg.Lifecycle.StopConfirmFromTriggered,
		BreakevenAfterTarget1:    a.cfg.Lifecycle.BreakevenAfterTarget1,
	}, clock, a.logger)
}

// startRefresher wires the setup snapshot loop when an endpoint is configured.
// Without one the engine idles on whatever snapshots it already holds.
func (a *App) startRefresher(ctx context.Context, g *errgroup.Group, engine *lifecycle.Engine, onEvents func(context.Context, []domain.TransitionEvent)) {
	if a.cfg.Feed.SetupAPIURL == "" {
		a.logger.WarnContext(ctx, "no setup_api_url configured, engine will not receive setups")
		return
	}
	source := lifecycle.NewHTTPSetupSource(a.cfg.Feed.SetupAPIURL)
	refresher := lifecycle.NewRefresher(source, engine, a.cfg.Feed.SetupRefreshInterval.Duration, onEvents, a.logger)
	g.Go(func() error {
		return refresher.Run(ctx)
	})
}

// startFeed wires the websocket tick feed into the engine. The read path only
// evaluates; confirmed transitions are handed to onEvents, which must not
// block on network I/O.
func (a *App) startFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies, engine *lifecycle.Engine, onEvents func(context.Context, []domain.TransitionEvent)) {
	onTick := func(ctx context.Context, tick domain.Tick) {
		events := engine.Evaluate(tick)
		deps.Metrics.TrackedSetups.Set(float64(engine.TrackedCount()))
		if len(events) == 0 {
			return
		}
		onEvents(ctx, events)
	}

	wsFeed := feed.NewWSFeed(
		a.cfg.Feed.WsURL,
		a.cfg.Feed.Symbols,
		ticks.NewSequencer(a.logger),
		onTick,
		deps.TickCache,
		deps.Metrics,
		deps.Notifier,
		a.logger,
	)
	g.Go(func() error {
		defer wsFeed.Close()
		return wsFeed.Run(ctx)
	})
}

// startMetricsServer exposes /metrics and shuts down with the group context.
func (a *App) startMetricsServer(ctx context.Context, g *errgroup.Group) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Observability.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		a.logger.InfoContext(ctx, "metrics server listening", slog.Int("port", a.cfg.Observability.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	})
}
