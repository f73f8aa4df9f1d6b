package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/xbtarbiter/internal/balance"
	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/alanyoungcy/xbtarbiter/internal/engine"
	"github.com/alanyoungcy/xbtarbiter/internal/executor"
	"github.com/alanyoungcy/xbtarbiter/internal/quote"
	"github.com/alanyoungcy/xbtarbiter/internal/server"
	"github.com/alanyoungcy/xbtarbiter/internal/server/handler"
	"github.com/alanyoungcy/xbtarbiter/internal/server/ws"
	"github.com/alanyoungcy/xbtarbiter/internal/service"
	"github.com/shopspring/decimal"
)

// latencyAlpha weights the newest sample in the per-venue latency average.
const latencyAlpha = 0.2

// components are the long-lived pieces shared by every mode.
type components struct {
	tracker *balance.Tracker
	quotes  *quote.Aggregator
	risk    *service.RiskService
	arb     *service.ArbService
	coord   *executor.Coordinator // nil in monitor mode
	engine  *engine.Engine
}

// TradeMode runs detection and execution.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode",
		slog.Int("venues", deps.Venues.Len()),
		slog.Bool("dry_run", a.cfg.Arbitrage.DryRun),
	)
	return a.run(ctx, deps, a.build(deps, true))
}

// MonitorMode runs detection and publishes opportunities without an
// execution coordinator. Trading cannot be started in this mode.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode", slog.Int("venues", deps.Venues.Len()))
	if a.cfg.Arbitrage.StartTrading && !a.cfg.Arbitrage.DryRun {
		a.logger.WarnContext(ctx, "start_trading ignored in monitor mode")
	}
	return a.run(ctx, deps, a.build(deps, false))
}

func (a *App) build(deps *Dependencies, withExecution bool) *components {
	cfg := a.cfg
	arbCfg := cfg.Arbitrage
	pair := domain.Pair{Base: domain.Currency(cfg.Pair.Base), Quote: domain.Currency(cfg.Pair.Quote)}

	c := &components{}
	c.tracker = balance.NewTracker(deps.Venues, pair, deps.Metrics, a.logger)
	c.quotes = quote.NewAggregator(deps.Venues, quote.Config{
		FailureThreshold:   arbCfg.FailureThreshold,
		StalenessThreshold: arbCfg.StalenessThreshold.Duration,
		LatencyAlpha:       latencyAlpha,
	}, quote.Deps{
		Cache:   deps.QuoteCache,
		Bus:     deps.SignalBus,
		Alerts:  deps.Notifier,
		Metrics: deps.Metrics,
	}, a.logger)

	c.risk = service.NewRiskService(service.RiskConfig{
		KillSwitchLoss:   decimal.NewFromFloat(arbCfg.KillSwitchLossUSD),
		MaxUncoveredBase: arbCfg.MaxUncoveredBase.Decimal,
	}, deps.Metrics, a.logger)
	c.arb = service.NewArbService(
		deps.OpportunityStore, deps.ExecutionStore, deps.AuditStore,
		deps.SignalBus, c.risk, a.logger,
	).WithAlerts(deps.Notifier)

	// Executor stays a nil interface in monitor mode.
	var exec engine.Executor
	if withExecution {
		c.coord = executor.NewCoordinator(deps.Venues, c.tracker, executor.Config{
			Pair:               pair,
			OrderTimeout:       arbCfg.OrderTimeout.Duration,
			StatusPollInterval: arbCfg.StatusPollInterval.Duration,
			RecoveryTimeout:    arbCfg.RecoveryTimeout.Duration,
		}, executor.Deps{
			Sink:    c.arb,
			Alerts:  deps.Notifier,
			Metrics: deps.Metrics,
		}, a.logger)
		exec = c.coord
	}

	c.engine = engine.New(engine.Config{
		Mode:                    cfg.Mode,
		Pair:                    pair,
		SizeDecimals:            cfg.Pair.SizeDecimals,
		DetectInterval:          arbCfg.DetectInterval.Duration,
		StalenessThreshold:      arbCfg.StalenessThreshold.Duration,
		MinProfitPerUnit:        arbCfg.MinProfitPerUnit.Decimal,
		MaxPosition:             arbCfg.MaxPosition.Decimal,
		MinTradeVolume:          arbCfg.MinTradeVolume.Decimal,
		MaxConcurrentExecutions: arbCfg.MaxConcurrentExecutions,
		PairCooldown:            arbCfg.PairCooldown.Duration,
		LockTTL:                 arbCfg.LockTTL.Duration,
		DryRun:                  arbCfg.DryRun,
		StartTrading:            arbCfg.StartTrading,
	}, engine.Deps{
		Venues:   deps.Venues,
		Quotes:   c.quotes,
		Balances: c.tracker,
		Executor: exec,
		Recorder: c.arb,
		Risk:     c.risk,
		Locks:    deps.LockManager,
		Metrics:  deps.Metrics,
	}, a.logger)
	return c
}

// run starts every loop in one errgroup and blocks until ctx is cancelled or
// one of them fails.
func (a *App) run(ctx context.Context, deps *Dependencies, c *components) error {
	arbCfg := a.cfg.Arbitrage

	// A venue that is down at startup is reported, not fatal; its refresh
	// loop keeps trying.
	if err := c.tracker.RefreshAll(ctx); err != nil {
		a.logger.WarnContext(ctx, "initial balance refresh incomplete", slog.String("error", err.Error()))
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.quotes.Run(ctx)
	})
	g.Go(func() error {
		return c.tracker.Run(ctx, arbCfg.BalanceRefreshInterval.Duration)
	})
	if arbCfg.FeeRefreshInterval.Duration > 0 {
		g.Go(func() error {
			deps.Venues.RunFeeRefresh(ctx, arbCfg.FeeRefreshInterval.Duration, a.logger)
			return nil
		})
	}
	g.Go(func() error {
		return c.engine.Run(ctx)
	})

	if deps.Archiver != nil {
		retention := time.Duration(a.cfg.S3.ArchiveRetentionDays) * 24 * time.Hour
		g.Go(func() error {
			deps.Archiver.Run(ctx, a.cfg.S3.ArchiveInterval.Duration, retention)
			return nil
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c)
	}

	return g.Wait()
}

// startHTTPServer registers the API and websocket hub on g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *components) {
	hub := ws.NewHub(deps.SignalBus, c.engine, a.cfg.Server.CORSOrigins, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	// A nil *Coordinator must not become a non-nil interface.
	var control handler.ExecutionControl
	if c.coord != nil {
		control = c.coord
	}

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Status:  handler.NewStatusHandler(c.engine, c.risk),
		Arb:     handler.NewArbHandler(c.engine, c.arb, control, a.logger),
		Trading: handler.NewTradingHandler(c.engine, c.arb, a.logger),
		Venues:  handler.NewVenueHandler(deps.Venues, c.quotes, c.tracker, c.arb, a.logger),
	}
	if deps.Metrics != nil {
		handlers.Metrics = deps.Metrics.Handler()
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Run(ctx)
	})
}
