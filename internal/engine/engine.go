// Package engine runs the detection loop: every tick it asks the detector for
// the best opportunity in the current snapshot and, when trading is on, hands
// it to the execution coordinator.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/xbtarbiter/internal/arbitrage"
	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/alanyoungcy/xbtarbiter/internal/exchange"
	"github.com/alanyoungcy/xbtarbiter/internal/executor"
	"github.com/alanyoungcy/xbtarbiter/internal/observability"
	"github.com/alanyoungcy/xbtarbiter/internal/service"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"
)

// ErrNoExecutor is returned by Start when the engine was built without an
// executor and dry run is off.
var ErrNoExecutor = errors.New("engine: no executor configured")

// Quotes is the read side of the quote aggregator.
type Quotes interface {
	Snapshot() map[domain.VenueID]domain.Quote
	Degraded(venue domain.VenueID) bool
	Latency(venue domain.VenueID, fallback time.Duration) time.Duration
}

// Balances supplies the available balances the detector sizes against.
type Balances interface {
	Sheet() domain.BalanceSheet
}

// Executor runs one opportunity to resolution.
type Executor interface {
	Execute(ctx context.Context, opp domain.Opportunity) (domain.Execution, error)
}

// Recorder publishes and persists opportunities.
type Recorder interface {
	PublishCurrent(ctx context.Context, opp *domain.Opportunity)
	RecordOpportunity(ctx context.Context, opp domain.Opportunity) error
}

// Config holds the loop parameters.
type Config struct {
	Mode                    string
	Pair                    domain.Pair
	SizeDecimals            int32
	DetectInterval          time.Duration
	StalenessThreshold      time.Duration
	MinProfitPerUnit        decimal.Decimal
	MaxPosition             decimal.Decimal
	MinTradeVolume          decimal.Decimal
	MaxConcurrentExecutions int
	PairCooldown            time.Duration
	// LockTTL bounds the venue locks held for one execution. It must exceed
	// order timeout plus recovery timeout.
	LockTTL      time.Duration
	DryRun       bool
	StartTrading bool
}

// Deps are the engine's collaborators. Executor, Locks and Metrics may be
// nil.
type Deps struct {
	Venues   *exchange.Set
	Quotes   Quotes
	Balances Balances
	Executor Executor
	Recorder Recorder
	Risk     *service.RiskService
	Locks    domain.LockManager
	Metrics  *observability.Metrics
}

// Engine is the trading loop. Start and Stop toggle execution without
// stopping detection.
type Engine struct {
	cfg      Config
	deps     Deps
	logger   *slog.Logger
	now      func() time.Time
	sem      *semaphore.Weighted
	cooldown *executor.Cooldown

	trading   atomic.Bool
	inFlight  atomic.Int64
	current   atomic.Pointer[domain.Opportunity]
	startedAt time.Time
	wg        sync.WaitGroup
}

// New creates an Engine.
func New(cfg Config, deps Deps, logger *slog.Logger) *Engine {
	if cfg.DetectInterval <= 0 {
		cfg.DetectInterval = time.Second
	}
	if cfg.MaxConcurrentExecutions < 1 {
		cfg.MaxConcurrentExecutions = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	e := &Engine{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.With(slog.String("component", "engine")),
		now:      time.Now,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentExecutions)),
		cooldown: executor.NewCooldown(cfg.PairCooldown),
	}
	e.startedAt = e.now()
	if cfg.StartTrading && (deps.Executor != nil || cfg.DryRun) {
		e.trading.Store(true)
		deps.Metrics.SetTrading(true)
	}
	return e
}

// SetClock overrides the time source used for staleness checks.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Run ticks every DetectInterval until ctx is cancelled, then waits for
// in-flight executions to finish their recovery.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.DetectInterval)
	defer ticker.Stop()

	sweep := time.NewTicker(max(e.cfg.PairCooldown, time.Minute))
	defer sweep.Stop()

	e.logger.Info("engine started",
		slog.String("mode", e.cfg.Mode),
		slog.Bool("trading", e.trading.Load()),
		slog.Bool("dry_run", e.cfg.DryRun),
		slog.Duration("interval", e.cfg.DetectInterval),
	)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping, waiting for executions", slog.Int64("in_flight", e.inFlight.Load()))
			e.wg.Wait()
			e.logger.Info("engine stopped")
			return nil
		case <-ticker.C:
			e.Cycle(ctx)
		case <-sweep.C:
			e.cooldown.Cleanup()
		}
	}
}

// Cycle runs one detection pass and, when allowed, starts an execution. It
// returns the detected opportunity, or nil.
func (e *Engine) Cycle(ctx context.Context) *domain.Opportunity {
	opp, ok := arbitrage.Detect(e.deps.Quotes.Snapshot(), e.deps.Balances.Sheet(), e.venueInfo(), arbitrage.Params{
		Pair:               e.cfg.Pair,
		MinProfitPerUnit:   e.cfg.MinProfitPerUnit,
		MaxPosition:        e.cfg.MaxPosition,
		MinTradeVolume:     e.cfg.MinTradeVolume,
		SizeDecimals:       e.cfg.SizeDecimals,
		StalenessThreshold: e.cfg.StalenessThreshold,
		Now:                e.now(),
	})
	if !ok {
		e.current.Store(nil)
		e.deps.Metrics.RecordCycle(nil)
		e.deps.Recorder.PublishCurrent(ctx, nil)
		return nil
	}

	opp.ID = uuid.NewString()
	e.current.Store(&opp)
	e.deps.Metrics.RecordCycle(&opp)
	e.deps.Recorder.PublishCurrent(ctx, &opp)

	if e.trading.Load() {
		e.act(ctx, opp)
	}
	return &opp
}

func (e *Engine) venueInfo() []arbitrage.VenueInfo {
	venues := e.deps.Venues.All()
	out := make([]arbitrage.VenueInfo, 0, len(venues))
	for _, v := range venues {
		out = append(out, arbitrage.VenueInfo{
			ID:           v.ID,
			Fees:         v.Fees(),
			MinOrderSize: v.MinOrderSize,
			Latency:      e.deps.Quotes.Latency(v.ID, v.Latency),
			Degraded:     e.deps.Quotes.Degraded(v.ID),
		})
	}
	return out
}

func (e *Engine) act(ctx context.Context, opp domain.Opportunity) {
	log := e.logger.With(
		slog.String("opportunity_id", opp.ID),
		slog.String("pair", opp.PairKey()),
	)

	if err := e.deps.Risk.PreTradeCheck(); err != nil {
		log.DebugContext(ctx, "opportunity skipped", slog.String("error", err.Error()))
		return
	}

	if e.cfg.DryRun {
		if !e.cooldown.Allow(opp.PairKey()) {
			return
		}
		if err := e.deps.Recorder.RecordOpportunity(ctx, opp); err != nil {
			log.WarnContext(ctx, "record opportunity failed", slog.String("error", err.Error()))
		}
		log.InfoContext(ctx, "dry run opportunity",
			slog.String("size", opp.Size.String()),
			slog.String("expected_profit", opp.ExpectedProfit.String()),
		)
		return
	}

	if !e.sem.TryAcquire(1) {
		log.DebugContext(ctx, "execution slots full")
		return
	}
	if !e.cooldown.Allow(opp.PairKey()) {
		e.sem.Release(1)
		return
	}
	unlock, err := e.lockVenues(ctx, opp.BuyVenue, opp.SellVenue)
	if err != nil {
		e.sem.Release(1)
		log.InfoContext(ctx, "venues busy", slog.String("error", err.Error()))
		return
	}

	if err := e.deps.Recorder.RecordOpportunity(ctx, opp); err != nil {
		log.WarnContext(ctx, "record opportunity failed", slog.String("error", err.Error()))
	}

	e.deps.Metrics.SetInFlight(int(e.inFlight.Add(1)))
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			unlock()
			e.sem.Release(1)
			e.deps.Metrics.SetInFlight(int(e.inFlight.Add(-1)))
		}()

		exec, err := e.deps.Executor.Execute(ctx, opp)
		if err != nil {
			log.ErrorContext(ctx, "execution rejected", slog.String("error", err.Error()))
			return
		}
		log.DebugContext(ctx, "execution finished",
			slog.String("execution_id", exec.ID),
			slog.String("outcome", string(exec.Outcome)),
		)
	}()
}

// lockVenues takes the venue locks in sorted order and returns a function
// releasing all of them. With no lock manager it is a no-op.
func (e *Engine) lockVenues(ctx context.Context, venues ...domain.VenueID) (func(), error) {
	if e.deps.Locks == nil {
		return func() {}, nil
	}
	keys := make([]string, len(venues))
	for i, v := range venues {
		keys[i] = "venue:" + string(v)
	}
	sort.Strings(keys)

	unlocks := make([]func(), 0, len(keys))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, k := range keys {
		unlock, err := e.deps.Locks.Acquire(ctx, k, e.cfg.LockTTL)
		if err != nil {
			release()
			return nil, fmt.Errorf("engine: lock %s: %w", k, err)
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

// Start turns trading on. A tripped kill switch is cleared, so the operator
// must have flattened any uncovered exposure first.
func (e *Engine) Start() error {
	if e.deps.Executor == nil && !e.cfg.DryRun {
		return ErrNoExecutor
	}
	if snap := e.deps.Risk.Snapshot(); snap.Halted {
		e.logger.Warn("clearing kill switch on start", slog.String("cause", snap.Cause))
		e.deps.Risk.Reset()
	}
	if !e.trading.Swap(true) {
		e.logger.Info("trading started")
	}
	e.deps.Metrics.SetTrading(true)
	return nil
}

// Stop turns trading off. Executions already running are not interrupted.
func (e *Engine) Stop() {
	if e.trading.Swap(false) {
		e.logger.Info("trading stopped")
	}
	e.deps.Metrics.SetTrading(false)
}

// Current returns the opportunity found by the latest cycle, or nil.
func (e *Engine) Current() *domain.Opportunity {
	return e.current.Load()
}

// Status summarises the loop.
func (e *Engine) Status() domain.EngineStatus {
	risk := e.deps.Risk.Snapshot()
	return domain.EngineStatus{
		Mode:      e.cfg.Mode,
		Trading:   e.trading.Load(),
		DryRun:    e.cfg.DryRun,
		Halted:    risk.Halted,
		HaltCause: risk.Cause,
		InFlight:  int(e.inFlight.Load()),
		StartedAt: e.startedAt,
	}
}

// Wait blocks until every execution started so far has resolved.
func (e *Engine) Wait() {
	e.wg.Wait()
}
