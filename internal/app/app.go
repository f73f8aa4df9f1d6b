// Package app wires the arbitrage engine together and runs it in the
// configured mode until the context is cancelled.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alanyoungcy/xbtarbiter/internal/config"
)

// Modes accepted by Run.
const (
	ModeTrade   = "trade"
	ModeMonitor = "monitor"
)

// App runs one engine process. The infrastructure it wires is released by
// Close.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.Mutex
	cleanup func()
}

// New creates an App for cfg.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires the configured infrastructure and blocks in the selected mode
// until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(a.cfg.Mode)
	if mode != ModeTrade && mode != ModeMonitor {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}

	a.logger.InfoContext(ctx, "starting",
		slog.String("mode", mode),
		slog.String("pair", a.cfg.Pair.Base+"/"+a.cfg.Pair.Quote),
		slog.Int("venues", len(a.cfg.Venues)),
		slog.Bool("postgres", a.cfg.Postgres.Enabled),
		slog.Bool("redis", a.cfg.Redis.Enabled),
		slog.Bool("s3", a.cfg.S3.Enabled),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire: %w", err)
	}
	a.mu.Lock()
	a.cleanup = cleanup
	a.mu.Unlock()

	if mode == ModeMonitor {
		return a.MonitorMode(ctx, deps)
	}
	return a.TradeMode(ctx, deps)
}

// Close releases everything Run wired. Calls after the first do nothing.
func (a *App) Close() {
	a.mu.Lock()
	cleanup := a.cleanup
	a.cleanup = nil
	a.mu.Unlock()

	if cleanup != nil {
		a.logger.Info("releasing resources")
		cleanup()
	}
}
