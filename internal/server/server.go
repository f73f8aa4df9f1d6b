// Package server is the HTTP and websocket surface of the engine: read-only
// state, the trading switch, venue restore and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/alanyoungcy/xbtarbiter/internal/server/handler"
	"github.com/alanyoungcy/xbtarbiter/internal/server/middleware"
	"github.com/alanyoungcy/xbtarbiter/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication
	RateLimit   int
	RateWindow  time.Duration
}

// Handlers aggregates every handler the server registers.
type Handlers struct {
	Health  *handler.HealthHandler
	Status  *handler.StatusHandler
	Arb     *handler.ArbHandler
	Trading *handler.TradingHandler
	Venues  *handler.VenueHandler
	// Metrics serves /metrics. It may be nil.
	Metrics http.Handler
}

// Server is the headless HTTP and websocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers all routes and wraps them in CORS, logging, auth and,
// when limiter is non-nil, rate limiting.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, hub, limiter, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	mux.HandleFunc("GET /api/opportunity", handlers.Arb.Opportunity)
	mux.HandleFunc("GET /api/opportunities", handlers.Arb.ListOpportunities)
	mux.HandleFunc("GET /api/executions", handlers.Arb.ListExecutions)
	mux.HandleFunc("GET /api/executions/{id}", handlers.Arb.GetExecution)
	mux.HandleFunc("GET /api/executions/{id}/audit", handlers.Arb.ExecutionAudit)
	mux.HandleFunc("POST /api/executions/{id}/cancel", handlers.Arb.CancelExecution)
	mux.HandleFunc("GET /api/profit", handlers.Arb.Profit)

	mux.HandleFunc("GET /api/balances", handlers.Venues.ListBalances)
	mux.HandleFunc("GET /api/venues", handlers.Venues.ListVenues)
	mux.HandleFunc("POST /api/venues/{id}/restore", handlers.Venues.Restore)

	mux.HandleFunc("POST /api/trading/start", handlers.Trading.Start)
	mux.HandleFunc("POST /api/trading/stop", handlers.Trading.Stop)

	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 && cfg.RateWindow > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
	}
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
