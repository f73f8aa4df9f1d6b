package service

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/alanyoungcy/xbtarbiter/internal/observability"
	"github.com/shopspring/decimal"
)

// RiskConfig holds the session kill switch limits. A zero limit disables
// that check.
type RiskConfig struct {
	KillSwitchLoss   decimal.Decimal
	MaxUncoveredBase decimal.Decimal
}

// RiskSnapshot is the current session risk state.
type RiskSnapshot struct {
	SessionPnL decimal.Decimal `json:"session_pnl"`
	Uncovered  decimal.Decimal `json:"uncovered"`
	Unsold     decimal.Decimal `json:"unsold"`
	Executions int             `json:"executions"`
	Halted     bool            `json:"halted"`
	Cause      string          `json:"cause,omitempty"`
}

// RiskService accumulates realised PnL and open base exposure over the
// session and trips a kill switch when a limit is breached. Uncovered shorts
// and unsold long inventory are tracked apart and each checked against the
// base exposure limit. Once
// halted it stays halted until Reset.
type RiskService struct {
	cfg     RiskConfig
	metrics *observability.Metrics
	logger  *slog.Logger

	mu         sync.Mutex
	pnl        decimal.Decimal
	uncovered  decimal.Decimal
	unsold     decimal.Decimal
	executions int
	halted     bool
	cause      string
}

// NewRiskService creates a RiskService.
func NewRiskService(cfg RiskConfig, metrics *observability.Metrics, logger *slog.Logger) *RiskService {
	return &RiskService{
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "risk_service")),
	}
}

// PreTradeCheck returns ErrTradingHalted once the kill switch has tripped.
func (s *RiskService) PreTradeCheck() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return fmt.Errorf("risk_service: %s: %w", s.cause, domain.ErrTradingHalted)
	}
	return nil
}

// Record folds a resolved execution into the session totals. It returns true
// when this execution tripped the kill switch.
func (s *RiskService) Record(exec domain.Execution) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pnl = s.pnl.Add(exec.RealizedPnL)
	s.uncovered = s.uncovered.Add(exec.Uncovered)
	s.unsold = s.unsold.Add(exec.Unsold)
	s.executions++

	pnl, _ := s.pnl.Float64()
	unc, _ := s.uncovered.Float64()
	s.metrics.SetRisk(pnl, unc)

	if s.halted {
		return false
	}
	switch {
	case s.cfg.KillSwitchLoss.IsPositive() && s.pnl.LessThanOrEqual(s.cfg.KillSwitchLoss.Neg()):
		s.cause = fmt.Sprintf("session loss %s reached limit %s", s.pnl.Neg(), s.cfg.KillSwitchLoss)
	case s.cfg.MaxUncoveredBase.IsPositive() && s.uncovered.GreaterThan(s.cfg.MaxUncoveredBase):
		s.cause = fmt.Sprintf("uncovered base %s exceeds limit %s", s.uncovered, s.cfg.MaxUncoveredBase)
	case s.cfg.MaxUncoveredBase.IsPositive() && s.unsold.GreaterThan(s.cfg.MaxUncoveredBase):
		s.cause = fmt.Sprintf("unsold base %s exceeds limit %s", s.unsold, s.cfg.MaxUncoveredBase)
	default:
		return false
	}
	s.halted = true
	s.metrics.SetHalted(true)
	s.logger.Error("kill switch tripped",
		slog.String("cause", s.cause),
		slog.String("session_pnl", s.pnl.String()),
		slog.String("uncovered", s.uncovered.String()),
		slog.String("unsold", s.unsold.String()),
		slog.String("execution_id", exec.ID),
	)
	return true
}

// Snapshot returns the session totals.
func (s *RiskService) Snapshot() RiskSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RiskSnapshot{
		SessionPnL: s.pnl,
		Uncovered:  s.uncovered,
		Unsold:     s.unsold,
		Executions: s.executions,
		Halted:     s.halted,
		Cause:      s.cause,
	}
}

// Reset clears the kill switch and starts a new session. Call it after the
// operator has flattened any open base exposure.
func (s *RiskService) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pnl = decimal.Zero
	s.uncovered = decimal.Zero
	s.unsold = decimal.Zero
	s.executions = 0
	s.halted = false
	s.cause = ""
	s.metrics.SetHalted(false)
	s.logger.Info("risk session reset")
}
