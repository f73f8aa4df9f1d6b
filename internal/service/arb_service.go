// Package service records what the engine does: opportunities, resolved
// executions and the session risk state built from them.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/shopspring/decimal"
)

// ArbService persists and publishes opportunities and executions. Bus and
// audit are optional.
type ArbService struct {
	opportunities domain.OpportunityStore
	executions    domain.ExecutionStore
	audit         domain.AuditStore
	bus           domain.SignalBus
	risk          *RiskService
	alerts        Alerter
	logger        *slog.Logger
	now           func() time.Time
}

// Alerter receives operator alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// NewArbService creates an ArbService with all required dependencies.
func NewArbService(
	opportunities domain.OpportunityStore,
	executions domain.ExecutionStore,
	audit domain.AuditStore,
	bus domain.SignalBus,
	risk *RiskService,
	logger *slog.Logger,
) *ArbService {
	return &ArbService{
		opportunities: opportunities,
		executions:    executions,
		audit:         audit,
		bus:           bus,
		risk:          risk,
		logger:        logger.With(slog.String("component", "arb_service")),
		now:           time.Now,
	}
}

// WithAlerts sends an alert when the kill switch trips.
func (s *ArbService) WithAlerts(alerts Alerter) *ArbService {
	s.alerts = alerts
	return s
}

// PublishCurrent announces the opportunity of the latest detection cycle, or
// its absence when opp is nil.
func (s *ArbService) PublishCurrent(ctx context.Context, opp *domain.Opportunity) {
	s.publish(ctx, domain.ChannelOpportunities, "opportunity", opp)
}

// RecordOpportunity persists an opportunity that was acted on or dry-run.
func (s *ArbService) RecordOpportunity(ctx context.Context, opp domain.Opportunity) error {
	if err := s.opportunities.Insert(ctx, opp); err != nil {
		return fmt.Errorf("arb_service: insert opportunity: %w", err)
	}

	s.auditLog(ctx, "opportunity_recorded", map[string]any{
		"opportunity_id":  opp.ID,
		"buy_venue":       opp.BuyVenue,
		"sell_venue":      opp.SellVenue,
		"size":            opp.Size.String(),
		"net_per_unit":    opp.NetPerUnit.String(),
		"expected_profit": opp.ExpectedProfit.String(),
		"executed":        opp.Executed,
	})

	s.logger.InfoContext(ctx, "opportunity recorded",
		slog.String("opportunity_id", opp.ID),
		slog.String("pair", opp.PairKey()),
		slog.String("expected_profit", opp.ExpectedProfit.String()),
		slog.Bool("executed", opp.Executed),
	)
	return nil
}

// ExecutionResolved persists a resolved execution, appends it to the
// durable stream, publishes it and updates session risk. Persistence
// failures are logged; the execution already happened.
func (s *ArbService) ExecutionResolved(ctx context.Context, exec domain.Execution) {
	log := s.logger.With(slog.String("execution_id", exec.ID))

	if err := s.executions.Create(ctx, exec); err != nil {
		log.ErrorContext(ctx, "persist execution failed", slog.String("error", err.Error()))
	}
	if exec.OpportunityID != "" {
		if err := s.opportunities.MarkExecuted(ctx, exec.OpportunityID); err != nil {
			log.WarnContext(ctx, "mark opportunity executed failed", slog.String("error", err.Error()))
		}
	}

	if s.bus != nil {
		if data, err := json.Marshal(exec); err == nil {
			if err := s.bus.StreamAppend(ctx, domain.StreamExecutions, data); err != nil {
				log.WarnContext(ctx, "stream append failed", slog.String("error", err.Error()))
			}
		}
	}
	s.publish(ctx, domain.ChannelExecutions, "execution", exec)

	s.auditLog(ctx, "execution_resolved", map[string]any{
		"execution_id": exec.ID,
		"outcome":      exec.Outcome,
		"realized_pnl": exec.RealizedPnL.String(),
		"uncovered":    exec.Uncovered.String(),
		"unsold":       exec.Unsold.String(),
		"reason":       exec.Reason,
		"legs":         len(exec.Legs),
	})

	if s.risk != nil && s.risk.Record(exec) {
		snap := s.risk.Snapshot()
		s.auditLog(ctx, "trading_halted", map[string]any{"cause": snap.Cause})
		s.publish(ctx, domain.ChannelTrading, "halted", snap)
		if s.alerts != nil {
			if err := s.alerts.Notify(ctx, "trading_halted", "Trading halted", snap.Cause); err != nil {
				log.WarnContext(ctx, "halt alert failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ListExecutions returns the most recent executions.
func (s *ArbService) ListExecutions(ctx context.Context, limit int) ([]domain.Execution, error) {
	execs, err := s.executions.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("arb_service: list executions: %w", err)
	}
	return execs, nil
}

// GetExecution returns one execution by id.
func (s *ArbService) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	exec, err := s.executions.GetByID(ctx, id)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("arb_service: get execution %q: %w", id, err)
	}
	return exec, nil
}

// ListOpportunities returns the most recent recorded opportunities.
func (s *ArbService) ListOpportunities(ctx context.Context, limit int) ([]domain.Opportunity, error) {
	opps, err := s.opportunities.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("arb_service: list opportunities: %w", err)
	}
	return opps, nil
}

// Profit returns realised PnL of executions started at or after since.
func (s *ArbService) Profit(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	pnl, err := s.executions.SumPnL(ctx, since)
	if err != nil {
		return decimal.Zero, fmt.Errorf("arb_service: sum pnl: %w", err)
	}
	return pnl, nil
}

// AuditTrail returns the audit entries about one execution or opportunity,
// newest first. It is empty when no audit log is configured.
func (s *ArbService) AuditTrail(ctx context.Context, ref string, limit int) ([]domain.AuditEntry, error) {
	if s.audit == nil {
		return nil, nil
	}
	entries, err := s.audit.List(ctx, domain.ListOpts{Ref: ref, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("arb_service: audit trail %q: %w", ref, err)
	}
	return entries, nil
}

// Audit writes an entry to the audit log, if one is configured.
func (s *ArbService) Audit(ctx context.Context, event string, detail map[string]any) {
	s.auditLog(ctx, event, detail)
}

func (s *ArbService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *ArbService) publish(ctx context.Context, channel, typ string, payload any) {
	if s.bus == nil {
		return
	}
	data, err := json.Marshal(domain.Event{Type: typ, Payload: payload, Timestamp: s.now().UTC()})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, channel, data); err != nil {
		s.logger.DebugContext(ctx, "publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}
