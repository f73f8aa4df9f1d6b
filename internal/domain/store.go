package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries. Since is
// inclusive and Until exclusive.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	// Ref restricts audit queries to one execution or opportunity.
	Ref string
}

// ExecutionStore persists executions and their legs.
type ExecutionStore interface {
	Create(ctx context.Context, exec Execution) error
	GetByID(ctx context.Context, id string) (Execution, error)
	ListRecent(ctx context.Context, limit int) ([]Execution, error)
	ListBefore(ctx context.Context, before time.Time) ([]Execution, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
	SumPnL(ctx context.Context, since time.Time) (decimal.Decimal, error)
}

// OpportunityStore persists opportunities that were acted on or dry-run.
type OpportunityStore interface {
	Insert(ctx context.Context, opp Opportunity) error
	MarkExecuted(ctx context.Context, id string) error
	ListRecent(ctx context.Context, limit int) ([]Opportunity, error)
	ListBefore(ctx context.Context, before time.Time) ([]Opportunity, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditEntry is a single audit log row. Ref is the execution or opportunity
// the entry is about, when there is one.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Ref       string         `json:"ref,omitempty"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditRef picks the execution id, or failing that the opportunity id, out
// of an audit detail map.
func AuditRef(detail map[string]any) string {
	for _, key := range []string{"execution_id", "opportunity_id"} {
		if v, ok := detail[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
