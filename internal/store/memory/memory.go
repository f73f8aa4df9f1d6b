// Package memory provides in-process implementations of the domain stores,
// used when Postgres is disabled and in tests. History is bounded by a
// capacity; the oldest entries are dropped first.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/shopspring/decimal"
)

const defaultCapacity = 10_000

// ExecutionStore keeps executions in memory.
type ExecutionStore struct {
	mu    sync.RWMutex
	byID  map[string]domain.Execution
	order []string
	cap   int
}

// NewExecutionStore creates an ExecutionStore holding at most capacity
// executions. A non-positive capacity uses the default.
func NewExecutionStore(capacity int) *ExecutionStore {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &ExecutionStore{byID: make(map[string]domain.Execution), cap: capacity}
}

// Create stores exec, replacing an earlier record with the same id.
func (s *ExecutionStore) Create(_ context.Context, exec domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec.Legs = append([]domain.Order(nil), exec.Legs...)
	if _, ok := s.byID[exec.ID]; !ok {
		s.order = append(s.order, exec.ID)
	}
	s.byID[exec.ID] = exec
	for len(s.order) > s.cap {
		delete(s.byID, s.order[0])
		s.order = s.order[1:]
	}
	return nil
}

// GetByID returns one execution.
func (s *ExecutionStore) GetByID(_ context.Context, id string) (domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.byID[id]
	if !ok {
		return domain.Execution{}, fmt.Errorf("memory: execution %q: %w", id, domain.ErrNotFound)
	}
	return exec, nil
}

// ListRecent returns up to limit executions, newest first.
func (s *ExecutionStore) ListRecent(_ context.Context, limit int) ([]domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Execution, 0, min(limit, len(s.order)))
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.byID[s.order[i]])
	}
	return out, nil
}

// ListBefore returns executions started before the cutoff, oldest first.
func (s *ExecutionStore) ListBefore(_ context.Context, before time.Time) ([]domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Execution
	for _, id := range s.order {
		if e := s.byID[id]; e.StartedAt.Before(before) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// DeleteBefore drops executions started before the cutoff.
func (s *ExecutionStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0]
	var n int64
	for _, id := range s.order {
		if s.byID[id].StartedAt.Before(before) {
			delete(s.byID, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return n, nil
}

// SumPnL returns the realised PnL of executions started at or after since.
func (s *ExecutionStore) SumPnL(_ context.Context, since time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := decimal.Zero
	for _, e := range s.byID {
		if !e.StartedAt.Before(since) {
			sum = sum.Add(e.RealizedPnL)
		}
	}
	return sum, nil
}

// OpportunityStore keeps recorded opportunities in memory.
type OpportunityStore struct {
	mu    sync.RWMutex
	byID  map[string]domain.Opportunity
	order []string
	cap   int
}

// NewOpportunityStore creates an OpportunityStore.
func NewOpportunityStore(capacity int) *OpportunityStore {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &OpportunityStore{byID: make(map[string]domain.Opportunity), cap: capacity}
}

// Insert stores opp.
func (s *OpportunityStore) Insert(_ context.Context, opp domain.Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[opp.ID]; !ok {
		s.order = append(s.order, opp.ID)
	}
	s.byID[opp.ID] = opp
	for len(s.order) > s.cap {
		delete(s.byID, s.order[0])
		s.order = s.order[1:]
	}
	return nil
}

// MarkExecuted flags an opportunity as executed.
func (s *OpportunityStore) MarkExecuted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	opp, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("memory: opportunity %q: %w", id, domain.ErrNotFound)
	}
	opp.Executed = true
	s.byID[id] = opp
	return nil
}

// ListRecent returns up to limit opportunities, newest first.
func (s *OpportunityStore) ListRecent(_ context.Context, limit int) ([]domain.Opportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Opportunity, 0, min(limit, len(s.order)))
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.byID[s.order[i]])
	}
	return out, nil
}

// ListBefore returns opportunities detected before the cutoff, oldest first.
func (s *OpportunityStore) ListBefore(_ context.Context, before time.Time) ([]domain.Opportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Opportunity
	for _, id := range s.order {
		if o := s.byID[id]; o.DetectedAt.Before(before) {
			out = append(out, o)
		}
	}
	return out, nil
}

// DeleteBefore drops opportunities detected before the cutoff.
func (s *OpportunityStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0]
	var n int64
	for _, id := range s.order {
		if s.byID[id].DetectedAt.Before(before) {
			delete(s.byID, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return n, nil
}

// AuditStore is an append-only in-memory audit log.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
	next    int64
	cap     int
	now     func() time.Time
}

// NewAuditStore creates an AuditStore.
func NewAuditStore(capacity int) *AuditStore {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &AuditStore{cap: capacity, now: time.Now}
}

// Log appends an entry.
func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        s.next,
		Event:     event,
		Ref:       domain.AuditRef(detail),
		Detail:    detail,
		CreatedAt: s.now().UTC(),
	})
	if over := len(s.entries) - s.cap; over > 0 {
		s.entries = s.entries[over:]
	}
	return nil
}

// List returns entries newest first, filtered by opts.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []domain.AuditEntry
	skipped := 0
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.entries[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !e.CreatedAt.Before(*opts.Until) {
			continue
		}
		if opts.Ref != "" && e.Ref != opts.Ref {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
