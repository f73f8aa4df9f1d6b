package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore using PostgreSQL.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

// NewOpportunityStore creates a new OpportunityStore.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

const opportunityColumns = `id, buy_venue, sell_venue, combined_latency_ms, executed, detected_at,
	buy_price, sell_price, gross_spread, net_per_unit, size, buy_fee_rate, sell_fee_rate, expected_profit`

// Insert stores an opportunity. Inserting the same id twice is a no-op.
func (s *OpportunityStore) Insert(ctx context.Context, o domain.Opportunity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO opportunities (`+opportunityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`,
		o.ID, string(o.BuyVenue), string(o.SellVenue), o.CombinedLatency.Milliseconds(), o.Executed, o.DetectedAt,
		numeric(o.BuyPrice), numeric(o.SellPrice), numeric(o.GrossSpread), numeric(o.NetPerUnit),
		numeric(o.Size), numeric(o.BuyFeeRate), numeric(o.SellFeeRate), numeric(o.ExpectedProfit),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert opportunity %s: %w", o.ID, err)
	}
	return nil
}

// MarkExecuted flags an opportunity as executed.
func (s *OpportunityStore) MarkExecuted(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE opportunities SET executed = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: mark opportunity %s executed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: mark opportunity %s executed: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ListRecent returns up to limit opportunities, newest first.
func (s *OpportunityStore) ListRecent(ctx context.Context, limit int) ([]domain.Opportunity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+opportunityColumns+` FROM opportunities
		ORDER BY detected_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list opportunities: %w", err)
	}
	return collectOpportunities(rows)
}

// ListBefore returns opportunities detected before the cutoff, oldest first.
func (s *OpportunityStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Opportunity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+opportunityColumns+` FROM opportunities
		WHERE detected_at < $1 ORDER BY detected_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list opportunities before: %w", err)
	}
	return collectOpportunities(rows)
}

// DeleteBefore removes opportunities detected before the cutoff.
func (s *OpportunityStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM opportunities WHERE detected_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete opportunities before: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectOpportunities(rows pgx.Rows) ([]domain.Opportunity, error) {
	defer rows.Close()
	var out []domain.Opportunity
	for rows.Next() {
		var (
			o                   domain.Opportunity
			buyVenue, sellVenue string
			latencyMs           int64
			nums                = newDecimals(8)
		)
		dest := append([]any{&o.ID, &buyVenue, &sellVenue, &latencyMs, &o.Executed, &o.DetectedAt}, nums.targets()...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity: %w", err)
		}
		if err := nums.into(&o.BuyPrice, &o.SellPrice, &o.GrossSpread, &o.NetPerUnit,
			&o.Size, &o.BuyFeeRate, &o.SellFeeRate, &o.ExpectedProfit); err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity %s: %w", o.ID, err)
		}
		o.BuyVenue = domain.VenueID(buyVenue)
		o.SellVenue = domain.VenueID(sellVenue)
		o.CombinedLatency = time.Duration(latencyMs) * time.Millisecond
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list opportunities rows: %w", err)
	}
	return out, nil
}
