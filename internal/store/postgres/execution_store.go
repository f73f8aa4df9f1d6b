package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore using PostgreSQL. Legs and
// liquidation orders live in execution_orders, which doubles as the order
// journal.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates a new ExecutionStore.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const executionColumns = `id, opportunity_id, buy_venue, sell_venue, state, outcome, reason, started_at, completed_at,
	expected_profit, realized_pnl, total_fees, uncovered, unsold`

const orderColumns = `id, execution_id, exchange_order_id, venue, side, role, status, error, created_at, updated_at,
	price, size, filled_size, avg_fill_price, fee`

// Create inserts an execution and its orders in one transaction. Writing the
// same execution again replaces it.
func (s *ExecutionStore) Create(ctx context.Context, e domain.Execution) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state, outcome = EXCLUDED.outcome, reason = EXCLUDED.reason,
			completed_at = EXCLUDED.completed_at, realized_pnl = EXCLUDED.realized_pnl,
			total_fees = EXCLUDED.total_fees, uncovered = EXCLUDED.uncovered, unsold = EXCLUDED.unsold`,
		e.ID, e.OpportunityID, string(e.BuyVenue), string(e.SellVenue), string(e.State), string(e.Outcome),
		e.Reason, e.StartedAt, e.CompletedAt,
		numeric(e.ExpectedProfit), numeric(e.RealizedPnL), numeric(e.TotalFees), numeric(e.Uncovered),
		numeric(e.Unsold),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert execution %s: %w", e.ID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM execution_orders WHERE execution_id = $1`, e.ID); err != nil {
		return fmt.Errorf("postgres: clear orders of %s: %w", e.ID, err)
	}

	batch := &pgx.Batch{}
	for i, o := range e.Legs {
		batch.Queue(`
			INSERT INTO execution_orders (seq, `+orderColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			i, o.ID, e.ID, o.ExchangeOrderID, string(o.Venue), string(o.Side), string(o.Role), string(o.Status),
			o.Error, o.CreatedAt, o.UpdatedAt,
			numeric(o.Price), numeric(o.Size), numeric(o.FilledSize), numeric(o.AvgFillPrice), numeric(o.Fee),
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: insert orders of %s: %w", e.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit execution %s: %w", e.ID, err)
	}
	return nil
}

// GetByID returns an execution with its orders.
func (s *ExecutionStore) GetByID(ctx context.Context, id string) (domain.Execution, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("postgres: get execution %s: %w", id, err)
	}
	execs, err := s.collect(ctx, rows)
	if err != nil {
		return domain.Execution{}, err
	}
	if len(execs) == 0 {
		return domain.Execution{}, fmt.Errorf("postgres: get execution %s: %w", id, domain.ErrNotFound)
	}
	return execs[0], nil
}

// ListRecent returns up to limit executions, newest first.
func (s *ExecutionStore) ListRecent(ctx context.Context, limit int) ([]domain.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+executionColumns+` FROM executions
		ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	return s.collect(ctx, rows)
}

// ListBefore returns executions started before the cutoff, oldest first.
func (s *ExecutionStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE started_at < $1 ORDER BY started_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions before: %w", err)
	}
	return s.collect(ctx, rows)
}

// DeleteBefore removes executions started before the cutoff; their orders go
// with them.
func (s *ExecutionStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM executions WHERE started_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete executions before: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SumPnL returns the realised PnL of executions started at or after since.
func (s *ExecutionStore) SumPnL(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	var n pgtype.Numeric
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(realized_pnl), 0) FROM executions WHERE started_at >= $1`, since,
	).Scan(&n)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: sum pnl: %w", err)
	}
	return fromNumeric(n)
}

// collect scans execution rows and then loads their orders with one query.
func (s *ExecutionStore) collect(ctx context.Context, rows pgx.Rows) ([]domain.Execution, error) {
	execs, err := scanExecutions(rows)
	if err != nil || len(execs) == 0 {
		return execs, err
	}

	ids := make([]string, len(execs))
	index := make(map[string]int, len(execs))
	for i, e := range execs {
		ids[i] = e.ID
		index[e.ID] = i
	}

	orderRows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+` FROM execution_orders
		WHERE execution_id = ANY($1) ORDER BY execution_id, seq`, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: list execution orders: %w", err)
	}
	defer orderRows.Close()
	for orderRows.Next() {
		o, err := scanOrder(orderRows)
		if err != nil {
			return nil, err
		}
		i := index[o.ExecutionID]
		execs[i].Legs = append(execs[i].Legs, o)
	}
	if err := orderRows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list execution orders rows: %w", err)
	}
	return execs, nil
}

func scanExecutions(rows pgx.Rows) ([]domain.Execution, error) {
	defer rows.Close()
	var out []domain.Execution
	for rows.Next() {
		var (
			e                   domain.Execution
			buyVenue, sellVenue string
			state, outcome      string
			completedAt         *time.Time
			nums                = newDecimals(5)
		)
		dest := append([]any{&e.ID, &e.OpportunityID, &buyVenue, &sellVenue, &state, &outcome,
			&e.Reason, &e.StartedAt, &completedAt}, nums.targets()...)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		if err := nums.into(&e.ExpectedProfit, &e.RealizedPnL, &e.TotalFees, &e.Uncovered, &e.Unsold); err != nil {
			return nil, fmt.Errorf("postgres: scan execution %s: %w", e.ID, err)
		}
		e.BuyVenue = domain.VenueID(buyVenue)
		e.SellVenue = domain.VenueID(sellVenue)
		e.State = domain.ExecState(state)
		e.Outcome = domain.ExecOutcome(outcome)
		e.CompletedAt = completedAt
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list executions rows: %w", err)
	}
	return out, nil
}

func scanOrder(rows pgx.Rows) (domain.Order, error) {
	var (
		o                         domain.Order
		venue, side, role, status string
		nums                      = newDecimals(5)
	)
	dest := append([]any{&o.ID, &o.ExecutionID, &o.ExchangeOrderID, &venue, &side, &role, &status,
		&o.Error, &o.CreatedAt, &o.UpdatedAt}, nums.targets()...)
	if err := rows.Scan(dest...); err != nil {
		return domain.Order{}, fmt.Errorf("postgres: scan order: %w", err)
	}
	if err := nums.into(&o.Price, &o.Size, &o.FilledSize, &o.AvgFillPrice, &o.Fee); err != nil {
		return domain.Order{}, fmt.Errorf("postgres: scan order %s: %w", o.ID, err)
	}
	o.Venue = domain.VenueID(venue)
	o.Side = domain.OrderSide(side)
	o.Role = domain.LegRole(role)
	o.Status = domain.OrderStatus(status)
	return o, nil
}
