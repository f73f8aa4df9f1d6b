package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// setupTestDB starts a PostgreSQL container and applies the embedded
// migrations.
func setupTestDB(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	c, err := New(ctx, ClientConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	require.NoError(t, c.RunMigrations(ctx))
	require.NoError(t, c.RunMigrations(ctx), "migrations are idempotent")
	return c
}

func TestStores(t *testing.T) {
	c := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	opps := NewOpportunityStore(c.Pool())
	execs := NewExecutionStore(c.Pool())
	audit := NewAuditStore(c.Pool())

	opp := domain.Opportunity{
		ID:              "opp-1",
		BuyVenue:        "a",
		SellVenue:       "b",
		BuyPrice:        d("64000.12"),
		SellPrice:       d("64110.5"),
		GrossSpread:     d("110.38"),
		NetPerUnit:      d("1.696"),
		Size:            d("0.5"),
		BuyFeeRate:      d("0.0026"),
		SellFeeRate:     d("0.001"),
		ExpectedProfit:  d("0.848"),
		CombinedLatency: 250 * time.Millisecond,
		DetectedAt:      base,
	}

	t.Run("opportunities", func(t *testing.T) {
		require.NoError(t, opps.Insert(ctx, opp))
		require.NoError(t, opps.Insert(ctx, opp), "duplicate insert is ignored")
		require.NoError(t, opps.MarkExecuted(ctx, "opp-1"))
		assert.ErrorIs(t, opps.MarkExecuted(ctx, "missing"), domain.ErrNotFound)

		got, err := opps.ListRecent(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].Executed)
		assert.True(t, got[0].NetPerUnit.Equal(opp.NetPerUnit))
		assert.True(t, got[0].BuyPrice.Equal(opp.BuyPrice))
		assert.Equal(t, opp.CombinedLatency, got[0].CombinedLatency)
	})

	done := base.Add(3 * time.Second)
	exec := domain.Execution{
		ID:             "exec-1",
		OpportunityID:  "opp-1",
		BuyVenue:       "a",
		SellVenue:      "b",
		State:          domain.ExecResolved,
		Outcome:        domain.OutcomePartial,
		ExpectedProfit: d("0.848"),
		RealizedPnL:    d("-0.31"),
		TotalFees:      d("0.12"),
		Uncovered:      d("0"),
		Unsold:         d("0.05"),
		Reason:         "order timeout",
		StartedAt:      base,
		CompletedAt:    &done,
		Legs: []domain.Order{
			{ID: "o1", ExecutionID: "exec-1", Venue: "a", Side: domain.OrderSideBuy, Role: domain.RoleBuyLeg,
				Price: d("64000.12"), Size: d("0.5"), FilledSize: d("0.5"), AvgFillPrice: d("64000.12"),
				Fee: d("83.2"), Status: domain.OrderStatusFilled, CreatedAt: base, UpdatedAt: base},
			{ID: "o2", ExecutionID: "exec-1", Venue: "b", Side: domain.OrderSideSell, Role: domain.RoleSellLeg,
				Price: d("64110.5"), Size: d("0.5"), FilledSize: d("0.3"), Status: domain.OrderStatusCancelled,
				CreatedAt: base, UpdatedAt: base},
			{ID: "o3", ExecutionID: "exec-1", Venue: "a", Side: domain.OrderSideSell, Role: domain.RoleLiquidation,
				Price: d("63990"), Size: d("0.2"), FilledSize: d("0.2"), Status: domain.OrderStatusFilled,
				CreatedAt: base, UpdatedAt: base},
		},
	}

	t.Run("executions", func(t *testing.T) {
		require.NoError(t, execs.Create(ctx, exec))
		require.NoError(t, execs.Create(ctx, exec), "re-recording replaces")

		got, err := execs.GetByID(ctx, "exec-1")
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomePartial, got.Outcome)
		assert.True(t, got.RealizedPnL.Equal(d("-0.31")))
		assert.True(t, got.Unsold.Equal(d("0.05")), got.Unsold.String())
		require.NotNil(t, got.CompletedAt)
		require.Len(t, got.Legs, 3)
		assert.Equal(t, domain.RoleLiquidation, got.Legs[2].Role)
		assert.True(t, got.Legs[1].FilledSize.Equal(d("0.3")))

		_, err = execs.GetByID(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		sum, err := execs.SumPnL(ctx, base)
		require.NoError(t, err)
		assert.True(t, sum.Equal(d("-0.31")))
		sum, err = execs.SumPnL(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, sum.IsZero())
	})

	t.Run("archive queries", func(t *testing.T) {
		old, err := execs.ListBefore(ctx, base.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, old, 1)

		n, err := execs.DeleteBefore(ctx, base.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = opps.DeleteBefore(ctx, base.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		var orders int
		require.NoError(t, c.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM execution_orders`).Scan(&orders))
		assert.Zero(t, orders, "orders are deleted with their execution")
	})

	t.Run("audit", func(t *testing.T) {
		require.NoError(t, audit.Log(ctx, "execution_resolved", map[string]any{"execution_id": "exec-1"}))
		require.NoError(t, audit.Log(ctx, "trading_started", nil))
		require.NoError(t, audit.Log(ctx, "opportunity_recorded", map[string]any{"opportunity_id": "opp-9"}))

		entries, err := audit.List(ctx, domain.ListOpts{Limit: 5})
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, "opportunity_recorded", entries[0].Event, "newest first")

		trail, err := audit.List(ctx, domain.ListOpts{Ref: "exec-1"})
		require.NoError(t, err)
		require.Len(t, trail, 1)
		assert.Equal(t, "exec-1", trail[0].Ref)
		assert.Equal(t, "exec-1", trail[0].Detail["execution_id"])
	})
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/x?sslmode=disable",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Database: "x"}))
	assert.Equal(t, "postgres://u:p%40ss%2Fword@db:6432/x?sslmode=require",
		DSN(ClientConfig{User: "u", Password: "p@ss/word", Host: "db", Port: 6432, Database: "x", SSLMode: "require"}))
	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
}
