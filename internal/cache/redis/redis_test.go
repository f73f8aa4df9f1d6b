package redis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a redis container and returns a connected Client.
func setupRedis(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForLog("Ready to accept connections").WithStartupTimeout(60*time.Second),
				wait.ForListeningPort("6379/tcp"),
			),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	c, err := New(ctx, ClientConfig{Addr: fmt.Sprintf("%s:%s", host, port.Port()), PoolSize: 5, KeyPrefix: "test:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedis(t *testing.T) {
	c := setupRedis(t)
	ctx := context.Background()

	t.Run("quote cache", func(t *testing.T) {
		qc := NewQuoteCache(c, time.Minute)
		ts := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)
		in := domain.Quote{
			Venue:     "kraken",
			BidPrice:  decimal.RequireFromString("64000.5"),
			BidSize:   decimal.RequireFromString("0.25"),
			AskPrice:  decimal.RequireFromString("64001"),
			AskSize:   decimal.RequireFromString("1.1"),
			Timestamp: ts,
		}
		require.NoError(t, qc.SetQuote(ctx, in))

		got, err := qc.GetQuote(ctx, "kraken")
		require.NoError(t, err)
		assert.True(t, got.BidPrice.Equal(in.BidPrice))
		assert.True(t, got.AskSize.Equal(in.AskSize))
		assert.True(t, got.Timestamp.Equal(ts))

		n, err := c.rdb.Exists(ctx, "test:quote:kraken").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "keys carry the namespace")

		_, err = qc.GetQuote(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("lock", func(t *testing.T) {
		lm := NewLockManager(c)
		unlock, err := lm.Acquire(ctx, "venue:a", time.Minute)
		require.NoError(t, err)

		_, err = lm.Acquire(ctx, "venue:a", time.Minute)
		assert.True(t, errors.Is(err, domain.ErrLockHeld))

		holder, err := c.rdb.Get(ctx, "test:lock:venue:a").Result()
		require.NoError(t, err)
		assert.Contains(t, holder, "/")

		unlock()
		unlock()
		unlock2, err := lm.Acquire(ctx, "venue:a", time.Minute)
		require.NoError(t, err)
		unlock2()
	})

	t.Run("rate limiter", func(t *testing.T) {
		rl := NewRateLimiter(c)
		for i := 2; i >= 0; i-- {
			d, err := rl.Take(ctx, "venue:a", 3, time.Minute)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, i, d.Remaining)
		}
		ok, err := rl.Allow(ctx, "venue:a", 3, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = rl.Allow(ctx, "venue:b", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "keys are independent")
	})

	t.Run("signal bus", func(t *testing.T) {
		bus := NewSignalBus(c, 100)
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		ch, err := bus.Subscribe(subCtx, domain.ChannelExecutions)
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, domain.ChannelExecutions, []byte(`{"type":"execution"}`)))

		select {
		case msg := <-ch:
			assert.JSONEq(t, `{"type":"execution"}`, string(msg))
		case <-time.After(5 * time.Second):
			t.Fatal("no message received")
		}

		require.NoError(t, bus.StreamAppend(ctx, domain.StreamExecutions, []byte("one")))
		require.NoError(t, bus.StreamAppend(ctx, domain.StreamExecutions, []byte("two")))
		msgs, err := bus.StreamRead(ctx, domain.StreamExecutions, "0", 10)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "one", string(msgs[0].Payload))

		rest, err := bus.StreamRead(ctx, domain.StreamExecutions, msgs[0].ID, 10)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, "two", string(rest[0].Payload))
	})
}
