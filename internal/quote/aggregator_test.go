package quote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/alanyoungcy/xbtarbiter/internal/exchange"
	"github.com/alanyoungcy/xbtarbiter/internal/notify"
	"github.com/alanyoungcy/xbtarbiter/internal/platform/paper"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recordingBus struct {
	mu       sync.Mutex
	channels []string
}

func (b *recordingBus) Publish(_ context.Context, channel string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = append(b.channels, channel)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *recordingBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *recordingBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.channels {
		if c == channel {
			n++
		}
	}
	return n
}

type recordingAlerts struct {
	events []string
}

func (r *recordingAlerts) Notify(_ context.Context, event, _, _ string) error {
	r.events = append(r.events, event)
	return nil
}

type fixture struct {
	agg    *Aggregator
	papers map[domain.VenueID]*paper.Exchange
	bus    *recordingBus
	alerts *recordingAlerts
}

func newFixture(t *testing.T, threshold int) *fixture {
	t.Helper()
	f := &fixture{papers: map[domain.VenueID]*paper.Exchange{}, bus: &recordingBus{}, alerts: &recordingAlerts{}}
	var venues []*exchange.Venue
	for _, id := range []domain.VenueID{"a", "b"} {
		p := paper.New(paper.Config{Venue: id, Bid: d("100"), Ask: d("101")})
		f.papers[id] = p
		venues = append(venues, exchange.NewVenue(exchange.Spec{
			ID:           id,
			PollInterval: 5 * time.Millisecond,
			Latency:      50 * time.Millisecond,
		}, p))
	}
	set, err := exchange.NewSet(venues...)
	require.NoError(t, err)

	f.agg = NewAggregator(set, Config{FailureThreshold: threshold, StalenessThreshold: 5 * time.Second},
		Deps{Bus: f.bus, Alerts: f.alerts}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

func transient(venue domain.VenueID) error {
	return &domain.TransientError{Venue: venue, Op: "get_quote", Err: errors.New("timeout")}
}

func TestPoll_StoresQuote(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	require.NoError(t, f.agg.Poll(ctx, "a"))
	snap := f.agg.Snapshot()
	require.Contains(t, snap, domain.VenueID("a"))
	assert.True(t, snap["a"].AskPrice.Equal(d("101")))
	assert.NotContains(t, snap, domain.VenueID("b"))
	assert.Equal(t, 1, f.bus.count(domain.ChannelQuotes))

	// The snapshot is a copy.
	delete(snap, "a")
	assert.Contains(t, f.agg.Snapshot(), domain.VenueID("a"))

	assert.ErrorIs(t, f.agg.Poll(ctx, "zzz"), domain.ErrUnknownVenue)
}

func TestPoll_FailureKeepsQuoteAndDegrades(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	require.NoError(t, f.agg.Poll(ctx, "a"))
	before := f.agg.Snapshot()["a"]

	f.papers["a"].InjectError(paper.OpQuote, transient("a"))
	for i := 0; i < 2; i++ {
		require.Error(t, f.agg.Poll(ctx, "a"))
		assert.False(t, f.agg.Degraded("a"))
	}
	assert.Equal(t, before, f.agg.Snapshot()["a"])

	require.Error(t, f.agg.Poll(ctx, "a"))
	assert.True(t, f.agg.Degraded("a"))
	assert.Equal(t, []string{notify.EventVenueDegraded}, f.alerts.events)
	assert.Equal(t, 1, f.bus.count(domain.ChannelVenues))

	// Further failures do not re-alert.
	require.Error(t, f.agg.Poll(ctx, "a"))
	assert.Len(t, f.alerts.events, 1)

	f.papers["a"].InjectError(paper.OpQuote, nil)
	require.NoError(t, f.agg.Poll(ctx, "a"))
	assert.False(t, f.agg.Degraded("a"))
	assert.Equal(t, []string{notify.EventVenueDegraded, notify.EventVenueRestored}, f.alerts.events)
}

func TestPoll_AuthErrorsCountTowardDegradation(t *testing.T) {
	f := newFixture(t, 1)
	f.papers["b"].InjectError(paper.OpQuote, &domain.AuthError{Venue: "b", Op: "get_quote", Err: errors.New("401")})

	err := f.agg.Poll(context.Background(), "b")
	require.Error(t, err)
	assert.True(t, domain.IsAuth(err))
	assert.True(t, f.agg.Degraded("b"))
}

func TestPoll_AuthErrorsDegradeAtThreshold(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	f.papers["b"].InjectError(paper.OpQuote, &domain.AuthError{Venue: "b", Op: "get_quote", Err: errors.New("401")})

	for i := 0; i < 2; i++ {
		require.Error(t, f.agg.Poll(ctx, "b"))
		assert.False(t, f.agg.Degraded("b"), "failure %d of 3", i+1)
	}
	require.Error(t, f.agg.Poll(ctx, "b"))
	assert.True(t, f.agg.Degraded("b"))
	assert.Equal(t, []string{notify.EventVenueDegraded}, f.alerts.events)

	// A successful poll is the recovery path once credentials work again.
	f.papers["b"].InjectError(paper.OpQuote, nil)
	require.NoError(t, f.agg.Poll(ctx, "b"))
	assert.False(t, f.agg.Degraded("b"))
}

func TestPoll_StaleQuoteIsFailure(t *testing.T) {
	f := newFixture(t, 1)
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	f.agg.SetClock(func() time.Time { return at })
	f.papers["a"].SetClock(func() time.Time { return at.Add(-time.Minute) })

	err := f.agg.Poll(context.Background(), "a")
	require.Error(t, err)
	var stale *domain.StaleDataError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, time.Minute, stale.Age)
	assert.Equal(t, "stale", domain.ErrorKind(err))
	assert.True(t, f.agg.Degraded("a"))
	assert.Empty(t, f.agg.Snapshot())
}

func TestPoll_MalformedQuoteIsFailure(t *testing.T) {
	f := newFixture(t, 1)
	f.papers["a"].SetQuote(d("0"), d("1"), d("101"), d("1"))

	require.Error(t, f.agg.Poll(context.Background(), "a"))
	assert.True(t, f.agg.Degraded("a"))
	assert.Empty(t, f.agg.Snapshot())
}

func TestPoll_ZeroTimestampUsesReceiveTime(t *testing.T) {
	f := newFixture(t, 3)
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	f.agg.SetClock(func() time.Time { return at })
	f.papers["a"].SetClock(func() time.Time { return time.Time{} })

	require.NoError(t, f.agg.Poll(context.Background(), "a"))
	assert.Equal(t, at, f.agg.Snapshot()["a"].Timestamp)
}

func TestRestore(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.papers["a"].InjectError(paper.OpQuote, transient("a"))
	require.Error(t, f.agg.Poll(ctx, "a"))
	require.True(t, f.agg.Degraded("a"))

	require.NoError(t, f.agg.Restore(ctx, "a"))
	assert.False(t, f.agg.Degraded("a"))
	assert.ErrorIs(t, f.agg.Restore(ctx, "nope"), domain.ErrUnknownVenue)

	h := f.agg.Health()
	require.Len(t, h, 2)
	assert.Equal(t, domain.VenueHealthy, h[0].Status)
	assert.Equal(t, 0, h[0].ConsecutiveFailures)
	assert.True(t, h[0].Stale)
}

func TestLatency_FallsBackUntilSampled(t *testing.T) {
	f := newFixture(t, 3)
	assert.Equal(t, 50*time.Millisecond, f.agg.Latency("a", 50*time.Millisecond))

	calls := 0
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	f.agg.SetClock(func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * 10 * time.Millisecond)
	})
	f.papers["a"].SetClock(func() time.Time { return base })
	require.NoError(t, f.agg.Poll(context.Background(), "a"))
	assert.Equal(t, 10*time.Millisecond, f.agg.Latency("a", 50*time.Millisecond))
}

func TestRun_PollsUntilCancelled(t *testing.T) {
	f := newFixture(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.agg.Run(ctx) }()

	require.Eventually(t, func() bool { return len(f.agg.Snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("aggregator did not stop")
	}
}
