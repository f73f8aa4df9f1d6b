// Package quote polls every venue independently and keeps the latest
// normalised quote per venue, along with venue health.
package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/alanyoungcy/xbtarbiter/internal/exchange"
	"github.com/alanyoungcy/xbtarbiter/internal/notify"
	"github.com/alanyoungcy/xbtarbiter/internal/observability"
	"golang.org/x/sync/errgroup"
)

// Alerter receives venue health alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds aggregator thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failed polls after which
	// a venue is marked degraded.
	FailureThreshold   int
	StalenessThreshold time.Duration
	// LatencyAlpha is the EWMA weight of the newest latency sample.
	LatencyAlpha float64
}

// Deps are the optional collaborators. Any of them may be nil.
type Deps struct {
	Cache   domain.QuoteCache
	Bus     domain.SignalBus
	Alerts  Alerter
	Metrics *observability.Metrics
}

// VenueHealth is the externally visible state of one venue.
type VenueHealth struct {
	Venue               domain.VenueID     `json:"venue"`
	Status              domain.VenueStatus `json:"status"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	LastError           string             `json:"last_error,omitempty"`
	LastSuccess         time.Time          `json:"last_success"`
	Latency             time.Duration      `json:"latency"`
	Quote               *domain.Quote      `json:"quote,omitempty"`
	Stale               bool               `json:"stale"`
}

type venueState struct {
	status   domain.VenueStatus
	failures int
	lastErr  string
	lastOK   time.Time
	latency  time.Duration
	sampled  bool
}

// Aggregator owns the quote snapshot. Pollers write under the lock; readers
// get copies.
type Aggregator struct {
	venues *exchange.Set
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	quotes map[domain.VenueID]domain.Quote
	state  map[domain.VenueID]*venueState
}

// NewAggregator creates an Aggregator for venues.
func NewAggregator(venues *exchange.Set, cfg Config, deps Deps, logger *slog.Logger) *Aggregator {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.LatencyAlpha <= 0 || cfg.LatencyAlpha > 1 {
		cfg.LatencyAlpha = 0.2
	}
	a := &Aggregator{
		venues: venues,
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(slog.String("component", "quote_aggregator")),
		now:    time.Now,
		quotes: make(map[domain.VenueID]domain.Quote, venues.Len()),
		state:  make(map[domain.VenueID]*venueState, venues.Len()),
	}
	for _, v := range venues.All() {
		a.state[v.ID] = &venueState{status: domain.VenueHealthy}
	}
	return a
}

// SetClock overrides the time source.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// Run polls every venue on its own goroutine at the venue's effective poll
// interval until ctx is cancelled. Poll failures never stop the loop.
func (a *Aggregator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, v := range a.venues.All() {
		g.Go(func() error {
			a.pollLoop(gctx, v)
			return nil
		})
	}
	a.logger.Info("quote aggregator started", slog.Int("venues", a.venues.Len()))
	err := g.Wait()
	a.logger.Info("quote aggregator stopped")
	return err
}

func (a *Aggregator) pollLoop(ctx context.Context, v *exchange.Venue) {
	_ = a.Poll(ctx, v.ID)

	ticker := time.NewTicker(v.PollEvery())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = a.Poll(ctx, v.ID)
		}
	}
}

// Poll fetches one quote from venue. On error the previous quote is kept and
// ages out on its own; after FailureThreshold consecutive failures the venue
// is marked degraded. A quote already older than the staleness threshold when
// it arrives counts as a failure. A successful poll clears the failure count
// and any degradation, including one caused by AuthError, so a venue whose
// credentials were fixed recovers without a manual Restore.
func (a *Aggregator) Poll(ctx context.Context, venue domain.VenueID) error {
	v, err := a.venues.Get(venue)
	if err != nil {
		return err
	}

	start := a.now()
	q, err := v.Exchange.GetQuote(ctx)
	received := a.now()
	took := received.Sub(start)

	if err == nil {
		q.Venue = v.ID
		if q.Timestamp.IsZero() {
			q.Timestamp = received
		}
		err = q.Validate()
	}
	if err == nil && a.cfg.StalenessThreshold > 0 && !q.Fresh(received, a.cfg.StalenessThreshold) {
		err = &domain.StaleDataError{Venue: v.ID, Age: q.Age(received)}
	}

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.recordFailure(ctx, v.ID, err, took)
		return fmt.Errorf("quote: poll %s: %w", v.ID, err)
	}

	a.recordSuccess(ctx, q, took)
	return nil
}

func (a *Aggregator) recordSuccess(ctx context.Context, q domain.Quote, took time.Duration) {
	a.mu.Lock()
	st := a.state[q.Venue]
	a.quotes[q.Venue] = q
	st.failures = 0
	st.lastErr = ""
	st.lastOK = q.Timestamp
	if st.sampled {
		alpha := a.cfg.LatencyAlpha
		st.latency = time.Duration(alpha*float64(took) + (1-alpha)*float64(st.latency))
	} else {
		st.latency, st.sampled = took, true
	}
	recovered := st.status == domain.VenueDegraded
	st.status = domain.VenueHealthy
	a.mu.Unlock()

	a.deps.Metrics.RecordPoll(q.Venue, q, took, nil)

	if a.deps.Cache != nil {
		if err := a.deps.Cache.SetQuote(ctx, q); err != nil {
			a.logger.Debug("quote cache write failed", slog.String("venue", string(q.Venue)), slog.String("error", err.Error()))
		}
	}
	a.publish(ctx, domain.ChannelQuotes, "quote", q)

	if recovered {
		a.logger.Info("venue recovered", slog.String("venue", string(q.Venue)))
		a.healthChanged(ctx, q.Venue, domain.VenueHealthy, "")
	}
}

func (a *Aggregator) recordFailure(ctx context.Context, venue domain.VenueID, err error, took time.Duration) {
	a.mu.Lock()
	st := a.state[venue]
	st.failures++
	st.lastErr = err.Error()
	failures := st.failures
	degraded := st.status == domain.VenueHealthy && failures >= a.cfg.FailureThreshold
	if degraded {
		st.status = domain.VenueDegraded
	}
	a.mu.Unlock()

	a.deps.Metrics.RecordPoll(venue, domain.Quote{}, took, err)
	a.logger.Warn("quote poll failed",
		slog.String("venue", string(venue)),
		slog.String("kind", domain.ErrorKind(err)),
		slog.Int("consecutive_failures", failures),
		slog.String("error", err.Error()),
	)

	if degraded {
		a.logger.Error("venue degraded",
			slog.String("venue", string(venue)),
			slog.Int("consecutive_failures", failures),
		)
		a.healthChanged(ctx, venue, domain.VenueDegraded, err.Error())
	}
}

// Restore clears a venue's degradation by operator request. The venue is
// usable again as soon as it holds a fresh quote.
func (a *Aggregator) Restore(ctx context.Context, venue domain.VenueID) error {
	if _, err := a.venues.Get(venue); err != nil {
		return err
	}
	a.mu.Lock()
	st := a.state[venue]
	was := st.status
	st.status = domain.VenueHealthy
	st.failures = 0
	a.mu.Unlock()

	if was == domain.VenueDegraded {
		a.logger.Info("venue restored by operator", slog.String("venue", string(venue)))
		a.healthChanged(ctx, venue, domain.VenueHealthy, "")
	}
	return nil
}

func (a *Aggregator) healthChanged(ctx context.Context, venue domain.VenueID, status domain.VenueStatus, lastErr string) {
	a.deps.Metrics.SetVenueDegraded(venue, status == domain.VenueDegraded)
	a.publish(ctx, domain.ChannelVenues, "venue_status", map[string]any{
		"venue":  venue,
		"status": status,
		"error":  lastErr,
	})
	if a.deps.Alerts != nil {
		event, title, msg := notify.VenueAlert(venue, status, lastErr)
		_ = a.deps.Alerts.Notify(ctx, event, title, msg)
	}
}

func (a *Aggregator) publish(ctx context.Context, channel, typ string, payload any) {
	if a.deps.Bus == nil {
		return
	}
	data, err := json.Marshal(domain.Event{Type: typ, Payload: payload, Timestamp: a.now()})
	if err != nil {
		return
	}
	if err := a.deps.Bus.Publish(ctx, channel, data); err != nil {
		a.logger.Debug("publish failed", slog.String("channel", channel), slog.String("error", err.Error()))
	}
}

// Snapshot returns a copy of the latest quote per venue, stale ones included.
func (a *Aggregator) Snapshot() map[domain.VenueID]domain.Quote {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[domain.VenueID]domain.Quote, len(a.quotes))
	for k, v := range a.quotes {
		out[k] = v
	}
	return out
}

// Degraded reports whether venue is currently excluded from detection.
func (a *Aggregator) Degraded(venue domain.VenueID) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.state[venue]
	return ok && st.status == domain.VenueDegraded
}

// Latency returns the venue's smoothed poll latency, or fallback before the
// first successful poll.
func (a *Aggregator) Latency(venue domain.VenueID, fallback time.Duration) time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if st, ok := a.state[venue]; ok && st.sampled {
		return st.latency
	}
	return fallback
}

// Health returns every venue's state in configuration order.
func (a *Aggregator) Health() []VenueHealth {
	now := a.now()
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]VenueHealth, 0, a.venues.Len())
	for _, v := range a.venues.All() {
		st := a.state[v.ID]
		h := VenueHealth{
			Venue:               v.ID,
			Status:              st.status,
			ConsecutiveFailures: st.failures,
			LastError:           st.lastErr,
			LastSuccess:         st.lastOK,
			Latency:             st.latency,
			Stale:               true,
		}
		if q, ok := a.quotes[v.ID]; ok {
			h.Quote = &q
			h.Stale = !q.Fresh(now, a.cfg.StalenessThreshold)
		}
		out = append(out, h)
	}
	return out
}
