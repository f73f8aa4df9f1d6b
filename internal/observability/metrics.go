// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/xbtarbiter/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine. A nil *Metrics is
// valid and records nothing, so components can run without a registry.
type Metrics struct {
	registry *prometheus.Registry

	// Quote metrics
	QuotePolls       *prometheus.CounterVec
	QuotePollLatency *prometheus.HistogramVec
	VenueDegraded    *prometheus.GaugeVec
	BestBid          *prometheus.GaugeVec
	BestAsk          *prometheus.GaugeVec

	// Detection metrics
	DetectionCycles       prometheus.Counter
	OpportunitiesDetected prometheus.Counter
	OpportunityNetPerUnit prometheus.Gauge

	// Execution metrics
	Executions        *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	LegErrors         *prometheus.CounterVec
	SessionPnL        prometheus.Gauge
	UncoveredBase     prometheus.Gauge
	InFlight          prometheus.Gauge

	// Balance metrics
	BalanceAvailable *prometheus.GaugeVec
	BalanceReserved  *prometheus.GaugeVec

	// Engine metrics
	TradingEnabled prometheus.Gauge
	Halted         prometheus.Gauge
}

// NewMetrics creates a Metrics instance registered on a fresh registry that
// also carries the Go and process collectors.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "xbtarbiter"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		// Quote metrics
		QuotePolls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quote",
			Name:      "polls_total",
			Help:      "Total number of quote polls by venue and result",
		}, []string{"venue", "result"}),
		QuotePollLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "quote",
			Name:      "poll_latency_seconds",
			Help:      "Quote poll round-trip latency in seconds",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"venue"}),
		VenueDegraded: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "quote",
			Name:      "venue_degraded",
			Help:      "1 when the venue is excluded from detection",
		}, []string{"venue"}),
		BestBid: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "quote",
			Name:      "bid_price",
			Help:      "Latest best bid per venue in pair quote currency",
		}, []string{"venue"}),
		BestAsk: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "quote",
			Name:      "ask_price",
			Help:      "Latest best ask per venue in pair quote currency",
		}, []string{"venue"}),

		// Detection metrics
		DetectionCycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "cycles_total",
			Help:      "Total number of detection cycles",
		}),
		OpportunitiesDetected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "opportunities_total",
			Help:      "Total number of cycles that produced an opportunity",
		}),
		OpportunityNetPerUnit: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "net_per_unit",
			Help:      "Net spread per unit of the last detected opportunity",
		}),

		// Execution metrics
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Total number of resolved executions by outcome",
		}, []string{"outcome"}),
		ExecutionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "duration_seconds",
			Help:      "Execution duration from planning to resolution in seconds",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		LegErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "leg_errors_total",
			Help:      "Total number of adapter errors during execution by venue and kind",
		}, []string{"venue", "kind"}),
		SessionPnL: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "session_realized_pnl",
			Help:      "Realised PnL since process start in pair quote currency",
		}),
		UncoveredBase: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "uncovered_base",
			Help:      "Base quantity sold without a matching buy",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "in_flight",
			Help:      "Executions currently running",
		}),

		// Balance metrics
		BalanceAvailable: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "balance",
			Name:      "available",
			Help:      "Available balance by venue and currency",
		}, []string{"venue", "currency"}),
		BalanceReserved: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "balance",
			Name:      "reserved",
			Help:      "Reserved balance by venue and currency",
		}, []string{"venue", "currency"}),

		// Engine metrics
		TradingEnabled: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "trading_enabled",
			Help:      "1 while the trading loop is running",
		}),
		Halted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "halted",
			Help:      "1 after the risk kill switch tripped",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// RecordPoll records one quote poll.
func (m *Metrics) RecordPoll(venue domain.VenueID, q domain.Quote, latency time.Duration, err error) {
	if m == nil {
		return
	}
	v := string(venue)
	m.QuotePolls.WithLabelValues(v, domain.ErrorKind(err)).Inc()
	m.QuotePollLatency.WithLabelValues(v).Observe(latency.Seconds())
	if err == nil {
		m.BestBid.WithLabelValues(v).Set(q.BidPrice.InexactFloat64())
		m.BestAsk.WithLabelValues(v).Set(q.AskPrice.InexactFloat64())
	}
}

// SetVenueDegraded flags a venue as degraded or healthy.
func (m *Metrics) SetVenueDegraded(venue domain.VenueID, degraded bool) {
	if m == nil {
		return
	}
	m.VenueDegraded.WithLabelValues(string(venue)).Set(boolGauge(degraded))
}

// RecordCycle records one detection cycle and its result.
func (m *Metrics) RecordCycle(opp *domain.Opportunity) {
	if m == nil {
		return
	}
	m.DetectionCycles.Inc()
	if opp != nil {
		m.OpportunitiesDetected.Inc()
		m.OpportunityNetPerUnit.Set(opp.NetPerUnit.InexactFloat64())
	}
}

// RecordExecution records a resolved execution.
func (m *Metrics) RecordExecution(exec domain.Execution, took time.Duration) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(string(exec.Outcome)).Inc()
	m.ExecutionDuration.Observe(took.Seconds())
}

// RecordLegError counts an adapter error raised while executing.
func (m *Metrics) RecordLegError(venue domain.VenueID, err error) {
	if m == nil {
		return
	}
	m.LegErrors.WithLabelValues(string(venue), domain.ErrorKind(err)).Inc()
}

// SetRisk publishes the risk totals.
func (m *Metrics) SetRisk(sessionPnL, uncovered float64) {
	if m == nil {
		return
	}
	m.SessionPnL.Set(sessionPnL)
	m.UncoveredBase.Set(uncovered)
}

// SetInFlight sets the number of running executions.
func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.InFlight.Set(float64(n))
}

// SetBalance publishes one tracked balance.
func (m *Metrics) SetBalance(b domain.Balance) {
	if m == nil {
		return
	}
	m.BalanceAvailable.WithLabelValues(string(b.Venue), string(b.Currency)).Set(b.Available.InexactFloat64())
	m.BalanceReserved.WithLabelValues(string(b.Venue), string(b.Currency)).Set(b.Reserved.InexactFloat64())
}

// SetTrading records whether the trading loop runs.
func (m *Metrics) SetTrading(on bool) {
	if m == nil {
		return
	}
	m.TradingEnabled.Set(boolGauge(on))
}

// SetHalted records the kill switch state.
func (m *Metrics) SetHalted(halted bool) {
	if m == nil {
		return
	}
	m.Halted.Set(boolGauge(halted))
}
