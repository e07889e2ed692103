// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Submission outcomes used as the "outcome" label.
const (
	OutcomeSent      = "sent"
	OutcomeReverted  = "reverted"
	OutcomeDryRun    = "dry_run"
	OutcomeError     = "error"
	OutcomeDuplicate = "duplicate"
)

// Order ingestion results used as the "result" label.
const (
	ResultSaved     = "saved"
	ResultDuplicate = "duplicate"
	ResultRejected  = "rejected"
)

// Metrics holds all Prometheus metrics of the relayer. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Pipeline metrics
	Observations      *prometheus.CounterVec
	BatchDuration     prometheus.Histogram
	Candidates        *prometheus.CounterVec
	ExecutableOrders  *prometheus.CounterVec
	RefreshFailures   prometheus.Counter
	InvalidatedOrders prometheus.Counter
	PriceErrors       prometheus.Counter
	DroppedBatches    prometheus.Counter

	// Submission metrics
	Submissions         *prometheus.CounterVec
	InflightSubmissions prometheus.Gauge
	ProfitGwei          prometheus.Histogram
	Confirmations       *prometheus.CounterVec

	// Ingestion metrics
	OrdersReceived *prometheus.CounterVec

	// Pool metrics
	LastBlock prometheus.Gauge
}

// NewMetrics registers all metrics on reg. namespace defaults to
// "limit_relayer".
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "limit_relayer"
	}
	f := promauto.With(reg)

	return &Metrics{
		Observations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "observations_total",
			Help:      "Pool observations processed by pair",
		}, []string{"pair"}),
		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "batch_duration_seconds",
			Help:      "Time from batch start to the last evaluation",
			Buckets:   prometheus.DefBuckets,
		}),
		Candidates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "candidates_total",
			Help:      "Candidate orders loaded from the store by side",
		}, []string{"side"}),
		ExecutableOrders: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "executable_orders_total",
			Help:      "Orders that passed the profitability filter by side",
		}, []string{"side"}),
		RefreshFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "refresh_failures_total",
			Help:      "Batches abandoned because the status refresh failed",
		}),
		InvalidatedOrders: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "invalidated_orders_total",
			Help:      "Orders found cancelled, filled, expired or unapproved",
		}),
		PriceErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "price_errors_total",
			Help:      "Pools skipped because reference prices were unavailable",
		}),
		DroppedBatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "dropped_batches_total",
			Help:      "Batches that failed before evaluation",
		}),

		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submit",
			Name:      "submissions_total",
			Help:      "Fill submissions by outcome",
		}, []string{"outcome"}),
		InflightSubmissions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "submit",
			Name:      "inflight",
			Help:      "Submissions not yet finished",
		}),
		ProfitGwei: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "submit",
			Name:      "profit_gwei",
			Help:      "Expected profit of sent fills in gwei",
			Buckets:   prometheus.ExponentialBuckets(1e5, 4, 12),
		}),
		Confirmations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submit",
			Name:      "confirmations_total",
			Help:      "Mined fills by receipt status",
		}, []string{"status"}),

		OrdersReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "orders_received_total",
			Help:      "Orders received from the feed by result",
		}, []string{"result"}),

		LastBlock: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pairs",
			Name:      "last_block",
			Help:      "Block of the most recent pool observation",
		}),
	}
}

// Handler serves the metrics gathered from g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveBatch records one processed observation batch.
func (m *Metrics) ObserveBatch(pairs []string, block uint64, d time.Duration) {
	if m == nil {
		return
	}
	for _, p := range pairs {
		m.Observations.WithLabelValues(p).Inc()
	}
	if block > 0 {
		m.LastBlock.Set(float64(block))
	}
	m.BatchDuration.Observe(d.Seconds())
}

// RecordSide records candidates and executable orders for one pool side.
func (m *Metrics) RecordSide(side string, candidates, executable int) {
	if m == nil {
		return
	}
	m.Candidates.WithLabelValues(side).Add(float64(candidates))
	m.ExecutableOrders.WithLabelValues(side).Add(float64(executable))
}

// RecordRefresh records a refresh outcome.
func (m *Metrics) RecordRefresh(invalidated int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.RefreshFailures.Inc()
		return
	}
	m.InvalidatedOrders.Add(float64(invalidated))
}

// RecordPriceError counts a pool skipped for missing reference prices.
func (m *Metrics) RecordPriceError() {
	if m == nil {
		return
	}
	m.PriceErrors.Inc()
}

// RecordDroppedBatch counts a batch abandoned before evaluation.
func (m *Metrics) RecordDroppedBatch() {
	if m == nil {
		return
	}
	m.DroppedBatches.Inc()
}

// SubmissionStarted and SubmissionFinished bracket one submit goroutine.
func (m *Metrics) SubmissionStarted() {
	if m == nil {
		return
	}
	m.InflightSubmissions.Inc()
}

func (m *Metrics) SubmissionFinished(outcome string, profitGwei float64) {
	if m == nil {
		return
	}
	m.InflightSubmissions.Dec()
	m.Submissions.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSent {
		m.ProfitGwei.Observe(profitGwei)
	}
}

// RecordDuplicate counts an order skipped by the execution guard.
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(OutcomeDuplicate).Inc()
}

// RecordConfirmation counts a mined fill by receipt status.
func (m *Metrics) RecordConfirmation(success bool) {
	if m == nil {
		return
	}
	status := "failed"
	if success {
		status = "success"
	}
	m.Confirmations.WithLabelValues(status).Inc()
}

// RecordOrderReceived counts an order from the feed.
func (m *Metrics) RecordOrderReceived(result string) {
	if m == nil {
		return
	}
	m.OrdersReceived.WithLabelValues(result).Inc()
}
