package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder exposes the engine and collaborator counters on the
// /metrics endpoint.
type Recorder struct {
	cyclesTotal    *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	signalsTotal   *prometheus.CounterVec
	activeSignals  *prometheus.GaugeVec
	storeErrors    prometheus.Counter
	booksCollected *prometheus.CounterVec
	alertsSent     prometheus.Counter
}

func New() *Recorder {
	return &Recorder{
		cyclesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "market_intel_engine_cycles_total",
				Help: "Evaluation cycles by outcome (completed, skipped_overlap, abandoned_store)",
			},
			[]string{"outcome"},
		),
		cycleDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "market_intel_engine_cycle_duration_seconds",
				Help:    "Duration of completed evaluation cycles",
				Buckets: prometheus.DefBuckets,
			},
		),
		signalsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "market_intel_signal_transitions_total",
				Help: "Signal lifecycle transitions by resulting state",
			},
			[]string{"state"},
		),
		activeSignals: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "market_intel_active_signals",
				Help: "Active signals by state",
			},
			[]string{"state"},
		),
		storeErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "market_intel_store_errors_total",
				Help: "State store operations that failed",
			},
		),
		booksCollected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "market_intel_books_collected_total",
				Help: "Order book snapshots written, by exchange and result",
			},
			[]string{"exchange", "result"},
		),
		alertsSent: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "market_intel_alerts_sent_total",
				Help: "Notifications delivered to the alert channel",
			},
		),
	}
}

func (r *Recorder) RecordCycle(outcome string, seconds float64) {
	r.cyclesTotal.WithLabelValues(outcome).Inc()
	if outcome == "completed" {
		r.cycleDuration.Observe(seconds)
	}
}

func (r *Recorder) RecordSignalTransition(state string) {
	r.signalsTotal.WithLabelValues(state).Inc()
}

func (r *Recorder) SetActiveSignals(state string, count int) {
	r.activeSignals.WithLabelValues(state).Set(float64(count))
}

func (r *Recorder) RecordStoreError() {
	r.storeErrors.Inc()
}

func (r *Recorder) RecordBookCollected(exchange, result string) {
	r.booksCollected.WithLabelValues(exchange, result).Inc()
}

func (r *Recorder) RecordAlertSent() {
	r.alertsSent.Inc()
}
