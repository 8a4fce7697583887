package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AttemptsTotal tracks AI call attempts per model and outcome kind.
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanworker_ai_attempts_total",
			Help: "Total number of AI call attempts",
		},
		[]string{"model", "outcome"},
	)

	// AttemptLatency tracks AI call latency per model.
	AttemptLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scanworker_ai_attempt_latency_seconds",
			Help:    "AI call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	// RoundsTotal tracks completed scheduling rounds.
	RoundsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scanworker_rounds_total",
			Help: "Total number of completed scheduling rounds",
		},
	)

	// PagesProcessed tracks terminal page outcomes.
	PagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanworker_pages_processed_total",
			Help: "Total number of pages reaching a terminal outcome",
		},
		[]string{"result"},
	)

	// PagesPending tracks the work source backlog.
	PagesPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scanworker_pages_pending",
			Help: "Number of pages waiting to be processed",
		},
	)
)
