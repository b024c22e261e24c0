package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Global metric variables, registered via promauto so no initialization
// wiring is needed.

var (
	// HTTP surface.
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkforest_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "linkforest_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// Graph population.
	TotalEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "linkforest_events_total",
			Help: "Total number of events in the store",
		},
	)

	ProcessedEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "linkforest_events_processed",
			Help: "Number of events absorbed into the forest",
		},
	)

	// Batch merging.
	MergesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "linkforest_merges_total",
			Help: "Total number of events merged into the forest",
		},
	)

	BatchGroupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkforest_batch_groups_total",
			Help: "Component groups processed per merge batch, by outcome",
		},
		[]string{"status"}, // "ok", "retried", "failed"
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "linkforest_batch_duration_seconds",
			Help:    "Wall time of one full merge batch",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)

	// Feature extraction. Real-time scoring has a strict latency budget, so
	// the buckets bottom out well under a millisecond.
	ExtractionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "linkforest_extraction_duration_seconds",
			Help:    "Duration of feature extraction queries in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
		[]string{"path"}, // "backward", "forward"
	)
)
