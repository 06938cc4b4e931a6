// Package middleware provides cross-cutting concerns for the pipeline
// engine, currently the Prometheus metrics adapter.
package middleware

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ahrav/go-voxel/internal/ports"
)

// Verify interface compliance at compile time.
var _ ports.MetricsCollector = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements the MetricsCollector interface using
// Prometheus. It provides real-time monitoring of request throughput,
// cache effectiveness, and compute latency for the pipeline engine.
type PrometheusMetrics struct {
	requestsTotal     *prometheus.CounterVec
	cacheBlocksTotal  *prometheus.CounterVec
	blocksInvalidated *prometheus.CounterVec
	eventCounter      *prometheus.CounterVec
	computeLatency    *prometheus.HistogramVec
	valueHistograms   *prometheus.HistogramVec
	systemGauges      *prometheus.GaugeVec
}

// NewPrometheusMetrics creates a PrometheusMetrics instance and
// registers all metrics in the global Prometheus registry. Create at
// most one per process; promauto panics on duplicate registration.
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxel_requests_total",
				Help: "Total number of slot requests by terminal status.",
			},
			[]string{"status"},
		),
		cacheBlocksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxel_cache_blocks_total",
				Help: "Block cache lookups by cache instance and outcome.",
			},
			[]string{"cache", "outcome"},
		),
		blocksInvalidated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxel_cache_blocks_invalidated_total",
				Help: "Cache blocks dropped by dirty notifications.",
			},
			[]string{"cache"},
		),
		eventCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxel_engine_events_total",
				Help: "Engine events not covered by a dedicated counter.",
			},
			[]string{"event", "detail"},
		),
		computeLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voxel_compute_duration_seconds",
				Help:    "Latency of compute and streaming operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "slot"},
		),
		valueHistograms: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voxel_engine_values",
				Help:    "Value distributions such as block sizes.",
				Buckets: prometheus.ExponentialBuckets(1, 4, 12),
			},
			[]string{"metric"},
		),
		systemGauges: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "voxel_engine_state",
				Help: "Current engine state values such as active requests.",
			},
			[]string{"metric"},
		),
	}
}

// RecordLatency implements the MetricsCollector interface by recording
// operation latency in a Prometheus histogram.
func (pm *PrometheusMetrics) RecordLatency(
	operation string, duration time.Duration, labels map[string]string,
) {
	pm.computeLatency.WithLabelValues(operation, labels["slot"]).Observe(duration.Seconds())
}

// RecordCounter implements the MetricsCollector interface by
// incrementing Prometheus counters.
func (pm *PrometheusMetrics) RecordCounter(
	metric string, value float64, labels map[string]string,
) {
	switch metric {
	case "requests_total":
		pm.requestsTotal.WithLabelValues(labels["status"]).Add(value)
	case "cache_blocks_total":
		pm.cacheBlocksTotal.WithLabelValues(labels["cache"], labels["outcome"]).Add(value)
	case "cache_blocks_invalidated_total":
		pm.blocksInvalidated.WithLabelValues(labels["cache"]).Add(value)
	case "feature_planes_total":
		pm.eventCounter.WithLabelValues("feature_plane_"+labels["outcome"], labels["operator"]).Add(value)
	default:
		pm.eventCounter.WithLabelValues(metric, "").Add(value)
	}
}

// RecordGauge implements the MetricsCollector interface by setting
// Prometheus gauge values.
func (pm *PrometheusMetrics) RecordGauge(
	metric string, value float64, labels map[string]string,
) {
	pm.systemGauges.WithLabelValues(metric).Set(value)
}

// RecordHistogram implements the MetricsCollector interface by
// recording values in a Prometheus histogram.
func (pm *PrometheusMetrics) RecordHistogram(
	metric string, value float64, labels map[string]string,
) {
	pm.valueHistograms.WithLabelValues(metric).Observe(value)
}
