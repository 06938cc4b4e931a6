package ports

import "time"

// MetricsCollector defines the interface for collecting operational
// metrics from the engine: cache hit rates, request pool activity, and
// streaming latency. Implementations should integrate with observability
// platforms like Prometheus or custom monitoring solutions.
type MetricsCollector interface {
	// RecordLatency records the execution time of an operation.
	// The labels map provides additional context for the metric.
	RecordLatency(operation string, duration time.Duration, labels map[string]string)

	// RecordCounter increments a counter metric.
	// This is useful for tracking events like cache hits/misses,
	// computed blocks, and request completions.
	RecordCounter(metric string, value float64, labels map[string]string)

	// RecordGauge sets the current value of a gauge metric.
	// This is useful for tracking values like in-flight requests or
	// stored block counts.
	RecordGauge(metric string, value float64, labels map[string]string)

	// RecordHistogram records a value in a histogram, e.g. block sizes
	// or per-block compute durations.
	RecordHistogram(metric string, value float64, labels map[string]string)
}

// NopMetrics is a MetricsCollector that discards every record. It is
// the default when no collector is wired in.
type NopMetrics struct{}

// RecordLatency implements MetricsCollector.
func (NopMetrics) RecordLatency(string, time.Duration, map[string]string) {}

// RecordCounter implements MetricsCollector.
func (NopMetrics) RecordCounter(string, float64, map[string]string) {}

// RecordGauge implements MetricsCollector.
func (NopMetrics) RecordGauge(string, float64, map[string]string) {}

// RecordHistogram implements MetricsCollector.
func (NopMetrics) RecordHistogram(string, float64, map[string]string) {}
