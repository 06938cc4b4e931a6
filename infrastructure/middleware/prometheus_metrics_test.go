// Package middleware_test contains the unit tests for the middleware package.
package middleware

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/ahrav/go-voxel/internal/ports"
)

// testPrometheusMetrics provides a global instance to avoid duplicate
// metric registration issues across tests in the same package.
var testPrometheusMetrics *PrometheusMetrics

func init() {
	// promauto registers in the global registry, so the package shares a
	// single instance across all tests.
	testPrometheusMetrics = NewPrometheusMetrics()
}

func TestNewPrometheusMetrics(t *testing.T) {
	pm := testPrometheusMetrics

	assert.NotNil(t, pm)
	assert.NotNil(t, pm.requestsTotal)
	assert.NotNil(t, pm.cacheBlocksTotal)
	assert.NotNil(t, pm.blocksInvalidated)
	assert.NotNil(t, pm.eventCounter)
	assert.NotNil(t, pm.computeLatency)
	assert.NotNil(t, pm.valueHistograms)
	assert.NotNil(t, pm.systemGauges)

	var _ ports.MetricsCollector = pm
}

func TestPrometheusMetrics_RecordCounter(t *testing.T) {
	pm := testPrometheusMetrics

	pm.RecordCounter("requests_total", 3, map[string]string{"status": "completed"})
	assert.Equal(t, 3.0,
		testutil.ToFloat64(pm.requestsTotal.WithLabelValues("completed")))

	pm.RecordCounter("cache_blocks_total", 2, map[string]string{"cache": "main", "outcome": "hit"})
	pm.RecordCounter("cache_blocks_total", 1, map[string]string{"cache": "main", "outcome": "miss"})
	assert.Equal(t, 2.0,
		testutil.ToFloat64(pm.cacheBlocksTotal.WithLabelValues("main", "hit")))
	assert.Equal(t, 1.0,
		testutil.ToFloat64(pm.cacheBlocksTotal.WithLabelValues("main", "miss")))

	pm.RecordCounter("cache_blocks_invalidated_total", 4, map[string]string{"cache": "main"})
	assert.Equal(t, 4.0,
		testutil.ToFloat64(pm.blocksInvalidated.WithLabelValues("main")))

	// Feature plane lookups fold into the generic event counter.
	pm.RecordCounter("feature_planes_total", 1, map[string]string{"operator": "features", "outcome": "hit"})
	assert.Equal(t, 1.0,
		testutil.ToFloat64(pm.eventCounter.WithLabelValues("feature_plane_hit", "features")))

	// Unknown metrics land on the event counter instead of being lost.
	pm.RecordCounter("something_else", 5, nil)
	assert.Equal(t, 5.0,
		testutil.ToFloat64(pm.eventCounter.WithLabelValues("something_else", "")))
}

func TestPrometheusMetrics_RecordGauge(t *testing.T) {
	pm := testPrometheusMetrics

	pm.RecordGauge("request_pool_active", 7, nil)
	assert.Equal(t, 7.0,
		testutil.ToFloat64(pm.systemGauges.WithLabelValues("request_pool_active")))

	// Gauges overwrite rather than accumulate.
	pm.RecordGauge("request_pool_active", 2, nil)
	assert.Equal(t, 2.0,
		testutil.ToFloat64(pm.systemGauges.WithLabelValues("request_pool_active")))
}

func TestPrometheusMetrics_RecordLatency(t *testing.T) {
	pm := testPrometheusMetrics

	// Histograms only expose aggregate counts through testutil; one
	// observation must appear exactly once.
	pm.RecordLatency("request_compute", 100*time.Millisecond, map[string]string{"slot": "cache.Output"})
	count := testutil.CollectAndCount(pm.computeLatency)
	assert.GreaterOrEqual(t, count, 1)
}

func TestPrometheusMetrics_RecordHistogram(t *testing.T) {
	pm := testPrometheusMetrics

	pm.RecordHistogram("block_bytes", 4096, nil)
	count := testutil.CollectAndCount(pm.valueHistograms)
	assert.GreaterOrEqual(t, count, 1)
}
