// Package graph implements the lazy dataflow engine: typed slots
// connected into operator DAGs, cooperative request scheduling over a
// bounded worker pool, region-based dirty propagation, block-granular
// caching, and streaming assembly of large requests.
package graph

import (
	"sync"

	"github.com/ahrav/go-voxel/internal/ports"
)

// Graph owns the shared machinery behind one operator DAG: the request
// pool that bounds compute concurrency, the metrics collector, and the
// configuration lock that serializes structural changes.
// Operators and slots belong to exactly one Graph for their lifetime.
type Graph struct {
	// pool schedules all requests issued against slots of this graph.
	pool *Pool
	// metrics receives engine metrics; defaults to a no-op collector.
	metrics ports.MetricsCollector
	// cfgMu serializes structural mutation: connects, disconnects,
	// value changes, metadata propagation, and lane insertion/removal.
	// Compute calls never take it, so configuration and computation
	// do not contend. Metadata changes happen from a single logical
	// configuration context at a time; cfgMu enforces that.
	cfgMu sync.Mutex
}

// Option customizes a Graph at construction time.
type Option func(*Graph)

// WithWorkers sets the number of concurrent compute slots in the
// request pool. Values <= 0 select a default proportional to the
// available CPU cores.
func WithWorkers(n int) Option {
	return func(g *Graph) { g.pool = NewPool(n, g.metrics) }
}

// WithMetrics wires a metrics collector into the graph's pool, caches,
// and streamers.
func WithMetrics(mc ports.MetricsCollector) Option {
	return func(g *Graph) {
		if mc != nil {
			g.metrics = mc
		}
	}
}

// NewGraph creates an empty graph with its own request pool.
// Call Stop when the graph is no longer needed to release the pool.
func NewGraph(opts ...Option) *Graph {
	g := &Graph{metrics: ports.NopMetrics{}}
	// Apply metrics options first so a pool created by WithWorkers sees
	// the final collector.
	for _, opt := range opts {
		opt(g)
	}
	if g.pool == nil {
		g.pool = NewPool(0, g.metrics)
	}
	return g
}

// Pool returns the graph's request pool.
func (g *Graph) Pool() *Pool { return g.pool }

// Metrics returns the graph's metrics collector, never nil.
func (g *Graph) Metrics() ports.MetricsCollector { return g.metrics }

// Stop shuts down the request pool and waits for in-flight requests to
// drain. The graph must not be used afterwards.
func (g *Graph) Stop() { g.pool.Stop() }

// Configure runs fn under the graph's configuration lock, giving it
// the same structural context as a ConfigureOutputs call. Leaf
// operators use it to publish metadata obtained from outside the graph,
// where no input change exists to trigger configuration.
func (g *Graph) Configure(fn func() error) error {
	g.cfgMu.Lock()
	defer g.cfgMu.Unlock()
	return fn()
}

// configure runs an operator's ConfigureOutputs under the contract that
// a failure leaves the operator torn down: every output is marked
// unready so that fixing the offending input and retrying is safe.
// The caller must hold cfgMu.
func (g *Graph) configure(op Operator) error {
	if op == nil {
		return nil
	}
	if err := op.ConfigureOutputs(); err != nil {
		for _, out := range op.Outputs() {
			out.setUnreadyLocked()
		}
		return err
	}
	return nil
}
