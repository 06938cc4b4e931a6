package graph

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ahrav/go-voxel/internal/domain"
	"github.com/ahrav/go-voxel/internal/ports"
)

// Pool bounds the number of concurrently executing requests. Every
// request runs in its own goroutine but must hold one of the pool's
// slots while actually computing; a request parked on a child releases
// its slot, so the bound applies to active compute, not to logically
// idle waiters.
type Pool struct {
	workers int
	sem     *semaphore.Weighted
	metrics ports.MetricsCollector

	wg       sync.WaitGroup
	active   atomic.Int64
	stopped  atomic.Bool
	stopOnce sync.Once
}

// NewPool creates a pool with the given number of compute slots.
// Values <= 0 select runtime.NumCPU().
func NewPool(workers int, mc ports.MetricsCollector) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if mc == nil {
		mc = ports.NopMetrics{}
	}
	return &Pool{
		workers: workers,
		sem:     semaphore.NewWeighted(int64(workers)),
		metrics: mc,
	}
}

// Workers returns the pool's concurrency bound.
func (p *Pool) Workers() int { return p.workers }

// Active returns the number of requests currently holding a compute
// slot.
func (p *Pool) Active() int64 { return p.active.Load() }

// Stop waits for all in-flight requests to drain. The pool rejects new
// submissions afterwards.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		p.wg.Wait()
	})
}

// computeFunc produces the result buffer for one request. The context
// carries the request itself so nested waits can yield.
type computeFunc func(ctx context.Context) (*domain.Buffer, error)

// submit schedules a request for execution. The goroutine acquires a
// pool slot (respecting the request's cancellation), runs fn, and
// records the terminal result on the request.
func (p *Pool) submit(r *Request, fn computeFunc) {
	if p.stopped.Load() {
		r.finish(nil, domain.ErrRequestCancelled)
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(r.ctx, 1); err != nil {
			r.finish(nil, domain.ErrRequestCancelled)
			return
		}
		defer p.sem.Release(1)
		if r.ctx.Err() != nil {
			r.finish(nil, domain.ErrRequestCancelled)
			return
		}

		r.state.Store(int32(RequestRunning))
		p.active.Add(1)
		p.metrics.RecordGauge("request_pool_active", float64(p.active.Load()), nil)
		start := time.Now()

		buf, err := fn(withRequest(r.ctx, r))

		p.active.Add(-1)
		p.metrics.RecordGauge("request_pool_active", float64(p.active.Load()), nil)
		labels := map[string]string{"slot": r.slot.QualifiedName()}
		p.metrics.RecordLatency("request_compute", time.Since(start), labels)
		status := "completed"
		switch {
		case err == nil:
		case isCancellation(err):
			status = "cancelled"
		default:
			status = "failed"
		}
		p.metrics.RecordCounter("requests_total", 1, map[string]string{"status": status})

		r.finish(buf, err)
	}()
}

// yield releases the caller's compute slot while it parks on a child
// request.
func (p *Pool) yield() { p.sem.Release(1) }

// reacquire takes a compute slot back after a nested wait. It never
// gives up: the worker cannot resume without its slot.
func (p *Pool) reacquire() { _ = p.sem.Acquire(context.Background(), 1) }
