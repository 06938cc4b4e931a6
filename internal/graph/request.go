package graph

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ahrav/go-voxel/internal/domain"
)

// RequestState describes where a request is in its lifecycle.
type RequestState int32

const (
	// RequestPending means the request is queued, waiting for a pool slot.
	RequestPending RequestState = iota
	// RequestRunning means the request's compute is executing.
	RequestRunning
	// RequestSuspended means the request is parked waiting on a child
	// request; its pool slot is released for the duration.
	RequestSuspended
	// RequestCompleted means the result buffer is available.
	RequestCompleted
	// RequestCancelled means cancellation was observed before completion.
	RequestCancelled
	// RequestFailed means the compute raised an error.
	RequestFailed
)

// String returns the state as a human-readable string.
func (s RequestState) String() string {
	switch s {
	case RequestPending:
		return "pending"
	case RequestRunning:
		return "running"
	case RequestSuspended:
		return "suspended"
	case RequestCompleted:
		return "completed"
	case RequestCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// Request is a cancellable unit of asynchronous work computing one
// (slot, region) pair. A request may spawn child requests and block on
// them; cancelling a parent cancels its unfinished children. Waiting on
// a request from inside a compute implementation releases the calling
// worker's pool slot, so nested waits never starve the pool.
type Request struct {
	// id uniquely identifies the request for metrics and diagnostics.
	id   string
	slot *Slot
	roi  domain.Region
	pool *Pool

	// ctx carries cancellation down the request tree; child requests
	// derive their contexts from the parent's compute context.
	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32
	done  chan struct{}

	mu        sync.Mutex
	buf       *domain.Buffer
	err       error
	callbacks []func(*Request)
	children  []*Request
}

func newRequest(ctx context.Context, pool *Pool, slot *Slot, roi domain.Region) *Request {
	rctx, cancel := context.WithCancel(ctx)
	return &Request{
		id:     uuid.NewString(),
		slot:   slot,
		roi:    roi,
		pool:   pool,
		ctx:    rctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// newCompletedRequest builds a request that is already completed with
// the given buffer; used for literal-value slots and zero-volume
// regions, which need no scheduling.
func newCompletedRequest(slot *Slot, roi domain.Region, buf *domain.Buffer) *Request {
	r := &Request{id: uuid.NewString(), slot: slot, roi: roi, done: make(chan struct{}), buf: buf}
	r.state.Store(int32(RequestCompleted))
	close(r.done)
	return r
}

// newFailedRequest builds a request that has already failed; Wait
// re-raises err.
func newFailedRequest(slot *Slot, roi domain.Region, err error) *Request {
	r := &Request{id: uuid.NewString(), slot: slot, roi: roi, done: make(chan struct{}), err: err}
	r.state.Store(int32(RequestFailed))
	close(r.done)
	return r
}

// ID returns the request's unique identifier.
func (r *Request) ID() string { return r.id }

// Slot returns the slot this request computes.
func (r *Request) Slot() *Slot { return r.slot }

// Region returns the region this request computes.
func (r *Request) Region() domain.Region { return r.roi }

// State returns the request's current lifecycle state.
func (r *Request) State() RequestState { return RequestState(r.state.Load()) }

// Done returns a channel closed when the request finishes in any state.
func (r *Request) Done() <-chan struct{} { return r.done }

// Err returns the request's error, or nil while unfinished or on
// success.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Wait blocks until the request finishes and returns its result buffer,
// or re-raises the failure. Cancellation surfaces as
// ErrRequestCancelled.
// When the given context belongs to a running compute (i.e. this is a
// nested wait from a worker), the worker's pool slot is released while
// parked and reacquired before Wait returns, so a blocked parent never
// occupies a slot doing nothing.
func (r *Request) Wait(ctx context.Context) (*domain.Buffer, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-r.done:
		return r.result()
	default:
	}

	if cur := requestFrom(ctx); cur != nil && cur.pool != nil {
		cur.state.CompareAndSwap(int32(RequestRunning), int32(RequestSuspended))
		cur.pool.yield()
		defer func() {
			cur.pool.reacquire()
			cur.state.CompareAndSwap(int32(RequestSuspended), int32(RequestRunning))
		}()
	}

	select {
	case <-r.done:
		return r.result()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, domain.ErrRequestCancelled
	}
}

func (r *Request) result() (*domain.Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.buf, nil
}

// OnComplete registers a callback fired exactly once when the request
// finishes, in any state. A callback registered after completion runs
// synchronously.
func (r *Request) OnComplete(fn func(*Request)) {
	r.mu.Lock()
	select {
	case <-r.done:
		r.mu.Unlock()
		fn(r)
		return
	default:
	}
	r.callbacks = append(r.callbacks, fn)
	r.mu.Unlock()
}

// Cancel requests cooperative cancellation of this request and all its
// unfinished children. Computes observe it at suspension points; a
// request that already completed keeps its result, but waiters of a
// cancelled tree receive ErrRequestCancelled.
func (r *Request) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Lock()
	children := make([]*Request, len(r.children))
	copy(children, r.children)
	r.mu.Unlock()
	for _, c := range children {
		c.Cancel()
	}
}

func (r *Request) addChild(c *Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.children = append(r.children, c)
}

// Children returns a snapshot of the request's spawned child requests.
func (r *Request) Children() []*Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Request, len(r.children))
	copy(out, r.children)
	return out
}

// finish records the terminal result exactly once and fires completion
// callbacks. Later finish calls are ignored, so a cancellation racing a
// successful completion never clobbers the first outcome.
func (r *Request) finish(buf *domain.Buffer, err error) {
	r.mu.Lock()
	select {
	case <-r.done:
		r.mu.Unlock()
		return
	default:
	}
	if err != nil && isCancellation(err) {
		err = domain.ErrRequestCancelled
	}
	r.buf = buf
	r.err = err
	switch {
	case err == nil:
		r.state.Store(int32(RequestCompleted))
	case errors.Is(err, domain.ErrRequestCancelled):
		r.state.Store(int32(RequestCancelled))
	default:
		r.state.Store(int32(RequestFailed))
	}
	cbs := r.callbacks
	r.callbacks = nil
	close(r.done)
	r.mu.Unlock()

	for _, fn := range cbs {
		fn(r)
	}
}

// isCancellation reports whether err represents cooperative
// cancellation rather than a fault.
func isCancellation(err error) bool {
	return errors.Is(err, domain.ErrRequestCancelled) || errors.Is(err, context.Canceled)
}

// requestCtxKey carries the currently executing request through compute
// contexts so nested waits can yield their pool slot.
type requestCtxKey struct{}

func withRequest(ctx context.Context, r *Request) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, r)
}

func requestFrom(ctx context.Context) *Request {
	r, _ := ctx.Value(requestCtxKey{}).(*Request)
	return r
}
