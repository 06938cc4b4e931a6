package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/ahrav/go-voxel/internal/domain"
)

// BlockState describes one cache block's lifecycle.
// Valid transitions: absent -> computing -> ready, ready -> absent (on
// an explicit dirty notification), and computing -> absent (on a failed
// compute, so a retry is possible). A ready block is trusted until
// explicitly invalidated.
type BlockState int

const (
	// BlockAbsent means no stored content; the next read computes.
	BlockAbsent BlockState = iota
	// BlockComputing means a computation for the block is in flight;
	// concurrent requesters attach to it instead of recomputing.
	BlockComputing
	// BlockReady means stored content is valid and served directly.
	BlockReady
)

// String returns the state as a human-readable string.
func (s BlockState) String() string {
	switch s {
	case BlockAbsent:
		return "absent"
	case BlockComputing:
		return "computing"
	default:
		return "ready"
	}
}

// cacheBlock is one entry of the block table. Each entry has its own
// lock so unrelated blocks transition concurrently; no cache-wide lock
// is ever held during a computation.
type cacheBlock struct {
	region domain.Region

	mu    sync.Mutex
	state BlockState
	// gen increments on every dirty hit so an in-flight computation that
	// started before the dirty can detect that its result is stale and
	// must not be stored.
	gen uint64
	buf *domain.Buffer
	// flight is the in-flight computation concurrent requesters attach
	// to, or nil.
	flight *blockFlight
}

// blockFlight is one shared upstream computation of a block. It runs on
// its own context so that a single cancelled requester does not tear it
// down for the others: the computation is cancelled only when the last
// attached requester has cancelled.
type blockFlight struct {
	cancel context.CancelFunc
	done   chan struct{}

	// waiters is guarded by the owning entry's mutex.
	waiters int

	// buf and err are set before done closes.
	buf *domain.Buffer
	err error
}

// OpBlockedCache decomposes its input volume into fixed-shape blocks,
// stores computed block contents keyed by block region, serves reads
// from cache or triggers de-duplicated recomputation, and invalidates
// overlapping blocks on upstream dirty notifications.
// Block granularity is the unit of invalidation: a dirty region
// invalidates every overlapping block entirely, never partial block
// content. Requests need not align with block edges; partial-block
// reads copy sub-slices.
type OpBlockedCache struct {
	BaseOperator

	// In is the cached upstream data.
	In *Slot
	// Out mirrors In's metadata and serves cached reads.
	Out *Slot

	mu         sync.RWMutex
	blockShape []int
	blocks     map[string]*cacheBlock
	lastMeta   domain.Metadata
	haveMeta   bool
}

var _ Operator = (*OpBlockedCache)(nil)

// NewOpBlockedCache creates a cache operator on g. SetBlockShape must
// be called before the first read.
func NewOpBlockedCache(g *Graph, name string) *OpBlockedCache {
	c := &OpBlockedCache{BaseOperator: NewBaseOperator(g, name)}
	c.In = c.AddInput(c, NewSlot(g, "Input", KindInput, STypeArray))
	c.Out = c.AddOutput(c, NewSlot(g, "Output", KindOutput, STypeArray))
	return c
}

// SetBlockShape fixes the cache's block grid. It must be called before
// the first read; calling it again with a different shape discards
// every stored block and marks the whole output dirty.
func (c *OpBlockedCache) SetBlockShape(shape []int) error {
	for i, b := range shape {
		if b <= 0 {
			return fmt.Errorf("block extent must be positive on axis %d: %w", i, domain.ErrInvalidBlockShape)
		}
	}
	c.mu.Lock()
	same := len(c.blockShape) == len(shape)
	if same {
		for i := range shape {
			if c.blockShape[i] != shape[i] {
				same = false
				break
			}
		}
	}
	if same {
		c.mu.Unlock()
		return nil
	}
	c.blockShape = make([]int, len(shape))
	copy(c.blockShape, shape)
	hadBlocks := len(c.blocks) > 0
	c.blocks = make(map[string]*cacheBlock)
	c.mu.Unlock()

	if hadBlocks {
		if meta, err := c.Out.Metadata(); err == nil {
			c.Out.MarkDirty(meta.FullRegion())
		}
	}
	return nil
}

// BlockShape returns a copy of the configured block shape, or nil.
func (c *OpBlockedCache) BlockShape() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.blockShape == nil {
		return nil
	}
	out := make([]int, len(c.blockShape))
	copy(out, c.blockShape)
	return out
}

// StoredBlocks returns the number of blocks currently in the ready
// state.
func (c *OpBlockedCache) StoredBlocks() int {
	c.mu.RLock()
	entries := make([]*cacheBlock, 0, len(c.blocks))
	for _, e := range c.blocks {
		entries = append(entries, e)
	}
	c.mu.RUnlock()
	n := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.state == BlockReady {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// ConfigureOutputs mirrors the input metadata onto the output. A shape
// or dtype change discards all stored blocks, since block regions may
// no longer address the same data.
func (c *OpBlockedCache) ConfigureOutputs() error {
	meta, err := c.In.Metadata()
	if err != nil {
		c.Out.SetUnready()
		return nil
	}
	c.mu.Lock()
	if c.haveMeta && !c.lastMeta.Equal(meta) {
		c.blocks = make(map[string]*cacheBlock)
	}
	c.lastMeta = meta
	c.haveMeta = true
	blockShape := c.blockShape
	c.mu.Unlock()

	if blockShape != nil && len(blockShape) != meta.Dims() {
		c.Out.SetUnready()
		return fmt.Errorf("block shape rank %d does not match input rank %d: %w",
			len(blockShape), meta.Dims(), domain.ErrInvalidBlockShape)
	}
	return c.Out.SetMetadata(meta)
}

// Compute assembles roi from cache blocks, computing missing blocks
// through the input slot. Edge blocks are clipped to the volume, and a
// roi that does not align with the grid is served by partial copies
// from the canonical blocks.
func (c *OpBlockedCache) Compute(ctx context.Context, out *Slot, roi domain.Region, dst *domain.Buffer) error {
	c.mu.RLock()
	blockShape := c.blockShape
	c.mu.RUnlock()
	if blockShape == nil {
		return fmt.Errorf("block shape not set on cache %s: %w", c.Name(), domain.ErrInvalidBlockShape)
	}
	meta, err := c.In.Metadata()
	if err != nil {
		return err
	}
	full := meta.FullRegion()

	pieces, err := roi.BlockSeq(blockShape)
	if err != nil {
		return err
	}
	for piece := range pieces {
		if ctx.Err() != nil {
			return domain.ErrRequestCancelled
		}
		block := piece.BlockAligned(blockShape, full)
		buf, err := c.fetchBlock(ctx, block)
		if err != nil {
			return err
		}
		if err := domain.CopyRegion(dst, piece.Within(roi), buf, piece.Within(block)); err != nil {
			return err
		}
	}
	return nil
}

// fetchBlock returns the content of one canonical block, serving from
// the stored entry when ready and otherwise running exactly one
// upstream computation per block key regardless of how many requesters
// arrive concurrently. A requester that cancels while attached detaches
// alone; the shared computation keeps running for the rest and is only
// cancelled when the last requester has left.
func (c *OpBlockedCache) fetchBlock(ctx context.Context, block domain.Region) (*domain.Buffer, error) {
	mc := c.Graph().Metrics()
	e := c.entry(block.String(), block)

	e.mu.Lock()
	if e.state == BlockReady {
		buf := e.buf
		e.mu.Unlock()
		mc.RecordCounter("cache_blocks_total", 1, map[string]string{"cache": c.Name(), "outcome": "hit"})
		return buf, nil
	}
	fl := e.flight
	if fl == nil {
		// The computation must not inherit this requester's cancellation,
		// since later requesters may attach to it.
		fctx, cancel := context.WithCancel(context.Background())
		fl = &blockFlight{cancel: cancel, done: make(chan struct{})}
		e.flight = fl
		e.state = BlockComputing
		gen := e.gen
		go c.runFlight(fctx, fl, e, gen, block)
	}
	fl.waiters++
	e.mu.Unlock()
	mc.RecordCounter("cache_blocks_total", 1, map[string]string{"cache": c.Name(), "outcome": "miss"})

	// Waiting on the flight from inside a compute parks a worker, so
	// release its pool slot the way Request.Wait does for nested waits.
	if cur := requestFrom(ctx); cur != nil && cur.pool != nil {
		cur.state.CompareAndSwap(int32(RequestRunning), int32(RequestSuspended))
		cur.pool.yield()
		defer func() {
			cur.pool.reacquire()
			cur.state.CompareAndSwap(int32(RequestSuspended), int32(RequestRunning))
		}()
	}

	select {
	case <-fl.done:
		return fl.buf, fl.err
	case <-ctx.Done():
		e.mu.Lock()
		fl.waiters--
		if fl.waiters == 0 {
			fl.cancel()
			// Nobody is left to receive this flight's outcome; newcomers
			// start a fresh computation instead of attaching to a dying one.
			if e.flight == fl {
				e.flight = nil
				if e.state == BlockComputing {
					e.state = BlockAbsent
				}
			}
		}
		e.mu.Unlock()
		return nil, domain.ErrRequestCancelled
	}
}

// runFlight performs the shared upstream computation of one block and
// publishes the outcome to every attached requester.
func (c *OpBlockedCache) runFlight(ctx context.Context, fl *blockFlight, e *cacheBlock, gen uint64, block domain.Region) {
	buf, err := c.In.Pull(ctx, block)

	e.mu.Lock()
	if e.flight == fl {
		e.flight = nil
		switch {
		case err != nil:
			// Failed computes revert to absent so a retry is possible.
			e.state = BlockAbsent
		case e.gen != gen:
			// A dirty notification arrived mid-compute: the result may
			// reflect pre-dirty input, so serve it to the requesters that
			// attached before the dirty but do not store it.
			e.state = BlockAbsent
			e.buf = nil
		default:
			e.state = BlockReady
			e.buf = buf
		}
	}
	e.mu.Unlock()

	fl.buf, fl.err = buf, err
	close(fl.done)
	fl.cancel()
}

// entry returns the table entry for a block key, creating it on first
// use. Only the map lookup holds the cache-wide lock.
func (c *OpBlockedCache) entry(key string, block domain.Region) *cacheBlock {
	c.mu.RLock()
	e, ok := c.blocks[key]
	c.mu.RUnlock()
	if ok {
		return e
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.blocks[key]; ok {
		return e
	}
	e = &cacheBlock{region: block, state: BlockAbsent}
	c.blocks[key] = e
	return e
}

// PropagateDirty discards every block overlapping the dirty region and
// forwards the dirty notification downstream. Blocks disjoint from the
// region keep their content. A zero-rank region (from a value input)
// means everything.
func (c *OpBlockedCache) PropagateDirty(in *Slot, roi domain.Region) {
	if in != c.In {
		return
	}
	meta, err := c.Out.Metadata()
	if err != nil {
		return
	}
	if roi.Dims() != meta.Dims() {
		roi = meta.FullRegion()
	}

	c.mu.RLock()
	var hit []*cacheBlock
	for _, e := range c.blocks {
		if !e.region.Intersect(roi).Empty() {
			hit = append(hit, e)
		}
	}
	c.mu.RUnlock()

	for _, e := range hit {
		e.mu.Lock()
		e.gen++
		e.state = BlockAbsent
		e.buf = nil
		// Detach future requesters from any in-flight computation of the
		// stale content; already-attached ones still receive its result.
		e.flight = nil
		e.mu.Unlock()
	}
	if len(hit) > 0 {
		c.Graph().Metrics().RecordCounter("cache_blocks_invalidated_total",
			float64(len(hit)), map[string]string{"cache": c.Name()})
	}

	c.Out.MarkDirty(roi)
}
