package graph

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-voxel/internal/domain"
)

func newCachedChain(t *testing.T, g *Graph, shape, blockShape []int) (*passOp, *OpBlockedCache) {
	t.Helper()
	src := sourceSlot(g, shape)
	op := newPassOp(g, "producer")
	cache := NewOpBlockedCache(g, "cache")
	require.NoError(t, cache.SetBlockShape(blockShape))
	require.NoError(t, cache.In.Connect(op.Out))
	require.NoError(t, op.In.Connect(src))
	return op, cache
}

func TestOpBlockedCache_ComputesEachBlockOnce(t *testing.T) {
	g := NewGraph(WithWorkers(4))
	defer g.Stop()
	ctx := context.Background()

	op, cache := newCachedChain(t, g, []int{100, 100}, []int{50, 50})
	full := domain.MustRegion([]int{0, 0}, []int{100, 100})

	buf, err := cache.Out.Pull(ctx, full)
	require.NoError(t, err)
	assert.EqualValues(t, 4, op.computes.Load(), "one compute per block")
	assert.Equal(t, 4, cache.StoredBlocks())
	assert.Equal(t, float32(100*42+7), buf.At(42, 7))

	// A second pull of the same volume is served entirely from cache.
	again, err := cache.Out.Pull(ctx, full)
	require.NoError(t, err)
	assert.EqualValues(t, 4, op.computes.Load())
	assert.True(t, buf.Equal(again))
}

func TestOpBlockedCache_PartialBlockRead(t *testing.T) {
	g := NewGraph(WithWorkers(4))
	defer g.Stop()
	ctx := context.Background()

	op, cache := newCachedChain(t, g, []int{100, 100}, []int{50, 50})

	// A roi straddling all four blocks, unaligned with the grid.
	roi := domain.MustRegion([]int{30, 30}, []int{70, 70})
	buf, err := cache.Out.Pull(ctx, roi)
	require.NoError(t, err)
	assert.EqualValues(t, 4, op.computes.Load(), "canonical blocks computed whole")
	assert.Equal(t, float32(100*30+30), buf.At(0, 0))
	assert.Equal(t, float32(100*69+69), buf.At(39, 39))
}

func TestOpBlockedCache_DirtyInvalidatesOverlappingBlocks(t *testing.T) {
	g := NewGraph(WithWorkers(4))
	defer g.Stop()
	ctx := context.Background()

	op, cache := newCachedChain(t, g, []int{100, 100}, []int{50, 50})
	full := domain.MustRegion([]int{0, 0}, []int{100, 100})
	_, err := cache.Out.Pull(ctx, full)
	require.NoError(t, err)
	require.EqualValues(t, 4, op.computes.Load())

	var mu sync.Mutex
	var dirty []domain.Region
	cache.Out.OnDirty(func(roi domain.Region) {
		mu.Lock()
		dirty = append(dirty, roi)
		mu.Unlock()
	})

	// A dirty corner touches exactly one block.
	corner := domain.MustRegion([]int{0, 0}, []int{10, 10})
	op.Out.MarkDirty(corner)
	assert.Equal(t, 3, cache.StoredBlocks())
	mu.Lock()
	require.Len(t, dirty, 1)
	assert.True(t, dirty[0].Equal(corner))
	mu.Unlock()

	// Re-pulling recomputes only the invalidated block.
	_, err = cache.Out.Pull(ctx, full)
	require.NoError(t, err)
	assert.EqualValues(t, 5, op.computes.Load())
	assert.Equal(t, 4, cache.StoredBlocks())
}

func TestOpBlockedCache_FiveDimensionalVolume(t *testing.T) {
	g := NewGraph(WithWorkers(4))
	defer g.Stop()
	ctx := context.Background()

	// Singleton leading axes exercise the grid math at full rank.
	op, cache := newCachedChain(t, g,
		[]int{1, 1, 1, 100, 100}, []int{1, 1, 1, 50, 50})
	full := domain.MustRegion([]int{0, 0, 0, 0, 0}, []int{1, 1, 1, 100, 100})

	buf, err := cache.Out.Pull(ctx, full)
	require.NoError(t, err)
	assert.EqualValues(t, 4, op.computes.Load())
	assert.Equal(t, 4, cache.StoredBlocks())
	assert.Equal(t, float32(100*42+7), buf.At(0, 0, 0, 42, 7))

	// Reading one quadrant hits the cache.
	quadrant := domain.MustRegion([]int{0, 0, 0, 0, 0}, []int{1, 1, 1, 50, 50})
	_, err = cache.Out.Pull(ctx, quadrant)
	require.NoError(t, err)
	assert.EqualValues(t, 4, op.computes.Load())

	// A corner dirty costs exactly one recompute on the next full read.
	op.Out.MarkDirty(domain.MustRegion([]int{0, 0, 0, 0, 0}, []int{1, 1, 1, 10, 10}))
	assert.Equal(t, 3, cache.StoredBlocks())
	_, err = cache.Out.Pull(ctx, full)
	require.NoError(t, err)
	assert.EqualValues(t, 5, op.computes.Load())
}

func TestOpBlockedCache_ZeroRankDirtyDropsEverything(t *testing.T) {
	g := NewGraph(WithWorkers(4))
	defer g.Stop()
	ctx := context.Background()

	op, cache := newCachedChain(t, g, []int{100, 100}, []int{50, 50})
	_, err := cache.Out.Pull(ctx, domain.MustRegion([]int{0, 0}, []int{100, 100}))
	require.NoError(t, err)

	// Value-slot dirt carries no shape; it must invalidate everything.
	op.Out.MarkDirty(domain.Region{})
	assert.Equal(t, 0, cache.StoredBlocks())

	_, err = cache.Out.Pull(ctx, domain.MustRegion([]int{0, 0}, []int{100, 100}))
	require.NoError(t, err)
	assert.EqualValues(t, 8, op.computes.Load())
}

func TestOpBlockedCache_ConcurrentRequestsDeduplicated(t *testing.T) {
	g := NewGraph(WithWorkers(8))
	defer g.Stop()
	ctx := context.Background()

	op, cache := newCachedChain(t, g, []int{50, 50}, []int{50, 50})
	op.release = make(chan struct{})
	roi := domain.MustRegion([]int{0, 0}, []int{50, 50})

	const waiters = 8
	var wg sync.WaitGroup
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = cache.Out.Pull(ctx, roi)
		}(i)
	}
	// Release the single upstream compute once all requesters are queued.
	close(op.release)
	wg.Wait()

	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
	}
	assert.EqualValues(t, 1, op.computes.Load(), "concurrent requesters share one computation")
}

func TestOpBlockedCache_CancelledRequesterDoesNotPoisonOthers(t *testing.T) {
	g := NewGraph(WithWorkers(4))
	defer g.Stop()
	ctx := context.Background()

	op, cache := newCachedChain(t, g, []int{100, 100}, []int{50, 50})
	op.release = make(chan struct{})
	block := domain.MustRegion([]int{0, 0}, []int{50, 50})

	// Two requesters attach to the same in-flight block computation.
	reqA := cache.Out.Request(ctx, block)
	reqB := cache.Out.Request(ctx, block)
	require.Eventually(t, func() bool {
		return reqA.State() == RequestSuspended && reqB.State() == RequestSuspended
	}, time.Second, time.Millisecond)
	require.EqualValues(t, 1, op.computes.Load())

	// A gives up; the shared computation keeps running for B.
	reqA.Cancel()
	_, errA := reqA.Wait(ctx)
	require.ErrorIs(t, errA, domain.ErrRequestCancelled)
	require.EqualValues(t, 1, op.computes.Load())

	close(op.release)
	buf, errB := reqB.Wait(ctx)
	require.NoError(t, errB)
	assert.Equal(t, float32(100*10+10), buf.At(10, 10))
	assert.EqualValues(t, 1, op.computes.Load())
	assert.Equal(t, 1, cache.StoredBlocks())
}

func TestOpBlockedCache_LastRequesterCancellingStopsTheFlight(t *testing.T) {
	g := NewGraph(WithWorkers(4))
	defer g.Stop()
	ctx := context.Background()

	op, cache := newCachedChain(t, g, []int{50, 50}, []int{50, 50})
	op.release = make(chan struct{})
	roi := domain.MustRegion([]int{0, 0}, []int{50, 50})

	req := cache.Out.Request(ctx, roi)
	require.Eventually(t, func() bool {
		return req.State() == RequestSuspended
	}, time.Second, time.Millisecond)

	// The sole requester cancelling cancels the upstream computation too;
	// the block reverts to absent and stays retryable.
	req.Cancel()
	_, err := req.Wait(ctx)
	require.ErrorIs(t, err, domain.ErrRequestCancelled)
	require.Eventually(t, func() bool {
		return g.Pool().Active() == 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, cache.StoredBlocks())

	close(op.release)
	buf, err := cache.Out.Pull(ctx, roi)
	require.NoError(t, err)
	assert.EqualValues(t, 2, op.computes.Load())
	assert.Equal(t, float32(50+1), buf.At(1, 1))
}

func TestOpBlockedCache_FailedComputeIsRetryable(t *testing.T) {
	g := NewGraph(WithWorkers(4))
	defer g.Stop()
	ctx := context.Background()

	op, cache := newCachedChain(t, g, []int{50, 50}, []int{50, 50})
	op.fail = errors.New("transient upstream failure")
	roi := domain.MustRegion([]int{0, 0}, []int{50, 50})

	_, err := cache.Out.Pull(ctx, roi)
	require.Error(t, err)
	assert.ErrorIs(t, err, op.fail)
	assert.Equal(t, 0, cache.StoredBlocks())

	// Once the upstream recovers, the same block computes cleanly.
	op.fail = nil
	buf, err := cache.Out.Pull(ctx, roi)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.StoredBlocks())
	assert.Equal(t, float32(0), buf.At(0, 0))
}

func TestOpBlockedCache_SetBlockShape(t *testing.T) {
	g := NewGraph(WithWorkers(4))
	defer g.Stop()
	ctx := context.Background()

	t.Run("rejects non-positive extents", func(t *testing.T) {
		cache := NewOpBlockedCache(g, "bad")
		err := cache.SetBlockShape([]int{50, 0})
		assert.ErrorIs(t, err, domain.ErrInvalidBlockShape)
	})

	t.Run("unset shape fails compute", func(t *testing.T) {
		src := sourceSlot(g, []int{10, 10})
		cache := NewOpBlockedCache(g, "unset")
		require.NoError(t, cache.In.Connect(src))
		_, err := cache.Out.Pull(ctx, domain.MustRegion([]int{0, 0}, []int{10, 10}))
		assert.ErrorIs(t, err, domain.ErrInvalidBlockShape)
	})

	t.Run("reshape drops stored blocks", func(t *testing.T) {
		_, cache := newCachedChain(t, g, []int{100, 100}, []int{50, 50})
		_, err := cache.Out.Pull(ctx, domain.MustRegion([]int{0, 0}, []int{100, 100}))
		require.NoError(t, err)
		require.Equal(t, 4, cache.StoredBlocks())

		require.NoError(t, cache.SetBlockShape([]int{25, 25}))
		assert.Equal(t, 0, cache.StoredBlocks())
		assert.Equal(t, []int{25, 25}, cache.BlockShape())

		// Same shape again is a no-op.
		require.NoError(t, cache.SetBlockShape([]int{25, 25}))
	})
}

func TestOpBlockedCache_MetadataChangeDropsBlocks(t *testing.T) {
	g := NewGraph(WithWorkers(4))
	defer g.Stop()
	ctx := context.Background()

	small := sourceSlot(g, []int{50, 50})
	large := sourceSlot(g, []int{100, 100})
	op := newPassOp(g, "producer")
	cache := NewOpBlockedCache(g, "cache")
	require.NoError(t, cache.SetBlockShape([]int{50, 50}))
	require.NoError(t, cache.In.Connect(op.Out))
	require.NoError(t, op.In.Connect(small))

	_, err := cache.Out.Pull(ctx, domain.MustRegion([]int{0, 0}, []int{50, 50}))
	require.NoError(t, err)
	require.Equal(t, 1, cache.StoredBlocks())

	// A new input shape makes the stored block regions meaningless.
	require.NoError(t, op.In.Connect(large))
	assert.Equal(t, 0, cache.StoredBlocks())
	meta, err := cache.Out.Metadata()
	require.NoError(t, err)
	assert.Equal(t, []int{100, 100}, meta.Shape)
}
