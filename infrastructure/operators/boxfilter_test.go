package operators

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-voxel/internal/domain"
	"github.com/ahrav/go-voxel/internal/graph"
	"github.com/ahrav/go-voxel/internal/testutils"
)

func TestOpBoxFilter_InteriorMeanOfRampIsIdentity(t *testing.T) {
	g, src := newRampGraph(t, []int{10, 10}, "")
	op := NewOpBoxFilter(g, "smooth", 2)
	require.NoError(t, op.In.Connect(src.Out))
	require.NoError(t, src.Configure(context.Background()))

	// The ramp is linear, so a symmetric window fully inside the volume
	// averages to the center value.
	roi := domain.MustRegion([]int{3, 3}, []int{7, 7})
	buf, err := op.Out.Pull(context.Background(), roi)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, buf.At(0, 0), 1e-4)
	assert.InDelta(t, 12.0, buf.At(3, 3), 1e-4)
}

func TestOpBoxFilter_BorderWindowsRenormalized(t *testing.T) {
	g := graph.NewGraph(graph.WithWorkers(4))
	defer g.Stop()

	buf := domain.NewBuffer([]int{4, 4})
	buf.Fill(5)
	mem, err := NewMemorySource(buf, domain.Metadata{Shape: []int{4, 4}, DType: domain.DTypeFloat32})
	require.NoError(t, err)
	src, err := NewOpDataSource(g, "source", mem)
	require.NoError(t, err)

	op := NewOpBoxFilter(g, "smooth", 1)
	require.NoError(t, op.In.Connect(src.Out))
	require.NoError(t, src.Configure(context.Background()))

	// A constant volume must stay constant everywhere, including the
	// corners where the window is clipped.
	out, err := op.Out.Pull(context.Background(), domain.MustRegion([]int{0, 0}, []int{4, 4}))
	require.NoError(t, err)
	for _, v := range out.Data() {
		assert.InDelta(t, 5.0, v, 1e-5)
	}
}

func TestOpBoxFilter_CornerMean(t *testing.T) {
	g, src := newRampGraph(t, []int{4, 4}, "")
	op := NewOpBoxFilter(g, "smooth", 1)
	require.NoError(t, op.In.Connect(src.Out))
	require.NoError(t, src.Configure(context.Background()))

	buf, err := op.Out.Pull(context.Background(), domain.MustRegion([]int{0, 0}, []int{1, 1}))
	require.NoError(t, err)
	// Window at (0,0) clips to {0,1}x{0,1}: values 0, 1, 1, 2.
	assert.InDelta(t, 1.0, buf.At(0, 0), 1e-5)
}

func TestOpBoxFilter_HaloPullClippedToVolume(t *testing.T) {
	g := graph.NewGraph(graph.WithWorkers(4))
	defer g.Stop()

	ramp := NewRampSource([]int{10, 10})
	src, err := NewOpDataSource(g, "source", ramp)
	require.NoError(t, err)

	// A counter between source and filter records the upstream region.
	counter := testutils.NewCountingOperator(g, "counter")
	op := NewOpBoxFilter(g, "smooth", 3)
	require.NoError(t, counter.In.Connect(src.Out))
	require.NoError(t, op.In.Connect(counter.Out))
	require.NoError(t, src.Configure(context.Background()))

	_, err = op.Out.Pull(context.Background(), domain.MustRegion([]int{0, 0}, []int{2, 2}))
	require.NoError(t, err)

	regions := counter.Regions()
	require.Len(t, regions, 1)
	assert.True(t, regions[0].Equal(domain.MustRegion([]int{0, 0}, []int{5, 5})),
		"halo clamps at the volume border")
}

func TestOpBoxFilter_DirtyExpandedByRadius(t *testing.T) {
	g, src := newRampGraph(t, []int{10, 10}, "")
	op := NewOpBoxFilter(g, "smooth", 2)
	require.NoError(t, op.In.Connect(src.Out))
	require.NoError(t, src.Configure(context.Background()))

	var dirty []domain.Region
	op.Out.OnDirty(func(roi domain.Region) { dirty = append(dirty, roi) })

	src.Invalidate(domain.MustRegion([]int{4, 4}, []int{5, 5}))
	require.Len(t, dirty, 1)
	assert.True(t, dirty[0].Equal(domain.MustRegion([]int{2, 2}, []int{7, 7})))

	// Near the border the expansion clips to the volume.
	src.Invalidate(domain.MustRegion([]int{0, 0}, []int{1, 1}))
	require.Len(t, dirty, 2)
	assert.True(t, dirty[1].Equal(domain.MustRegion([]int{0, 0}, []int{3, 3})))
}

func TestCreateBoxFilterOperator(t *testing.T) {
	g := graph.NewGraph(graph.WithWorkers(2))
	defer g.Stop()

	op, err := CreateBoxFilterOperator(g, "smooth", map[string]any{"radius": 3})
	require.NoError(t, err)
	assert.Equal(t, 3, op.(*OpBoxFilter).Radius())

	t.Run("defaults to radius 1", func(t *testing.T) {
		op, err := CreateBoxFilterOperator(g, "smooth", nil)
		require.NoError(t, err)
		assert.Equal(t, 1, op.(*OpBoxFilter).Radius())
	})

	t.Run("rejects out-of-range radius", func(t *testing.T) {
		_, err := CreateBoxFilterOperator(g, "smooth", map[string]any{"radius": 100})
		assert.Error(t, err)
	})
}
