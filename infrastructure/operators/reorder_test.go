package operators

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-voxel/internal/domain"
	"github.com/ahrav/go-voxel/internal/graph"
)

// newMemoryGraph wires a memory source holding a flat-index ramp, whose
// asymmetry makes transposition errors visible.
func newMemoryGraph(t *testing.T, shape []int, axes string) (*graph.Graph, *OpDataSource) {
	t.Helper()
	g := graph.NewGraph(graph.WithWorkers(4))
	t.Cleanup(g.Stop)

	buf := domain.NewBuffer(shape)
	for i := range buf.Data() {
		buf.Data()[i] = float32(i)
	}
	mem, err := NewMemorySource(buf, domain.Metadata{Shape: shape, DType: domain.DTypeFloat32, Axes: axes})
	require.NoError(t, err)
	src, err := NewOpDataSource(g, "source", mem)
	require.NoError(t, err)
	return g, src
}

func TestOpAxisReorder_TransposesData(t *testing.T) {
	g, src := newMemoryGraph(t, []int{2, 3}, "yx")
	op := NewOpAxisReorder(g, "reorder", "xy")
	require.NoError(t, op.In.Connect(src.Out))
	require.NoError(t, src.Configure(context.Background()))

	meta, err := op.Out.Metadata()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, meta.Shape)
	assert.Equal(t, "xy", meta.Axes)

	buf, err := op.Out.Pull(context.Background(), domain.MustRegion([]int{0, 0}, []int{3, 2}))
	require.NoError(t, err)
	// Output (x, y) reads input (y, x), where input (y, x) = y*3 + x.
	for x := 0; x < 3; x++ {
		for y := 0; y < 2; y++ {
			assert.Equal(t, float32(y*3+x), buf.At(x, y))
		}
	}
}

func TestOpAxisReorder_SubRegionRequest(t *testing.T) {
	g, src := newMemoryGraph(t, []int{4, 5}, "yx")
	op := NewOpAxisReorder(g, "reorder", "xy")
	require.NoError(t, op.In.Connect(src.Out))
	require.NoError(t, src.Configure(context.Background()))

	roi := domain.MustRegion([]int{1, 2}, []int{3, 4})
	buf, err := op.Out.Pull(context.Background(), roi)
	require.NoError(t, err)
	// Local (0, 0) is output (x=1, y=2), i.e. input (2, 1) = 2*5+1.
	assert.Equal(t, float32(2*5+1), buf.At(0, 0))
	assert.Equal(t, float32(3*5+2), buf.At(1, 1))
}

func TestOpAxisReorder_RejectsBadOrder(t *testing.T) {
	tests := []struct {
		name  string
		axes  string
		order string
	}{
		{name: "unnamed input axes", axes: "", order: "xy"},
		{name: "length mismatch", axes: "yx", order: "x"},
		{name: "not a permutation", axes: "yx", order: "xx"},
		{name: "unknown axis key", axes: "yx", order: "xz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, src := newMemoryGraph(t, []int{2, 2}, tt.axes)
			op := NewOpAxisReorder(g, "reorder", tt.order)
			require.NoError(t, op.In.Connect(src.Out))
			err := src.Configure(context.Background())
			assert.Error(t, err)
			assert.False(t, op.Out.Ready())
		})
	}
}

func TestOpAxisReorder_DirtyMapsThroughPermutation(t *testing.T) {
	g, src := newMemoryGraph(t, []int{4, 5}, "yx")
	op := NewOpAxisReorder(g, "reorder", "xy")
	require.NoError(t, op.In.Connect(src.Out))
	require.NoError(t, src.Configure(context.Background()))

	var dirty []domain.Region
	op.Out.OnDirty(func(roi domain.Region) { dirty = append(dirty, roi) })

	src.Invalidate(domain.MustRegion([]int{1, 2}, []int{3, 4}))
	require.Len(t, dirty, 1)
	assert.True(t, dirty[0].Equal(domain.MustRegion([]int{2, 1}, []int{4, 3})))
}

func TestCreateAxisReorderOperator(t *testing.T) {
	g := graph.NewGraph(graph.WithWorkers(2))
	defer g.Stop()

	op, err := CreateAxisReorderOperator(g, "reorder", map[string]any{"order": "zyx"})
	require.NoError(t, err)
	assert.Equal(t, "zyx", op.(*OpAxisReorder).Order())

	_, err = CreateAxisReorderOperator(g, "reorder", map[string]any{})
	assert.Error(t, err, "order is required")
}
