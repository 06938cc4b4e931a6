package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-voxel/internal/domain"
)

// biasOp adds a scalar bias taken from a value input, for exercising
// broadcast inputs on the lane wrapper.
type biasOp struct {
	BaseOperator
	In   *Slot
	Bias *Slot
	Out  *Slot
}

func newBiasOp(g *Graph, name string) *biasOp {
	op := &biasOp{BaseOperator: NewBaseOperator(g, name)}
	op.In = op.AddInput(op, NewSlot(g, "Input", KindInput, STypeArray))
	op.Bias = op.AddInput(op, NewSlot(g, "Bias", KindInput, STypeValue))
	op.Out = op.AddOutput(op, NewSlot(g, "Output", KindOutput, STypeArray))
	return op
}

func (op *biasOp) ConfigureOutputs() error {
	meta, err := op.In.Metadata()
	if err != nil {
		op.Out.SetUnready()
		return nil
	}
	return op.Out.SetMetadata(meta)
}

func (op *biasOp) Compute(ctx context.Context, out *Slot, roi domain.Region, dst *domain.Buffer) error {
	src, err := op.In.Pull(ctx, roi)
	if err != nil {
		return err
	}
	bias := float32(0)
	if v, err := op.Bias.Value(); err == nil {
		if f, ok := v.(float64); ok {
			bias = float32(f)
		}
	}
	for i, v := range src.Data() {
		dst.Data()[i] = v + bias
	}
	return nil
}

func (op *biasOp) PropagateDirty(in *Slot, roi domain.Region) {
	if in == op.Bias {
		op.Out.MarkDirty(domain.Region{})
		return
	}
	op.Out.MarkDirty(roi)
}

func TestOpMultiLane_SlotLayoutFromProbe(t *testing.T) {
	g := NewGraph(WithWorkers(2))
	defer g.Stop()

	w := NewOpMultiLane(g, "lanes", func(g *Graph, name string) Operator {
		return newBiasOp(g, name)
	}, "Bias")

	in := w.InputByName("Input")
	require.NotNil(t, in)
	assert.Equal(t, 1, in.Level())
	assert.Equal(t, 0, in.Len())

	bias := w.InputByName("Bias")
	require.NotNil(t, bias)
	assert.Equal(t, 0, bias.Level(), "broadcast inputs stay level-0")

	out := w.OutputByName("Output")
	require.NotNil(t, out)
	assert.Equal(t, 1, out.Level())
	assert.Equal(t, 0, w.NumLanes())
}

func TestOpMultiLane_AddRemoveLanes(t *testing.T) {
	g := NewGraph(WithWorkers(4))
	defer g.Stop()

	w := NewOpMultiLane(g, "lanes", func(g *Graph, name string) Operator {
		return newAddOp(g, name, 0)
	})
	in := w.InputByName("Input")
	out := w.OutputByName("Output")

	var inserted, removed []int
	out.OnSubSlotInserted(func(i int) { inserted = append(inserted, i) })
	out.OnSubSlotRemoved(func(i int) { removed = append(removed, i) })

	i0, err := w.AddLane()
	require.NoError(t, err)
	i1, err := w.AddLane()
	require.NoError(t, err)
	assert.Equal(t, 0, i0)
	assert.Equal(t, 1, i1)
	assert.Equal(t, 2, w.NumLanes())
	assert.Equal(t, 2, in.Len())
	assert.Equal(t, 2, out.Len())
	assert.Equal(t, []int{0, 1}, inserted)

	require.NoError(t, w.RemoveLane(0))
	assert.Equal(t, 1, w.NumLanes())
	assert.Equal(t, 1, in.Len())
	assert.Equal(t, 1, out.Len())
	assert.Equal(t, []int{0}, removed)

	assert.Error(t, w.RemoveLane(5))
}

func TestOpMultiLane_PerLaneDataFlow(t *testing.T) {
	g := NewGraph(WithWorkers(4))
	defer g.Stop()
	ctx := context.Background()

	w := NewOpMultiLane(g, "lanes", func(g *Graph, name string) Operator {
		return newPassOp(g, name)
	})
	in := w.InputByName("Input")
	out := w.OutputByName("Output")

	_, err := w.AddLane()
	require.NoError(t, err)
	_, err = w.AddLane()
	require.NoError(t, err)

	// Each lane gets its own source volume.
	a := domain.NewBuffer([]int{2, 2})
	a.Fill(3)
	b := domain.NewBuffer([]int{2, 2})
	b.Fill(7)
	require.NoError(t, in.At(0).SetValue(a))
	require.NoError(t, in.At(1).SetValue(b))
	assert.True(t, out.Ready())

	roi := domain.MustRegion([]int{0, 0}, []int{2, 2})
	got0, err := out.At(0).Pull(ctx, roi)
	require.NoError(t, err)
	got1, err := out.At(1).Pull(ctx, roi)
	require.NoError(t, err)
	assert.Equal(t, float32(3), got0.At(1, 1))
	assert.Equal(t, float32(7), got1.At(1, 1))
}

func TestOpMultiLane_BroadcastInputFeedsAllLanes(t *testing.T) {
	g := NewGraph(WithWorkers(4))
	defer g.Stop()
	ctx := context.Background()

	w := NewOpMultiLane(g, "lanes", func(g *Graph, name string) Operator {
		return newBiasOp(g, name)
	}, "Bias")
	require.NoError(t, w.InputByName("Bias").SetValue(100.0))

	_, err := w.AddLane()
	require.NoError(t, err)
	_, err = w.AddLane()
	require.NoError(t, err)

	in := w.InputByName("Input")
	for i := 0; i < 2; i++ {
		buf := domain.NewBuffer([]int{2, 2})
		buf.Fill(float32(i + 1))
		require.NoError(t, in.At(i).SetValue(buf))
	}

	out := w.OutputByName("Output")
	roi := domain.MustRegion([]int{0, 0}, []int{2, 2})
	got0, err := out.At(0).Pull(ctx, roi)
	require.NoError(t, err)
	got1, err := out.At(1).Pull(ctx, roi)
	require.NoError(t, err)
	assert.Equal(t, float32(101), got0.At(0, 0))
	assert.Equal(t, float32(102), got1.At(0, 0))
}

func TestOpMultiLane_DirtyFlowsThroughLaneLinks(t *testing.T) {
	g := NewGraph(WithWorkers(2))
	defer g.Stop()

	w := NewOpMultiLane(g, "lanes", func(g *Graph, name string) Operator {
		return newPassOp(g, name)
	})
	_, err := w.AddLane()
	require.NoError(t, err)

	in := w.InputByName("Input")
	buf := domain.NewBuffer([]int{4, 4})
	require.NoError(t, in.At(0).SetValue(buf))

	out := w.OutputByName("Output")
	var dirty []domain.Region
	out.At(0).OnDirty(func(roi domain.Region) { dirty = append(dirty, roi) })

	roi := domain.MustRegion([]int{1, 1}, []int{3, 3})
	in.At(0).MarkDirty(roi)
	require.Len(t, dirty, 1)
	assert.True(t, dirty[0].Equal(roi))
}
