package operators

import (
	"context"
	"fmt"

	"github.com/ahrav/go-voxel/internal/domain"
	"github.com/ahrav/go-voxel/internal/graph"
)

var _ graph.Operator = (*OpBoxFilter)(nil)

// OpBoxFilter computes the mean over a (2r+1)^d neighborhood around
// each element. It is the canonical halo operator: computing a region
// needs the region plus r elements of surrounding context, so requests,
// and inversely dirty regions, are expanded by the radius.
// Windows are clamped at the volume border and renormalized by the
// actual number of contributing elements, so border values stay in the
// input's value range.
type OpBoxFilter struct {
	graph.BaseOperator

	// In is the source data.
	In *graph.Slot
	// Out serves the filtered data.
	Out *graph.Slot

	radius int
}

// BoxFilterConfig holds the factory parameters for OpBoxFilter.
type BoxFilterConfig struct {
	// Radius is the per-axis half-width of the averaging window.
	Radius int `yaml:"radius" validate:"min=1,max=64"`
}

// NewOpBoxFilter creates a box filter with the given radius.
func NewOpBoxFilter(g *graph.Graph, name string, radius int) *OpBoxFilter {
	op := &OpBoxFilter{BaseOperator: graph.NewBaseOperator(g, name), radius: radius}
	op.In = op.AddInput(op, graph.NewSlot(g, "Input", graph.KindInput, graph.STypeArray))
	op.Out = op.AddOutput(op, graph.NewSlot(g, "Output", graph.KindOutput, graph.STypeArray))
	return op
}

// Radius returns the filter's half-width.
func (op *OpBoxFilter) Radius() int { return op.radius }

// ConfigureOutputs mirrors the input metadata; smoothing keeps shape
// and the float32 working type.
func (op *OpBoxFilter) ConfigureOutputs() error {
	meta, err := op.In.Metadata()
	if err != nil {
		op.Out.SetUnready()
		return nil
	}
	meta.DType = domain.DTypeFloat32
	return op.Out.SetMetadata(meta)
}

// Compute pulls roi expanded by the radius (clamped to the volume) and
// averages each clamped window.
func (op *OpBoxFilter) Compute(ctx context.Context, out *graph.Slot, roi domain.Region, dst *domain.Buffer) error {
	meta, err := op.In.Metadata()
	if err != nil {
		return err
	}
	halo := expandRegion(roi, op.radius).Intersect(meta.FullRegion())
	src, err := op.In.Pull(ctx, halo)
	if err != nil {
		return err
	}

	dims := roi.Dims()
	roiStart := roi.Start()
	haloStart := halo.Start()
	haloShape := halo.Shape()
	outShape := roi.Shape()

	oIdx := make([]int, dims)
	lo := make([]int, dims)
	hi := make([]int, dims)
	wIdx := make([]int, dims)
	dd := dst.Data()
	for flat := range dd {
		// Window bounds in halo-local coordinates, clamped to the pulled
		// block (which is itself clamped to the volume).
		count := 1
		for d := 0; d < dims; d++ {
			center := roiStart[d] + oIdx[d] - haloStart[d]
			lo[d] = center - op.radius
			if lo[d] < 0 {
				lo[d] = 0
			}
			hi[d] = center + op.radius + 1
			if hi[d] > haloShape[d] {
				hi[d] = haloShape[d]
			}
			count *= hi[d] - lo[d]
			wIdx[d] = lo[d]
		}

		var sum float64
		for {
			sum += float64(src.At(wIdx...))
			d := dims - 1
			for ; d >= 0; d-- {
				wIdx[d]++
				if wIdx[d] < hi[d] {
					break
				}
				wIdx[d] = lo[d]
			}
			if d < 0 {
				break
			}
		}
		dd[flat] = float32(sum / float64(count))

		for d := dims - 1; d >= 0; d-- {
			oIdx[d]++
			if oIdx[d] < outShape[d] {
				break
			}
			oIdx[d] = 0
		}
	}
	return nil
}

// PropagateDirty expands the dirty region by the radius: an element
// influences every window it falls into. MarkDirty clips the expansion
// to the volume.
func (op *OpBoxFilter) PropagateDirty(in *graph.Slot, roi domain.Region) {
	meta, err := op.Out.Metadata()
	if err != nil {
		return
	}
	if roi.Dims() != meta.Dims() {
		op.Out.MarkDirty(domain.Region{})
		return
	}
	op.Out.MarkDirty(expandRegion(roi, op.radius))
}

// expandRegion grows a region by r in every direction. Starts may go
// negative; callers clamp against the volume.
func expandRegion(r domain.Region, rad int) domain.Region {
	start, stop := r.Start(), r.Stop()
	for i := range start {
		start[i] -= rad
		stop[i] += rad
	}
	reg, err := domain.NewRegion(clampNonNegative(start), stop)
	if err != nil {
		return r
	}
	return reg
}

func clampNonNegative(v []int) []int {
	for i := range v {
		if v[i] < 0 {
			v[i] = 0
		}
	}
	return v
}

// CreateBoxFilterOperator is the factory entry point used by the
// operator registry.
func CreateBoxFilterOperator(g *graph.Graph, id string, params map[string]any) (graph.Operator, error) {
	if id == "" {
		return nil, ErrEmptyOperatorID
	}
	cfg := BoxFilterConfig{Radius: 1}
	if err := decodeConfig(params, &cfg); err != nil {
		return nil, fmt.Errorf("box filter %s: %w", id, err)
	}
	return NewOpBoxFilter(g, id, cfg.Radius), nil
}
