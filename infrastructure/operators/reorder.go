package operators

import (
	"context"
	"fmt"
	"strings"

	"github.com/ahrav/go-voxel/internal/domain"
	"github.com/ahrav/go-voxel/internal/graph"
)

var _ graph.Operator = (*OpAxisReorder)(nil)

// OpAxisReorder permutes the axis order of its input, e.g. from "xyz"
// storage order to the "zyx" order a viewer expects. Shape, metadata,
// requested regions, and dirty regions are all mapped through the same
// permutation, so the operator is a pure relabeling with a transposing
// copy as its only data work.
type OpAxisReorder struct {
	graph.BaseOperator

	// In is the source data; its metadata must carry axis keys.
	In *graph.Slot
	// Out serves the permuted view.
	Out *graph.Slot

	// order is the target axis-key sequence.
	order string
}

// AxisReorderConfig holds the factory parameters for OpAxisReorder.
type AxisReorderConfig struct {
	// Order is the target axis-key sequence, a permutation of the
	// input's axis keys, e.g. "zyx".
	Order string `yaml:"order" validate:"required,min=1,max=8"`
}

// NewOpAxisReorder creates a reorder operator targeting the given axis
// order.
func NewOpAxisReorder(g *graph.Graph, name, order string) *OpAxisReorder {
	op := &OpAxisReorder{BaseOperator: graph.NewBaseOperator(g, name), order: order}
	op.In = op.AddInput(op, graph.NewSlot(g, "Input", graph.KindInput, graph.STypeArray))
	op.Out = op.AddOutput(op, graph.NewSlot(g, "Output", graph.KindOutput, graph.STypeArray))
	return op
}

// Order returns the target axis-key sequence.
func (op *OpAxisReorder) Order() string { return op.order }

// permutation maps output axis index -> input axis index, derived from
// the input's axis keys. It fails when the input axes are unnamed or
// the target order is not a permutation of them.
func (op *OpAxisReorder) permutation(meta domain.Metadata) ([]int, error) {
	if meta.Axes == "" {
		return nil, fmt.Errorf("reorder %s: input has unnamed axes", op.Name())
	}
	if len(op.order) != len(meta.Axes) {
		return nil, fmt.Errorf("reorder %s: order %q does not match input axes %q", op.Name(), op.order, meta.Axes)
	}
	perm := make([]int, len(op.order))
	for i := 0; i < len(op.order); i++ {
		idx := meta.AxisIndex(op.order[i])
		if idx < 0 || strings.Count(op.order, string(op.order[i])) != 1 {
			return nil, fmt.Errorf("reorder %s: order %q is not a permutation of input axes %q", op.Name(), op.order, meta.Axes)
		}
		perm[i] = idx
	}
	return perm, nil
}

// ConfigureOutputs publishes the permuted shape and axis keys.
func (op *OpAxisReorder) ConfigureOutputs() error {
	meta, err := op.In.Metadata()
	if err != nil {
		op.Out.SetUnready()
		return nil
	}
	perm, err := op.permutation(meta)
	if err != nil {
		op.Out.SetUnready()
		return err
	}
	shape := make([]int, len(perm))
	for i, p := range perm {
		shape[i] = meta.Shape[p]
	}
	out := meta.WithShape(shape)
	out.Axes = op.order
	return op.Out.SetMetadata(out)
}

// Compute maps roi back to input coordinates, pulls it, and transposes
// the result into dst.
func (op *OpAxisReorder) Compute(ctx context.Context, out *graph.Slot, roi domain.Region, dst *domain.Buffer) error {
	meta, err := op.In.Metadata()
	if err != nil {
		return err
	}
	perm, err := op.permutation(meta)
	if err != nil {
		return err
	}

	inRoi := permuteRegionInverse(roi, perm)
	src, err := op.In.Pull(ctx, inRoi)
	if err != nil {
		return err
	}

	// Transposing copy: walk the output in row-major order, reading the
	// permuted coordinate from the pulled input block.
	shape := roi.Shape()
	dims := len(shape)
	oIdx := make([]int, dims)
	iIdx := make([]int, dims)
	dd := dst.Data()
	for flat := range dd {
		for i, p := range perm {
			iIdx[p] = oIdx[i]
		}
		dd[flat] = src.At(iIdx...)
		for d := dims - 1; d >= 0; d-- {
			oIdx[d]++
			if oIdx[d] < shape[d] {
				break
			}
			oIdx[d] = 0
		}
	}
	return nil
}

// PropagateDirty forwards a dirty region through the permutation.
func (op *OpAxisReorder) PropagateDirty(in *graph.Slot, roi domain.Region) {
	meta, err := op.In.Metadata()
	if err != nil {
		return
	}
	perm, err := op.permutation(meta)
	if err != nil || roi.Dims() != len(perm) {
		op.Out.MarkDirty(domain.Region{})
		return
	}
	op.Out.MarkDirty(permuteRegion(roi, perm))
}

// permuteRegion maps an input-ordered region to output order: output
// axis i takes input axis perm[i].
func permuteRegion(r domain.Region, perm []int) domain.Region {
	start, stop := r.Start(), r.Stop()
	os := make([]int, len(perm))
	oe := make([]int, len(perm))
	for i, p := range perm {
		os[i] = start[p]
		oe[i] = stop[p]
	}
	return domain.MustRegion(os, oe)
}

// permuteRegionInverse maps an output-ordered region back to input
// order.
func permuteRegionInverse(r domain.Region, perm []int) domain.Region {
	start, stop := r.Start(), r.Stop()
	is := make([]int, len(perm))
	ie := make([]int, len(perm))
	for i, p := range perm {
		is[p] = start[i]
		ie[p] = stop[i]
	}
	return domain.MustRegion(is, ie)
}

// CreateAxisReorderOperator is the factory entry point used by the
// operator registry.
func CreateAxisReorderOperator(g *graph.Graph, id string, params map[string]any) (graph.Operator, error) {
	if id == "" {
		return nil, ErrEmptyOperatorID
	}
	var cfg AxisReorderConfig
	if err := decodeConfig(params, &cfg); err != nil {
		return nil, fmt.Errorf("axis reorder %s: %w", id, err)
	}
	return NewOpAxisReorder(g, id, cfg.Order), nil
}
