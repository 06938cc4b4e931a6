package graph

import (
	"context"
	"sync/atomic"

	"github.com/ahrav/go-voxel/internal/domain"
)

// passOp is the workhorse test operator: a pass-through that counts
// compute calls, optionally blocks until released, and optionally
// fails.
type passOp struct {
	BaseOperator
	In  *Slot
	Out *Slot

	computes atomic.Int64
	// release, when non-nil, blocks each compute until it is closed or
	// receives.
	release chan struct{}
	// fail, when non-nil, is returned by every compute.
	fail error
}

func newPassOp(g *Graph, name string) *passOp {
	op := &passOp{BaseOperator: NewBaseOperator(g, name)}
	op.In = op.AddInput(op, NewSlot(g, "Input", KindInput, STypeArray))
	op.Out = op.AddOutput(op, NewSlot(g, "Output", KindOutput, STypeArray))
	return op
}

func (op *passOp) ConfigureOutputs() error {
	meta, err := op.In.Metadata()
	if err != nil {
		op.Out.SetUnready()
		return nil
	}
	return op.Out.SetMetadata(meta)
}

func (op *passOp) Compute(ctx context.Context, out *Slot, roi domain.Region, dst *domain.Buffer) error {
	op.computes.Add(1)
	if op.release != nil {
		select {
		case <-op.release:
		case <-ctx.Done():
			return domain.ErrRequestCancelled
		}
	}
	if op.fail != nil {
		return op.fail
	}
	src, err := op.In.Pull(ctx, roi)
	if err != nil {
		return err
	}
	copy(dst.Data(), src.Data())
	return nil
}

func (op *passOp) PropagateDirty(in *Slot, roi domain.Region) { op.Out.MarkDirty(roi) }

// addOp adds a constant, for distinguishing results along a chain.
type addOp struct {
	BaseOperator
	In  *Slot
	Out *Slot
	c   float32
}

func newAddOp(g *Graph, name string, c float32) *addOp {
	op := &addOp{BaseOperator: NewBaseOperator(g, name), c: c}
	op.In = op.AddInput(op, NewSlot(g, "Input", KindInput, STypeArray))
	op.Out = op.AddOutput(op, NewSlot(g, "Output", KindOutput, STypeArray))
	return op
}

func (op *addOp) ConfigureOutputs() error {
	meta, err := op.In.Metadata()
	if err != nil {
		op.Out.SetUnready()
		return nil
	}
	return op.Out.SetMetadata(meta)
}

func (op *addOp) Compute(ctx context.Context, out *Slot, roi domain.Region, dst *domain.Buffer) error {
	src, err := op.In.Pull(ctx, roi)
	if err != nil {
		return err
	}
	for i, v := range src.Data() {
		dst.Data()[i] = v + op.c
	}
	return nil
}

func (op *addOp) PropagateDirty(in *Slot, roi domain.Region) { op.Out.MarkDirty(roi) }

// sourceSlot creates a free slot preloaded with a literal ramp buffer
// of the given shape, the minimal stand-in for a data source.
func sourceSlot(g *Graph, shape []int) *Slot {
	s := NewSlot(g, "source", KindOutput, STypeArray)
	buf := domain.NewBuffer(shape)
	for i := range buf.Data() {
		buf.Data()[i] = float32(i)
	}
	if err := s.SetValue(buf); err != nil {
		panic(err)
	}
	return s
}
