// Package testutils provides shared test doubles for the pipeline
// engine: instrumented operators, deterministic sources, collecting
// sinks, and progress recorders.
package testutils

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ahrav/go-voxel/internal/domain"
	"github.com/ahrav/go-voxel/internal/graph"
)

// CountingOperator is a pass-through operator that counts its compute
// calls and records every computed region. Cache and deduplication
// tests assert on these counts to prove how often upstream work
// actually ran.
type CountingOperator struct {
	graph.BaseOperator

	// In is the source data.
	In *graph.Slot
	// Out mirrors the input.
	Out *graph.Slot

	// Delay optionally blocks each compute until released, for tests
	// that need a computation pinned in flight.
	Delay chan struct{}

	computes atomic.Int64

	mu      sync.Mutex
	regions []domain.Region
}

var _ graph.Operator = (*CountingOperator)(nil)

// NewCountingOperator creates a counting pass-through on g.
func NewCountingOperator(g *graph.Graph, name string) *CountingOperator {
	op := &CountingOperator{BaseOperator: graph.NewBaseOperator(g, name)}
	op.In = op.AddInput(op, graph.NewSlot(g, "Input", graph.KindInput, graph.STypeArray))
	op.Out = op.AddOutput(op, graph.NewSlot(g, "Output", graph.KindOutput, graph.STypeArray))
	return op
}

// ConfigureOutputs mirrors the input metadata.
func (op *CountingOperator) ConfigureOutputs() error {
	meta, err := op.In.Metadata()
	if err != nil {
		op.Out.SetUnready()
		return nil
	}
	return op.Out.SetMetadata(meta)
}

// Compute counts the call, records roi, and copies the input through.
func (op *CountingOperator) Compute(ctx context.Context, out *graph.Slot, roi domain.Region, dst *domain.Buffer) error {
	op.computes.Add(1)
	op.mu.Lock()
	op.regions = append(op.regions, roi)
	op.mu.Unlock()

	if op.Delay != nil {
		select {
		case <-op.Delay:
		case <-ctx.Done():
			return domain.ErrRequestCancelled
		}
	}

	src, err := op.In.Pull(ctx, roi)
	if err != nil {
		return err
	}
	copy(dst.Data(), src.Data())
	return nil
}

// PropagateDirty forwards the region unchanged.
func (op *CountingOperator) PropagateDirty(in *graph.Slot, roi domain.Region) {
	op.Out.MarkDirty(roi)
}

// Computes returns the number of compute calls so far.
func (op *CountingOperator) Computes() int64 { return op.computes.Load() }

// Regions returns a copy of the computed regions in call order.
func (op *CountingOperator) Regions() []domain.Region {
	op.mu.Lock()
	defer op.mu.Unlock()
	out := make([]domain.Region, len(op.regions))
	copy(out, op.regions)
	return out
}

// Reset clears the counters and recorded regions.
func (op *CountingOperator) Reset() {
	op.computes.Store(0)
	op.mu.Lock()
	op.regions = nil
	op.mu.Unlock()
}

// FailingOperator always fails its compute with the configured error.
type FailingOperator struct {
	graph.BaseOperator

	// In is the source data.
	In *graph.Slot
	// Out mirrors the input metadata but never produces data.
	Out *graph.Slot

	// Err is returned by every compute call.
	Err error
}

var _ graph.Operator = (*FailingOperator)(nil)

// NewFailingOperator creates an operator whose computes fail with err.
func NewFailingOperator(g *graph.Graph, name string, err error) *FailingOperator {
	op := &FailingOperator{BaseOperator: graph.NewBaseOperator(g, name), Err: err}
	op.In = op.AddInput(op, graph.NewSlot(g, "Input", graph.KindInput, graph.STypeArray))
	op.Out = op.AddOutput(op, graph.NewSlot(g, "Output", graph.KindOutput, graph.STypeArray))
	return op
}

// ConfigureOutputs mirrors the input metadata.
func (op *FailingOperator) ConfigureOutputs() error {
	meta, err := op.In.Metadata()
	if err != nil {
		op.Out.SetUnready()
		return nil
	}
	return op.Out.SetMetadata(meta)
}

// Compute fails unconditionally.
func (op *FailingOperator) Compute(ctx context.Context, out *graph.Slot, roi domain.Region, dst *domain.Buffer) error {
	return op.Err
}
