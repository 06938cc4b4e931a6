package graph

import (
	"context"

	"github.com/ahrav/go-voxel/internal/domain"
)

// Operator is a node in the computation DAG. It owns its input and
// output slots and implements a region-local compute contract: given a
// region on one of its output slots, it produces exactly that region,
// requesting only the corresponding (possibly halo-padded) upstream
// regions.
//
// ConfigureOutputs runs whenever an input's metadata changes or the
// input becomes ready or unready, always under the graph's
// configuration lock. Compute, by contrast, must tolerate concurrent
// invocation for overlapping regions on the same slot.
type Operator interface {
	// Name returns the operator's unique name within its graph, used in
	// errors, metrics labels, and qualified slot names.
	Name() string

	// Inputs returns the operator's input slots.
	Inputs() []*Slot

	// Outputs returns the operator's output slots.
	Outputs() []*Slot

	// ConfigureOutputs derives every output slot's metadata from the
	// current input metadata via SetMetadata, or marks outputs unready
	// via SetUnready when required inputs are missing.
	// An error must leave the operator fully torn down (the engine marks
	// all outputs unready on failure), so fixing the offending input and
	// retrying is safe.
	ConfigureOutputs() error

	// Compute fills dst, pre-allocated and shaped exactly to roi, with
	// the data for roi on the given output slot. It must not read
	// upstream data outside roi plus the operator's declared halo and
	// must be safe for concurrent calls, even for overlapping regions.
	Compute(ctx context.Context, out *Slot, roi domain.Region, dst *domain.Buffer) error

	// PropagateDirty translates a dirty region on one input into dirty
	// regions on the affected outputs. Marking every output fully dirty
	// is always correct; operators narrow it where they can, but must
	// never under-invalidate.
	PropagateDirty(in *Slot, roi domain.Region)
}

// BaseOperator supplies the bookkeeping shared by all operators: name,
// graph backref, slot registration, the safe dirty-propagation default,
// and teardown. Concrete operators embed it and implement
// ConfigureOutputs and Compute themselves.
type BaseOperator struct {
	name    string
	g       *Graph
	inputs  []*Slot
	outputs []*Slot
	// tokens collects listener registrations made by the operator so
	// Cleanup can unsubscribe them deterministically.
	tokens []subscription
}

type subscription struct {
	slot  *Slot
	token ListenerToken
}

// NewBaseOperator creates the embedded base for an operator of the
// given graph and name.
func NewBaseOperator(g *Graph, name string) BaseOperator {
	return BaseOperator{name: name, g: g}
}

// Name returns the operator's name.
func (b *BaseOperator) Name() string { return b.name }

// Graph returns the graph this operator belongs to.
func (b *BaseOperator) Graph() *Graph { return b.g }

// Inputs returns the registered input slots in registration order.
func (b *BaseOperator) Inputs() []*Slot {
	out := make([]*Slot, len(b.inputs))
	copy(out, b.inputs)
	return out
}

// Outputs returns the registered output slots in registration order.
func (b *BaseOperator) Outputs() []*Slot {
	out := make([]*Slot, len(b.outputs))
	copy(out, b.outputs)
	return out
}

// AddInput attaches a slot as an input of owner and returns it.
// Operators call this from their constructors:
//
//	op.In = op.AddInput(op, graph.NewSlot(g, "Input", graph.KindInput, graph.STypeArray))
func (b *BaseOperator) AddInput(owner Operator, s *Slot) *Slot {
	s.op = owner
	s.g = b.g
	b.inputs = append(b.inputs, s)
	return s
}

// AddOutput attaches a slot as an output of owner and returns it.
func (b *BaseOperator) AddOutput(owner Operator, s *Slot) *Slot {
	s.op = owner
	s.g = b.g
	b.outputs = append(b.outputs, s)
	return s
}

// InputByName returns the input slot with the given name, or nil.
func (b *BaseOperator) InputByName(name string) *Slot {
	for _, s := range b.inputs {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// OutputByName returns the output slot with the given name, or nil.
func (b *BaseOperator) OutputByName(name string) *Slot {
	for _, s := range b.outputs {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// Track records a listener registration for automatic removal during
// Cleanup.
func (b *BaseOperator) Track(s *Slot, t ListenerToken) {
	b.tokens = append(b.tokens, subscription{slot: s, token: t})
}

// PropagateDirty is the coarse, always-correct default: any input
// change invalidates every ready output completely. Operators that know
// their data flow override this with a narrowed region.
func (b *BaseOperator) PropagateDirty(in *Slot, roi domain.Region) {
	for _, out := range b.outputs {
		meta, err := out.Metadata()
		if err != nil {
			continue
		}
		out.MarkDirty(meta.FullRegion())
	}
}

// Cleanup tears the operator down: every tracked listener is
// unsubscribed, every input disconnected, every output marked unready
// and detached from its consumers. After Cleanup the operator holds no
// references into the graph and may be dropped.
func (b *BaseOperator) Cleanup() {
	b.g.cfgMu.Lock()
	defer b.g.cfgMu.Unlock()
	b.cleanupLocked()
}

func (b *BaseOperator) cleanupLocked() {
	for _, sub := range b.tokens {
		sub.slot.Unsubscribe(sub.token)
	}
	b.tokens = nil
	for _, in := range b.inputs {
		in.disconnectLocked()
		for _, s := range in.SubSlots() {
			s.disconnectLocked()
		}
	}
	for _, out := range b.outputs {
		for _, d := range out.snapshotDownstreamLocked() {
			d.disconnectLocked()
		}
		out.setUnreadyLocked()
	}
}
