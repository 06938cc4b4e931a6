package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/ahrav/go-voxel/internal/domain"
)

// OperatorFactory builds one inner operator instance per lane. The
// wrapper chooses the instance name.
type OperatorFactory func(g *Graph, name string) Operator

// cleaner is implemented by operators that can tear themselves down;
// BaseOperator embedders get it for free.
type cleaner interface{ Cleanup() }

// OpMultiLane replicates an inner operator over a variable set of
// lanes. Each of the inner operator's slots appears on the wrapper as a
// level-1 multi-slot whose i-th sub-slot belongs to lane i, except for
// inputs named in broadcast, which appear once at level 0 and feed
// every lane. Adding or removing a lane inserts or removes the
// corresponding sub-slots on every multi-slot and fires structure
// notifications, so downstream multi-slot consumers track lane
// membership automatically.
//
// The wrapper itself computes nothing: its output sub-slots are
// pass-through views of the inner operators' outputs, and dirty
// regions flow lane-to-lane through the ordinary slot links.
type OpMultiLane struct {
	BaseOperator

	factory   OperatorFactory
	broadcast map[string]bool

	mu    sync.RWMutex
	lanes []Operator
	// next disambiguates lane instance names after removals.
	next int

	laneInputs  []*Slot
	laneOutputs []*Slot
	shared      []*Slot
}

var _ Operator = (*OpMultiLane)(nil)

// NewOpMultiLane creates a lane wrapper around factory. The wrapper's
// slot layout is derived from a probe instance, which is built and torn
// down during construction; factory must therefore be side-effect free.
// Inputs listed in broadcast stay level-0 and are shared by all lanes.
func NewOpMultiLane(g *Graph, name string, factory OperatorFactory, broadcast ...string) *OpMultiLane {
	w := &OpMultiLane{
		BaseOperator: NewBaseOperator(g, name),
		factory:      factory,
		broadcast:    make(map[string]bool, len(broadcast)),
	}
	for _, b := range broadcast {
		w.broadcast[b] = true
	}

	probe := factory(g, name+".probe")
	for _, in := range probe.Inputs() {
		if w.broadcast[in.Name()] {
			s := w.AddInput(w, NewSlot(g, in.Name(), KindInput, in.SType()))
			w.shared = append(w.shared, s)
			continue
		}
		s := w.AddInput(w, NewMultiSlot(g, in.Name(), KindInput, in.SType()))
		w.laneInputs = append(w.laneInputs, s)
	}
	for _, out := range probe.Outputs() {
		s := w.AddOutput(w, NewMultiSlot(g, out.Name(), KindOutput, out.SType()))
		w.laneOutputs = append(w.laneOutputs, s)
	}
	if c, ok := probe.(cleaner); ok {
		c.Cleanup()
	}
	return w
}

// NumLanes returns the current lane count.
func (w *OpMultiLane) NumLanes() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.lanes)
}

// Lane returns the inner operator of lane i.
func (w *OpMultiLane) Lane(i int) Operator {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lanes[i]
}

// AddLane appends a lane: a fresh inner operator is created, its inputs
// are wired to new sub-slots (or the shared broadcast inputs), and its
// outputs back the new output sub-slots. The returned index addresses
// the lane's sub-slots on every multi-slot of the wrapper.
func (w *OpMultiLane) AddLane() (int, error) {
	w.mu.Lock()
	idx := len(w.lanes)
	lane := w.factory(w.Graph(), fmt.Sprintf("%s[%d]", w.Name(), w.next))
	w.next++
	w.lanes = append(w.lanes, lane)
	w.mu.Unlock()

	for _, s := range w.shared {
		in := inputByName(lane, s.Name())
		if in == nil {
			continue
		}
		if err := in.Connect(s); err != nil {
			return idx, err
		}
	}
	for _, multi := range w.laneInputs {
		sub, err := multi.InsertAt(idx)
		if err != nil {
			return idx, err
		}
		in := inputByName(lane, multi.Name())
		if in == nil {
			continue
		}
		if err := in.Connect(sub); err != nil {
			return idx, err
		}
	}
	for _, multi := range w.laneOutputs {
		sub, err := multi.InsertAt(idx)
		if err != nil {
			return idx, err
		}
		out := outputByName(lane, multi.Name())
		if out == nil {
			continue
		}
		if err := sub.Connect(out); err != nil {
			return idx, err
		}
	}
	return idx, nil
}

// RemoveLane removes lane i, tearing down its inner operator and
// shifting subsequent lanes down by one index.
func (w *OpMultiLane) RemoveLane(i int) error {
	w.mu.Lock()
	if i < 0 || i >= len(w.lanes) {
		n := len(w.lanes)
		w.mu.Unlock()
		return fmt.Errorf("remove lane %d outside [0, %d) on %s", i, n, w.Name())
	}
	lane := w.lanes[i]
	w.lanes = append(w.lanes[:i], w.lanes[i+1:]...)
	w.mu.Unlock()

	for _, multi := range w.laneOutputs {
		if err := multi.RemoveAt(i); err != nil {
			return err
		}
	}
	for _, multi := range w.laneInputs {
		if err := multi.RemoveAt(i); err != nil {
			return err
		}
	}
	if c, ok := lane.(cleaner); ok {
		c.Cleanup()
	}
	return nil
}

// ConfigureOutputs is a no-op: output sub-slots mirror their lane's
// inner output through the pass-through link.
func (w *OpMultiLane) ConfigureOutputs() error { return nil }

// Compute is never reached; every output sub-slot delegates to its
// lane's inner operator.
func (w *OpMultiLane) Compute(ctx context.Context, out *Slot, roi domain.Region, dst *domain.Buffer) error {
	return fmt.Errorf("compute on pass-through wrapper %s slot %s", w.Name(), out.Name())
}

// PropagateDirty is a no-op: dirty regions reach the lanes through the
// input sub-slot links and resurface through the output links.
func (w *OpMultiLane) PropagateDirty(in *Slot, roi domain.Region) {}

func inputByName(op Operator, name string) *Slot {
	for _, s := range op.Inputs() {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

func outputByName(op Operator, name string) *Slot {
	for _, s := range op.Outputs() {
		if s.Name() == name {
			return s
		}
	}
	return nil
}
