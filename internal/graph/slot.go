package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/ahrav/go-voxel/internal/domain"
)

// SlotKind distinguishes the two sides of an operator.
type SlotKind int

const (
	// KindInput marks a slot that consumes data: it holds a literal
	// value or connects to exactly one upstream slot.
	KindInput SlotKind = iota
	// KindOutput marks a slot produced by its operator; it may fan out
	// to many downstream slots.
	KindOutput
)

// String returns the kind as a human-readable string.
func (k SlotKind) String() string {
	if k == KindInput {
		return "input"
	}
	return "output"
}

// SType is the closed set of slot payload types checked at connect
// time. Two slots connect only if their stypes match.
type SType int

const (
	// STypeArray carries n-dimensional buffers addressed by regions.
	STypeArray SType = iota
	// STypeValue carries a single scalar parameter value.
	STypeValue
	// STypeObject carries an opaque object reference.
	STypeObject
)

// String returns the stype as a human-readable string.
func (t SType) String() string {
	switch t {
	case STypeArray:
		return "array"
	case STypeValue:
		return "value"
	default:
		return "object"
	}
}

// Slot is a typed, named connection point on an operator.
// An input slot holds a literal value, connects to exactly one upstream
// slot, or is unready. An output slot is produced by its operator and
// fans out to any number of downstream slots through non-owning
// references, which carry metadata and dirty notifications.
// A level-1 slot ("multi-slot") is an ordered sequence of level-0
// sub-slots, one per lane.
//
// Structural operations (Connect, Disconnect, SetValue, Resize) are
// serialized per graph; data requests and dirty notifications may run
// concurrently with each other.
type Slot struct {
	name  string
	op    Operator
	g     *Graph
	kind  SlotKind
	stype SType
	level int

	// mu guards the mutable fields below. It is held only for brief
	// field access, never across calls into other slots or operators.
	mu         sync.RWMutex
	meta       domain.Metadata
	metaValid  bool
	ready      bool
	upstream   *Slot
	downstream []*Slot
	value      any
	hasValue   bool
	sub        []*Slot
	parent     *Slot

	listeners *listenerSet
}

// NewSlot creates a free level-0 slot bound to a graph. Operators
// normally create their slots through BaseOperator.AddInput and
// AddOutput, which also attach ownership.
func NewSlot(g *Graph, name string, kind SlotKind, stype SType) *Slot {
	return &Slot{name: name, g: g, kind: kind, stype: stype, listeners: newListenerSet()}
}

// NewMultiSlot creates a free level-1 slot: an ordered, resizable
// sequence of identical level-0 sub-slots.
func NewMultiSlot(g *Graph, name string, kind SlotKind, stype SType) *Slot {
	s := NewSlot(g, name, kind, stype)
	s.level = 1
	return s
}

// Name returns the slot's name within its operator.
func (s *Slot) Name() string { return s.name }

// QualifiedName returns "operator.slot" for diagnostics, or just the
// slot name for free slots.
func (s *Slot) QualifiedName() string {
	if s.op != nil {
		return s.op.Name() + "." + s.name
	}
	return s.name
}

// Operator returns the owning operator, or nil for a free slot.
func (s *Slot) Operator() Operator { return s.op }

// Kind returns whether this is an input or output slot.
func (s *Slot) Kind() SlotKind { return s.kind }

// SType returns the slot's payload type.
func (s *Slot) SType() SType { return s.stype }

// Level returns 0 for a plain slot and 1 for a multi-slot.
func (s *Slot) Level() int { return s.level }

// Ready reports whether the slot can serve data: it holds a value, its
// upstream chain is ready, or its operator has published metadata for
// it. A multi-slot is ready when it has at least one sub-slot and all
// sub-slots are ready.
func (s *Slot) Ready() bool {
	if s.level > 0 {
		subs := s.SubSlots()
		if len(subs) == 0 {
			return false
		}
		for _, sub := range subs {
			if !sub.Ready() {
				return false
			}
		}
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Metadata returns the slot's metadata, or ErrSlotNotReady if none has
// been published yet.
func (s *Slot) Metadata() (domain.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.metaValid {
		return domain.Metadata{}, domain.NewSlotError(s.QualifiedName(), "metadata", domain.ErrSlotNotReady)
	}
	return s.meta, nil
}

// Subscription hooks. Each returns a token; Unsubscribe removes the
// registration. Operator teardown must unsubscribe everything it
// registered so no dangling listeners outlive the operator.

// OnDirty registers a listener for dirty-region notifications.
func (s *Slot) OnDirty(fn DirtyListener) ListenerToken {
	s.listeners.mu.Lock()
	defer s.listeners.mu.Unlock()
	t := s.listeners.token()
	s.listeners.dirty[t] = fn
	return t
}

// OnReadyChanged registers a listener for readiness transitions.
func (s *Slot) OnReadyChanged(fn ReadyListener) ListenerToken {
	s.listeners.mu.Lock()
	defer s.listeners.mu.Unlock()
	t := s.listeners.token()
	s.listeners.ready[t] = fn
	return t
}

// OnMetadataChanged registers a listener for metadata updates.
func (s *Slot) OnMetadataChanged(fn MetadataListener) ListenerToken {
	s.listeners.mu.Lock()
	defer s.listeners.mu.Unlock()
	t := s.listeners.token()
	s.listeners.meta[t] = fn
	return t
}

// OnSubSlotInserted registers a listener for multi-slot insertions.
func (s *Slot) OnSubSlotInserted(fn StructureListener) ListenerToken {
	s.listeners.mu.Lock()
	defer s.listeners.mu.Unlock()
	t := s.listeners.token()
	s.listeners.insert[t] = fn
	return t
}

// OnSubSlotRemoved registers a listener for multi-slot removals.
func (s *Slot) OnSubSlotRemoved(fn StructureListener) ListenerToken {
	s.listeners.mu.Lock()
	defer s.listeners.mu.Unlock()
	t := s.listeners.token()
	s.listeners.remove[t] = fn
	return t
}

// Unsubscribe removes a listener registration. Unknown tokens are
// ignored.
func (s *Slot) Unsubscribe(t ListenerToken) { s.listeners.unsubscribe(t) }

// Connect attaches the slot to an upstream slot so that data, metadata,
// and dirty notifications flow from upstream to this slot.
// Connect fails with ErrIncompatibleSlots if the stype or level differ,
// leaving both slots untouched. Reconnecting replaces the previous
// connection, firing unready notifications for the old path first.
// A literal value previously set on the slot is discarded.
// Connect returns any configuration error raised while the new metadata
// propagated downstream; the connection itself stays in place so that
// fixing the upstream and retrying is safe.
func (s *Slot) Connect(up *Slot) error {
	s.g.cfgMu.Lock()
	defer s.g.cfgMu.Unlock()
	return s.connectLocked(up)
}

func (s *Slot) connectLocked(up *Slot) error {
	if up == nil || up == s {
		return domain.NewSlotError(s.QualifiedName(), "connect", domain.ErrIncompatibleSlots)
	}
	if s.stype != up.stype || s.level != up.level {
		return domain.NewSlotError(s.QualifiedName(),
			fmt.Sprintf("connect to %s (%s level %d vs %s level %d)",
				up.QualifiedName(), s.stype, s.level, up.stype, up.level),
			domain.ErrIncompatibleSlots)
	}

	s.mu.Lock()
	if s.upstream == up {
		s.mu.Unlock()
		return nil
	}
	old := s.upstream
	s.upstream = nil
	s.value = nil
	s.hasValue = false
	s.mu.Unlock()

	if old != nil {
		old.removeDownstream(s)
		// Notify the old path of the disconnect before the new metadata
		// arrives.
		if err := s.refreshLocked(); err != nil {
			return err
		}
	}

	if s.level > 0 {
		if err := s.connectMultiLocked(up); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.upstream = up
	s.mu.Unlock()
	up.addDownstream(s)
	return s.refreshLocked()
}

// connectMultiLocked pairs up the sub-slots of two multi-slots,
// resizing the receiver to match the upstream length.
func (s *Slot) connectMultiLocked(up *Slot) error {
	upSubs := up.SubSlots()
	if err := s.resizeLocked(len(upSubs)); err != nil {
		return err
	}
	for i, upSub := range upSubs {
		if err := s.sub[i].connectLocked(upSub); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect removes the upstream connection, reverting the slot (and
// everything downstream of it) to unready unless it still holds a
// literal value.
func (s *Slot) Disconnect() {
	s.g.cfgMu.Lock()
	defer s.g.cfgMu.Unlock()
	s.disconnectLocked()
}

func (s *Slot) disconnectLocked() {
	s.mu.Lock()
	up := s.upstream
	s.upstream = nil
	s.mu.Unlock()
	if up == nil {
		return
	}
	up.removeDownstream(s)
	_ = s.refreshLocked()
}

// SetValue stores a literal value on an unconnected input slot, making
// it ready immediately and marking it dirty over its whole domain.
// For array slots the value must be a *domain.Buffer, whose shape
// becomes the slot's metadata. SetValue fails with ErrValueSlot on a
// connected slot.
func (s *Slot) SetValue(v any) error {
	s.g.cfgMu.Lock()
	err := s.setValueLocked(v)
	s.g.cfgMu.Unlock()
	if err != nil {
		return err
	}

	// Everything previously computed from this slot is now stale.
	s.mu.RLock()
	valid := s.metaValid
	meta := s.meta
	s.mu.RUnlock()
	if valid {
		s.MarkDirty(meta.FullRegion())
	} else {
		s.MarkDirty(domain.Region{})
	}
	return nil
}

func (s *Slot) setValueLocked(v any) error {
	s.mu.Lock()
	if s.upstream != nil {
		s.mu.Unlock()
		return domain.NewSlotError(s.QualifiedName(), "set value on connected slot", domain.ErrValueSlot)
	}
	if s.stype == STypeArray {
		if _, ok := v.(*domain.Buffer); !ok {
			s.mu.Unlock()
			return domain.NewSlotError(s.QualifiedName(),
				fmt.Sprintf("set value of type %T on array slot", v), domain.ErrValueSlot)
		}
	}
	s.value = v
	s.hasValue = true
	s.mu.Unlock()
	return s.refreshLocked()
}

// Value returns the slot's literal value, walking the upstream chain if
// the slot is connected. It fails with ErrSlotNotReady when no value is
// reachable.
func (s *Slot) Value() (any, error) {
	s.mu.RLock()
	if s.hasValue {
		v := s.value
		s.mu.RUnlock()
		return v, nil
	}
	up := s.upstream
	s.mu.RUnlock()
	if up != nil {
		return up.Value()
	}
	return nil, domain.NewSlotError(s.QualifiedName(), "value", domain.ErrSlotNotReady)
}

// SetMetadata publishes metadata for an output slot, marking it ready
// and propagating the new metadata to every downstream slot.
// It must only be called from within ConfigureOutputs, which the engine
// always runs under the graph's configuration lock.
func (s *Slot) SetMetadata(meta domain.Metadata) error {
	if !meta.Valid() {
		return domain.NewSlotError(s.QualifiedName(), "set metadata", fmt.Errorf("metadata %+v is not valid", meta))
	}
	s.mu.Lock()
	same := s.metaValid && s.ready && s.meta.Equal(meta)
	s.meta = meta
	s.metaValid = true
	wasReady := s.ready
	s.ready = true
	downs := s.snapshotDownstream()
	s.mu.Unlock()
	if same {
		return nil
	}

	s.listeners.fireMeta(meta)
	if !wasReady {
		s.listeners.fireReady(true)
	}
	var firstErr error
	for _, d := range downs {
		if err := d.refreshLocked(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SetUnready withdraws an output slot's metadata, marking it and every
// downstream slot unready. Like SetMetadata it must only be called from
// within ConfigureOutputs.
func (s *Slot) SetUnready() { s.setUnreadyLocked() }

func (s *Slot) setUnreadyLocked() {
	s.mu.Lock()
	changed := s.ready || s.metaValid
	s.ready = false
	s.metaValid = false
	s.meta = domain.Metadata{}
	downs := s.snapshotDownstream()
	s.mu.Unlock()
	if !changed {
		return
	}
	s.listeners.fireReady(false)
	for _, d := range downs {
		_ = d.refreshLocked()
	}
}

// refreshLocked re-derives the slot's readiness and metadata from its
// value or upstream, fires change notifications, reconfigures the
// owning operator when an input changed, and recurses downstream.
// The caller must hold the graph configuration lock.
func (s *Slot) refreshLocked() error {
	s.mu.Lock()
	oldReady := s.ready
	oldValid := s.metaValid
	oldMeta := s.meta

	var newReady, newValid bool
	var newMeta domain.Metadata
	switch {
	case s.hasValue:
		newReady = true
		if buf, ok := s.value.(*domain.Buffer); ok && s.stype == STypeArray {
			newMeta = domain.Metadata{Shape: buf.Shape(), DType: domain.DTypeFloat32}
			newValid = true
		}
	case s.upstream != nil:
		up := s.upstream
		up.mu.RLock()
		newReady = up.ready
		newMeta = up.meta
		newValid = up.metaValid
		up.mu.RUnlock()
	}
	s.ready = newReady
	s.metaValid = newValid
	s.meta = newMeta
	downs := s.snapshotDownstream()
	op := s.op
	kind := s.kind
	s.mu.Unlock()

	metaChanged := newValid != oldValid || (newValid && !newMeta.Equal(oldMeta))
	readyChanged := newReady != oldReady
	if !metaChanged && !readyChanged {
		return nil
	}
	if metaChanged && newValid {
		s.listeners.fireMeta(newMeta)
	}
	if readyChanged {
		s.listeners.fireReady(newReady)
	}

	var firstErr error
	if kind == KindInput && op != nil {
		if err := s.g.configure(op); err != nil {
			firstErr = err
		}
	}
	for _, d := range downs {
		if err := d.refreshLocked(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MarkDirty informs every listener and downstream consumer that
// previously computed results for roi are invalid. The region is
// clipped to the slot's own domain; a zero-rank region means the whole
// domain (used by value slots, which have no shape).
// Dirty propagation is a read-only graph walk and may run concurrently
// with compute calls.
func (s *Slot) MarkDirty(roi domain.Region) {
	s.mu.RLock()
	valid := s.metaValid
	meta := s.meta
	op := s.op
	kind := s.kind
	downs := s.snapshotDownstream()
	s.mu.RUnlock()

	if valid && roi.Dims() == meta.Dims() {
		roi = roi.Intersect(meta.FullRegion())
		if roi.Empty() {
			return
		}
	}

	s.listeners.fireDirty(roi)
	if kind == KindInput && op != nil {
		op.PropagateDirty(s, roi)
	}
	for _, d := range downs {
		d.MarkDirty(roi)
	}
}

// Request issues an asynchronous computation of roi on this slot and
// returns immediately. The returned request is already failed when the
// slot is not ready (ErrSlotNotReady), roi exceeds the slot's shape
// (ErrRegionOutOfBounds), or the slot carries no array (ErrValueSlot).
// A zero-volume roi completes immediately with an empty buffer.
// Input slots delegate to their upstream; output slots schedule their
// operator's compute on the graph's request pool.
func (s *Slot) Request(ctx context.Context, roi domain.Region) *Request {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.stype != STypeArray || s.level > 0 {
		return newFailedRequest(s, roi,
			domain.NewSlotError(s.QualifiedName(), "request", domain.ErrValueSlot))
	}
	if !s.Ready() {
		return newFailedRequest(s, roi,
			domain.NewSlotError(s.QualifiedName(), "request", domain.ErrSlotNotReady))
	}

	s.mu.RLock()
	up := s.upstream
	hasValue := s.hasValue
	value := s.value
	meta := s.meta
	valid := s.metaValid
	op := s.op
	s.mu.RUnlock()

	if up != nil {
		return up.Request(ctx, roi)
	}
	if !valid {
		return newFailedRequest(s, roi,
			domain.NewSlotError(s.QualifiedName(), "request", domain.ErrSlotNotReady))
	}
	if roi.Dims() != meta.Dims() || !meta.FullRegion().Contains(roi) {
		return newFailedRequest(s, roi,
			domain.NewSlotError(s.QualifiedName(), "request "+roi.String(), domain.ErrRegionOutOfBounds))
	}
	if roi.Empty() {
		return newCompletedRequest(s, roi, domain.NewBuffer(roi.Shape()))
	}

	if hasValue {
		buf := value.(*domain.Buffer)
		sub, err := buf.SubBuffer(roi)
		if err != nil {
			return newFailedRequest(s, roi, err)
		}
		return newCompletedRequest(s, roi, sub)
	}

	if op == nil {
		return newFailedRequest(s, roi,
			domain.NewSlotError(s.QualifiedName(), "request", domain.ErrSlotNotReady))
	}

	r := newRequest(ctx, s.g.pool, s, roi)
	if parent := requestFrom(ctx); parent != nil {
		parent.addChild(r)
	}
	s.g.pool.submit(r, func(cctx context.Context) (*domain.Buffer, error) {
		dst := domain.NewBuffer(roi.Shape())
		if err := op.Compute(cctx, s, roi, dst); err != nil {
			if isCancellation(err) {
				return nil, domain.ErrRequestCancelled
			}
			return nil, domain.NewComputeError(op.Name(), s.name, roi, err)
		}
		return dst, nil
	})
	return r
}

// Pull computes roi synchronously: it issues a request and waits for
// the result. When called from inside a compute implementation the
// calling worker's pool slot is released while waiting, so nested pulls
// never deadlock the pool.
func (s *Slot) Pull(ctx context.Context, roi domain.Region) (*domain.Buffer, error) {
	return s.Request(ctx, roi).Wait(ctx)
}

// Multi-slot operations. All of them are valid only on level-1 slots
// and panic otherwise, since calling them on a plain slot is a
// structural bug, not a runtime condition.

func (s *Slot) assertMulti() {
	if s.level == 0 {
		panic(fmt.Sprintf("slot %s: multi-slot operation on a level-0 slot", s.QualifiedName()))
	}
}

// Len returns the number of sub-slots.
func (s *Slot) Len() int {
	s.assertMulti()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sub)
}

// At returns the sub-slot at index i.
func (s *Slot) At(i int) *Slot {
	s.assertMulti()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sub[i]
}

// SubSlots returns a copy of the ordered sub-slot list.
func (s *Slot) SubSlots() []*Slot {
	if s.level == 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Slot, len(s.sub))
	copy(out, s.sub)
	return out
}

// Resize grows or shrinks the sub-slot list to n, firing insert and
// remove notifications for every index affected.
func (s *Slot) Resize(n int) error {
	s.assertMulti()
	s.g.cfgMu.Lock()
	defer s.g.cfgMu.Unlock()
	return s.resizeLocked(n)
}

func (s *Slot) resizeLocked(n int) error {
	if n < 0 {
		return fmt.Errorf("resize %s to negative length %d", s.QualifiedName(), n)
	}
	for s.lenLocked() > n {
		if err := s.removeAtLocked(s.lenLocked() - 1); err != nil {
			return err
		}
	}
	for s.lenLocked() < n {
		if _, err := s.insertAtLocked(s.lenLocked()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Slot) lenLocked() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sub)
}

// InsertAt creates a new sub-slot at index i, shifting subsequent
// sub-slots one index up, and fires insertion notifications.
func (s *Slot) InsertAt(i int) (*Slot, error) {
	s.assertMulti()
	s.g.cfgMu.Lock()
	defer s.g.cfgMu.Unlock()
	return s.insertAtLocked(i)
}

func (s *Slot) insertAtLocked(i int) (*Slot, error) {
	s.mu.Lock()
	if i < 0 || i > len(s.sub) {
		n := len(s.sub)
		s.mu.Unlock()
		return nil, fmt.Errorf("insert at %d outside [0, %d] on %s", i, n, s.QualifiedName())
	}
	sub := &Slot{
		name:      fmt.Sprintf("%s[%d]", s.name, i),
		g:         s.g,
		op:        s.op,
		kind:      s.kind,
		stype:     s.stype,
		parent:    s,
		listeners: newListenerSet(),
	}
	s.sub = append(s.sub, nil)
	copy(s.sub[i+1:], s.sub[i:])
	s.sub[i] = sub
	s.mu.Unlock()
	s.listeners.fireInsert(i)
	return sub, nil
}

// RemoveAt disconnects and removes the sub-slot at index i, shifting
// subsequent sub-slots down, and fires removal notifications.
func (s *Slot) RemoveAt(i int) error {
	s.assertMulti()
	s.g.cfgMu.Lock()
	defer s.g.cfgMu.Unlock()
	return s.removeAtLocked(i)
}

func (s *Slot) removeAtLocked(i int) error {
	s.mu.Lock()
	if i < 0 || i >= len(s.sub) {
		n := len(s.sub)
		s.mu.Unlock()
		return fmt.Errorf("remove at %d outside [0, %d) on %s", i, n, s.QualifiedName())
	}
	sub := s.sub[i]
	s.sub = append(s.sub[:i], s.sub[i+1:]...)
	s.mu.Unlock()

	sub.disconnectLocked()
	// Detach any consumers of the removed sub-slot.
	for _, d := range sub.snapshotDownstreamLocked() {
		d.disconnectLocked()
	}
	s.listeners.fireRemove(i)
	return nil
}

// Downstream bookkeeping.

func (s *Slot) addDownstream(d *Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downstream = append(s.downstream, d)
}

func (s *Slot) removeDownstream(d *Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, x := range s.downstream {
		if x == d {
			s.downstream = append(s.downstream[:i], s.downstream[i+1:]...)
			return
		}
	}
}

// snapshotDownstream copies the downstream list; the caller must hold
// s.mu.
func (s *Slot) snapshotDownstream() []*Slot {
	out := make([]*Slot, len(s.downstream))
	copy(out, s.downstream)
	return out
}

func (s *Slot) snapshotDownstreamLocked() []*Slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotDownstream()
}
