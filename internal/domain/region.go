// Package domain contains pure, dependency-free value types for the
// lazy array-pipeline engine: regions of interest, dense buffers,
// slot metadata, and the error taxonomy shared by all layers.
package domain

import (
	"fmt"
	"iter"
	"strings"
)

// Region is an immutable n-dimensional axis-aligned box described by a
// half-open [start, stop) interval per axis.
// Regions address sub-volumes of a slot's array and are the unit of
// dirty propagation, caching, and request decomposition.
// A Region is a short-lived value type: construct one per request,
// never mutate it afterwards.
type Region struct {
	// start holds the inclusive lower bound per axis.
	start []int
	// stop holds the exclusive upper bound per axis.
	stop []int
}

// NewRegion creates a Region from per-axis start and stop bounds.
// NewRegion returns ErrRegionInvalid if the bound slices differ in
// length, contain negative values, or violate start <= stop on any axis.
// The input slices are copied; callers may reuse them.
func NewRegion(start, stop []int) (Region, error) {
	if len(start) != len(stop) {
		return Region{}, fmt.Errorf("region bounds have mismatched ranks %d and %d: %w",
			len(start), len(stop), ErrRegionInvalid)
	}
	for i := range start {
		if start[i] < 0 || stop[i] < 0 {
			return Region{}, fmt.Errorf("region bounds must be non-negative on axis %d: %w", i, ErrRegionInvalid)
		}
		if stop[i] < start[i] {
			return Region{}, fmt.Errorf("region start %d exceeds stop %d on axis %d: %w",
				start[i], stop[i], i, ErrRegionInvalid)
		}
	}
	r := Region{start: make([]int, len(start)), stop: make([]int, len(stop))}
	copy(r.start, start)
	copy(r.stop, stop)
	return r, nil
}

// MustRegion creates a Region from per-axis bounds and panics if they
// are invalid. It is intended for literals in tests and examples where
// the bounds are compile-time constants.
func MustRegion(start, stop []int) Region {
	r, err := NewRegion(start, stop)
	if err != nil {
		panic(err)
	}
	return r
}

// FullRegion returns the Region covering an entire volume of the given
// shape, i.e. [0, shape[i]) on every axis.
func FullRegion(shape []int) Region {
	start := make([]int, len(shape))
	stop := make([]int, len(shape))
	copy(stop, shape)
	return Region{start: start, stop: stop}
}

// Dims returns the number of axes of the region.
// The zero Region has zero axes and is treated as empty everywhere.
func (r Region) Dims() int { return len(r.start) }

// Start returns a copy of the inclusive per-axis lower bounds.
func (r Region) Start() []int {
	out := make([]int, len(r.start))
	copy(out, r.start)
	return out
}

// Stop returns a copy of the exclusive per-axis upper bounds.
func (r Region) Stop() []int {
	out := make([]int, len(r.stop))
	copy(out, r.stop)
	return out
}

// Shape returns the per-axis extent (stop - start) of the region.
func (r Region) Shape() []int {
	shape := make([]int, len(r.start))
	for i := range r.start {
		shape[i] = r.stop[i] - r.start[i]
	}
	return shape
}

// Size returns the number of elements covered by the region.
// The zero Region has size zero.
func (r Region) Size() int64 {
	if len(r.start) == 0 {
		return 0
	}
	size := int64(1)
	for i := range r.start {
		size *= int64(r.stop[i] - r.start[i])
	}
	return size
}

// Empty reports whether the region covers no elements.
// A zero-volume region (stop == start on any axis) is a valid value and
// means "nothing to do"; every operation accepts it and produces an
// empty result rather than an error.
func (r Region) Empty() bool { return r.Size() == 0 }

// Equal reports whether two regions have identical bounds on every axis.
func (r Region) Equal(o Region) bool {
	if len(r.start) != len(o.start) {
		return false
	}
	for i := range r.start {
		if r.start[i] != o.start[i] || r.stop[i] != o.stop[i] {
			return false
		}
	}
	return true
}

// Intersect returns the overlap of two regions.
// Intersect is commutative and idempotent: Intersect(a, b) equals
// Intersect(b, a), and Intersect(a, a) equals a.
// Disjoint regions produce a well-defined zero-volume region, never an
// error. Regions of mismatched rank produce the empty zero Region.
func (r Region) Intersect(o Region) Region {
	if len(r.start) != len(o.start) {
		return Region{}
	}
	out := Region{start: make([]int, len(r.start)), stop: make([]int, len(r.stop))}
	for i := range r.start {
		lo := max(r.start[i], o.start[i])
		hi := min(r.stop[i], o.stop[i])
		if hi < lo {
			hi = lo
		}
		out.start[i] = lo
		out.stop[i] = hi
	}
	return out
}

// Contains reports whether o lies entirely inside r.
// Every region contains the empty region of matching rank.
func (r Region) Contains(o Region) bool {
	if len(r.start) != len(o.start) {
		return false
	}
	if o.Empty() {
		return true
	}
	for i := range r.start {
		if o.start[i] < r.start[i] || o.stop[i] > r.stop[i] {
			return false
		}
	}
	return true
}

// Shift translates the region by the given per-axis offset.
// Shift panics if the shifted bounds become invalid; use Within for the
// common case of rebasing onto an enclosing region.
func (r Region) Shift(offset []int) Region {
	start := make([]int, len(r.start))
	stop := make([]int, len(r.stop))
	for i := range r.start {
		start[i] = r.start[i] + offset[i]
		stop[i] = r.stop[i] + offset[i]
	}
	return MustRegion(start, stop)
}

// Within rebases the region into the coordinate frame of an enclosing
// region, yielding the relative bounds used for buffer addressing.
// The receiver must be contained in outer.
func (r Region) Within(outer Region) Region {
	start := make([]int, len(r.start))
	stop := make([]int, len(r.stop))
	for i := range r.start {
		start[i] = r.start[i] - outer.start[i]
		stop[i] = r.stop[i] - outer.start[i]
	}
	return MustRegion(start, stop)
}

// BlockSeq lazily tiles the region into pieces of a fixed block grid
// whose edges are aligned to the global origin, not to the region's own
// start. Each piece is the intersection of one grid cell with the
// region, so the union of the pieces reconstructs the region exactly
// with no gaps and no overlaps. Pieces are ordered with the last axis
// varying fastest; an empty region yields no pieces. The sequence is
// restartable: each range starts over from the first piece. No tile is
// materialized until the consumer asks for it, so a very large volume
// can be walked in constant memory.
// BlockSeq returns ErrInvalidBlockShape if the block shape does not
// match the region's rank or has a non-positive extent on any axis.
func (r Region) BlockSeq(blockShape []int) (iter.Seq[Region], error) {
	if err := r.checkBlockShape(blockShape); err != nil {
		return nil, err
	}
	return func(yield func(Region) bool) {
		if r.Empty() {
			return
		}
		dims := len(r.start)
		cursor := make([]int, dims)
		for i := range cursor {
			cursor[i] = (r.start[i] / blockShape[i]) * blockShape[i]
		}
		for {
			start := make([]int, dims)
			stop := make([]int, dims)
			for i := range cursor {
				start[i] = max(cursor[i], r.start[i])
				stop[i] = min(cursor[i]+blockShape[i], r.stop[i])
			}
			if !yield(Region{start: start, stop: stop}) {
				return
			}

			// Advance the grid cursor, last axis fastest.
			axis := dims - 1
			for axis >= 0 {
				cursor[axis] += blockShape[axis]
				if cursor[axis] < r.stop[axis] {
					break
				}
				cursor[axis] = (r.start[axis] / blockShape[axis]) * blockShape[axis]
				axis--
			}
			if axis < 0 {
				return
			}
		}
	}, nil
}

// Blocks materializes BlockSeq into a slice, for callers that need the
// tiles more than once or indexed.
func (r Region) Blocks(blockShape []int) ([]Region, error) {
	seq, err := r.BlockSeq(blockShape)
	if err != nil {
		return nil, err
	}
	var pieces []Region
	for piece := range seq {
		pieces = append(pieces, piece)
	}
	return pieces, nil
}

// NumBlocks returns how many pieces BlockSeq yields, computed
// arithmetically without walking the grid.
func (r Region) NumBlocks(blockShape []int) (int64, error) {
	if err := r.checkBlockShape(blockShape); err != nil {
		return 0, err
	}
	if r.Empty() {
		return 0, nil
	}
	n := int64(1)
	for i, b := range blockShape {
		first := r.start[i] / b
		last := (r.stop[i] - 1) / b
		n *= int64(last - first + 1)
	}
	return n, nil
}

func (r Region) checkBlockShape(blockShape []int) error {
	if len(blockShape) != len(r.start) {
		return fmt.Errorf("block shape rank %d does not match region rank %d: %w",
			len(blockShape), len(r.start), ErrInvalidBlockShape)
	}
	for i, b := range blockShape {
		if b <= 0 {
			return fmt.Errorf("block shape must be positive on axis %d: %w", i, ErrInvalidBlockShape)
		}
	}
	return nil
}

// BlockAligned returns the full grid cell containing the region's start,
// clipped to the given bounding region. Cache layers use it to map an
// arbitrary tile back to its canonical block key.
func (r Region) BlockAligned(blockShape []int, bounds Region) Region {
	start := make([]int, len(r.start))
	stop := make([]int, len(r.start))
	for i := range r.start {
		start[i] = (r.start[i] / blockShape[i]) * blockShape[i]
		stop[i] = start[i] + blockShape[i]
	}
	return MustRegion(start, stop).Intersect(bounds)
}

// String renders the region in the canonical "start-stop" form, e.g.
// "[0,0,10]-[1,5,20]". The representation is stable and unique per
// (start, stop) pair, so it doubles as a map key for block caches.
func (r Region) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range r.start {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%d", v)
	}
	sb.WriteString("]-[")
	for i, v := range r.stop {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%d", v)
	}
	sb.WriteByte(']')
	return sb.String()
}
