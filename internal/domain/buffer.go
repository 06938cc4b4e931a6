package domain

import (
	"fmt"
)

// Buffer is a dense, row-major n-dimensional tile of float32 samples.
// Buffers are the unit of data exchange between operators, caches, and
// sinks: a compute call fills a caller-provided Buffer shaped exactly to
// the requested region.
// A Buffer is not synchronized; concurrent writers must target disjoint
// sub-regions.
type Buffer struct {
	// shape holds the per-axis extent of the tile.
	shape []int
	// strides holds the row-major element stride per axis.
	strides []int
	// data is the flat backing storage, len equal to the shape product.
	data []float32
}

// NewBuffer allocates a zero-filled buffer of the given shape.
// A shape with a zero extent on any axis yields a valid, empty buffer.
func NewBuffer(shape []int) *Buffer {
	b := &Buffer{
		shape:   make([]int, len(shape)),
		strides: make([]int, len(shape)),
	}
	copy(b.shape, shape)
	size := 1
	for i := len(shape) - 1; i >= 0; i-- {
		b.strides[i] = size
		size *= shape[i]
	}
	if len(shape) == 0 {
		size = 0
	}
	b.data = make([]float32, size)
	return b
}

// NewBufferFrom wraps existing flat data in a buffer of the given shape.
// The data is used directly, not copied. NewBufferFrom returns an error
// if the data length does not match the shape product.
func NewBufferFrom(shape []int, data []float32) (*Buffer, error) {
	b := NewBuffer(shape)
	if len(data) != len(b.data) {
		return nil, fmt.Errorf("data length %d does not match shape %v", len(data), shape)
	}
	b.data = data
	return b, nil
}

// Shape returns a copy of the buffer's per-axis extents.
func (b *Buffer) Shape() []int {
	out := make([]int, len(b.shape))
	copy(out, b.shape)
	return out
}

// Dims returns the number of axes of the buffer.
func (b *Buffer) Dims() int { return len(b.shape) }

// Len returns the total number of elements.
func (b *Buffer) Len() int { return len(b.data) }

// Data returns the flat backing slice in row-major order.
// The slice is shared with the buffer; callers that need an independent
// copy should use Clone.
func (b *Buffer) Data() []float32 { return b.data }

// Region returns the buffer's own full region, [0, shape[i]) per axis.
func (b *Buffer) Region() Region { return FullRegion(b.shape) }

// Fill sets every element to v.
func (b *Buffer) Fill(v float32) {
	for i := range b.data {
		b.data[i] = v
	}
}

// offset converts a multi-dimensional index to a flat data offset.
// Bounds are not checked; At and Set validate before calling.
func (b *Buffer) offset(idx []int) int {
	off := 0
	for i, v := range idx {
		off += v * b.strides[i]
	}
	return off
}

// At returns the element at the given multi-dimensional index.
// At panics if the index rank or bounds are wrong; it exists for tests
// and small kernels, bulk access should go through Data or CopyRegion.
func (b *Buffer) At(idx ...int) float32 {
	b.checkIndex(idx)
	return b.data[b.offset(idx)]
}

// Set stores v at the given multi-dimensional index.
func (b *Buffer) Set(v float32, idx ...int) {
	b.checkIndex(idx)
	b.data[b.offset(idx)] = v
}

func (b *Buffer) checkIndex(idx []int) {
	if len(idx) != len(b.shape) {
		panic(fmt.Sprintf("index rank %d does not match buffer rank %d", len(idx), len(b.shape)))
	}
	for i, v := range idx {
		if v < 0 || v >= b.shape[i] {
			panic(fmt.Sprintf("index %d out of range on axis %d (extent %d)", v, i, b.shape[i]))
		}
	}
}

// Clone returns an independent deep copy of the buffer.
func (b *Buffer) Clone() *Buffer {
	out := NewBuffer(b.shape)
	copy(out.data, b.data)
	return out
}

// Equal reports whether two buffers have identical shape and contents.
func (b *Buffer) Equal(o *Buffer) bool {
	if len(b.shape) != len(o.shape) {
		return false
	}
	for i := range b.shape {
		if b.shape[i] != o.shape[i] {
			return false
		}
	}
	for i := range b.data {
		if b.data[i] != o.data[i] {
			return false
		}
	}
	return true
}

// SubBuffer copies the given sub-region (in the buffer's own coordinate
// frame) into a new buffer shaped to the region.
func (b *Buffer) SubBuffer(r Region) (*Buffer, error) {
	out := NewBuffer(r.Shape())
	if err := CopyRegion(out, out.Region(), b, r); err != nil {
		return nil, err
	}
	return out, nil
}

// CopyRegion copies srcRegion of src into dstRegion of dst using strided
// row copies. Both regions are expressed in their buffer's own
// coordinate frame, must have identical shapes, and must lie within
// their buffers. Empty regions copy nothing.
func CopyRegion(dst *Buffer, dstRegion Region, src *Buffer, srcRegion Region) error {
	dstShape := dstRegion.Shape()
	srcShape := srcRegion.Shape()
	if len(dstShape) != len(srcShape) {
		return fmt.Errorf("copy region rank mismatch %d vs %d: %w", len(dstShape), len(srcShape), ErrRegionInvalid)
	}
	for i := range dstShape {
		if dstShape[i] != srcShape[i] {
			return fmt.Errorf("copy region shape mismatch %v vs %v: %w", dstShape, srcShape, ErrRegionInvalid)
		}
	}
	if !dst.Region().Contains(dstRegion) || !src.Region().Contains(srcRegion) {
		return fmt.Errorf("copy region exceeds buffer bounds: %w", ErrRegionOutOfBounds)
	}
	if dstRegion.Empty() {
		return nil
	}

	dims := len(dstShape)
	if dims == 0 {
		return nil
	}
	rowLen := dstShape[dims-1]
	dstStart := dstRegion.Start()
	srcStart := srcRegion.Start()

	// Iterate all leading-axis index combinations, copying contiguous
	// rows along the last axis.
	idx := make([]int, dims-1)
	for {
		dstOff := dstStart[dims-1] * dst.strides[dims-1]
		srcOff := srcStart[dims-1] * src.strides[dims-1]
		for i := 0; i < dims-1; i++ {
			dstOff += (dstStart[i] + idx[i]) * dst.strides[i]
			srcOff += (srcStart[i] + idx[i]) * src.strides[i]
		}
		copy(dst.data[dstOff:dstOff+rowLen], src.data[srcOff:srcOff+rowLen])

		axis := dims - 2
		for axis >= 0 {
			idx[axis]++
			if idx[axis] < dstShape[axis] {
				break
			}
			idx[axis] = 0
			axis--
		}
		if axis < 0 {
			return nil
		}
	}
}
