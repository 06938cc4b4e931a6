package domain

import (
	"maps"
	"reflect"
	"strings"
)

// DType identifies the element type of the array a slot carries.
// The engine computes in float32 internally; DType describes the
// logical type that external readers and writers exchange.
type DType string

// Supported element types.
const (
	DTypeUint8   DType = "uint8"
	DTypeUint16  DType = "uint16"
	DTypeUint32  DType = "uint32"
	DTypeFloat32 DType = "float32"
	DTypeFloat64 DType = "float64"
)

// Valid reports whether d is a recognized element type.
func (d DType) Valid() bool {
	switch d {
	case DTypeUint8, DTypeUint16, DTypeUint32, DTypeFloat32, DTypeFloat64:
		return true
	}
	return false
}

// Size returns the storage size of one element in bytes, or 0 for an
// unrecognized type.
func (d DType) Size() int {
	switch d {
	case DTypeUint8:
		return 1
	case DTypeUint16:
		return 2
	case DTypeUint32, DTypeFloat32:
		return 4
	case DTypeFloat64:
		return 8
	}
	return 0
}

// Conventional annotation keys. Annotations carry optional display and
// range hints for external consumers; the engine itself never interprets
// them.
const (
	// AnnotationDisplayMode suggests how a viewer should render the data,
	// e.g. "grayscale" or "binary-mask".
	AnnotationDisplayMode = "display_mode"
	// AnnotationValueRange carries the expected [min, max] sample range
	// as a two-element []float64.
	AnnotationValueRange = "value_range"
)

// Metadata describes the array a slot carries: per-axis extent, element
// type, axis ordering, and optional free-form annotations.
// Metadata on a connected output slot is derived deterministically from
// the owning operator's input metadata and must be set before any
// compute call is accepted.
type Metadata struct {
	// Shape holds the full per-axis extent of the addressable volume.
	Shape []int
	// DType is the logical element type of the data.
	DType DType
	// Axes names each axis with a single-letter key in storage order,
	// conventionally drawn from "tczyx". Empty means unnamed axes.
	Axes string
	// Annotations holds optional key/value hints such as display mode or
	// value range. Nil and empty are equivalent.
	Annotations map[string]any
}

// Dims returns the number of axes.
func (m Metadata) Dims() int { return len(m.Shape) }

// Valid reports whether the metadata describes a usable array: at least
// one axis, non-negative extents, a recognized dtype, and axis keys
// (when present) matching the rank.
func (m Metadata) Valid() bool {
	if len(m.Shape) == 0 || !m.DType.Valid() {
		return false
	}
	for _, s := range m.Shape {
		if s < 0 {
			return false
		}
	}
	if m.Axes != "" && len(m.Axes) != len(m.Shape) {
		return false
	}
	return true
}

// FullRegion returns the region covering the whole addressable volume.
func (m Metadata) FullRegion() Region { return FullRegion(m.Shape) }

// AxisIndex returns the position of the named axis, or -1 if the axis
// key is absent or axes are unnamed.
func (m Metadata) AxisIndex(key byte) int {
	return strings.IndexByte(m.Axes, key)
}

// WithAnnotation returns a copy of the metadata with one annotation
// added or replaced. The receiver is unchanged.
func (m Metadata) WithAnnotation(key string, value any) Metadata {
	out := m.clone()
	if out.Annotations == nil {
		out.Annotations = make(map[string]any, 1)
	}
	out.Annotations[key] = value
	return out
}

// WithShape returns a copy of the metadata with a replaced shape.
func (m Metadata) WithShape(shape []int) Metadata {
	out := m.clone()
	out.Shape = make([]int, len(shape))
	copy(out.Shape, shape)
	return out
}

func (m Metadata) clone() Metadata {
	out := Metadata{DType: m.DType, Axes: m.Axes}
	out.Shape = make([]int, len(m.Shape))
	copy(out.Shape, m.Shape)
	if m.Annotations != nil {
		out.Annotations = maps.Clone(m.Annotations)
	}
	return out
}

// Equal reports whether two metadata records are identical, including
// annotations.
func (m Metadata) Equal(o Metadata) bool {
	if m.DType != o.DType || m.Axes != o.Axes || len(m.Shape) != len(o.Shape) {
		return false
	}
	for i := range m.Shape {
		if m.Shape[i] != o.Shape[i] {
			return false
		}
	}
	if len(m.Annotations) != len(o.Annotations) {
		return false
	}
	for k, v := range m.Annotations {
		ov, ok := o.Annotations[k]
		if !ok || !reflect.DeepEqual(v, ov) {
			return false
		}
	}
	return true
}
