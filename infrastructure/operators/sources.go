package operators

import (
	"context"
	"fmt"
	"sync"

	"github.com/ahrav/go-voxel/internal/domain"
	"github.com/ahrav/go-voxel/internal/ports"
)

// Compile-time interface compliance checks.
var (
	_ ports.DataSource = (*MemorySource)(nil)
	_ ports.DataSource = (*RampSource)(nil)
)

// MemorySource serves a volume held entirely in memory. It is the
// simplest DataSource: test fixtures, small images, and precomputed
// arrays all enter the graph through it.
type MemorySource struct {
	meta domain.Metadata

	mu  sync.RWMutex
	buf *domain.Buffer
}

// NewMemorySource wraps buf as a data source. The metadata's shape must
// match the buffer's shape.
func NewMemorySource(buf *domain.Buffer, meta domain.Metadata) (*MemorySource, error) {
	if buf == nil {
		return nil, ErrNilSource
	}
	if !meta.Valid() {
		return nil, fmt.Errorf("metadata %+v is not valid", meta)
	}
	if !meta.FullRegion().Equal(buf.Region()) {
		return nil, fmt.Errorf("metadata shape %v does not match buffer shape %v", meta.Shape, buf.Shape())
	}
	return &MemorySource{meta: meta, buf: buf}, nil
}

// Metadata implements ports.DataSource.
func (s *MemorySource) Metadata(ctx context.Context) (domain.Metadata, error) {
	return s.meta, nil
}

// Read implements ports.DataSource.
func (s *MemorySource) Read(ctx context.Context, roi domain.Region, out *domain.Buffer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.CopyRegion(out, out.Region(), s.buf, roi)
}

// Update replaces the data within roi. Callers are responsible for
// marking the corresponding source operator dirty afterwards; the
// source itself has no link into any graph.
func (s *MemorySource) Update(roi domain.Region, data *domain.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.CopyRegion(s.buf, roi, data, data.Region())
}

// RampSource synthesizes a deterministic gradient volume: the value at
// index (i0, i1, ...) is the sum of the global coordinates. It needs no
// storage, so arbitrarily large volumes are cheap, which makes it the
// standard fixture for cache and streaming tests.
type RampSource struct {
	meta domain.Metadata
}

// NewRampSource creates a ramp over the given shape.
func NewRampSource(shape []int) *RampSource {
	return &RampSource{meta: domain.Metadata{
		Shape: append([]int(nil), shape...),
		DType: domain.DTypeFloat32,
	}}
}

// SetAxes names the ramp's axes, e.g. "yx". Call before the source is
// wired into a graph.
func (s *RampSource) SetAxes(axes string) { s.meta.Axes = axes }

// Metadata implements ports.DataSource.
func (s *RampSource) Metadata(ctx context.Context) (domain.Metadata, error) {
	return s.meta, nil
}

// Read implements ports.DataSource.
func (s *RampSource) Read(ctx context.Context, roi domain.Region, out *domain.Buffer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := roi.Start()
	shape := roi.Shape()
	idx := make([]int, len(shape))
	data := out.Data()
	for i := range data {
		sum := 0
		for d := range idx {
			sum += start[d] + idx[d]
		}
		data[i] = float32(sum)
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return nil
}
