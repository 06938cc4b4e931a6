package testutils

import (
	"context"
	"sync"

	"github.com/ahrav/go-voxel/internal/domain"
	"github.com/ahrav/go-voxel/internal/ports"
)

// CollectingSink records every written region and assembles the data
// into one buffer for assertion.
type CollectingSink struct {
	mu        sync.Mutex
	writes    []domain.Region
	assembled *domain.Buffer
	region    domain.Region
	committed bool
	meta      domain.Metadata
}

var _ ports.Sink = (*CollectingSink)(nil)

// NewCollectingSink creates a sink assembling writes into a buffer
// covering region.
func NewCollectingSink(region domain.Region) *CollectingSink {
	return &CollectingSink{
		assembled: domain.NewBuffer(region.Shape()),
		region:    region,
	}
}

// Write implements ports.Sink.
func (s *CollectingSink) Write(ctx context.Context, roi domain.Region, buf *domain.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, roi)
	return domain.CopyRegion(s.assembled, roi.Within(s.region), buf, buf.Region())
}

// Commit implements ports.Sink.
func (s *CollectingSink) Commit(ctx context.Context, meta domain.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = true
	s.meta = meta
	return nil
}

// Writes returns the written regions in arrival order.
func (s *CollectingSink) Writes() []domain.Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Region, len(s.writes))
	copy(out, s.writes)
	return out
}

// Assembled returns the buffer the writes were assembled into.
func (s *CollectingSink) Assembled() *domain.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assembled
}

// Committed reports whether Commit was called, and with what metadata.
func (s *CollectingSink) Committed() (bool, domain.Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed, s.meta
}

// ProgressRecorder captures every progress update for assertions on
// monotonicity and terminal values.
type ProgressRecorder struct {
	mu      sync.Mutex
	updates []float64
}

var _ ports.ProgressListener = (*ProgressRecorder)(nil)

// UpdateProgress implements ports.ProgressListener.
func (r *ProgressRecorder) UpdateProgress(percent float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, percent)
}

// Updates returns the recorded percentages in arrival order.
func (r *ProgressRecorder) Updates() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float64, len(r.updates))
	copy(out, r.updates)
	return out
}
