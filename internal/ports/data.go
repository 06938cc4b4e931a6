// Package ports defines the boundary contracts between the engine core
// and its external collaborators: data readers, export sinks, progress
// consumers, and observability backends.
// These interfaces enable dependency inversion and keep file formats,
// GUIs, and monitoring stacks out of the core.
package ports

import (
	"context"

	"github.com/ahrav/go-voxel/internal/domain"
)

// DataSource is the contract any external reader must satisfy to feed
// the engine. The core treats a DataSource as a leaf operator: it
// queries the metadata once during configuration and then issues
// region-local reads on demand.
// Implementations must tolerate concurrent Read calls for arbitrary,
// possibly overlapping regions.
type DataSource interface {
	// Metadata returns the source's shape, element type, and axis order.
	// It is called during graph configuration and should be cheap;
	// implementations backed by remote storage should cache the answer.
	Metadata(ctx context.Context) (domain.Metadata, error)

	// Read fills out, which is pre-allocated and shaped exactly to roi,
	// with the source data for roi. Read must not touch data outside roi.
	Read(ctx context.Context, roi domain.Region, out *domain.Buffer) error
}

// Sink is the contract for export targets. The streaming driver's
// block-completion callback is the natural producer: blocks arrive in
// completion order, each write covering a disjoint region, followed by
// exactly one Commit once every block has been delivered.
type Sink interface {
	// Write stores the data for one region. Writes for disjoint regions
	// may arrive concurrently and in any order.
	Write(ctx context.Context, roi domain.Region, buf *domain.Buffer) error

	// Commit finalizes the target with the dataset metadata after all
	// writes have completed. No Write follows a Commit.
	Commit(ctx context.Context, meta domain.Metadata) error
}

// ProgressListener receives fractional progress for one long-running
// operation on a single numeric channel.
// Values are percentages in [0, 100], monotonically non-decreasing
// within one operation; 100 is delivered only after every block has
// completed. Failed or cancelled operations stop reporting without
// reaching 100.
type ProgressListener interface {
	// UpdateProgress reports the current completion percentage.
	// Implementations must be fast and must not block; they are called
	// from the streaming driver's hot path.
	UpdateProgress(percent float64)
}

// ProgressFunc adapts a plain function to the ProgressListener
// interface.
type ProgressFunc func(percent float64)

// UpdateProgress implements ProgressListener.
func (f ProgressFunc) UpdateProgress(percent float64) { f(percent) }
