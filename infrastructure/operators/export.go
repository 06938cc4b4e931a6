package operators

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-voxel/internal/domain"
	"github.com/ahrav/go-voxel/internal/graph"
	"github.com/ahrav/go-voxel/internal/ports"
)

// ExportDriver streams a slot's volume into a sink block by block and
// commits the result. It is the write-side counterpart of OpDataSource:
// the graph computes lazily, the driver forces the full region through
// the streaming scheduler and hands each finished block to the sink in
// completion order.
type ExportDriver struct {
	slot *graph.Slot
	sink ports.Sink

	roi         domain.Region
	haveRoi     bool
	blockShape  []int
	concurrency int
	listener    ports.ProgressListener

	tracer trace.Tracer
}

// ExportOption configures an ExportDriver.
type ExportOption func(*ExportDriver)

// WithExportRegion restricts the export to a sub-region instead of the
// slot's full volume.
func WithExportRegion(roi domain.Region) ExportOption {
	return func(d *ExportDriver) { d.roi, d.haveRoi = roi, true }
}

// WithExportBlockShape sets the streaming block shape used for the
// export.
func WithExportBlockShape(shape []int) ExportOption {
	return func(d *ExportDriver) { d.blockShape = shape }
}

// WithExportConcurrency bounds how many blocks are computed at once.
func WithExportConcurrency(n int) ExportOption {
	return func(d *ExportDriver) { d.concurrency = n }
}

// WithExportProgress reports export progress as a percentage.
func WithExportProgress(l ports.ProgressListener) ExportOption {
	return func(d *ExportDriver) { d.listener = l }
}

// NewExportDriver prepares an export of slot into sink.
func NewExportDriver(slot *graph.Slot, sink ports.Sink, opts ...ExportOption) (*ExportDriver, error) {
	if sink == nil {
		return nil, ErrNilSink
	}
	d := &ExportDriver{
		slot:   slot,
		sink:   sink,
		tracer: otel.Tracer("export-driver"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Run streams every block of the export region into the sink, then
// commits the sink with the slot's metadata. The sink sees each region
// exactly once; on error or cancellation no Commit happens and the
// sink's partial state is the sink's own concern.
func (d *ExportDriver) Run(ctx context.Context) error {
	meta, err := d.slot.Metadata()
	if err != nil {
		return fmt.Errorf("export: source slot not ready: %w", err)
	}
	roi := d.roi
	if !d.haveRoi {
		roi = meta.FullRegion()
	}

	ctx, span := d.tracer.Start(ctx, "export.run",
		trace.WithAttributes(
			attribute.String("slot", d.slot.QualifiedName()),
			attribute.String("roi", roi.String()),
		))
	defer span.End()
	start := time.Now()

	opts := []graph.StreamerOption{
		graph.WithBlockCallback(func(block domain.Region, buf *domain.Buffer) error {
			return d.sink.Write(ctx, block, buf)
		}),
	}
	if d.blockShape != nil {
		opts = append(opts, graph.WithBlockShape(d.blockShape))
	}
	if d.concurrency > 0 {
		opts = append(opts, graph.WithConcurrency(d.concurrency))
	}
	if d.listener != nil {
		opts = append(opts, graph.WithProgressListener(d.listener))
	}

	if err := graph.NewStreamer(d.slot, roi, opts...).Run(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("export: streaming failed: %w", err)
	}
	if err := d.sink.Commit(ctx, meta.WithShape(roi.Shape())); err != nil {
		span.RecordError(err)
		return fmt.Errorf("export: commit failed: %w", err)
	}

	if op, ok := d.slot.Operator().(interface{ Graph() *graph.Graph }); ok {
		op.Graph().Metrics().RecordLatency("export_run", time.Since(start),
			map[string]string{"slot": d.slot.QualifiedName()})
	}
	return nil
}
