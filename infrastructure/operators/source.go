package operators

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/go-voxel/internal/domain"
	"github.com/ahrav/go-voxel/internal/graph"
	"github.com/ahrav/go-voxel/internal/ports"
)

var _ graph.Operator = (*OpDataSource)(nil)

// OpDataSource is the leaf operator that brings external data into a
// graph. It has no inputs: its output metadata comes from the backing
// ports.DataSource, and each compute call is forwarded as a
// region-local read.
//
// The source itself never changes spontaneously from the graph's point
// of view; when the external data does change, the owner calls
// Invalidate with the affected region so downstream caches drop their
// stale blocks.
type OpDataSource struct {
	graph.BaseOperator

	// Out serves the source volume.
	Out *graph.Slot

	source ports.DataSource
	tracer trace.Tracer
}

// NewOpDataSource creates a source operator backed by src. The source's
// Metadata is queried lazily on configuration, so construction never
// touches external storage.
func NewOpDataSource(g *graph.Graph, name string, src ports.DataSource) (*OpDataSource, error) {
	if name == "" {
		return nil, ErrEmptyOperatorID
	}
	if src == nil {
		return nil, ErrNilSource
	}
	op := &OpDataSource{
		BaseOperator: graph.NewBaseOperator(g, name),
		source:       src,
		tracer:       otel.Tracer("op-data-source"),
	}
	op.Out = op.AddOutput(op, graph.NewSlot(g, "Output", graph.KindOutput, graph.STypeArray))
	return op, nil
}

// Configure queries the source metadata and publishes it on the output.
// Leaf operators have no inputs to trigger configuration, so the owner
// calls Configure once after wiring.
func (op *OpDataSource) Configure(ctx context.Context) error {
	meta, err := op.source.Metadata(ctx)
	if err != nil {
		return fmt.Errorf("source %s: metadata query failed: %w", op.Name(), err)
	}
	return op.Graph().Configure(func() error { return op.Out.SetMetadata(meta) })
}

// ConfigureOutputs is a no-op: the output metadata is published by
// Configure, not derived from inputs.
func (op *OpDataSource) ConfigureOutputs() error { return nil }

// Compute forwards the region read to the backing source.
func (op *OpDataSource) Compute(ctx context.Context, out *graph.Slot, roi domain.Region, dst *domain.Buffer) error {
	ctx, span := op.tracer.Start(ctx, "datasource.read",
		trace.WithAttributes(
			attribute.String("operator", op.Name()),
			attribute.String("roi", roi.String()),
		))
	defer span.End()

	if err := op.source.Read(ctx, roi, dst); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Invalidate marks roi of the source volume as changed, propagating the
// dirty region to every consumer.
func (op *OpDataSource) Invalidate(roi domain.Region) { op.Out.MarkDirty(roi) }

// SourceParams describes a data source constructible from declarative
// configuration. Only synthetic sources can be declared this way;
// in-memory sources are wired programmatically.
type SourceParams struct {
	// Kind selects the source implementation.
	Kind string `yaml:"kind" validate:"required,oneof=ramp"`
	// Shape is the per-axis extent of the volume.
	Shape []int `yaml:"shape" validate:"required,min=1,max=8,dive,min=1"`
	// Axes optionally names the axes, one key per shape entry.
	Axes string `yaml:"axes"`
}

// CreateSourceOperator is the factory entry point used by the operator
// registry for declaratively configured sources.
func CreateSourceOperator(g *graph.Graph, id string, params map[string]any) (graph.Operator, error) {
	if id == "" {
		return nil, ErrEmptyOperatorID
	}
	var cfg SourceParams
	if err := decodeConfig(params, &cfg); err != nil {
		return nil, fmt.Errorf("source %s: %w", id, err)
	}
	if cfg.Axes != "" && len(cfg.Axes) != len(cfg.Shape) {
		return nil, fmt.Errorf("source %s: axes %q do not match shape rank %d", id, cfg.Axes, len(cfg.Shape))
	}
	src := NewRampSource(cfg.Shape)
	if cfg.Axes != "" {
		src.SetAxes(cfg.Axes)
	}
	return NewOpDataSource(g, id, src)
}
