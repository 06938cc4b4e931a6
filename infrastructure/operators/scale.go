package operators

import (
	"context"
	"fmt"

	"github.com/ahrav/go-voxel/internal/domain"
	"github.com/ahrav/go-voxel/internal/graph"
)

var _ graph.Operator = (*OpPixelScale)(nil)

// OpPixelScale applies the affine map v*scale + offset to every
// element. Scale and offset are value slots, so they can be driven by
// other operators or set directly; changing either invalidates the
// whole output.
type OpPixelScale struct {
	graph.BaseOperator

	// In is the source data.
	In *graph.Slot
	// Scale is the multiplicative factor, default 1.
	Scale *graph.Slot
	// Offset is the additive term, default 0.
	Offset *graph.Slot
	// Out serves the scaled data.
	Out *graph.Slot
}

// PixelScaleConfig holds the factory parameters for OpPixelScale.
type PixelScaleConfig struct {
	// Scale is the multiplicative factor applied to every element.
	Scale float64 `yaml:"scale"`
	// Offset is added after scaling.
	Offset float64 `yaml:"offset"`
}

// DefaultPixelScaleConfig returns the identity transform.
func DefaultPixelScaleConfig() PixelScaleConfig {
	return PixelScaleConfig{Scale: 1, Offset: 0}
}

// NewOpPixelScale creates a pixel-scale operator with identity
// defaults.
func NewOpPixelScale(g *graph.Graph, name string) *OpPixelScale {
	op := &OpPixelScale{BaseOperator: graph.NewBaseOperator(g, name)}
	op.In = op.AddInput(op, graph.NewSlot(g, "Input", graph.KindInput, graph.STypeArray))
	op.Scale = op.AddInput(op, graph.NewSlot(g, "Scale", graph.KindInput, graph.STypeValue))
	op.Offset = op.AddInput(op, graph.NewSlot(g, "Offset", graph.KindInput, graph.STypeValue))
	op.Out = op.AddOutput(op, graph.NewSlot(g, "Output", graph.KindOutput, graph.STypeArray))
	return op
}

// ConfigureOutputs mirrors the input metadata: an affine map changes
// values, not shape or type.
func (op *OpPixelScale) ConfigureOutputs() error {
	meta, err := op.In.Metadata()
	if err != nil {
		op.Out.SetUnready()
		return nil
	}
	return op.Out.SetMetadata(meta)
}

// Compute pulls exactly roi upstream and applies the affine map in
// place.
func (op *OpPixelScale) Compute(ctx context.Context, out *graph.Slot, roi domain.Region, dst *domain.Buffer) error {
	scale, offset := op.coefficients()
	src, err := op.In.Pull(ctx, roi)
	if err != nil {
		return err
	}
	sd, dd := src.Data(), dst.Data()
	for i, v := range sd {
		dd[i] = v*scale + offset
	}
	return nil
}

// coefficients reads the current scale and offset values, falling back
// to the identity for unset slots.
func (op *OpPixelScale) coefficients() (scale, offset float32) {
	scale, offset = 1, 0
	if v, err := op.Scale.Value(); err == nil {
		scale = toFloat32(v, 1)
	}
	if v, err := op.Offset.Value(); err == nil {
		offset = toFloat32(v, 0)
	}
	return scale, offset
}

// PropagateDirty keeps the element-wise mapping: a dirty region on the
// data input invalidates exactly that region; a parameter change
// invalidates everything (the default value-slot region is zero-rank,
// which MarkDirty treats as the whole domain).
func (op *OpPixelScale) PropagateDirty(in *graph.Slot, roi domain.Region) {
	if in == op.In {
		op.Out.MarkDirty(roi)
		return
	}
	op.Out.MarkDirty(domain.Region{})
}

// toFloat32 coerces the numeric types a value slot realistically
// carries; anything else keeps the fallback.
func toFloat32(v any, fallback float32) float32 {
	switch n := v.(type) {
	case float32:
		return n
	case float64:
		return float32(n)
	case int:
		return float32(n)
	case int64:
		return float32(n)
	}
	return fallback
}

// CreatePixelScaleOperator is the factory entry point used by the
// operator registry.
func CreatePixelScaleOperator(g *graph.Graph, id string, params map[string]any) (graph.Operator, error) {
	if id == "" {
		return nil, ErrEmptyOperatorID
	}
	cfg := DefaultPixelScaleConfig()
	if err := decodeConfig(params, &cfg); err != nil {
		return nil, fmt.Errorf("pixel scale %s: %w", id, err)
	}
	op := NewOpPixelScale(g, id)
	if err := op.Scale.SetValue(cfg.Scale); err != nil {
		return nil, err
	}
	if err := op.Offset.SetValue(cfg.Offset); err != nil {
		return nil, err
	}
	return op, nil
}
