package operators

import (
	"context"
	"fmt"

	"github.com/ahrav/go-voxel/internal/domain"
	"github.com/ahrav/go-voxel/internal/graph"
)

var _ graph.Operator = (*OpThreshold)(nil)

// OpThreshold produces a binary mask: elements at or above the
// threshold map to 1, everything else to 0. The output is logically
// uint8 and annotated as a binary mask for display purposes.
type OpThreshold struct {
	graph.BaseOperator

	// In is the source data.
	In *graph.Slot
	// Threshold is the cut value.
	Threshold *graph.Slot
	// Out serves the mask.
	Out *graph.Slot
}

// ThresholdConfig holds the factory parameters for OpThreshold.
type ThresholdConfig struct {
	// Threshold is the cut value; elements >= it become 1.
	Threshold float64 `yaml:"threshold"`
}

// NewOpThreshold creates a threshold operator with cut value 0.
func NewOpThreshold(g *graph.Graph, name string) *OpThreshold {
	op := &OpThreshold{BaseOperator: graph.NewBaseOperator(g, name)}
	op.In = op.AddInput(op, graph.NewSlot(g, "Input", graph.KindInput, graph.STypeArray))
	op.Threshold = op.AddInput(op, graph.NewSlot(g, "Threshold", graph.KindInput, graph.STypeValue))
	op.Out = op.AddOutput(op, graph.NewSlot(g, "Output", graph.KindOutput, graph.STypeArray))
	return op
}

// ConfigureOutputs keeps the input shape but narrows the element type
// to uint8 and annotates the output as a binary mask.
func (op *OpThreshold) ConfigureOutputs() error {
	meta, err := op.In.Metadata()
	if err != nil {
		op.Out.SetUnready()
		return nil
	}
	meta.DType = domain.DTypeUint8
	meta = meta.WithAnnotation(domain.AnnotationDisplayMode, "binary-mask").
		WithAnnotation(domain.AnnotationValueRange, []float64{0, 1})
	return op.Out.SetMetadata(meta)
}

// Compute pulls exactly roi and maps each element to 0 or 1.
func (op *OpThreshold) Compute(ctx context.Context, out *graph.Slot, roi domain.Region, dst *domain.Buffer) error {
	cut := float32(0)
	if v, err := op.Threshold.Value(); err == nil {
		cut = toFloat32(v, 0)
	}
	src, err := op.In.Pull(ctx, roi)
	if err != nil {
		return err
	}
	sd, dd := src.Data(), dst.Data()
	for i, v := range sd {
		if v >= cut {
			dd[i] = 1
		} else {
			dd[i] = 0
		}
	}
	return nil
}

// PropagateDirty mirrors data dirt element-wise; a threshold change
// invalidates the whole mask.
func (op *OpThreshold) PropagateDirty(in *graph.Slot, roi domain.Region) {
	if in == op.In {
		op.Out.MarkDirty(roi)
		return
	}
	op.Out.MarkDirty(domain.Region{})
}

// CreateThresholdOperator is the factory entry point used by the
// operator registry.
func CreateThresholdOperator(g *graph.Graph, id string, params map[string]any) (graph.Operator, error) {
	if id == "" {
		return nil, ErrEmptyOperatorID
	}
	var cfg ThresholdConfig
	if err := decodeConfig(params, &cfg); err != nil {
		return nil, fmt.Errorf("threshold %s: %w", id, err)
	}
	op := NewOpThreshold(g, id)
	if err := op.Threshold.SetValue(cfg.Threshold); err != nil {
		return nil, err
	}
	return op, nil
}
