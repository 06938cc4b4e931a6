package operators

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/ahrav/go-voxel/internal/domain"
	"github.com/ahrav/go-voxel/internal/graph"
)

// FeatureExtractor computes one derived channel from raw data. The
// engine hands it a halo-expanded source block and expects the values
// for the target region; Margin declares how much context the extractor
// needs so the collection can size the halo.
type FeatureExtractor interface {
	// ID returns a stable identifier for the extractor including its
	// parameters, e.g. "mean-2". It keys the result cache, so two
	// extractors with equal IDs must be interchangeable.
	ID() string

	// Margin returns the per-axis context the extractor reads beyond the
	// target region.
	Margin() int

	// Apply fills dst, shaped to target, from the halo block. The target
	// region is expressed in halo-local coordinates.
	Apply(halo *domain.Buffer, target domain.Region, dst *domain.Buffer) error
}

// RawFeature passes the source data through unchanged, giving the
// classifier access to the original intensity channel.
type RawFeature struct{}

// ID implements FeatureExtractor.
func (RawFeature) ID() string { return "raw" }

// Margin implements FeatureExtractor.
func (RawFeature) Margin() int { return 0 }

// Apply implements FeatureExtractor.
func (RawFeature) Apply(halo *domain.Buffer, target domain.Region, dst *domain.Buffer) error {
	return domain.CopyRegion(dst, dst.Region(), halo, target)
}

// MeanFeature is a box-mean smoothing channel with the given radius.
type MeanFeature struct {
	// Radius is the half-width of the averaging window.
	Radius int
}

// ID implements FeatureExtractor.
func (f MeanFeature) ID() string { return fmt.Sprintf("mean-%d", f.Radius) }

// Margin implements FeatureExtractor.
func (f MeanFeature) Margin() int { return f.Radius }

// Apply implements FeatureExtractor.
func (f MeanFeature) Apply(halo *domain.Buffer, target domain.Region, dst *domain.Buffer) error {
	return boxMean(halo, target, dst, f.Radius)
}

// boxMean averages a clamped (2r+1)^d window around each target
// element, reading from the halo block.
func boxMean(halo *domain.Buffer, target domain.Region, dst *domain.Buffer, radius int) error {
	dims := target.Dims()
	tStart := target.Start()
	hShape := halo.Shape()
	outShape := target.Shape()

	oIdx := make([]int, dims)
	lo := make([]int, dims)
	hi := make([]int, dims)
	wIdx := make([]int, dims)
	dd := dst.Data()
	for flat := range dd {
		count := 1
		for d := 0; d < dims; d++ {
			center := tStart[d] + oIdx[d]
			lo[d] = center - radius
			if lo[d] < 0 {
				lo[d] = 0
			}
			hi[d] = center + radius + 1
			if hi[d] > hShape[d] {
				hi[d] = hShape[d]
			}
			count *= hi[d] - lo[d]
			wIdx[d] = lo[d]
		}
		var sum float64
		for {
			sum += float64(halo.At(wIdx...))
			d := dims - 1
			for ; d >= 0; d-- {
				wIdx[d]++
				if wIdx[d] < hi[d] {
					break
				}
				wIdx[d] = lo[d]
			}
			if d < 0 {
				break
			}
		}
		dd[flat] = float32(sum / float64(count))

		for d := dims - 1; d >= 0; d-- {
			oIdx[d]++
			if oIdx[d] < outShape[d] {
				break
			}
			oIdx[d] = 0
		}
	}
	return nil
}

var _ graph.Operator = (*OpFeatureCollection)(nil)

// OpFeatureCollection stacks the results of a set of feature extractors
// along a new trailing channel axis: input shape (a, b, ...) becomes
// output shape (a, b, ..., n) for n extractors. Requests select
// individual channels through the trailing axis of the region, so a
// consumer interested in one feature never pays for the others.
//
// Computed feature planes are cached content-addressed: the key is the
// hash of the extractor ID and the spatial region, and an upstream
// dirty region drops every overlapping plane.
type OpFeatureCollection struct {
	graph.BaseOperator

	// In is the raw data.
	In *graph.Slot
	// Out serves the stacked feature channels.
	Out *graph.Slot

	extractors []FeatureExtractor

	mu     sync.Mutex
	planes map[string]featurePlane
}

type featurePlane struct {
	region domain.Region
	buf    *domain.Buffer
}

// NewOpFeatureCollection creates a feature collection over the given
// extractors. The extractor order fixes the channel order.
func NewOpFeatureCollection(g *graph.Graph, name string, extractors []FeatureExtractor) (*OpFeatureCollection, error) {
	if len(extractors) == 0 {
		return nil, fmt.Errorf("feature collection %s: no extractors", name)
	}
	seen := make(map[string]bool, len(extractors))
	for _, e := range extractors {
		if seen[e.ID()] {
			return nil, fmt.Errorf("feature collection %s: duplicate extractor %s", name, e.ID())
		}
		seen[e.ID()] = true
	}
	op := &OpFeatureCollection{
		BaseOperator: graph.NewBaseOperator(g, name),
		extractors:   extractors,
		planes:       make(map[string]featurePlane),
	}
	op.In = op.AddInput(op, graph.NewSlot(g, "Input", graph.KindInput, graph.STypeArray))
	op.Out = op.AddOutput(op, graph.NewSlot(g, "Output", graph.KindOutput, graph.STypeArray))
	return op, nil
}

// Channels returns the extractor IDs in channel order.
func (op *OpFeatureCollection) Channels() []string {
	out := make([]string, len(op.extractors))
	for i, e := range op.extractors {
		out[i] = e.ID()
	}
	return out
}

// ConfigureOutputs appends the channel axis to the input shape.
func (op *OpFeatureCollection) ConfigureOutputs() error {
	meta, err := op.In.Metadata()
	if err != nil {
		op.Out.SetUnready()
		return nil
	}
	out := meta.WithShape(append(meta.Shape, len(op.extractors)))
	out.DType = domain.DTypeFloat32
	if meta.Axes != "" {
		out.Axes = meta.Axes + "c"
	}
	return op.Out.SetMetadata(out)
}

// Compute fills the requested channels one plane at a time, pulling the
// halo-expanded spatial region once per extractor and serving repeated
// requests from the plane cache.
func (op *OpFeatureCollection) Compute(ctx context.Context, out *graph.Slot, roi domain.Region, dst *domain.Buffer) error {
	meta, err := op.In.Metadata()
	if err != nil {
		return err
	}
	dims := meta.Dims()
	start, stop := roi.Start(), roi.Stop()
	spatial, err := domain.NewRegion(start[:dims], stop[:dims])
	if err != nil {
		return err
	}

	for c := start[dims]; c < stop[dims]; c++ {
		if ctx.Err() != nil {
			return domain.ErrRequestCancelled
		}
		plane, err := op.plane(ctx, op.extractors[c], spatial, meta)
		if err != nil {
			return err
		}
		if err := copyChannel(dst, plane, c-start[dims]); err != nil {
			return err
		}
	}
	return nil
}

// plane computes or recalls one feature plane for a spatial region.
func (op *OpFeatureCollection) plane(ctx context.Context, ex FeatureExtractor, spatial domain.Region, meta domain.Metadata) (*domain.Buffer, error) {
	key := planeKey(ex.ID(), spatial)
	op.mu.Lock()
	if p, ok := op.planes[key]; ok {
		op.mu.Unlock()
		op.Graph().Metrics().RecordCounter("feature_planes_total", 1,
			map[string]string{"operator": op.Name(), "outcome": "hit"})
		return p.buf, nil
	}
	op.mu.Unlock()
	op.Graph().Metrics().RecordCounter("feature_planes_total", 1,
		map[string]string{"operator": op.Name(), "outcome": "miss"})

	halo := expandRegion(spatial, ex.Margin()).Intersect(domain.FullRegion(meta.Shape))
	src, err := op.In.Pull(ctx, halo)
	if err != nil {
		return nil, err
	}
	dst := domain.NewBuffer(spatial.Shape())
	if err := ex.Apply(src, spatial.Within(halo), dst); err != nil {
		return nil, err
	}

	op.mu.Lock()
	op.planes[key] = featurePlane{region: spatial, buf: dst}
	op.mu.Unlock()
	return dst, nil
}

// PropagateDirty drops cached planes overlapping the dirty region,
// padded by the widest extractor margin, and marks the corresponding
// output channels dirty across the whole channel axis.
func (op *OpFeatureCollection) PropagateDirty(in *graph.Slot, roi domain.Region) {
	meta, err := op.In.Metadata()
	if err != nil {
		return
	}
	if roi.Dims() != meta.Dims() {
		roi = meta.FullRegion()
	}
	margin := 0
	for _, e := range op.extractors {
		if e.Margin() > margin {
			margin = e.Margin()
		}
	}
	padded := expandRegion(roi, margin)

	op.mu.Lock()
	for key, p := range op.planes {
		if !p.region.Intersect(padded).Empty() {
			delete(op.planes, key)
		}
	}
	op.mu.Unlock()

	start := append(padded.Start(), 0)
	stop := append(padded.Stop(), len(op.extractors))
	if out, err := domain.NewRegion(start, stop); err == nil {
		op.Out.MarkDirty(out)
	}
}

// planeKey hashes the extractor identity and region into the cache key.
func planeKey(id string, spatial domain.Region) string {
	sum := sha256.Sum256([]byte(id + "@" + spatial.String()))
	return hex.EncodeToString(sum[:])
}

// copyChannel writes a spatial plane into channel c of dst, whose
// trailing axis is the channel axis.
func copyChannel(dst *domain.Buffer, plane *domain.Buffer, c int) error {
	nch := dst.Shape()[dst.Dims()-1]
	pd, dd := plane.Data(), dst.Data()
	if len(pd)*nch != len(dd) {
		return fmt.Errorf("channel copy: plane size %d does not tile output size %d", len(pd), len(dd))
	}
	for i, v := range pd {
		dd[i*nch+c] = v
	}
	return nil
}

// CreateFeatureCollectionOperator is the factory entry point used by
// the operator registry. Supported feature names are "raw" and
// "mean-<radius>".
func CreateFeatureCollectionOperator(g *graph.Graph, id string, params map[string]any) (graph.Operator, error) {
	if id == "" {
		return nil, ErrEmptyOperatorID
	}
	var cfg struct {
		Features []string `yaml:"features" validate:"required,min=1,dive,min=1"`
	}
	if err := decodeConfig(params, &cfg); err != nil {
		return nil, fmt.Errorf("feature collection %s: %w", id, err)
	}
	extractors := make([]FeatureExtractor, 0, len(cfg.Features))
	for _, name := range cfg.Features {
		ex, err := parseFeature(name)
		if err != nil {
			return nil, fmt.Errorf("feature collection %s: %w", id, err)
		}
		extractors = append(extractors, ex)
	}
	return NewOpFeatureCollection(g, id, extractors)
}

// parseFeature resolves a feature name to its extractor.
func parseFeature(name string) (FeatureExtractor, error) {
	if name == "raw" {
		return RawFeature{}, nil
	}
	var radius int
	if n, err := fmt.Sscanf(name, "mean-%d", &radius); err == nil && n == 1 && radius > 0 {
		return MeanFeature{Radius: radius}, nil
	}
	return nil, fmt.Errorf("unknown feature %q", name)
}
