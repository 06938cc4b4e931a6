package application

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-voxel/infrastructure/operators"
	"github.com/ahrav/go-voxel/internal/domain"
	"github.com/ahrav/go-voxel/internal/graph"
	"github.com/ahrav/go-voxel/internal/ports"
)

// Pipeline is a compiled, wired operator DAG ready to serve requests.
// It owns the underlying graph and its request pool; Close releases
// them.
type Pipeline struct {
	graph  *graph.Graph
	ops    map[string]graph.Operator
	config *PipelineConfig
}

// Graph returns the pipeline's underlying graph.
func (p *Pipeline) Graph() *graph.Graph { return p.graph }

// Operator returns the operator with the given configuration ID.
func (p *Pipeline) Operator(id string) (graph.Operator, bool) {
	op, ok := p.ops[id]
	return op, ok
}

// ResolveOutput resolves a slot reference of the form "opID" or
// "opID.SlotName" to an output slot. A bare operator ID resolves to
// its only output, or to the slot named "Output" when there are
// several.
func (p *Pipeline) ResolveOutput(ref string) (*graph.Slot, error) {
	return resolveOutput(p.ops, ref)
}

// Export streams the configured export source into sink. It fails when
// the configuration declares no export section. Options extend or
// override the configured block shape, concurrency, and region.
func (p *Pipeline) Export(ctx context.Context, sink ports.Sink, opts ...operators.ExportOption) error {
	if p.config.Export == nil {
		return fmt.Errorf("pipeline %s declares no export", p.config.Metadata.Name)
	}
	slot, err := p.ResolveOutput(p.config.Export.Source)
	if err != nil {
		return err
	}

	var all []operators.ExportOption
	if p.config.Export.BlockShape != nil {
		all = append(all, operators.WithExportBlockShape(p.config.Export.BlockShape))
	}
	if p.config.Export.Concurrency > 0 {
		all = append(all, operators.WithExportConcurrency(p.config.Export.Concurrency))
	}
	if rc := p.config.Export.Region; rc != nil {
		roi, err := domain.NewRegion(rc.Start, rc.Stop)
		if err != nil {
			return fmt.Errorf("export region: %w", err)
		}
		all = append(all, operators.WithExportRegion(roi))
	}
	all = append(all, opts...)

	driver, err := operators.NewExportDriver(slot, sink, all...)
	if err != nil {
		return err
	}
	return driver.Run(ctx)
}

// Close shuts down the pipeline's request pool. The pipeline must not
// be used afterwards.
func (p *Pipeline) Close() { p.graph.Stop() }

// PipelineLoader parses, validates, and compiles YAML pipeline
// configurations into executable pipelines, caching compiled pipelines
// by the SHA256 hash of their normalized configuration.
type PipelineLoader struct {
	// validator performs struct field validation and custom rules for
	// pipeline configurations.
	validator *validator.Validate
	// registry provides factory methods for creating operators by type.
	registry OperatorRegistry
	// cache stores compiled pipelines indexed by configuration hash.
	// WARNING: cached pipelines are shared. Callers must not Close a
	// pipeline obtained from a caching loader; use ClearCache instead.
	cache map[string]*Pipeline
	// cacheMu provides thread-safe access to the cache map.
	cacheMu sync.RWMutex
	// sf prevents duplicate compilation when multiple goroutines load
	// the same configuration simultaneously.
	sf singleflight.Group

	opts []graph.Option
}

// NewPipelineLoader creates a loader with validation and an empty
// cache. Graph options (worker count, metrics) apply to every pipeline
// the loader compiles.
func NewPipelineLoader(registry OperatorRegistry, opts ...graph.Option) (*PipelineLoader, error) {
	v := validator.New()
	if err := registerCustomValidators(v); err != nil {
		return nil, fmt.Errorf("failed to register validators: %w", err)
	}
	return &PipelineLoader{
		validator: v,
		registry:  registry,
		cache:     make(map[string]*Pipeline),
		opts:      opts,
	}, nil
}

// LoadFromFile loads and compiles a pipeline from a YAML file.
func (pl *PipelineLoader) LoadFromFile(ctx context.Context, path string) (*Pipeline, error) {
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return pl.load(ctx, data)
}

// LoadFromReader loads and compiles a pipeline from an io.Reader.
func (pl *PipelineLoader) LoadFromReader(ctx context.Context, r io.Reader) (*Pipeline, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	return pl.load(ctx, data)
}

// load parses, validates, and compiles a configuration, de-duplicating
// concurrent compilations of identical configurations through
// singleflight and the hash cache.
func (pl *PipelineLoader) load(ctx context.Context, data []byte) (*Pipeline, error) {
	config, err := pl.parseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Hash the normalized config, not the raw bytes, so formatting
	// differences do not defeat the cache.
	hash, err := calculateConfigHash(config)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate hash: %w", err)
	}

	v, err, _ := pl.sf.Do(hash, func() (any, error) {
		if p, ok := pl.getCached(hash); ok {
			return p, nil
		}
		if err := pl.validateConfig(config); err != nil {
			return nil, fmt.Errorf("validation failed: %w", err)
		}
		p, err := pl.buildPipeline(ctx, config)
		if err != nil {
			return nil, fmt.Errorf("failed to build pipeline: %w", err)
		}
		pl.setCached(hash, p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Pipeline), nil
}

// parseYAML unmarshals with strict decoding so configuration typos are
// reported instead of silently ignored.
func (pl *PipelineLoader) parseYAML(data []byte) (*PipelineConfig, error) {
	var config PipelineConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return nil, fmt.Errorf("YAML decode failed: %w", err)
	}
	return &config, nil
}

// validateConfig runs struct validation followed by the semantic rules
// that tags cannot express.
func (pl *PipelineLoader) validateConfig(config *PipelineConfig) error {
	if err := pl.validator.Struct(config); err != nil {
		return fmt.Errorf("struct validation failed: %w", err)
	}
	if err := validateSemantics(config); err != nil {
		return fmt.Errorf("semantic validation failed: %w", err)
	}
	return nil
}

// validateSemantics checks ID uniqueness, reference integrity, wiring
// acyclicity, and export consistency.
func validateSemantics(config *PipelineConfig) error {
	ids := make(map[string]struct{}, len(config.Pipeline.Operators))
	for _, op := range config.Pipeline.Operators {
		if _, exists := ids[op.ID]; exists {
			return fmt.Errorf("duplicate operator ID %q", op.ID)
		}
		ids[op.ID] = struct{}{}
	}

	// References must name declared operators, and an operator must not
	// feed itself.
	deps := make(map[string][]string, len(ids))
	for _, op := range config.Pipeline.Operators {
		for slot, ref := range op.Inputs {
			target, _ := splitSlotRef(ref)
			if _, exists := ids[target]; !exists {
				return fmt.Errorf("operator %s input %s references unknown operator %q", op.ID, slot, target)
			}
			if target == op.ID {
				return fmt.Errorf("operator %s input %s references itself", op.ID, slot)
			}
			deps[op.ID] = append(deps[op.ID], target)
		}
	}
	if cycle := findCycle(deps); cycle != "" {
		return fmt.Errorf("operator wiring contains a cycle through %s", cycle)
	}

	if config.Export != nil {
		target, _ := splitSlotRef(config.Export.Source)
		if _, exists := ids[target]; !exists {
			return fmt.Errorf("export references unknown operator %q", target)
		}
		if rc := config.Export.Region; rc != nil {
			if _, err := domain.NewRegion(rc.Start, rc.Stop); err != nil {
				return fmt.Errorf("export region invalid: %w", err)
			}
		}
	}
	return nil
}

// findCycle runs a depth-first search over the dependency edges and
// returns an operator on a cycle, or "".
func findCycle(deps map[string][]string) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(deps))
	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if c := visit(dep); c != "" {
					return c
				}
			}
		}
		color[id] = black
		return ""
	}
	for id := range deps {
		if color[id] == white {
			if c := visit(id); c != "" {
				return c
			}
		}
	}
	return ""
}

// buildPipeline instantiates every operator through the registry, wires
// the declared connections, and configures the sources.
func (pl *PipelineLoader) buildPipeline(ctx context.Context, config *PipelineConfig) (*Pipeline, error) {
	opts := pl.opts
	if config.Pipeline.Workers > 0 {
		opts = append(append([]graph.Option(nil), opts...), graph.WithWorkers(config.Pipeline.Workers))
	}
	g := graph.NewGraph(opts...)

	ops := make(map[string]graph.Operator, len(config.Pipeline.Operators))
	for _, opConfig := range config.Pipeline.Operators {
		op, err := pl.createOperator(g, opConfig)
		if err != nil {
			g.Stop()
			return nil, fmt.Errorf("failed to create operator %s: %w", opConfig.ID, err)
		}
		ops[opConfig.ID] = op
	}

	// Wire after all operators exist so declaration order is free.
	for _, opConfig := range config.Pipeline.Operators {
		op := ops[opConfig.ID]
		for slotName, ref := range opConfig.Inputs {
			upstream, err := resolveOutput(ops, ref)
			if err != nil {
				g.Stop()
				return nil, fmt.Errorf("operator %s input %s: %w", opConfig.ID, slotName, err)
			}
			in := inputSlot(op, slotName)
			if in == nil {
				g.Stop()
				return nil, fmt.Errorf("operator %s has no input slot %q", opConfig.ID, slotName)
			}
			if err := in.Connect(upstream); err != nil {
				g.Stop()
				return nil, fmt.Errorf("failed to connect %s.%s to %s: %w", opConfig.ID, slotName, ref, err)
			}
		}
	}

	// Sources publish their metadata last, once every consumer is
	// attached, so the whole DAG configures in one pass.
	for id, op := range ops {
		src, ok := op.(*operators.OpDataSource)
		if !ok {
			continue
		}
		if err := src.Configure(ctx); err != nil {
			g.Stop()
			return nil, fmt.Errorf("failed to configure source %s: %w", id, err)
		}
	}

	return &Pipeline{graph: g, ops: ops, config: config}, nil
}

// createOperator decodes the flexible YAML parameters and delegates to
// the registry.
func (pl *PipelineLoader) createOperator(g *graph.Graph, config OperatorConfig) (graph.Operator, error) {
	var params map[string]any
	if !config.Parameters.IsZero() {
		if err := config.Parameters.Decode(&params); err != nil {
			return nil, fmt.Errorf("failed to decode parameters: %w", err)
		}
	}
	return pl.registry.CreateOperator(g, config.Type, config.ID, params)
}

// resolveOutput resolves "opID" or "opID.SlotName" against the operator
// table.
func resolveOutput(ops map[string]graph.Operator, ref string) (*graph.Slot, error) {
	id, slotName := splitSlotRef(ref)
	op, ok := ops[id]
	if !ok {
		return nil, fmt.Errorf("unknown operator %q in reference %q", id, ref)
	}
	outputs := op.Outputs()
	if slotName == "" {
		if len(outputs) == 1 {
			return outputs[0], nil
		}
		slotName = "Output"
	}
	for _, s := range outputs {
		if s.Name() == slotName {
			return s, nil
		}
	}
	return nil, fmt.Errorf("operator %s has no output slot %q", id, slotName)
}

// splitSlotRef splits "opID.SlotName" into its parts; the slot part is
// empty for a bare operator ID.
func splitSlotRef(ref string) (id, slot string) {
	if i := strings.IndexByte(ref, '.'); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}

// inputSlot finds an input slot by name on any operator.
func inputSlot(op graph.Operator, name string) *graph.Slot {
	for _, s := range op.Inputs() {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// calculateConfigHash hashes the re-encoded configuration so that
// semantically identical documents share one cache entry regardless of
// formatting.
func calculateConfigHash(config *PipelineConfig) (string, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(config); err != nil {
		return "", fmt.Errorf("failed to encode config for hashing: %w", err)
	}
	hash := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(hash[:]), nil
}

func (pl *PipelineLoader) getCached(hash string) (*Pipeline, bool) {
	pl.cacheMu.RLock()
	defer pl.cacheMu.RUnlock()
	p, ok := pl.cache[hash]
	return p, ok
}

func (pl *PipelineLoader) setCached(hash string, p *Pipeline) {
	pl.cacheMu.Lock()
	defer pl.cacheMu.Unlock()
	pl.cache[hash] = p
}

// ClearCache closes and drops every cached pipeline, forcing
// subsequent loads to recompile.
func (pl *PipelineLoader) ClearCache() {
	pl.cacheMu.Lock()
	defer pl.cacheMu.Unlock()
	for _, p := range pl.cache {
		p.Close()
	}
	pl.cache = make(map[string]*Pipeline)
}
