package application

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ahrav/go-voxel/infrastructure/operators"
	"github.com/ahrav/go-voxel/internal/graph"
)

// OperatorFactory builds one operator instance on a graph from a
// loosely-typed parameter map. Parameter validation is the factory's
// own responsibility.
type OperatorFactory func(g *graph.Graph, id string, params map[string]any) (graph.Operator, error)

// OperatorRegistry resolves configuration type names to operator
// factories.
type OperatorRegistry interface {
	// CreateOperator instantiates an operator of the given type on g.
	CreateOperator(g *graph.Graph, opType, id string, params map[string]any) (graph.Operator, error)

	// Types returns the registered type names, sorted.
	Types() []string
}

// Verify interface compliance at compile time.
var _ OperatorRegistry = (*DefaultOperatorRegistry)(nil)

// DefaultOperatorRegistry implements OperatorRegistry with the built-in
// operator set pre-registered and room for application-specific
// additions.
type DefaultOperatorRegistry struct {
	// factories maps operator type strings to their factory functions.
	factories map[string]OperatorFactory
	// mu protects concurrent access to the factories map.
	mu sync.RWMutex
}

// NewDefaultOperatorRegistry creates a registry with the standard
// operator types pre-registered: source, block_cache, pixel_scale,
// threshold, axis_reorder, box_filter, and feature_collection.
func NewDefaultOperatorRegistry() *DefaultOperatorRegistry {
	r := &DefaultOperatorRegistry{factories: make(map[string]OperatorFactory)}
	r.registerBuiltinFactories()
	return r
}

// registerBuiltinFactories registers the operator types shipped with
// the engine.
func (r *DefaultOperatorRegistry) registerBuiltinFactories() {
	r.factories["source"] = operators.CreateSourceOperator
	r.factories["block_cache"] = operators.CreateBlockCacheOperator
	r.factories["pixel_scale"] = operators.CreatePixelScaleOperator
	r.factories["threshold"] = operators.CreateThresholdOperator
	r.factories["axis_reorder"] = operators.CreateAxisReorderOperator
	r.factories["box_filter"] = operators.CreateBoxFilterOperator
	r.factories["feature_collection"] = operators.CreateFeatureCollectionOperator
}

// Register adds or replaces a factory for the given type name.
func (r *DefaultOperatorRegistry) Register(opType string, factory OperatorFactory) error {
	if opType == "" {
		return fmt.Errorf("operator type cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory for %s cannot be nil", opType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[opType] = factory
	return nil
}

// CreateOperator implements OperatorRegistry.
func (r *DefaultOperatorRegistry) CreateOperator(g *graph.Graph, opType, id string, params map[string]any) (graph.Operator, error) {
	r.mu.RLock()
	factory, ok := r.factories[opType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown operator type: %s", opType)
	}
	return factory(g, id, params)
}

// Types implements OperatorRegistry.
func (r *DefaultOperatorRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
