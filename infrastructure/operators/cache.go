package operators

import (
	"fmt"

	"github.com/ahrav/go-voxel/internal/graph"
)

// BlockCacheConfig holds the factory parameters for the block cache.
type BlockCacheConfig struct {
	// BlockShape is the per-axis block extent of the cache grid.
	BlockShape []int `yaml:"block_shape" validate:"required,min=1,max=8,dive,min=1"`
}

// CreateBlockCacheOperator is the factory entry point for the engine's
// block cache; the implementation lives in the graph package because
// request deduplication is engine machinery, not a domain transform.
func CreateBlockCacheOperator(g *graph.Graph, id string, params map[string]any) (graph.Operator, error) {
	if id == "" {
		return nil, ErrEmptyOperatorID
	}
	var cfg BlockCacheConfig
	if err := decodeConfig(params, &cfg); err != nil {
		return nil, fmt.Errorf("block cache %s: %w", id, err)
	}
	op := graph.NewOpBlockedCache(g, id)
	if err := op.SetBlockShape(cfg.BlockShape); err != nil {
		return nil, err
	}
	return op, nil
}
