// Package application assembles executable pipelines from declarative
// YAML configuration: parsing, validation, operator instantiation
// through a registry, and slot wiring, with compiled pipelines cached
// by configuration hash.
package application

import (
	"gopkg.in/yaml.v3"
)

// PipelineConfig is the complete specification of one processing
// pipeline and the primary configuration entry point for the engine.
type PipelineConfig struct {
	// Version specifies the configuration schema version using semantic
	// versioning to ensure compatibility across updates.
	Version string `yaml:"version" validate:"required,semver"`
	// Metadata contains descriptive information about the pipeline.
	Metadata Metadata `yaml:"metadata" validate:"required"`
	// Pipeline declares the operators and their wiring.
	Pipeline PipelineSpec `yaml:"pipeline" validate:"required"`
	// Export optionally declares the default export of the pipeline.
	Export *ExportConfig `yaml:"export,omitempty"`
}

// Metadata provides descriptive information about a pipeline for
// organization and discovery.
type Metadata struct {
	// Name is the human-readable identifier for this pipeline.
	Name string `yaml:"name" validate:"required,min=1,max=255"`
	// Description explains the pipeline's purpose.
	Description string `yaml:"description" validate:"max=1000"`
	// Tags are categorical labels for filtering and grouping.
	Tags []string `yaml:"tags" validate:"max=20,dive,min=1,max=50"`
	// Labels are arbitrary key-value pairs for external integration.
	Labels map[string]string `yaml:"labels" validate:"max=50"`
}

// PipelineSpec declares the operator DAG.
type PipelineSpec struct {
	// Workers bounds the request pool's compute concurrency; 0 selects
	// a default proportional to the CPU count.
	Workers int `yaml:"workers" validate:"min=0,max=1024"`
	// Operators lists the pipeline's operators. Wiring may reference
	// operators in any order; cycles are rejected.
	Operators []OperatorConfig `yaml:"operators" validate:"required,min=1,dive"`
}

// OperatorConfig declares one operator instance.
type OperatorConfig struct {
	// ID is the operator's unique identifier within the pipeline.
	ID string `yaml:"id" validate:"required,opid,min=1,max=100"`
	// Type selects the operator implementation from the registry.
	Type string `yaml:"type" validate:"required,min=1,max=100"`
	// Inputs wires this operator's input slots to upstream outputs.
	// Keys are input slot names; values reference an upstream operator
	// as "opID" (its sole or default output) or "opID.SlotName".
	Inputs map[string]string `yaml:"inputs,omitempty" validate:"omitempty,max=32"`
	// Parameters contains type-specific configuration validated by the
	// operator's own factory.
	Parameters yaml.Node `yaml:"parameters,omitempty"`
}

// ExportConfig declares the pipeline's default export.
type ExportConfig struct {
	// Source references the exported output slot as "opID" or
	// "opID.SlotName".
	Source string `yaml:"source" validate:"required"`
	// BlockShape sets the streaming block shape; empty selects the
	// streamer default.
	BlockShape []int `yaml:"block_shape,omitempty" validate:"omitempty,min=1,max=8,dive,min=1"`
	// Concurrency bounds how many blocks are computed at once; 0 uses
	// the pool size.
	Concurrency int `yaml:"concurrency" validate:"min=0,max=1024"`
	// Region optionally restricts the export to a sub-region.
	Region *RegionConfig `yaml:"region,omitempty"`
}

// RegionConfig is the YAML form of a half-open region.
type RegionConfig struct {
	// Start is the inclusive per-axis lower bound.
	Start []int `yaml:"start" validate:"required,min=1,max=8,dive,min=0"`
	// Stop is the exclusive per-axis upper bound.
	Stop []int `yaml:"stop" validate:"required,min=1,max=8,dive,min=0"`
}
