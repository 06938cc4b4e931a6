// Package operators provides the built-in pipeline operators for the
// go-voxel engine: source ingestion, per-pixel transforms, neighborhood
// filters, feature extraction, and export. Every operator embeds
// graph.BaseOperator and follows the region-local compute contract.
package operators

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Common errors returned by operator constructors and factories.
var (
	// ErrEmptyOperatorID is returned when an operator is created with an
	// empty identifier.
	ErrEmptyOperatorID = errors.New("operator id cannot be empty")

	// ErrNilSource is returned when a source operator is created without
	// a backing data source.
	ErrNilSource = errors.New("data source cannot be nil")

	// ErrNilSink is returned when an export driver is created without a
	// target sink.
	ErrNilSink = errors.New("export sink cannot be nil")
)

// Package-level validator instance for configuration validation.
// Uses go-playground/validator v10 for struct tag-based validation.
var validate = validator.New()

// decodeConfig overlays a parameter map onto a defaults struct by
// round-tripping through YAML, then validates the result. It is the
// boundary adapter between loosely-typed loader parameters and the
// operators' typed configs.
func decodeConfig(params map[string]any, cfg any) error {
	data, err := yaml.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse parameters: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("parameter validation failed: %w", err)
	}
	return nil
}
