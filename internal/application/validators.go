package application

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// registerCustomValidators registers domain-specific validation
// functions with the validator instance.
// registerCustomValidators returns an error if any registration fails.
func registerCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("semver", validateSemver); err != nil {
		return fmt.Errorf("failed to register semver validator: %w", err)
	}
	if err := v.RegisterValidation("opid", validateOperatorID); err != nil {
		return fmt.Errorf("failed to register opid validator: %w", err)
	}
	return nil
}

// validateSemver validates that a string follows semantic versioning
// format (X.Y.Z where X, Y, Z are non-negative integers).
func validateSemver(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	var major, minor, patch int
	n, err := fmt.Sscanf(value, "%d.%d.%d", &major, &minor, &patch)
	return err == nil && n == 3
}

// validateOperatorID restricts operator identifiers to a leading letter
// followed by letters, digits, or underscores, so IDs embed safely in
// slot references, metric labels, and error messages.
func validateOperatorID(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return false
	}
	for i, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r == '_' && i > 0:
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
