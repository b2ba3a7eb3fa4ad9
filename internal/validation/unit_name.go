// Package validation provides input validation for shipmate entities.
package validation

import (
	"regexp"

	"github.com/shipmate-io/shipmate/internal/models"
)

// dnsLabelRegex validates DNS label format:
// - Must start with a lowercase letter
// - Can contain lowercase letters, numbers, and hyphens
// - Must end with a lowercase letter or number
var dnsLabelRegex = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ValidateUnitName validates that a service unit name is a valid DNS label.
//
// DNS label rules:
// - Must be 1-63 characters long
// - Must start with a lowercase letter
// - Can contain lowercase letters, numbers, and hyphens
// - Cannot start or end with a hyphen
func ValidateUnitName(name string) error {
	if name == "" {
		return &models.ValidationError{
			Field:   "name",
			Message: "unit name is required",
		}
	}

	if len(name) > 63 {
		return &models.ValidationError{
			Field:   "name",
			Message: "unit name must be 63 characters or less",
		}
	}

	if name[0] == '-' || name[len(name)-1] == '-' {
		return &models.ValidationError{
			Field:   "name",
			Message: "unit name cannot start or end with a hyphen",
		}
	}

	if !dnsLabelRegex.MatchString(name) {
		return &models.ValidationError{
			Field:   "name",
			Message: "unit name must be a valid DNS label (lowercase letters, numbers, and hyphens, starting with a letter)",
		}
	}

	return nil
}
