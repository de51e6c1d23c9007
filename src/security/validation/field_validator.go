// backend/src/security/validation/field_validator.go
package validation

import (
	"errors"
	"fmt"
)

var ErrValidationFailed = errors.New("validation failed")

// ValidateStringNotEmpty returns an error when the value is empty.
func ValidateStringNotEmpty(value, fieldName string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", ErrValidationFailed, fieldName)
	}
	return nil
}

// ValidateStringMaxLength returns an error when the value exceeds maxLen bytes.
func ValidateStringMaxLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%w: %s must be at most %d characters", ErrValidationFailed, fieldName, maxLen)
	}
	return nil
}
