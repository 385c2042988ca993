// internal/types/errors.go
package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when an item does not exist or is not visible
	// to the caller.
	ErrNotFound = errors.New("memory not found")

	// ErrValidation matches every *ValidationError via errors.Is.
	ErrValidation = errors.New("validation failed")

	// ErrIncompleteClassification is returned when the classifier cannot
	// determine every required field of a type it selected.
	ErrIncompleteClassification = errors.New("incomplete classification")

	// ErrEmbeddingUnavailable means the embedding gateway could not produce
	// a vector. Callers degrade instead of surfacing it.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrOwnershipViolation is logged when a caller touches another owner's
	// item. It wraps ErrNotFound so the caller cannot tell the difference.
	ErrOwnershipViolation = fmt.Errorf("ownership violation: %w", ErrNotFound)
)

// ValidationError names the offending field and the constraint it broke.
type ValidationError struct {
	Type       MemoryType
	Field      string
	Constraint string
}

func (e *ValidationError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Constraint)
	}
	return fmt.Sprintf("invalid %s.%s: %s", e.Type, e.Field, e.Constraint)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// IncompleteError carries the required fields a classifier left empty.
type IncompleteError struct {
	Type    MemoryType
	Missing []string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("%s: %s missing %s", ErrIncompleteClassification, e.Type, strings.Join(e.Missing, ", "))
}

func (e *IncompleteError) Unwrap() error { return ErrIncompleteClassification }
