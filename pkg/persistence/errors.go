// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrStateNotFound indicates a state was not found by the given identifier.
	ErrStateNotFound = errors.New("state not found")

	// ErrModelNotFound indicates a model was not found by the given identifier.
	ErrModelNotFound = errors.New("model not found")

	// ErrVersionNotFound indicates a model version was not found by the given identifier.
	ErrVersionNotFound = errors.New("model version not found")

	// ErrNoEnabledVersion indicates no version is enabled for the requested scope.
	ErrNoEnabledVersion = errors.New("no enabled model version")

	// ErrVersionImmutable indicates an attempt to change the definition of a published version.
	ErrVersionImmutable = errors.New("published model version is immutable")

	// ErrInstanceNotFound indicates a flow instance was not found.
	ErrInstanceNotFound = errors.New("flow instance not found")

	// ErrInstanceExists indicates the business object already has an instance for the tag.
	ErrInstanceExists = errors.New("flow instance already exists")

	// ErrConflict indicates a compare-and-swap commit lost against a concurrent writer.
	ErrConflict = errors.New("concurrent modification")
)

// InstanceError wraps instance-related errors with additional context.
type InstanceError struct {
	Op         string // Operation being performed (e.g., "Commit", "MergeVars")
	InstanceID string // Instance ID if applicable
	Err        error  // Underlying error
	Message    string // Additional context message
}

func (e *InstanceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s operation failed for instance %s: %s (%v)", e.Op, e.InstanceID, e.Message, e.Err)
	}

	return fmt.Sprintf("%s operation failed for instance %s: %v", e.Op, e.InstanceID, e.Err)
}

func (e *InstanceError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for instance errors.
func (e *InstanceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewInstanceError creates a new instance error with context.
func NewInstanceError(op, instanceID string, err error) *InstanceError {
	return &InstanceError{
		Op:         op,
		InstanceID: instanceID,
		Err:        err,
	}
}

// VersionError wraps model version errors with additional context.
type VersionError struct {
	Op        string
	VersionID string
	Err       error
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("%s operation failed for model version %s: %v", e.Op, e.VersionID, e.Err)
}

func (e *VersionError) Unwrap() error {
	return e.Err
}

func (e *VersionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsNotFound checks if an error indicates any entity was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStateNotFound) ||
		errors.Is(err, ErrModelNotFound) ||
		errors.Is(err, ErrVersionNotFound) ||
		errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrNoEnabledVersion)
}

// IsConflict checks if an error indicates a lost compare-and-swap.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
