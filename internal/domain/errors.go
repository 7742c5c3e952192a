package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed or missing input. Nothing was mutated.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks a missing transaction or anomaly.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned by the store when a versioned update lost a race.
	ErrConflict = errors.New("concurrent modification")

	// ErrScoringUnavailable marks a scoring call that could not complete.
	ErrScoringUnavailable = errors.New("scoring unavailable")

	// ErrConsistencyPropagation marks a paired-entity sync failure after the
	// primary mutation committed.
	ErrConsistencyPropagation = errors.New("consistency propagation failure")

	// ErrBatchPartialFailure marks a batch where some records failed.
	ErrBatchPartialFailure = errors.New("batch partial failure")

	// ErrBatchFailed marks a batch with no parsed records or no successes.
	ErrBatchFailed = errors.New("batch failed")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, e.Reason)
}

// Is lets errors.Is match ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError names the entity that could not be found.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// Is lets errors.Is match ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NotFound builds a NotFoundError.
func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// Sync directions reported by PropagationError.
const (
	DirectionAnomalyToTransaction = "anomaly->transaction"
	DirectionTransactionToAnomaly = "transaction->anomaly"
)

// PropagationError reports a failed paired-entity update. The primary
// mutation has already been committed when this is returned.
type PropagationError struct {
	Direction string
	EntityID  string
	Err       error
}

func (e *PropagationError) Error() string {
	return fmt.Sprintf("%s (%s, %s): %v", ErrConsistencyPropagation, e.Direction, e.EntityID, e.Err)
}

// Is lets errors.Is match ErrConsistencyPropagation.
func (e *PropagationError) Is(target error) bool {
	return target == ErrConsistencyPropagation
}

func (e *PropagationError) Unwrap() error {
	return e.Err
}

// ScoringUnavailable wraps a scorer failure so it matches ErrScoringUnavailable
// while keeping the cause reachable.
func ScoringUnavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrScoringUnavailable, err)
}
