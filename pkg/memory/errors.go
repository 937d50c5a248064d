package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed ingestion input. The record never enters a tier.
	ErrValidation = errors.New("memory validation failed")

	// ErrPersistence marks an I/O or decode failure at the persistence boundary.
	ErrPersistence = errors.New("memory persistence failed")

	// ErrConsistency marks a broken store invariant: an id in two tiers or a
	// summary whose provenance does not partition its sources.
	ErrConsistency = errors.New("memory consistency violation")

	ErrNotFound = errors.New("memory not found")
)

// ValidationError describes why an Input was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// PersistenceError wraps a load/save failure with the operation and target.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%v: %s: %v", ErrPersistence, e.Op, e.Err)
	}
	return fmt.Sprintf("%v: %s %s: %v", ErrPersistence, e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

func newPersistenceError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Path: path, Err: err}
}

// ConsistencyViolation reports a programmer-error class invariant break.
type ConsistencyViolation struct {
	ID     string
	Detail string
}

func (e *ConsistencyViolation) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%v: %s", ErrConsistency, e.Detail)
	}
	return fmt.Sprintf("%v: %s: %s", ErrConsistency, e.ID, e.Detail)
}

func (e *ConsistencyViolation) Unwrap() error { return ErrConsistency }
