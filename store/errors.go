package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Common store errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrUnavailable is returned when the pool is not initialized.
	ErrUnavailable = errors.New("store not initialized")

	// ErrConflict is returned on duplicate external-id creation.
	ErrConflict = errors.New("duplicate entity")

	// ErrMissingReference is returned when a required foreign key is absent.
	// This is the boundary enforcement for task/run ID propagation.
	ErrMissingReference = errors.New("missing required reference")
)

// TransientIOError wraps a database error that is safe to retry
// (deadlock, serialization failure, connection loss).
type TransientIOError struct {
	err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient database error: %v", e.err)
}

func (e *TransientIOError) Unwrap() error {
	return e.err
}

// IsTransientIO reports whether err is retryable.
func IsTransientIO(err error) bool {
	var transient *TransientIOError
	return errors.As(err, &transient)
}

// Postgres error codes the store cares about.
const (
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgNotNullViolation     = "23502"
	pgDeadlockDetected     = "40P01"
	pgSerializationFailure = "40001"
	pgTooManyConnections   = "53300"
	pgObjectInUse          = "55006"
)

// Classify maps raw driver errors onto the store taxonomy for packages
// that run their own queries on the shared pool.
func Classify(err error) error {
	return classifyError(err)
}

// classifyError maps raw driver errors onto the store taxonomy.
// Unknown errors pass through unchanged.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Detail)
		case pgForeignKeyViolation, pgNotNullViolation:
			return fmt.Errorf("%w: %s", ErrMissingReference, pqErr.Detail)
		case pgDeadlockDetected, pgSerializationFailure, pgTooManyConnections, pgObjectInUse:
			return &TransientIOError{err: err}
		}
		return err
	}

	if errors.Is(err, sql.ErrConnDone) {
		return &TransientIOError{err: err}
	}

	return err
}
