package store

import (
	"errors"
	"fmt"
)

// Common store errors used across all store implementations.
var (
	// ErrResultNotFound is returned when no terminal record exists yet for a
	// task id. Callers treat this as "still pending", not as a failure.
	ErrResultNotFound = errors.New("result record not found")

	// ErrUnavailable is returned when the underlying store cannot be
	// reached. Writes hitting this error are retried at the store-write
	// boundary; if the error persists the delivery is left unacked so the
	// broker redelivers.
	ErrUnavailable = errors.New("result store unavailable")
)

// IsNotFoundError checks if the error indicates a missing result record.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrResultNotFound)
}

// StoreError is a custom error type for store-specific errors with additional context.
type StoreError struct {
	Operation string // The operation that failed (e.g., "write_result", "get_result")
	Message   string // Error message
	Err       error  // Original error
}

// Error implements the error interface for StoreError.
func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("%s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError with the given operation, message, and wrapped error.
func NewStoreError(operation, message string, err error) *StoreError {
	return &StoreError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}
