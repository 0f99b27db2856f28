/*
errors.go - Centralized error types for the clinic engine

ERROR CATEGORIES:
  1. Validation - missing/malformed input, illegal state transition (400)
  2. Not found  - referenced entity absent (404)
  3. Conflict   - double invoicing, concurrent modification, paid invoice cancel (409)
  4. Store      - driver abort, timeout, deadlock (500, safe to retry)

USAGE:
  Callers classify with errors.Is against the sentinels, or errors.As into
  the structured types for details:

    var nf *clinic.NotFoundError
    if errors.As(err, &nf) {
        log.Printf("missing %s: %v", nf.Kind, nf.IDs)
    }
*/
package clinic

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	// ErrTransactionFailed wraps every store-level failure. The operation
	// that returned it was rolled back entirely.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrConcurrentModification is returned when a conditional update
	// matched no row because another request moved the record first.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError reports bad input or an illegal state transition.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a *ValidationError.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundError names the kind of entity and the ids that could not be loaded.
type NotFoundError struct {
	Kind string
	IDs  []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, strings.Join(e.IDs, ", "))
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func NotFound[T ~string](kind string, ids ...T) error {
	return &NotFoundError{Kind: kind, IDs: toStrings(ids)}
}

// ConflictError reports a request that is well formed but contradicts
// current state. IDs lists the offending records when there are any.
type ConflictError struct {
	Message string
	IDs     []string
	cause   error
}

func (e *ConflictError) Error() string {
	if len(e.IDs) == 0 {
		return "conflict: " + e.Message
	}
	return fmt.Sprintf("conflict: %s: %s", e.Message, strings.Join(e.IDs, ", "))
}

func (e *ConflictError) Unwrap() []error {
	if e.cause != nil {
		return []error{ErrConflict, e.cause}
	}
	return []error{ErrConflict}
}

func Conflict[T ~string](message string, ids ...T) error {
	return &ConflictError{Message: message, IDs: toStrings(ids)}
}

func concurrentModification[T ~string](what string, ids ...T) error {
	return &ConflictError{
		Message: what + " was modified concurrently",
		IDs:     toStrings(ids),
		cause:   ErrConcurrentModification,
	}
}

// BatchError rejects a whole batch because some items failed a precondition.
// Nothing from the batch was written.
type BatchError struct {
	Operation string
	Reason    string
	Failed    []string
}

func (e *BatchError) Count() int { return len(e.Failed) }

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s rejected: %d item(s) %s: %s",
		e.Operation, len(e.Failed), e.Reason, strings.Join(e.Failed, ", "))
}

func (e *BatchError) Unwrap() error { return ErrValidation }

// StoreError wraps a failure from the storage driver.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrTransactionFailed, e.Err} }

// Wrap turns a driver error into a *StoreError. Domain errors pass through
// unchanged so classification survives the store boundary.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsClientError(err) || errors.Is(err, ErrTransactionFailed) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict)
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsRetryable returns true if repeating the whole operation may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionFailed) || errors.Is(err, ErrConcurrentModification)
}

func toStrings[T ~string](ids []T) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
