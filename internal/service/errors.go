package service

import (
	"errors"
	"fmt"
)

// The mutation services report failures through a small typed taxonomy so
// callers can map them onto API responses without string matching.

// ValidationError reports missing or malformed input. No writes happened.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// PermissionError reports a failed authorization check. No writes happened.
type PermissionError struct {
	Message string
}

func (e *PermissionError) Error() string { return e.Message }

// StateConflictError reports a mutation against an entity in the wrong
// state, such as closing an already-closed merge request.
type StateConflictError struct {
	Message string
}

func (e *StateConflictError) Error() string { return e.Message }

// StorageError wraps a failed write inside a transaction. The transaction
// was rolled back; the original error stays attached for diagnostics.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure in %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// DeliveryError reports a failed webhook delivery attempt. The owning job
// is retried per queue policy.
type DeliveryError struct {
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook delivery failed: %v", e.Err)
	}
	return fmt.Sprintf("webhook delivery failed with status %d", e.StatusCode)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

const codeSelfReview = "SELF_REVIEW_ERROR"

func validationErr(code, format string, args ...any) error {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func permissionErr(format string, args ...any) error {
	return &PermissionError{Message: fmt.Sprintf(format, args...)}
}

func stateConflictErr(format string, args ...any) error {
	return &StateConflictError{Message: fmt.Sprintf(format, args...)}
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// IsTerminal reports whether err identifies a non-retryable caller mistake
// rather than an infrastructure failure.
func IsTerminal(err error) bool {
	var ve *ValidationError
	var pe *PermissionError
	var sce *StateConflictError
	return errors.As(err, &ve) || errors.As(err, &pe) || errors.As(err, &sce)
}
