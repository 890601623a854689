package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input rejected before any state change.
	ErrValidation = errors.New("validation failed")
	// ErrPolicyDenied marks a spending limit violation or a required approval.
	ErrPolicyDenied = errors.New("policy denied")
	// ErrInvalidStateTransition marks an approval acted on outside the pending state.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrStorageUnavailable marks a backing store failure. It is always fatal
	// for the call in progress.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by compare-and-swap writes that lost a race.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrSignatureInvalid is surfaced by verification only.
	ErrSignatureInvalid = errors.New("signature invalid")
	// ErrHashMismatch is surfaced by verification only.
	ErrHashMismatch = errors.New("evidence hash mismatch")
)

// ValidationError describes which input was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// PolicyDeniedError carries the machine-readable code and the human-readable
// message of a denial. The message is safe to show to end users verbatim.
type PolicyDeniedError struct {
	Code    string
	Message string
}

func (e *PolicyDeniedError) Error() string {
	return e.Message
}

func (e *PolicyDeniedError) Unwrap() error { return ErrPolicyDenied }

// StorageError wraps a backend failure so that it matches ErrStorageUnavailable
// while keeping the driver error reachable for logs.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

// UserMessage returns the text a caller should surface for err. Denials are
// shown verbatim; storage outages are reduced to a generic message.
func UserMessage(err error) string {
	var denied *PolicyDeniedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &denied):
		return denied.Message
	case errors.Is(err, ErrStorageUnavailable):
		return "the governance service is temporarily unavailable, please retry later"
	default:
		return err.Error()
	}
}
