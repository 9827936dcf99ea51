// Package apierr defines the sentinel error kinds shared across the hub's
// core components, so every layer can classify failures with errors.Is
// instead of string matching.
package apierr

import "errors"

var (
	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrWrongState means an operation's precondition on record state failed.
	ErrWrongState = errors.New("wrong state")
	// ErrStaleGeneration means a caller presented a fencing token older
	// than the record's current generation.
	ErrStaleGeneration = errors.New("stale generation")
	// ErrValidation means caller-supplied input failed schema validation.
	ErrValidation = errors.New("validation failed")
	// ErrUnauthorized means a token was missing, invalid, or revoked.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means a token was valid but lacks admin privilege.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict means the operation would violate a uniqueness or
	// state-exclusivity invariant (e.g. retrying a non-dead-lettered task).
	ErrConflict = errors.New("conflict")
)
