package core

import "errors"

// Error taxonomy shared by every component. Callers match with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrValidation   = errors.New("validation error")
	ErrStorage      = errors.New("storage error")
)

// ErrorKind names the taxonomy bucket of an error.
type ErrorKind string

const (
	KindNone         ErrorKind = ""
	KindNotFound     ErrorKind = "not_found"
	KindConflict     ErrorKind = "conflict"
	KindInvalidState ErrorKind = "invalid_state"
	KindValidation   ErrorKind = "validation"
	KindStorage      ErrorKind = "storage"
)

// KindOf classifies err. Unclassified errors are reported as storage failures
// since they can only originate from a collaborator.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrValidation):
		return KindValidation
	default:
		return KindStorage
	}
}

// IsRetryable reports whether the caller may retry the operation as-is.
// Only storage failures qualify; every mutation is idempotent on its event key.
func IsRetryable(err error) bool {
	return KindOf(err) == KindStorage
}
