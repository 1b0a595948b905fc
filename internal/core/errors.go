package core

import (
	"errors"
	"fmt"
)

// Error taxonomy. Request-time failures wrap one of these so callers can
// classify them with errors.Is; asynchronous parse failures are recorded on
// the file record instead of being returned.
var (
	ErrValidation        = errors.New("validation failed")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("file not found")
	ErrConflict          = errors.New("conflict")
	ErrPayloadTooLarge   = errors.New("file too large")
	ErrUploadTimeout     = errors.New("upload timed out")
	ErrStorage           = errors.New("storage error")
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotReady means the file exists but has not been parsed yet.
	// It wraps ErrConflict.
	ErrNotReady = fmt.Errorf("%w: file is not parsed yet", ErrConflict)

	// ErrCancelled marks a pipeline stopped by deletion or shutdown.
	ErrCancelled = errors.New("upload cancelled")

	// ErrInterrupted marks a record found in flight at startup.
	ErrInterrupted = errors.New("interrupted by server restart")

	// ErrParseTimeout fails a parse that runs past the configured limit.
	ErrParseTimeout = errors.New("parse timed out")
)

var (
	errDeleted    = fmt.Errorf("%w: file deleted", ErrCancelled)
	errClientGone = fmt.Errorf("%w: client disconnected", ErrCancelled)
)

// validationError wraps ErrValidation with a field specific reason.
func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// storageError wraps ErrStorage, keeping the I/O cause for logs.
func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
