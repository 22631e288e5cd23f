package models

import (
	"errors"
	"fmt"
)

// Error taxonomy. Classify with errors.Is.
var (
	// ErrTransientIO marks broker, store, cache and venue timeouts or outages. Retried with backoff.
	ErrTransientIO = errors.New("transient io")
	// ErrValidation marks a risk constraint violation. Reported, never retried.
	ErrValidation = errors.New("validation failed")
	// ErrData marks malformed or missing fields. Logged and dropped.
	ErrData = errors.New("malformed data")
	// ErrExhausted is returned once every retry and fallback has been used.
	ErrExhausted = errors.New("retries exhausted")

	ErrNotFound          = errors.New("not found")
	ErrQuorumNotReached  = errors.New("quorum not reached")
	ErrInvalidTransition = errors.New("invalid order status transition")
)

// DataErrorf returns an error matching ErrData.
func DataErrorf(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrData, fmt.Sprintf(format, a...))
}

// ValidationErrorf returns an error matching ErrValidation.
func ValidationErrorf(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, a...))
}

// TransientError wraps err so it also matches ErrTransientIO.
func TransientError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransientIO, err)
}

// IsNonRetryable reports whether retrying err cannot succeed.
func IsNonRetryable(err error) bool {
	return errors.Is(err, ErrData) || errors.Is(err, ErrValidation)
}

// ErrorKind maps err to a low-cardinality label for metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrData):
		return "data"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrExhausted):
		return "exhausted"
	case errors.Is(err, ErrTransientIO):
		return "transient_io"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "other"
	}
}
