package uploads

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest means required input is missing or malformed. Never retried.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFoundOrForbidden covers both a missing upload and one owned by someone else.
	ErrNotFoundOrForbidden = errors.New("upload not found")
	// ErrStorageUnavailable wraps transient record-store or object-store failures.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// PayloadTooLargeError rejects a declared size above the configured ceiling.
type PayloadTooLargeError struct {
	Size  int64
	Limit int64
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("declared size %d exceeds limit of %d bytes", e.Size, e.Limit)
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, msg)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
