package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable is returned when the backing store cannot be reached.
	// Nothing was written; the caller may retry later.
	ErrUnavailable = errors.New("storage: unavailable")

	// ErrConflict is returned when an optimistic write kept losing races and
	// ran out of retries.
	ErrConflict = errors.New("storage: write conflict")
)

// unavailable wraps err as ErrUnavailable unless it is a context error,
// which is passed through so callers can tell cancellation from outage.
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("storage: %s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
