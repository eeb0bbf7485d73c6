package runners

import "errors"

// Validation errors. None of them reaches the store: the write is aborted
// and the document keeps its previous version.
var (
	ErrNameRequired      = errors.New("runners: name is required")
	ErrNameTooLong       = errors.New("runners: name too long")
	ErrInvalidStatus     = errors.New("runners: invalid status")
	ErrInvalidTransition = errors.New("runners: invalid transition")
	ErrNotRemovable      = errors.New("runners: only done runners can be removed")
)

// ErrNotFound is returned when the target id is not on the board.
var ErrNotFound = errors.New("runners: runner not found")

// IsValidation reports whether err is a caller mistake rather than a
// missing runner or a storage failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrNameRequired) ||
		errors.Is(err, ErrNameTooLong) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNotRemovable)
}
