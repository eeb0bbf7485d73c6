package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ashita-ai/tasuki/internal/auth"
	"github.com/ashita-ai/tasuki/internal/model"
	"github.com/ashita-ai/tasuki/internal/service/runners"
	"github.com/ashita-ai/tasuki/internal/storage"
)

// failure is how a mutation error is reported to REST and websocket clients.
type failure struct {
	Status  int
	Code    string
	Message string
	// Resync tells a websocket client its mirror is probably stale.
	Resync bool
}

// classify maps service, storage and auth errors onto the wire contract.
// Unknown errors are reported as internal without leaking their text.
func classify(err error) failure {
	switch {
	case errors.Is(err, errBadMessage):
		return failure{http.StatusBadRequest, model.ErrCodeInvalidInput, "malformed message", false}
	case errors.Is(err, auth.ErrInvalidPIN):
		return failure{http.StatusForbidden, model.ErrCodeInvalidPIN, "invalid PIN", false}
	case errors.Is(err, runners.ErrNotFound):
		return failure{http.StatusNotFound, model.ErrCodeNotFound, "runner not found", true}
	case errors.Is(err, runners.ErrInvalidTransition):
		return failure{http.StatusConflict, model.ErrCodeInvalidTransition, message(err), true}
	case runners.IsValidation(err):
		return failure{http.StatusBadRequest, model.ErrCodeInvalidInput, message(err), false}
	case errors.Is(err, storage.ErrConflict):
		return failure{http.StatusConflict, model.ErrCodeConflict, "board is busy, try again", true}
	case errors.Is(err, storage.ErrUnavailable):
		return failure{http.StatusServiceUnavailable, model.ErrCodeUnavailable, "storage unavailable", true}
	default:
		return failure{http.StatusInternalServerError, model.ErrCodeInternalError, "internal error", false}
	}
}

// message strips the package prefixes from a validation error so the text
// reads well in a UI.
func message(err error) string {
	for _, sentinel := range []error{
		runners.ErrNameRequired,
		runners.ErrNameTooLong,
		runners.ErrInvalidStatus,
		runners.ErrInvalidTransition,
		runners.ErrNotRemovable,
	} {
		if errors.Is(err, sentinel) {
			return strings.TrimPrefix(sentinel.Error(), "runners: ")
		}
	}
	return err.Error()
}
