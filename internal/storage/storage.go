// Package storage holds the board's state document and its audit log.
//
// The state document is a single versioned value (every runner in one map)
// that is only ever changed through Store.WriteAtomic. Each backend
// serializes concurrent WriteAtomic calls against the document so that no
// update is lost: the memory and SQLite stores use a single writer, Postgres
// locks the row for the length of a transaction, and Redis uses optimistic
// WATCH/MULTI with retry.
//
// The event log is a bounded, newest-first audit trail kept next to the
// document. It is best-effort and capped (DefaultEventCap entries, oldest
// dropped), so it cannot be used to reconstruct the document once the cap
// has been exceeded. Nothing in this package reads it back for that purpose.
package storage

import (
	"context"
	"errors"

	"github.com/ashita-ai/tasuki/internal/model"
)

// Persisted key names, shared by every backend.
const (
	KeyState  = "runners:state"
	KeyEvents = "runners:events"
)

// DefaultEventCap is the number of audit events retained.
const DefaultEventCap = 1000

// MutateFunc edits a private copy of the snapshot. Returning an error aborts
// the write and the error is passed back to the caller of WriteAtomic
// unchanged.
type MutateFunc func(snap *model.Snapshot) error

// Store is the authoritative state document.
type Store interface {
	// Read returns the current snapshot.
	Read(ctx context.Context) (model.Snapshot, error)
	// WriteAtomic applies fn to the current snapshot and persists the result
	// with Version incremented by one. Concurrent calls behave as if run one
	// after another.
	WriteAtomic(ctx context.Context, fn MutateFunc) (model.Snapshot, error)
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// EventLog is the bounded audit trail.
type EventLog interface {
	// Append records ev as the newest entry and trims the log to its cap in
	// the same step.
	Append(ctx context.Context, ev model.Event) error
	// Recent returns up to limit events, newest first.
	Recent(ctx context.Context, limit int) ([]model.Event, error)
}

// abortError carries a MutateFunc error through a backend's transaction
// machinery so it is not mistaken for a storage failure.
type abortError struct{ err error }

func (e *abortError) Error() string { return e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

// mutate runs fn against a copy of cur and bumps the version.
func mutate(cur model.Snapshot, fn MutateFunc) (model.Snapshot, error) {
	next := cur.Clone()
	if next.Runners == nil {
		next.Runners = make(map[string]model.Runner)
	}
	if err := fn(&next); err != nil {
		return model.Snapshot{}, &abortError{err: err}
	}
	next.Version = cur.Version + 1
	return next, nil
}

// unwrapAbort returns the caller's own error if err came from a MutateFunc.
func unwrapAbort(err error) (error, bool) {
	var ab *abortError
	if errors.As(err, &ab) {
		return ab.err, true
	}
	return err, false
}

// clampLimit bounds a Recent limit to (0, cap].
func clampLimit(limit, cap int) int {
	if limit <= 0 || limit > cap {
		return cap
	}
	return limit
}
