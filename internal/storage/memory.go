package storage

import (
	"context"
	"sync"

	"github.com/ashita-ai/tasuki/internal/model"
)

// MemoryStore keeps the document in process. A single mutex makes it the
// one writer for the document; it is the right choice when one process owns
// the board and durability across restarts is not needed.
type MemoryStore struct {
	mu   sync.Mutex
	snap model.Snapshot
}

// NewMemoryStore returns an empty store at version zero.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snap: model.NewSnapshot()}
}

// Read returns a copy of the current snapshot.
func (s *MemoryStore) Read(context.Context) (model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone(), nil
}

// WriteAtomic applies fn while holding the store lock.
func (s *MemoryStore) WriteAtomic(_ context.Context, fn MutateFunc) (model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := mutate(s.snap, fn)
	if err != nil {
		err, _ = unwrapAbort(err)
		return model.Snapshot{}, err
	}
	s.snap = next
	return next.Clone(), nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// MemoryEventLog is a capped in-process audit log.
type MemoryEventLog struct {
	cap int

	mu     sync.Mutex
	events []model.Event // newest first
}

// NewMemoryEventLog returns a log that keeps at most cap events.
// A non-positive cap means DefaultEventCap.
func NewMemoryEventLog(cap int) *MemoryEventLog {
	if cap <= 0 {
		cap = DefaultEventCap
	}
	return &MemoryEventLog{cap: cap}
}

// Append pushes ev to the front and drops anything past the cap.
func (l *MemoryEventLog) Append(_ context.Context, ev model.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, model.Event{})
	copy(l.events[1:], l.events)
	l.events[0] = ev
	if len(l.events) > l.cap {
		clear(l.events[l.cap:])
		l.events = l.events[:l.cap]
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (l *MemoryEventLog) Recent(_ context.Context, limit int) ([]model.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit = clampLimit(limit, l.cap)
	if limit > len(l.events) {
		limit = len(l.events)
	}
	out := make([]model.Event, limit)
	copy(out, l.events[:limit])
	return out, nil
}
