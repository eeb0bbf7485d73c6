// Package mirror keeps a client-side copy of the board in sync with the hub.
//
// A Mirror starts empty and becomes ready on the first full state. After
// that it applies deltas in version order. A delta whose version skips ahead
// means something was missed; Apply reports ErrVersionGap and the caller
// requests full state again. Client wires a Mirror to a websocket
// connection and does that automatically.
package mirror

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ashita-ai/tasuki/internal/model"
)

// ErrVersionGap is returned by Apply when a delta is newer than the next
// expected version. The mirror is left unchanged.
var ErrVersionGap = errors.New("mirror: version gap")

// Mirror is a concurrency-safe local copy of the board.
type Mirror struct {
	mu    sync.RWMutex
	snap  model.Snapshot
	ready bool
}

// New returns an empty mirror that is not ready.
func New() *Mirror {
	return &Mirror{snap: model.NewSnapshot()}
}

// Replace discards the local copy and installs snap.
func (m *Mirror) Replace(snap model.Snapshot) {
	snap = snap.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap
	m.ready = true
}

// Apply folds one server message into the mirror. State messages replace
// the board; deltas are applied when they are the next version or repeat the
// current one (evictions and their primary move share a version). Older
// deltas and deltas received before the first state are ignored. Messages
// that are not board changes are ignored.
func (m *Mirror) Apply(msg model.Message) error {
	if msg.Type == model.MsgState {
		var payload model.StatePayload
		if err := msg.Decode(&payload); err != nil {
			return fmt.Errorf("mirror: %w", err)
		}
		m.Replace(payload.State)
		return nil
	}

	change, err := decodeChange(msg)
	if err != nil || change == nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return nil
	}
	if msg.Version != 0 {
		switch last := m.snap.Version; {
		case msg.Version < last:
			return nil
		case msg.Version > last+1:
			return fmt.Errorf("%w: have %d, got %d", ErrVersionGap, last, msg.Version)
		}
		m.snap.Version = msg.Version
	}
	change(&m.snap)
	return nil
}

// decodeChange turns a delta into an edit of the snapshot. It returns nil
// for message types that don't change the board.
func decodeChange(msg model.Message) (func(*model.Snapshot), error) {
	switch msg.Type {
	case model.MsgAdded:
		var r model.Runner
		if err := msg.Decode(&r); err != nil {
			return nil, fmt.Errorf("mirror: %w", err)
		}
		return func(s *model.Snapshot) { s.Runners[r.ID] = r }, nil

	case model.MsgMoved:
		var p model.MovedPayload
		if err := msg.Decode(&p); err != nil {
			return nil, fmt.Errorf("mirror: %w", err)
		}
		return func(s *model.Snapshot) { s.Runners[p.Runner.ID] = p.Runner }, nil

	case model.MsgRemoved:
		var p model.RemovedPayload
		if err := msg.Decode(&p); err != nil {
			return nil, fmt.Errorf("mirror: %w", err)
		}
		return func(s *model.Snapshot) { delete(s.Runners, p.ID) }, nil

	case model.MsgAllRemoved:
		var p model.AllRemovedPayload
		if err := msg.Decode(&p); err != nil {
			return nil, fmt.Errorf("mirror: %w", err)
		}
		return func(s *model.Snapshot) {
			for _, id := range p.IDs {
				delete(s.Runners, id)
			}
		}, nil
	}
	return nil, nil
}

// Ready reports whether a full state has been received.
func (m *Mirror) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// Version returns the version of the last applied state or delta.
func (m *Mirror) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.Version
}

// Get returns the runner with id.
func (m *Mirror) Get(id string) (model.Runner, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.snap.Runners[id]
	return r.Clone(), ok
}

// Snapshot returns a copy of the local board.
func (m *Mirror) Snapshot() model.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.Clone()
}

// Board returns the local board grouped for display.
func (m *Mirror) Board() model.Columns {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.Columns()
}

// Next returns the runner that has been warming longest.
func (m *Mirror) Next() (model.Runner, bool) {
	warming := m.Board().Warming
	if len(warming) == 0 {
		return model.Runner{}, false
	}
	return warming[0], true
}
