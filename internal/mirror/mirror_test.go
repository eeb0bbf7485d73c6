package mirror_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tasuki/internal/mirror"
	"github.com/ashita-ai/tasuki/internal/model"
)

func ptr(v int64) *int64 { return &v }

func msg(t *testing.T, typ model.MessageType, version uint64, payload any) model.Message {
	t.Helper()
	m, err := model.NewMessage(typ, version, payload)
	require.NoError(t, err)
	return m
}

func stateMsg(t *testing.T, snap model.Snapshot) model.Message {
	return msg(t, model.MsgState, snap.Version, model.StatePayload{State: snap, Timestamp: 1})
}

func readyMirror(t *testing.T, version uint64, runners ...model.Runner) *mirror.Mirror {
	t.Helper()
	snap := model.Snapshot{Version: version, Runners: map[string]model.Runner{}}
	for _, r := range runners {
		snap.Runners[r.ID] = r
	}
	m := mirror.New()
	require.NoError(t, m.Apply(stateMsg(t, snap)))
	return m
}

func TestMirror_IgnoresDeltasBeforeState(t *testing.T) {
	m := mirror.New()
	assert.False(t, m.Ready())

	require.NoError(t, m.Apply(msg(t, model.MsgAdded, 5, model.Runner{ID: "a", Status: model.StatusWarming})))
	assert.Empty(t, m.Snapshot().Runners)
	assert.False(t, m.Ready())

	require.NoError(t, m.Apply(stateMsg(t, model.Snapshot{Version: 7})))
	assert.True(t, m.Ready())
	assert.Equal(t, uint64(7), m.Version())
}

func TestMirror_AppliesDeltasInOrder(t *testing.T) {
	m := readyMirror(t, 1)

	require.NoError(t, m.Apply(msg(t, model.MsgAdded, 2, model.Runner{ID: "a", Name: "A", Status: model.StatusWarming, StartTS: 10})))
	require.NoError(t, m.Apply(msg(t, model.MsgAdded, 3, model.Runner{ID: "b", Name: "B", Status: model.StatusWarming, StartTS: 20})))

	moved := model.Runner{ID: "a", Name: "A", Status: model.StatusQueue, StartTS: 10, QueueTS: ptr(30)}
	require.NoError(t, m.Apply(msg(t, model.MsgMoved, 4, model.MovedPayload{Runner: moved, From: model.StatusWarming, To: model.StatusQueue})))

	r, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, model.StatusQueue, r.Status)
	assert.Equal(t, uint64(4), m.Version())

	require.NoError(t, m.Apply(msg(t, model.MsgRemoved, 5, model.RemovedPayload{ID: "b"})))
	_, ok = m.Get("b")
	assert.False(t, ok)
}

func TestMirror_SharedVersionForEvictions(t *testing.T) {
	m := readyMirror(t, 3,
		model.Runner{ID: "a", Status: model.StatusQueue, QueueTS: ptr(1)},
		model.Runner{ID: "b", Status: model.StatusWarming},
	)

	evicted := model.Runner{ID: "a", Status: model.StatusDone, QueueTS: ptr(1), EndTS: ptr(5)}
	promoted := model.Runner{ID: "b", Status: model.StatusQueue, QueueTS: ptr(5)}
	require.NoError(t, m.Apply(msg(t, model.MsgMoved, 4, model.MovedPayload{Runner: evicted, From: model.StatusQueue, To: model.StatusDone})))
	require.NoError(t, m.Apply(msg(t, model.MsgMoved, 4, model.MovedPayload{Runner: promoted, From: model.StatusWarming, To: model.StatusQueue})))

	board := m.Board()
	require.Len(t, board.Queue, 1)
	assert.Equal(t, "b", board.Queue[0].ID)
	require.Len(t, board.Done, 1)
	assert.Equal(t, "a", board.Done[0].ID)
}

func TestMirror_VersionGap(t *testing.T) {
	m := readyMirror(t, 2, model.Runner{ID: "a", Status: model.StatusWarming})

	err := m.Apply(msg(t, model.MsgRemoved, 4, model.RemovedPayload{ID: "a"}))
	require.ErrorIs(t, err, mirror.ErrVersionGap)

	_, ok := m.Get("a")
	assert.True(t, ok, "a rejected delta leaves the mirror untouched")
	assert.Equal(t, uint64(2), m.Version())
}

func TestMirror_StaleDeltaIgnored(t *testing.T) {
	m := readyMirror(t, 5, model.Runner{ID: "a", Status: model.StatusWarming})

	require.NoError(t, m.Apply(msg(t, model.MsgRemoved, 3, model.RemovedPayload{ID: "a"})))
	_, ok := m.Get("a")
	assert.True(t, ok)
	assert.Equal(t, uint64(5), m.Version())
}

func TestMirror_ReapplyIsIdempotent(t *testing.T) {
	m := readyMirror(t, 1)
	add := msg(t, model.MsgAdded, 2, model.Runner{ID: "a", Status: model.StatusWarming})

	require.NoError(t, m.Apply(add))
	require.NoError(t, m.Apply(add))
	assert.Len(t, m.Snapshot().Runners, 1)

	removeAll := msg(t, model.MsgAllRemoved, 3, model.AllRemovedPayload{IDs: []string{"a", "missing"}})
	require.NoError(t, m.Apply(removeAll))
	require.NoError(t, m.Apply(removeAll))
	assert.Empty(t, m.Snapshot().Runners)
}

func TestMirror_UnversionedDeltaApplies(t *testing.T) {
	m := readyMirror(t, 9)
	require.NoError(t, m.Apply(msg(t, model.MsgAdded, 0, model.Runner{ID: "a", Status: model.StatusWarming})))
	_, ok := m.Get("a")
	assert.True(t, ok)
	assert.Equal(t, uint64(9), m.Version())
}

func TestMirror_StateReplacesWholesale(t *testing.T) {
	m := readyMirror(t, 3, model.Runner{ID: "old", Status: model.StatusDone})

	require.NoError(t, m.Apply(stateMsg(t, model.Snapshot{
		Version: 10,
		Runners: map[string]model.Runner{"new": {ID: "new", Status: model.StatusWarming}},
	})))
	_, ok := m.Get("old")
	assert.False(t, ok)
	_, ok = m.Get("new")
	assert.True(t, ok)
	assert.Equal(t, uint64(10), m.Version())
}

func TestMirror_IgnoresNonDeltas(t *testing.T) {
	m := readyMirror(t, 1)
	require.NoError(t, m.Apply(msg(t, model.MsgError, 0, model.ErrorPayload{Message: "x"})))
	assert.Equal(t, uint64(1), m.Version())
}

func TestMirror_MalformedDelta(t *testing.T) {
	m := readyMirror(t, 1)
	err := m.Apply(model.Message{Type: model.MsgAdded, Version: 2, Data: []byte(`"nope"`)})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, mirror.ErrVersionGap)
}

func TestMirror_Next(t *testing.T) {
	m := mirror.New()
	_, ok := m.Next()
	assert.False(t, ok)

	m = readyMirror(t, 1,
		model.Runner{ID: "late", Status: model.StatusWarming, StartTS: 50},
		model.Runner{ID: "early", Status: model.StatusWarming, StartTS: 10},
		model.Runner{ID: "q", Status: model.StatusQueue, StartTS: 1, QueueTS: ptr(2)},
	)
	next, ok := m.Next()
	require.True(t, ok)
	assert.Equal(t, "early", next.ID)
}

func TestMirror_SnapshotIsACopy(t *testing.T) {
	m := readyMirror(t, 1, model.Runner{ID: "a", Status: model.StatusQueue, QueueTS: ptr(1)})

	snap := m.Snapshot()
	r := snap.Runners["a"]
	*r.QueueTS = 99
	delete(snap.Runners, "a")

	got, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, int64(1), *got.QueueTS)
}

func TestMirror_ConcurrentReaders(t *testing.T) {
	m := readyMirror(t, 0)
	deltas := make([]model.Message, 100)
	for i := range deltas {
		deltas[i] = msg(t, model.MsgAdded, uint64(i+1), model.Runner{ID: "r", Status: model.StatusWarming})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, d := range deltas {
			_ = m.Apply(d)
		}
	}()
	go func() {
		defer wg.Done()
		for range 100 {
			_ = m.Board()
			_, _ = m.Next()
		}
	}()
	wg.Wait()
	assert.Equal(t, uint64(100), m.Version())
}
