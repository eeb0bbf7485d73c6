package mirror_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tasuki/internal/auth"
	"github.com/ashita-ai/tasuki/internal/mirror"
	"github.com/ashita-ai/tasuki/internal/model"
	"github.com/ashita-ai/tasuki/internal/server"
	"github.com/ashita-ai/tasuki/internal/service/runners"
	"github.com/ashita-ai/tasuki/internal/storage"
	"github.com/ashita-ai/tasuki/internal/testutil"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// startBoard serves a real hub over an in-memory store.
func startBoard(t *testing.T) *httptest.Server {
	srv, _ := startBoardWith(t, storage.NewMemoryStore())
	return srv
}

func startBoardWith(t *testing.T, store storage.Store) (*httptest.Server, *server.Hub) {
	t.Helper()
	logger := testutil.TestLogger()
	svc := runners.New(store, storage.NewMemoryEventLog(100), logger)
	pins, err := auth.NewPINGate("1111", "")
	require.NoError(t, err)
	hub := server.NewHub(svc, pins, logger, server.HubOptions{})
	srv := httptest.NewServer(server.New(server.ServerConfig{Hub: hub, Logger: logger}).Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return srv, hub
}

// flakyStore fails its first reads with ErrUnavailable.
type flakyStore struct {
	storage.Store
	failures atomic.Int32
}

func (s *flakyStore) Read(ctx context.Context) (model.Snapshot, error) {
	if s.failures.Add(-1) >= 0 {
		return model.Snapshot{}, fmt.Errorf("%w: read: connection refused", storage.ErrUnavailable)
	}
	return s.Store.Read(ctx)
}

func runClient(t *testing.T, c *mirror.Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(waitFor):
			t.Error("client did not stop")
		}
	})
}

func TestClient_SyncsWithHub(t *testing.T) {
	srv := startBoard(t)
	logger := testutil.TestLogger()

	var changes atomic.Int32
	a := mirror.NewClient(wsURL(srv), mirror.WithLogger(logger), mirror.WithOnChange(func(*mirror.Mirror) { changes.Add(1) }))
	b := mirror.NewClient(wsURL(srv), mirror.WithLogger(logger))
	runClient(t, a)
	runClient(t, b)

	require.Eventually(t, func() bool { return a.Mirror().Ready() && b.Mirror().Ready() }, waitFor, tick)

	require.NoError(t, a.Add("first"))
	require.NoError(t, a.Add("second"))
	require.Eventually(t, func() bool { return len(b.Mirror().Snapshot().Runners) == 2 }, waitFor, tick)

	picked, err := b.PickNext()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		q := a.Mirror().Board().Queue
		return len(q) == 1 && q[0].ID == picked.ID
	}, waitFor, tick)

	// Picking again evicts the first pick; both mirrors agree on one queued runner.
	second, err := a.PickNext()
	require.NoError(t, err)
	assert.NotEqual(t, picked.ID, second.ID)
	require.Eventually(t, func() bool {
		for _, c := range []*mirror.Client{a, b} {
			board := c.Mirror().Board()
			if len(board.Queue) != 1 || board.Queue[0].ID != second.ID || len(board.Done) != 1 {
				return false
			}
		}
		return true
	}, waitFor, tick)
	assert.Equal(t, a.Mirror().Version(), b.Mirror().Version())
	assert.Positive(t, changes.Load())

	_, err = a.PickNext()
	assert.ErrorIs(t, err, mirror.ErrNoneWarming)
}

func TestClient_ErrorNoticeGoesToRequester(t *testing.T) {
	srv := startBoard(t)

	notices := make(chan model.ErrorPayload, 1)
	c := mirror.NewClient(wsURL(srv),
		mirror.WithLogger(testutil.TestLogger()),
		mirror.WithOnError(func(p model.ErrorPayload) { notices <- p }),
	)
	runClient(t, c)
	require.Eventually(t, c.Mirror().Ready, waitFor, tick)

	require.NoError(t, c.Add("r"))
	require.Eventually(t, func() bool { return len(c.Mirror().Snapshot().Runners) == 1 }, waitFor, tick)
	var id string
	for id = range c.Mirror().Snapshot().Runners {
	}

	require.NoError(t, c.Remove(id, "bad"))
	select {
	case p := <-notices:
		assert.Equal(t, model.ErrCodeInvalidPIN, p.Code)
	case <-time.After(waitFor):
		t.Fatal("no error notice")
	}

	require.NoError(t, c.Remove(id, "1111"))
	require.Eventually(t, func() bool { return len(c.Mirror().Snapshot().Runners) == 0 }, waitFor, tick)
}

func TestClient_NotConnected(t *testing.T) {
	c := mirror.NewClient("ws://127.0.0.1:1/ws")
	assert.ErrorIs(t, c.Add("x"), mirror.ErrNotConnected)
	assert.ErrorIs(t, c.Resync(), mirror.ErrNotConnected)
}

// fakeHub is a scripted websocket peer. script runs once per connection
// with the connection number (starting at 1) and a channel of the client's
// message types.
type fakeHub struct {
	conns atomic.Int32
}

func (f *fakeHub) serve(t *testing.T, script func(n int32, conn *websocket.Conn, in <-chan model.MessageType)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		n := f.conns.Add(1)

		in := make(chan model.MessageType, 16)
		go func() {
			defer close(in)
			for {
				var msg model.Message
				if err := conn.ReadJSON(&msg); err != nil {
					return
				}
				in <- msg.Type
			}
		}()
		script(n, conn, in)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeMsg(conn *websocket.Conn, typ model.MessageType, version uint64, payload any) {
	msg, err := model.NewMessage(typ, version, payload)
	if err != nil {
		panic(err)
	}
	_ = conn.WriteJSON(msg)
}

func expect(in <-chan model.MessageType, want model.MessageType) bool {
	select {
	case got, ok := <-in:
		return ok && got == want
	case <-time.After(waitFor):
		return false
	}
}

func TestClient_ResyncsOnVersionGap(t *testing.T) {
	var requests atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)

	f := &fakeHub{}
	srv := f.serve(t, func(n int32, conn *websocket.Conn, in <-chan model.MessageType) {
		defer wg.Done()
		if !expect(in, model.MsgRequestState) {
			return
		}
		requests.Add(1)
		writeMsg(conn, model.MsgState, 1, model.StatePayload{State: model.Snapshot{Version: 1}})

		// Version 2 is skipped.
		writeMsg(conn, model.MsgAdded, 3, model.Runner{ID: "x", Status: model.StatusWarming})
		writeMsg(conn, model.MsgAdded, 4, model.Runner{ID: "y", Status: model.StatusWarming})
		if !expect(in, model.MsgRequestState) {
			return
		}
		requests.Add(1)
		writeMsg(conn, model.MsgState, 4, model.StatePayload{State: model.Snapshot{
			Version: 4,
			Runners: map[string]model.Runner{
				"w": {ID: "w", Status: model.StatusWarming},
				"x": {ID: "x", Status: model.StatusWarming},
				"y": {ID: "y", Status: model.StatusWarming},
			},
		}})

		// No further state request should follow.
		select {
		case typ, ok := <-in:
			if ok {
				t.Errorf("unexpected client message %s", typ)
			}
		case <-time.After(100 * time.Millisecond):
		}
	})

	c := mirror.NewClient(wsURL(srv), mirror.WithLogger(testutil.TestLogger()))
	runClient(t, c)

	require.Eventually(t, func() bool { return c.Mirror().Version() == 4 }, waitFor, tick)
	wg.Wait()
	assert.Equal(t, int32(2), requests.Load(), "one state request for the whole gap")
	assert.Len(t, c.Mirror().Snapshot().Runners, 3)
}

func TestClient_ResyncsOnErrorNotice(t *testing.T) {
	resynced := make(chan struct{})
	f := &fakeHub{}
	srv := f.serve(t, func(n int32, conn *websocket.Conn, in <-chan model.MessageType) {
		if !expect(in, model.MsgRequestState) {
			return
		}
		writeMsg(conn, model.MsgState, 1, model.StatePayload{State: model.Snapshot{Version: 1}})
		writeMsg(conn, model.MsgError, 0, model.ErrorPayload{Message: "runner not found", Code: model.ErrCodeNotFound, Resync: true})
		if expect(in, model.MsgRequestState) {
			close(resynced)
		}
		<-in
	})

	c := mirror.NewClient(wsURL(srv), mirror.WithLogger(testutil.TestLogger()))
	runClient(t, c)

	select {
	case <-resynced:
	case <-time.After(waitFor):
		t.Fatal("client did not resync after error notice")
	}
}

func TestClient_Reconnects(t *testing.T) {
	f := &fakeHub{}
	srv := f.serve(t, func(n int32, conn *websocket.Conn, in <-chan model.MessageType) {
		if !expect(in, model.MsgRequestState) {
			return
		}
		writeMsg(conn, model.MsgState, uint64(n), model.StatePayload{State: model.Snapshot{Version: uint64(n)}})
		if n == 1 {
			return // drop the first connection
		}
		<-in
	})

	c := mirror.NewClient(wsURL(srv),
		mirror.WithLogger(testutil.TestLogger()),
		mirror.WithBackoff(10*time.Millisecond, 50*time.Millisecond),
	)
	runClient(t, c)

	require.Eventually(t, func() bool { return c.Mirror().Version() == 2 }, waitFor, tick)
	assert.GreaterOrEqual(t, f.conns.Load(), int32(2))
}

func TestClient_RetriesStateAfterFailedRequest(t *testing.T) {
	store := &flakyStore{Store: storage.NewMemoryStore()}
	store.failures.Store(2)
	srv, hub := startBoardWith(t, store)

	notices := make(chan model.ErrorPayload, 4)
	c := mirror.NewClient(wsURL(srv),
		mirror.WithLogger(testutil.TestLogger()),
		mirror.WithBackoff(10*time.Millisecond, 50*time.Millisecond),
		mirror.WithOnError(func(p model.ErrorPayload) { notices <- p }),
	)
	runClient(t, c)

	select {
	case p := <-notices:
		assert.Equal(t, model.ErrCodeUnavailable, p.Code)
		assert.True(t, p.Resync)
	case <-time.After(waitFor):
		t.Fatal("no error notice for the failed state request")
	}

	require.Eventually(t, c.Mirror().Ready, waitFor, tick, "mirror never recovered after failed state requests")

	_, err := hub.AddRunner(context.Background(), "Alice", "test")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		board := c.Mirror().Board()
		return len(board.Warming) == 1 && board.Warming[0].Name == "Alice"
	}, waitFor, tick)
}

func TestClient_RetriesStateAfterErrorReply(t *testing.T) {
	f := &fakeHub{}
	srv := f.serve(t, func(n int32, conn *websocket.Conn, in <-chan model.MessageType) {
		if !expect(in, model.MsgRequestState) {
			return
		}
		// A reply without the resync flag still counts as a failed request.
		writeMsg(conn, model.MsgError, 0, model.ErrorPayload{Message: "internal error", Code: model.ErrCodeInternalError})
		if !expect(in, model.MsgRequestState) {
			return
		}
		writeMsg(conn, model.MsgState, 5, model.StatePayload{State: model.Snapshot{Version: 5}})
		<-in
	})

	c := mirror.NewClient(wsURL(srv),
		mirror.WithLogger(testutil.TestLogger()),
		mirror.WithBackoff(10*time.Millisecond, 50*time.Millisecond),
	)
	runClient(t, c)

	require.Eventually(t, func() bool { return c.Mirror().Version() == 5 }, waitFor, tick)
	assert.Equal(t, int32(1), f.conns.Load(), "recovered without reconnecting")
}
