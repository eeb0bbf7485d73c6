package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tasuki/internal/auth"
	"github.com/ashita-ai/tasuki/internal/model"
	"github.com/ashita-ai/tasuki/internal/service/runners"
	"github.com/ashita-ai/tasuki/internal/telemetry"
)

// Hub is the single entry point for board mutations from any transport and
// fans committed changes out to every websocket session.
//
// A mutation and the enqueueing of its deltas happen under dispatchMu, so
// every session receives deltas in commit order. State replies are taken
// under the same lock, which places each snapshot correctly between the
// deltas around it.
type Hub struct {
	svc    *runners.Service
	pins   *auth.PINGate
	logger *slog.Logger
	opts   HubOptions
	now    func() time.Time

	dispatchMu sync.Mutex

	sessMu   sync.RWMutex
	sessions map[string]*session

	broadcasts metric.Int64Counter
	dropped    metric.Int64Counter
}

// HubOptions tunes websocket sessions. Zero fields take defaults.
type HubOptions struct {
	SessionBuffer   int           // outbound messages queued per session
	PingInterval    time.Duration // keepalive period; a session missing two pongs is closed
	MaxMessageBytes int64         // largest accepted client message
	AllowedOrigin   string        // "*" or a single origin allowed to open sockets
}

func (o HubOptions) withDefaults() HubOptions {
	if o.SessionBuffer <= 0 {
		o.SessionBuffer = 256
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 * 1024
	}
	if o.AllowedOrigin == "" {
		o.AllowedOrigin = "*"
	}
	return o
}

// NewHub creates a hub over svc. pins may be nil (no PIN required).
func NewHub(svc *runners.Service, pins *auth.PINGate, logger *slog.Logger, opts HubOptions) *Hub {
	meter := telemetry.Meter("tasuki/hub")
	broadcasts, _ := meter.Int64Counter("tasuki.hub.broadcasts",
		metric.WithDescription("Deltas fanned out to sessions"),
	)
	dropped, _ := meter.Int64Counter("tasuki.hub.sessions_dropped",
		metric.WithDescription("Sessions disconnected for falling behind"),
	)
	return &Hub{
		svc:        svc,
		pins:       pins,
		logger:     logger,
		opts:       opts.withDefaults(),
		now:        time.Now,
		sessions:   make(map[string]*session),
		broadcasts: broadcasts,
		dropped:    dropped,
	}
}

// SessionCount returns the number of connected websocket sessions.
func (h *Hub) SessionCount() int {
	h.sessMu.RLock()
	defer h.sessMu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) register(s *session) {
	h.sessMu.Lock()
	h.sessions[s.id] = s
	n := len(h.sessions)
	h.sessMu.Unlock()
	h.logger.Info("hub: session connected", "session_id", s.id, "sessions", n)
}

func (h *Hub) unregister(s *session) {
	h.sessMu.Lock()
	delete(h.sessions, s.id)
	n := len(h.sessions)
	h.sessMu.Unlock()
	h.logger.Info("hub: session disconnected", "session_id", s.id, "sessions", n)
}

// AddRunner creates a runner and broadcasts runner:added.
func (h *Hub) AddRunner(ctx context.Context, name, actor string) (runners.AddResult, error) {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	res, err := h.svc.AddRunner(ctx, name, actor)
	if err != nil {
		return runners.AddResult{}, err
	}
	h.broadcast(ctx, model.MsgAdded, res.Version, res.Runner)
	return res, nil
}

// MoveRunner changes a runner's status. Runners evicted from the queue are
// broadcast as their own runner:moved deltas ahead of the primary one.
func (h *Hub) MoveRunner(ctx context.Context, id string, to model.Status, actor string) (runners.MoveResult, error) {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	res, err := h.svc.MoveRunner(ctx, id, to, actor)
	if err != nil {
		return runners.MoveResult{}, err
	}
	for _, ev := range res.Evicted {
		h.broadcast(ctx, model.MsgMoved, res.Version, model.MovedPayload{
			Runner: ev, From: model.StatusQueue, To: model.StatusDone,
		})
	}
	h.broadcast(ctx, model.MsgMoved, res.Version, model.MovedPayload{
		Runner: res.Runner, From: res.From, To: res.To,
	})
	return res, nil
}

// RemoveRunner deletes a runner after checking the admin PIN. A wrong PIN
// never reaches the service, so nothing is committed or audited.
func (h *Hub) RemoveRunner(ctx context.Context, id, pin, actor string) (runners.RemoveResult, error) {
	if err := h.pins.Check(pin); err != nil {
		h.logger.Warn("hub: remove rejected", "runner_id", id, "actor", actor, "error", err)
		return runners.RemoveResult{}, err
	}

	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	res, err := h.svc.RemoveRunner(ctx, id, actor)
	if err != nil {
		return runners.RemoveResult{}, err
	}
	h.broadcast(ctx, model.MsgRemoved, res.Version, model.RemovedPayload{ID: res.ID})
	return res, nil
}

// RemoveAll deletes every runner in status after checking the admin PIN.
// An empty status means done.
func (h *Hub) RemoveAll(ctx context.Context, status model.Status, pin, actor string) (runners.RemoveAllResult, error) {
	if err := h.pins.Check(pin); err != nil {
		h.logger.Warn("hub: remove all rejected", "status", status, "actor", actor, "error", err)
		return runners.RemoveAllResult{}, err
	}
	if status == "" {
		status = model.StatusDone
	}

	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	res, err := h.svc.RemoveAllByStatus(ctx, status, actor)
	if err != nil {
		return runners.RemoveAllResult{}, err
	}
	h.broadcast(ctx, model.MsgAllRemoved, res.Version, model.AllRemovedPayload{IDs: res.IDs})
	return res, nil
}

// State returns the current snapshot.
func (h *Hub) State(ctx context.Context) (model.Snapshot, error) {
	return h.svc.State(ctx)
}

// Events returns recent audit events, newest first.
func (h *Hub) Events(ctx context.Context, limit int) ([]model.Event, error) {
	return h.svc.Events(ctx, limit)
}

// sendState reads the snapshot and queues it for s alone.
func (h *Hub) sendState(ctx context.Context, s *session) error {
	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	snap, err := h.svc.State(ctx)
	if err != nil {
		return err
	}
	msg, err := model.NewMessage(model.MsgState, snap.Version, model.StatePayload{
		State:     snap,
		Timestamp: h.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("hub: encode state: %w", err)
	}
	h.send(s, msg)
	return nil
}

// sendError queues an error notice for s alone.
func (h *Hub) sendError(s *session, err error) {
	f := classify(err)
	msg, encErr := model.NewMessage(model.MsgError, 0, model.ErrorPayload{
		Message: f.Message,
		Code:    f.Code,
		Resync:  f.Resync,
	})
	if encErr != nil {
		h.logger.Error("hub: encode error message", "error", encErr)
		return
	}
	h.send(s, msg)
}

func (h *Hub) send(s *session, msg model.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("hub: marshal message", "type", msg.Type, "error", err)
		return
	}
	if !s.enqueue(data) {
		h.drop(context.Background(), s)
	}
}

// broadcast queues one delta for every session. Callers hold dispatchMu.
func (h *Hub) broadcast(ctx context.Context, t model.MessageType, version uint64, payload any) {
	msg, err := model.NewMessage(t, version, payload)
	if err != nil {
		h.logger.Error("hub: encode delta", "type", t, "error", err)
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("hub: marshal delta", "type", t, "error", err)
		return
	}

	h.sessMu.RLock()
	var laggards []*session
	for _, s := range h.sessions {
		if !s.enqueue(data) {
			laggards = append(laggards, s)
		}
	}
	h.sessMu.RUnlock()

	h.broadcasts.Add(ctx, 1)
	for _, s := range laggards {
		h.drop(ctx, s)
	}
}

// drop disconnects a session whose queue is full. Skipping a delta would
// leave its mirror silently wrong; a reconnect forces a fresh state.
func (h *Hub) drop(ctx context.Context, s *session) {
	if s.kick() {
		h.dropped.Add(ctx, 1)
		h.logger.Warn("hub: session too slow, disconnecting", "session_id", s.id)
	}
}

// Close disconnects every session. Clients reconnect to another instance or
// after restart and request fresh state.
func (h *Hub) Close() {
	h.sessMu.RLock()
	defer h.sessMu.RUnlock()
	for _, s := range h.sessions {
		s.kick()
	}
}
