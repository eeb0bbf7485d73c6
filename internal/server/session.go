package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ashita-ai/tasuki/internal/model"
)

const (
	writeWait      = 10 * time.Second
	requestTimeout = 10 * time.Second
)

// errBadMessage marks a client message that could not be understood.
var errBadMessage = errors.New("server: malformed message")

// session is one websocket connection. Outbound messages go through send,
// drained by writeLoop; the connection's read side runs in readLoop.
type session struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	done     chan struct{}
	doneOnce sync.Once
}

func newSession(conn *websocket.Conn, buffer int) *session {
	return &session{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// enqueue queues data without blocking. It returns false when the queue is
// full or the session is closing.
func (s *session) enqueue(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// kick asks the writer to close the connection. It reports whether this
// call was the one that closed the session.
func (s *session) kick() bool {
	closed := false
	s.doneOnce.Do(func() {
		close(s.done)
		closed = true
	})
	return closed
}

// ServeWS upgrades the request and runs the session until the connection
// closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.logger.Warn("hub: websocket upgrade failed", "error", err)
		return
	}

	s := newSession(conn, h.opts.SessionBuffer)
	h.register(s)
	defer h.unregister(s)

	go h.writeLoop(s)
	h.readLoop(r.Context(), s)
	s.kick()
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if h.opts.AllowedOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || strings.EqualFold(origin, h.opts.AllowedOrigin)
}

func (h *Hub) readLoop(ctx context.Context, s *session) {
	pongWait := 2 * h.opts.PingInterval
	s.conn.SetReadLimit(h.opts.MaxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("hub: read ended", "session_id", s.id, "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendError(s, errBadMessage)
			continue
		}
		h.handle(ctx, s, msg)
	}
}

// handle runs one client request. Errors go back to the requester only.
func (h *Hub) handle(ctx context.Context, s *session, msg model.Message) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var err error
	switch msg.Type {
	case model.MsgRequestState:
		err = h.sendState(ctx, s)

	case model.MsgAdd:
		var req model.AddRequest
		if err = decodeData(msg, &req); err == nil {
			_, err = h.AddRunner(ctx, req.Name, s.id)
		}

	case model.MsgMove:
		var req model.MoveRequest
		if err = decodeData(msg, &req); err == nil {
			if req.ID == "" || req.To == "" {
				err = errBadMessage
				break
			}
			_, err = h.MoveRunner(ctx, req.ID, req.To, s.id)
		}

	case model.MsgRemove:
		var req model.RemoveRequest
		if err = decodeData(msg, &req); err == nil {
			if req.ID == "" {
				err = errBadMessage
				break
			}
			_, err = h.RemoveRunner(ctx, req.ID, req.PIN, s.id)
		}

	case model.MsgRemoveAll:
		var req model.RemoveAllRequest
		if len(msg.Data) > 0 {
			err = decodeData(msg, &req)
		}
		if err == nil {
			_, err = h.RemoveAll(ctx, req.Status, req.PIN, s.id)
		}

	default:
		err = errBadMessage
	}

	if err != nil {
		if f := classify(err); f.Status >= http.StatusInternalServerError {
			h.logger.Error("hub: request failed", "session_id", s.id, "type", msg.Type, "error", err)
		}
		h.sendError(s, err)
	}
}

func decodeData(msg model.Message, target any) error {
	if err := msg.Decode(target); err != nil {
		return errBadMessage
	}
	return nil
}

func (h *Hub) writeLoop(s *session) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.kick()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.kick()
				return
			}
		}
	}
}
