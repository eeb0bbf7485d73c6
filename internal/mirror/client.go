package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/tasuki/internal/model"
)

// ErrNotConnected is returned by requests made while the client has no
// live connection.
var ErrNotConnected = errors.New("mirror: not connected")

// ErrNoneWarming is returned by PickNext when nobody is warming.
var ErrNoneWarming = errors.New("mirror: no runner is warming")

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	clientWriteWait   = 10 * time.Second
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithOnChange registers fn to run after every applied state or delta.
// It is called from the read loop and must not block.
func WithOnChange(fn func(*Mirror)) ClientOption {
	return func(c *Client) { c.onChange = fn }
}

// WithOnError registers fn to receive error notices for this client's
// own requests.
func WithOnError(fn func(model.ErrorPayload)) ClientOption {
	return func(c *Client) { c.onError = fn }
}

// WithBackoff bounds the reconnect delay.
func WithBackoff(minDelay, maxDelay time.Duration) ClientOption {
	return func(c *Client) {
		c.minBackoff = minDelay
		c.maxBackoff = maxDelay
	}
}

// WithHeader adds headers (for example Origin) to the websocket handshake.
func WithHeader(h http.Header) ClientOption {
	return func(c *Client) { c.header = h }
}

// Client keeps a Mirror in sync over a websocket connection to the hub and
// sends mutations on the user's behalf. Mutations are fire-and-forget: the
// outcome arrives as a broadcast delta or, on failure, an error notice.
type Client struct {
	url    string
	mirror *Mirror
	logger *slog.Logger
	dialer *websocket.Dialer
	header http.Header

	onChange func(*Mirror)
	onError  func(model.ErrorPayload)

	minBackoff time.Duration
	maxBackoff time.Duration

	writeMu sync.Mutex
	conn    *websocket.Conn

	resync singleflight.Group
	// awaitingState is set while a state request is outstanding so a burst
	// of gaps produces one request.
	awaitingState atomic.Bool

	// A state request answered with an error is retried after stateDelay,
	// which doubles up to maxBackoff until a state arrives.
	retryMu    sync.Mutex
	retryTimer *time.Timer
	stateDelay time.Duration
}

// NewClient creates a client for the hub's websocket endpoint, e.g.
// ws://localhost:3000/ws.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:        url,
		mirror:     New(),
		logger:     slog.Default(),
		dialer:     websocket.DefaultDialer,
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Mirror returns the client's local board.
func (c *Client) Mirror() *Mirror {
	return c.mirror
}

// Run connects and keeps the mirror in sync until ctx is done, reconnecting
// with jittered exponential backoff. It always returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	delay := c.minBackoff
	for {
		conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			delay = c.minBackoff
			c.logger.Info("mirror: connected", "url", c.url)
			err = c.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("mirror: connection lost, retrying", "error", err, "delay", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}
		delay = min(delay*2, c.maxBackoff)
	}
}

// serve runs one connection: request state, then apply everything that
// arrives until the connection fails or ctx is done.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.setConn(conn)
	defer c.setConn(nil)
	c.cancelStateRetry(true)
	defer c.cancelStateRetry(false)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() { _ = conn.Close() }()

	c.awaitingState.Store(false)
	if err := c.Resync(); err != nil {
		return err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("mirror: read: %w", err)
		}
		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("mirror: undecodable message", "error", err)
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg model.Message) {
	if msg.Type == model.MsgError {
		var notice model.ErrorPayload
		if err := msg.Decode(&notice); err != nil {
			c.logger.Warn("mirror: undecodable error notice", "error", err)
			return
		}
		if c.onError != nil {
			c.onError(notice)
		}
		// The hub answers requests in order, so an error while a state
		// request is outstanding is most likely its reply. If the state
		// still arrives it cancels the retry.
		failedState := c.awaitingState.Swap(false)
		switch {
		case failedState:
			c.retryState()
		case notice.Resync:
			c.requestResync("server asked")
		}
		return
	}

	if msg.Type == model.MsgState {
		c.awaitingState.Store(false)
		c.cancelStateRetry(true)
	}
	err := c.mirror.Apply(msg)
	switch {
	case errors.Is(err, ErrVersionGap):
		c.requestResync(err.Error())
		return
	case err != nil:
		c.logger.Warn("mirror: bad delta", "type", msg.Type, "error", err)
		c.requestResync("bad delta")
		return
	}
	if c.onChange != nil {
		c.onChange(c.mirror)
	}
}

func (c *Client) requestResync(reason string) {
	if c.awaitingState.Load() || c.stateRetryPending() {
		return
	}
	c.logger.Debug("mirror: resyncing", "reason", reason)
	if err := c.Resync(); err != nil {
		c.logger.Warn("mirror: resync failed", "error", err)
	}
}

// retryState schedules another state request after the current backoff.
func (c *Client) retryState() {
	c.retryMu.Lock()
	defer c.retryMu.Unlock()
	if c.retryTimer != nil {
		return
	}
	delay := c.stateDelay
	if delay <= 0 {
		delay = c.minBackoff
	}
	c.stateDelay = min(delay*2, c.maxBackoff)

	c.logger.Warn("mirror: state request failed, retrying", "delay", delay)
	var t *time.Timer
	t = time.AfterFunc(jittered(delay), func() {
		c.retryMu.Lock()
		if c.retryTimer != t {
			c.retryMu.Unlock()
			return
		}
		c.retryTimer = nil
		c.retryMu.Unlock()
		c.requestResync("retry")
	})
	c.retryTimer = t
}

// cancelStateRetry stops a scheduled retry. reset also drops the backoff
// back to its minimum.
func (c *Client) cancelStateRetry(reset bool) {
	c.retryMu.Lock()
	defer c.retryMu.Unlock()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if reset {
		c.stateDelay = 0
	}
}

func (c *Client) stateRetryPending() bool {
	c.retryMu.Lock()
	defer c.retryMu.Unlock()
	return c.retryTimer != nil
}

// jittered returns a delay in [d/2, d].
func jittered(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int64N(int64(d)/2+1)) //nolint:gosec // jitter doesn't need crypto-strength randomness
}

// Resync asks the hub for full state. Concurrent calls share one request.
func (c *Client) Resync() error {
	_, err, _ := c.resync.Do("state", func() (any, error) {
		c.awaitingState.Store(true)
		if err := c.send(model.MsgRequestState, nil); err != nil {
			c.awaitingState.Store(false)
			return nil, err
		}
		return nil, nil
	})
	return err
}

// Add asks the hub to add a runner.
func (c *Client) Add(name string) error {
	return c.send(model.MsgAdd, model.AddRequest{Name: name})
}

// Move asks the hub to move a runner. Moving into queue is a single request;
// the hub moves the previous queued runner to done in the same commit.
func (c *Client) Move(id string, to model.Status) error {
	return c.send(model.MsgMove, model.MoveRequest{ID: id, To: to})
}

// PickNext moves the longest-warming runner into queue.
func (c *Client) PickNext() (model.Runner, error) {
	r, ok := c.mirror.Next()
	if !ok {
		return model.Runner{}, ErrNoneWarming
	}
	return r, c.Move(r.ID, model.StatusQueue)
}

// Remove asks the hub to delete a runner.
func (c *Client) Remove(id, pin string) error {
	return c.send(model.MsgRemove, model.RemoveRequest{ID: id, PIN: pin})
}

// RemoveAll asks the hub to delete every runner in status (done when empty).
func (c *Client) RemoveAll(status model.Status, pin string) error {
	return c.send(model.MsgRemoveAll, model.RemoveAllRequest{Status: status, PIN: pin})
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
}

func (c *Client) send(t model.MessageType, payload any) error {
	msg, err := model.NewMessage(t, 0, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mirror: marshal %s: %w", t, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("mirror: send %s: %w", t, err)
	}
	return nil
}
