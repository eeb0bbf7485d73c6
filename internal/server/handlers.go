package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/tasuki/internal/model"
	"github.com/ashita-ai/tasuki/internal/service/runners"
)

// HealthChecker reports whether the state store is reachable.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	hub                 *Hub
	health              HealthChecker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	storeName           string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Health is optional; without it /health reports only process liveness.
type HandlersDeps struct {
	Hub                 *Hub
	Health              HealthChecker
	Logger              *slog.Logger
	Version             string
	StoreName           string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 64 * 1024
	}
	return &Handlers{
		hub:                 d.Hub,
		health:              d.Health,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		storeName:           d.StoreName,
		maxRequestBodyBytes: maxBody,
	}
}

// HandleState handles GET /api/state. The body matches the websocket state
// message.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	snap, err := h.hub.State(r.Context())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.StatePayload{
		State:     snap,
		Timestamp: time.Now().UnixMilli(),
	})
}

// HandleAdd handles POST /api/add.
func (h *Handlers) HandleAdd(w http.ResponseWriter, r *http.Request) {
	var req model.AddRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	res, err := h.hub.AddRunner(r.Context(), req.Name, actorOrDefault(req.Actor))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, res.Runner)
}

// HandleMove handles POST /api/move.
func (h *Handlers) HandleMove(w http.ResponseWriter, r *http.Request) {
	var req model.MoveRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.ID == "" || req.To == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "id and to are required")
		return
	}

	res, err := h.hub.MoveRunner(r.Context(), req.ID, req.To, actorOrDefault(req.Actor))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.MoveResponse{
		Runner:  res.Runner,
		From:    res.From,
		To:      res.To,
		Evicted: res.Evicted,
	})
}

// HandleRemove handles POST /api/remove/{id}. The body is optional and
// carries the admin PIN.
func (h *Handlers) HandleRemove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "id is required")
		return
	}
	var req model.RemoveRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	res, err := h.hub.RemoveRunner(r.Context(), id, req.PIN, actorOrDefault(req.Actor))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.RemoveResponse{ID: res.ID})
}

// HandleRemoveAll handles POST /api/remove-all.
func (h *Handlers) HandleRemoveAll(w http.ResponseWriter, r *http.Request) {
	var req model.RemoveAllRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	res, err := h.hub.RemoveAll(r.Context(), req.Status, req.PIN, actorOrDefault(req.Actor))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.RemoveAllResponse{IDs: res.IDs})
}

// HandleEvents handles GET /api/events.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.hub.Events(r.Context(), queryLimit(r, runners.DefaultEventsLimit))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, r, http.StatusOK, events)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	if h.health != nil {
		if err := h.health.Check(r.Context()); err != nil {
			h.logger.Warn("health: store check failed", "store", h.storeName, "error", err)
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Store:    h.storeName,
		Sessions: h.hub.SessionCount(),
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// writeFailure reports a hub error with the status classify assigns.
func (h *Handlers) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	f := classify(err)
	if f.Status >= http.StatusInternalServerError {
		h.logger.Error("http: request failed",
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()),
			"error", err,
		)
	}
	writeError(w, r, f.Status, f.Code, f.Message)
}

func actorOrDefault(actor string) string {
	if actor == "" {
		return runners.DefaultActor
	}
	return actor
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
