package server_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tasuki/internal/model"
	"github.com/ashita-ai/tasuki/internal/ratelimit"
)

type downStore struct{}

func (downStore) Check(context.Context) error { return errors.New("connection refused") }

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	var health model.HealthResponse
	resp := env.get(t, "/health", &health)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "memory", health.Store)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, 0, health.Sessions)
}

func TestHealthEndpoint_StoreDown(t *testing.T) {
	env := newTestEnv(t, withHealth(downStore{}))

	var health model.HealthResponse
	resp := env.get(t, "/health", &health)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unhealthy", health.Status)
}

func TestAddEndpoint(t *testing.T) {
	env := newTestEnv(t)

	var r model.Runner
	resp := env.post(t, "/api/add", model.AddRequest{Name: "  Mei ", Actor: "kiosk"}, &r)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "Mei", r.Name)
	assert.Equal(t, model.StatusWarming, r.Status)
	assert.Equal(t, "kiosk", r.CreatedBy)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var apiErr model.APIError
	resp = env.post(t, "/api/add", model.AddRequest{Name: ""}, &apiErr)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, apiErr.Error.Code)
	assert.Equal(t, "name is required", apiErr.Error.Message)

	resp = env.post(t, "/api/add", map[string]any{"name": "x", "unknown": 1}, &apiErr)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.post(t, "/api/add", model.AddRequest{Name: strings.Repeat("n", 2000)}, &apiErr)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body over the size limit")
}

func TestMoveEndpoint(t *testing.T) {
	env := newTestEnv(t)

	var a, b model.Runner
	env.post(t, "/api/add", model.AddRequest{Name: "a"}, &a)
	env.post(t, "/api/add", model.AddRequest{Name: "b"}, &b)

	var moved model.MoveResponse
	resp := env.post(t, "/api/move", model.MoveRequest{ID: a.ID, To: model.StatusQueue}, &moved)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.StatusWarming, moved.From)
	assert.Empty(t, moved.Evicted)
	require.NotNil(t, moved.Runner.QueueTS)

	resp = env.post(t, "/api/move", model.MoveRequest{ID: b.ID, To: model.StatusQueue}, &moved)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, moved.Evicted, 1)
	assert.Equal(t, a.ID, moved.Evicted[0].ID)
	assert.Equal(t, model.StatusDone, moved.Evicted[0].Status)

	before := time.Now().UnixMilli()
	var state model.StatePayload
	env.get(t, "/api/state", &state)
	assert.Equal(t, uint64(4), state.State.Version)
	assert.Len(t, state.State.WithStatus(model.StatusQueue), 1)
	assert.GreaterOrEqual(t, state.Timestamp, before)
}

func TestMoveEndpoint_Errors(t *testing.T) {
	env := newTestEnv(t)

	var r model.Runner
	env.post(t, "/api/add", model.AddRequest{Name: "r"}, &r)
	var done model.MoveResponse
	env.post(t, "/api/move", model.MoveRequest{ID: r.ID, To: model.StatusDone}, &done)

	tests := []struct {
		name   string
		req    model.MoveRequest
		status int
		code   string
	}{
		{"missing fields", model.MoveRequest{ID: r.ID}, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"unknown status", model.MoveRequest{ID: r.ID, To: "running"}, http.StatusBadRequest, model.ErrCodeInvalidInput},
		{"unknown runner", model.MoveRequest{ID: "nope", To: model.StatusQueue}, http.StatusNotFound, model.ErrCodeNotFound},
		{"done is final", model.MoveRequest{ID: r.ID, To: model.StatusQueue}, http.StatusConflict, model.ErrCodeInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var apiErr model.APIError
			resp := env.post(t, "/api/move", tt.req, &apiErr)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, apiErr.Error.Code)
		})
	}
}

func TestRemoveEndpoints(t *testing.T) {
	env := newTestEnv(t)

	var a, b model.Runner
	env.post(t, "/api/add", model.AddRequest{Name: "a"}, &a)
	env.post(t, "/api/add", model.AddRequest{Name: "b"}, &b)

	var apiErr model.APIError
	resp := env.post(t, "/api/remove/"+a.ID, nil, &apiErr)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidPIN, apiErr.Error.Code)

	var removed model.RemoveResponse
	resp = env.post(t, "/api/remove/"+a.ID, model.RemoveRequest{PIN: testPIN}, &removed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, a.ID, removed.ID)

	resp = env.post(t, "/api/remove/"+a.ID, model.RemoveRequest{PIN: testPIN}, &apiErr)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var moved model.MoveResponse
	env.post(t, "/api/move", model.MoveRequest{ID: b.ID, To: model.StatusDone}, &moved)

	var all model.RemoveAllResponse
	resp = env.post(t, "/api/remove-all", model.RemoveAllRequest{PIN: testPIN}, &all)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{b.ID}, all.IDs)

	resp = env.post(t, "/api/remove-all", model.RemoveAllRequest{Status: model.StatusWarming, PIN: testPIN}, &all)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, all.IDs)
	assert.NotNil(t, all.IDs)
}

func TestEventsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	var r model.Runner
	env.post(t, "/api/add", model.AddRequest{Name: "r"}, &r)
	var moved model.MoveResponse
	env.post(t, "/api/move", model.MoveRequest{ID: r.ID, To: model.StatusQueue}, &moved)

	var events []model.Event
	env.get(t, "/api/events", &events)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventMove, events[0].Type)
	assert.Equal(t, "api", events[0].Actor)
	move, ok := events[0].Data.(*model.MoveData)
	require.True(t, ok)
	assert.Equal(t, model.StatusQueue, move.To)

	env.get(t, "/api/events?limit=1", &events)
	assert.Len(t, events, 1)
}

func TestMutationRateLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 2)
	t.Cleanup(func() { _ = limiter.Close() })
	env := newTestEnv(t, withLimiter(limiter))

	for i := range 2 {
		resp := env.post(t, "/api/add", model.AddRequest{Name: "r"}, nil)
		assert.Equal(t, http.StatusCreated, resp.StatusCode, "request %d within burst", i+1)
	}

	var apiErr model.APIError
	resp := env.post(t, "/api/add", model.AddRequest{Name: "r"}, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, model.ErrCodeRateLimited, apiErr.Error.Code)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Reads are not limited.
	var state model.StatePayload
	resp = env.get(t, "/api/state", &state)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
