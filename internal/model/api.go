package model

import "time"

// Error codes shared by the REST API and realtime error notices.
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidPIN        = "INVALID_PIN"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeUnavailable       = "UNAVAILABLE"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// APIResponse wraps every successful REST response.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError wraps every REST error response.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta is attached to every REST response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// MoveResponse is returned by POST /api/move.
type MoveResponse struct {
	Runner  Runner   `json:"runner"`
	From    Status   `json:"from"`
	To      Status   `json:"to"`
	Evicted []Runner `json:"evicted,omitempty"`
}

// RemoveResponse is returned by POST /api/remove/{id}.
type RemoveResponse struct {
	ID string `json:"id"`
}

// RemoveAllResponse is returned by POST /api/remove-all.
type RemoveAllResponse struct {
	IDs []string `json:"ids"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Store    string `json:"store"`
	Sessions int    `json:"sessions"`
	Uptime   int64  `json:"uptime_seconds"`
}
