package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tasuki/internal/ratelimit"
)

// Server is the Tasuki HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Health, Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Hub    *Hub
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Health    HealthChecker
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	StoreName           string
	MaxRequestBodyBytes int64
	CORSOrigin          string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Hub:                 cfg.Hub,
		Health:              cfg.Health,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		StoreName:           cfg.StoreName,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	mutationRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Realtime board (long-lived, not rate limited; per-message limits
	// would drop deltas).
	mux.HandleFunc("GET /ws", cfg.Hub.ServeWS)

	// Reads.
	mux.HandleFunc("GET /api/state", h.HandleState)
	mux.HandleFunc("GET /api/events", h.HandleEvents)

	// Mutations (rate limited by client IP).
	mux.Handle("POST /api/add", mutationRL(http.HandlerFunc(h.HandleAdd)))
	mux.Handle("POST /api/move", mutationRL(http.HandlerFunc(h.HandleMove)))
	mux.Handle("POST /api/remove/{id}", mutationRL(http.HandlerFunc(h.HandleRemove)))
	mux.Handle("POST /api/remove-all", mutationRL(http.HandlerFunc(h.HandleRemoveAll)))

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mutationRL(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	// Health (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	origin := cfg.CORSOrigin
	if origin == "" {
		origin = "*"
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(origin, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server. Hijacked websocket
// connections are not tracked by net/http; close them with Hub.Close.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
