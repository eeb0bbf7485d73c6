// Package mcp implements the Model Context Protocol server for Tasuki.
//
// The MCP server exposes the board through MCP tools, resources and prompts,
// so MCP-compatible agents can read the board and move runners the same way
// the websocket and REST clients do. Every mutation goes through the hub and
// is broadcast to connected boards.
package mcp

import (
	"context"
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tasuki/internal/model"
	"github.com/ashita-ai/tasuki/internal/service/runners"
)

// Actor is recorded as created_by / last_modified_by for MCP mutations.
const Actor = "mcp"

// Board is the subset of the hub the MCP server drives.
type Board interface {
	State(ctx context.Context) (model.Snapshot, error)
	Events(ctx context.Context, limit int) ([]model.Event, error)
	AddRunner(ctx context.Context, name, actor string) (runners.AddResult, error)
	MoveRunner(ctx context.Context, id string, to model.Status, actor string) (runners.MoveResult, error)
	RemoveRunner(ctx context.Context, id, pin, actor string) (runners.RemoveResult, error)
	RemoveAll(ctx context.Context, status model.Status, pin, actor string) (runners.RemoveAllResult, error)
}

// Server wraps the MCP server with Tasuki's board.
type Server struct {
	mcpServer *mcpserver.MCPServer
	board     Board
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools
// and prompts.
func New(board Board, logger *slog.Logger, version string) *Server {
	s := &Server{
		board:  board,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"tasuki",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
