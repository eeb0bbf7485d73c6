package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/tasuki/internal/auth"
	"github.com/ashita-ai/tasuki/internal/model"
	"github.com/ashita-ai/tasuki/internal/service/runners"
	"github.com/ashita-ai/tasuki/internal/storage"
)

func (s *Server) registerTools() {
	// tasuki_board: read the board.
	s.mcpServer.AddTool(
		mcplib.NewTool("tasuki_board",
			mcplib.WithDescription(`Show the relay board: runners grouped into warming, queue and done.

WHEN TO USE: Before moving anyone, to see who is up next and who is
currently in queue. At most one runner is ever in queue.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleBoard,
	)

	// tasuki_add: add a runner in warming.
	s.mcpServer.AddTool(
		mcplib.NewTool("tasuki_add",
			mcplib.WithDescription("Add a runner to the board. New runners start in warming."),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("name",
				mcplib.Description("Display name, 1-100 characters after trimming"),
				mcplib.Required(),
			),
		),
		s.handleAdd,
	)

	// tasuki_move: change a runner's status.
	s.mcpServer.AddTool(
		mcplib.NewTool("tasuki_move",
			mcplib.WithDescription(`Move a runner to another status.

Allowed moves: warming -> queue, warming -> done, queue -> done, queue -> warming.
Moving a runner into queue sends whoever is in queue to done.
Done runners cannot be moved.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("id",
				mcplib.Description("Runner id, as shown by tasuki_board"),
				mcplib.Required(),
			),
			mcplib.WithString("to",
				mcplib.Description("Target status"),
				mcplib.Required(),
				mcplib.Enum(string(model.StatusWarming), string(model.StatusQueue), string(model.StatusDone)),
			),
		),
		s.handleMove,
	)

	// tasuki_remove: delete a runner.
	s.mcpServer.AddTool(
		mcplib.NewTool("tasuki_remove",
			mcplib.WithDescription("Remove a runner from the board. Requires the admin PIN when one is configured."),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("id",
				mcplib.Description("Runner id, as shown by tasuki_board"),
				mcplib.Required(),
			),
			mcplib.WithString("pin",
				mcplib.Description("Admin PIN"),
			),
		),
		s.handleRemove,
	)

	// tasuki_remove_all: clear a column.
	s.mcpServer.AddTool(
		mcplib.NewTool("tasuki_remove_all",
			mcplib.WithDescription(`Remove every runner in one status. Defaults to done, which clears
finished runners at the end of a session. Requires the admin PIN when one is configured.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("status",
				mcplib.Description("Status to clear (default done)"),
				mcplib.Enum(string(model.StatusWarming), string(model.StatusQueue), string(model.StatusDone)),
			),
			mcplib.WithString("pin",
				mcplib.Description("Admin PIN"),
			),
		),
		s.handleRemoveAll,
	)
}

func (s *Server) handleBoard(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	snap, err := s.board.State(ctx)
	if err != nil {
		return s.toolError("read board", err), nil
	}
	return jsonResult(compactBoard(snap))
}

func (s *Server) handleAdd(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	name := request.GetString("name", "")

	res, err := s.board.AddRunner(ctx, name, Actor)
	if err != nil {
		return s.toolError("add runner", err), nil
	}
	return jsonResult(map[string]any{
		"runner":  compactRunner(res.Runner),
		"version": res.Version,
	})
}

func (s *Server) handleMove(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("id", "")
	to := model.Status(request.GetString("to", ""))
	if id == "" || to == "" {
		return errorResult("id and to are required"), nil
	}

	res, err := s.board.MoveRunner(ctx, id, to, Actor)
	if err != nil {
		return s.toolError("move runner", err), nil
	}
	out := map[string]any{
		"runner":  compactRunner(res.Runner),
		"from":    res.From,
		"to":      res.To,
		"version": res.Version,
	}
	if len(res.Evicted) > 0 {
		out["evicted"] = compactRunners(res.Evicted)
	}
	return jsonResult(out)
}

func (s *Server) handleRemove(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("id", "")
	if id == "" {
		return errorResult("id is required"), nil
	}

	res, err := s.board.RemoveRunner(ctx, id, request.GetString("pin", ""), Actor)
	if err != nil {
		return s.toolError("remove runner", err), nil
	}
	return jsonResult(map[string]any{
		"id":      res.ID,
		"version": res.Version,
	})
}

func (s *Server) handleRemoveAll(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	status := model.Status(request.GetString("status", string(model.StatusDone)))

	res, err := s.board.RemoveAll(ctx, status, request.GetString("pin", ""), Actor)
	if err != nil {
		return s.toolError("remove all", err), nil
	}
	ids := res.IDs
	if ids == nil {
		ids = []string{}
	}
	return jsonResult(map[string]any{
		"status":  status,
		"ids":     ids,
		"version": res.Version,
	})
}

// toolError turns a board error into a tool result. Caller mistakes are
// reported verbatim; infrastructure failures are logged and summarized.
func (s *Server) toolError(op string, err error) *mcplib.CallToolResult {
	switch {
	case runners.IsValidation(err),
		errors.Is(err, runners.ErrNotFound),
		errors.Is(err, auth.ErrInvalidPIN),
		errors.Is(err, storage.ErrConflict):
		return errorResult(fmt.Sprintf("%s: %v", op, err))
	default:
		s.logger.Error("mcp: tool failed", "op", op, "error", err)
		return errorResult(op + ": board unavailable, try again")
	}
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
