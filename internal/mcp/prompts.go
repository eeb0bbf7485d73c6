package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// handoff: walks the agent through passing the baton to a runner.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("handoff",
			mcplib.WithPromptDescription("Hand the queue over to the next runner"),
			mcplib.WithArgument("name",
				mcplib.ArgumentDescription("Name of the runner who should go next"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleHandoffPrompt,
	)

	// board-setup: system prompt snippet explaining how the board works.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("board-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the relay board rules"),
		),
		s.handleBoardSetupPrompt,
	)
}

func (s *Server) handleHandoffPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	name := request.Params.Arguments["name"]
	if name == "" {
		return nil, fmt.Errorf("name argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Hand the queue over to %s", name),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Hand the queue over to %s:

1. CALL tasuki_board and find the runner named %q in warming.
   - If there is no such runner, CALL tasuki_add with name=%q and use the id it returns.
   - If several runners share the name, ask which one is meant.

2. CALL tasuki_move with that id and to="queue".
   Whoever was in queue moves to done automatically; do not move them yourself.

3. REPORT who is now in queue and who finished, using the evicted list from the response.`, name, name, name),
				},
			},
		},
	}, nil
}

func (s *Server) handleBoardSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Relay board rules",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to Tasuki, a shared relay board.

Runners move through three columns: warming, queue and done.
- New runners start in warming (tasuki_add).
- Exactly zero or one runner is in queue. Moving someone into queue
  sends the current queued runner to done.
- A runner can also go from warming or queue straight to done, or from
  queue back to warming.
- Done is final. Done runners can only be removed (tasuki_remove), which
  may need an admin PIN.

Other people watch the same board live, so always read it (tasuki_board
or the tasuki://board resource) right before you change it.`,
				},
			},
		},
	}, nil
}
