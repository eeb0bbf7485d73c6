package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	boardURI  = "tasuki://board"
	eventsURI = "tasuki://events/recent"
)

func (s *Server) registerResources() {
	// tasuki://board: the board in display order.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			boardURI,
			"Board",
			mcplib.WithResourceDescription("Runners grouped into warming, queue and done"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleBoardResource,
	)

	// tasuki://events/recent: the audit trail, newest first.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			eventsURI,
			"Recent Events",
			mcplib.WithResourceDescription("Recent board changes, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleEventsResource,
	)
}

func (s *Server) handleBoardResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	snap, err := s.board.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: board: %w", err)
	}
	return jsonResource(boardURI, compactBoard(snap))
}

func (s *Server) handleEventsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	events, err := s.board.Events(ctx, 20)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent events: %w", err)
	}
	return jsonResource(eventsURI, events)
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
