package mcp

import (
	"time"

	"github.com/ashita-ai/tasuki/internal/model"
)

// compactRunner returns a minimal representation of a runner for MCP
// responses. Audit fields (created_by, last_modified_by) are dropped and
// timestamps are rendered as RFC 3339 so agents don't have to convert
// unix milliseconds.
func compactRunner(r model.Runner) map[string]any {
	m := map[string]any{
		"id":         r.ID,
		"name":       r.Name,
		"status":     r.Status,
		"started_at": formatMillis(r.StartTS),
	}
	if r.QueueTS != nil {
		m["queued_at"] = formatMillis(*r.QueueTS)
	}
	if r.EndTS != nil {
		m["ended_at"] = formatMillis(*r.EndTS)
	}
	return m
}

func compactRunners(rs []model.Runner) []map[string]any {
	out := make([]map[string]any, 0, len(rs))
	for _, r := range rs {
		out = append(out, compactRunner(r))
	}
	return out
}

// compactBoard renders the board in display order.
func compactBoard(snap model.Snapshot) map[string]any {
	cols := snap.Columns()
	return map[string]any{
		"version": cols.Version,
		"warming": compactRunners(cols.Warming),
		"queue":   compactRunners(cols.Queue),
		"done":    compactRunners(cols.Done),
	}
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
