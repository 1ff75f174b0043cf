package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loqalabs/loqa-memo/internal/runtime"
	"github.com/loqalabs/loqa-memo/internal/store"
)

type recordingItem struct {
	ID         int64     `json:"id"`
	File       string    `json:"file"`
	CreatedAt  time.Time `json:"created_at"`
	DurationMs int64     `json:"duration_ms"`
	Snippet    string    `json:"snippet,omitempty"`
}

func itemOf(rec store.Recording) recordingItem {
	return recordingItem{ID: rec.ID, File: rec.FilePath, CreatedAt: rec.CreatedAt, DurationMs: rec.DurationMs}
}

// tools holds the handlers; they only read the catalog.
type tools struct {
	svc *runtime.Services
}

func newServer(svc *runtime.Services) *server.MCPServer {
	t := &tools{svc: svc}
	s := server.NewMCPServer("loqa-memo", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	s.AddTool(mcp.NewTool("search_recordings",
		mcp.WithDescription(`Full-text search over transcripts and summaries. Supports quoted phrases and tags:"x", participants:"x", keywords:"x" filters.`),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of hits (default 20)")),
	), t.search)

	s.AddTool(mcp.NewTool("list_recordings",
		mcp.WithDescription("List recordings, newest first"),
		mcp.WithNumber("limit", mcp.Description("Maximum number of recordings (default 20)")),
	), t.list)

	s.AddTool(mcp.NewTool("get_recording",
		mcp.WithDescription("Transcript, segments and summary of one recording"),
		mcp.WithNumber("id", mcp.Required(), mcp.Description("Recording id")),
		mcp.WithString("format", mcp.Enum("markdown", "json"), mcp.Description("Output format (default markdown)")),
	), t.get)

	s.AddTool(mcp.NewTool("get_summary",
		mcp.WithDescription("Structured summary document of one recording"),
		mcp.WithNumber("id", mcp.Required(), mcp.Description("Recording id")),
	), t.summary)

	s.AddTool(mcp.NewTool("list_tags",
		mcp.WithDescription("Every tag used by a summary, sorted"),
	), t.tags)

	return s
}

func (t *tools) search(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	hits, err := t.svc.Store.Search(ctx, query, req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	items := make([]recordingItem, 0, len(hits))
	for _, h := range hits {
		item := itemOf(h.Recording)
		item.Snippet = h.Snippet
		items = append(items, item)
	}
	return jsonResult(items)
}

func (t *tools) list(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	recs, err := t.svc.Store.ListRecordings(ctx, req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	items := make([]recordingItem, 0, len(recs))
	for _, rec := range recs {
		items = append(items, itemOf(rec))
	}
	return jsonResult(items)
}

func (t *tools) get(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireInt("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if req.GetString("format", "markdown") == "json" {
		s, err := t.svc.Exporter.Session(ctx, int64(id))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(s)
	}
	md, err := t.svc.Exporter.Markdown(ctx, int64(id))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(md), nil
}

func (t *tools) summary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireInt("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := t.svc.Store.GetRecording(ctx, int64(id)); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := t.svc.Store.Summary(ctx, int64(id))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if raw == nil {
		return mcp.NewToolResultError("recording has not been summarized yet"), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func (t *tools) tags(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tags, err := t.svc.Store.AllTags(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if tags == nil {
		tags = []string{}
	}
	return jsonResult(tags)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
