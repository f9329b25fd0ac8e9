package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/sjq0098/news-mosaic/internal/memory"
	"github.com/sjq0098/news-mosaic/internal/pipeline"
	"github.com/sjq0098/news-mosaic/internal/retrieval"
)

// MCPRetriever abstracts recall for the MCP layer.
type MCPRetriever interface {
	Retrieve(ctx context.Context, queryText string, opts retrieval.Options) (retrieval.Result, error)
}

// MCPProfileReader serves the user profile resource.
type MCPProfileReader interface {
	GetProfile(ctx context.Context, userID string) (memory.Profile, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Pipeline  *pipeline.Orchestrator
	Retriever MCPRetriever
	Memory    MCPProfileReader
}

// NewMCPServer creates an MCP server exposing news search and recall
// tools so agent hosts can drive the same core as the HTTP surface.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"news-mosaic",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("news-mosaic — news search, analysis, and retrieval over the indexed corpus."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_news",
			mcp.WithDescription("Search fresh news for a topic and return ranked news cards."),
			mcp.WithString("query", mcp.Description("Search topic"), mcp.Required()),
			mcp.WithNumber("num", mcp.Description("Number of results to fetch (default 10)")),
			mcp.WithNumber("cards", mcp.Description("Number of cards to return (default 5)")),
		),
		mcpSearchNews(deps),
	)

	s.AddTool(
		mcp.NewTool("recall_news",
			mcp.WithDescription("Semantically search the indexed news corpus and return relevant excerpts with attribution."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithString("run_id", mcp.Description("Restrict recall to one pipeline run")),
		),
		mcpRecallNews(deps),
	)

	// Resources
	s.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"user://profile/{id}",
			"User Profile",
			mcp.WithTemplateDescription("Derived user profile as JSON: category weights, style preferences, counters"),
			mcp.WithTemplateMIMEType("application/json"),
		),
		mcpResourceProfile(deps),
	)

	return s
}

func mcpResourceProfile(deps MCPDeps) server.ResourceTemplateHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		const prefix = "user://profile/"
		id := strings.TrimPrefix(req.Params.URI, prefix)
		if id == "" || id == req.Params.URI {
			return nil, fmt.Errorf("profile resource URI must be %s{id}", prefix)
		}

		p, err := deps.Memory.GetProfile(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get profile: %w", err)
		}

		// Same outward shape as the HTTP profile view: normalized
		// weights, no raw interest vector.
		view := struct {
			UserID           string                  `json:"userId"`
			CategoryWeights  map[string]float64      `json:"categoryWeights,omitempty"`
			PreferredSources []string                `json:"preferredSources,omitempty"`
			Style            memory.StylePreferences `json:"style"`
			Counters         memory.Counters         `json:"counters"`
		}{
			UserID:           p.UserID,
			CategoryWeights:  p.NormalizedCategoryWeights(),
			PreferredSources: p.PreferredSources,
			Style:            p.Style,
			Counters:         p.Counters,
		}

		b, err := json.Marshal(view)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal profile: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpSearchNews(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		num := req.GetInt("num", 10)
		run, err := deps.Pipeline.Process(ctx, pipeline.Request{
			Query:      query,
			NumResults: &num,
			MaxCards:   req.GetInt("cards", 5),
			Card:       true,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"runId":  run.ID,
			"status": run.Status,
			"found":  run.Found,
			"cards":  run.Cards,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRecallNews(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 20 {
			limit = 20
		}

		opts := retrieval.Options{K: limit}
		if runID := req.GetString("run_id", ""); runID != "" {
			opts.Filter.RunID = runID
		}

		result, err := deps.Retriever.Retrieve(ctx, query, opts)
		if err != nil {
			return mcpError(fmt.Sprintf("recall failed: %v", err)), nil
		}
		if len(result.Chunks) == 0 {
			return mcpText("[]"), nil
		}

		type hit struct {
			Fingerprint string  `json:"fingerprint"`
			Source      string  `json:"source"`
			URL         string  `json:"url,omitempty"`
			PublishedAt string  `json:"publishedAt"`
			Text        string  `json:"text"`
			Score       float64 `json:"score"`
		}
		hits := make([]hit, len(result.Chunks))
		for i, ch := range result.Chunks {
			hits[i] = hit{
				Fingerprint: ch.Fingerprint,
				Source:      ch.Source,
				URL:         ch.URL,
				PublishedAt: ch.PublishedAt.Format("2006-01-02"),
				Text:        ch.Text,
				Score:       ch.Score,
			}
		}

		b, err := json.Marshal(hits)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
