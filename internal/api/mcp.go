package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/groundwork/internal/retrieval"
	"github.com/kalambet/groundwork/internal/storage"
)

// Version is reported to MCP clients.
var Version = "dev"

const recentSourcesURI = "groundwork://sources/recent"

// NewMCPServer creates an MCP server with the search and ingestion tools
// registered.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"groundwork",
		Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("groundwork: semantic search over ingested documents and curated concepts."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_content",
			mcp.WithDescription("Find the stored chunks most relevant to a query."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("k", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithString("source_id", mcp.Description("Restrict results to one source")),
			mcp.WithString("format", mcp.Description("json (default) or context for a ready-to-use prompt block")),
		),
		mcpSearchContent(deps),
	)

	s.AddTool(
		mcp.NewTool("add_document",
			mcp.WithDescription("Register a document and chunk, embed and index it."),
			mcp.WithString("type", mcp.Description("text (default), url or file")),
			mcp.WithString("title", mcp.Description("Document title")),
			mcp.WithString("content", mcp.Description("Plain text, or base64 file bytes when type is file")),
			mcp.WithString("url", mcp.Description("Page or file to fetch when type is url")),
			mcp.WithString("filename", mcp.Description("File name used to pick the extractor when type is file")),
			mcp.WithBoolean("wait", mcp.Description("Process before returning instead of queueing")),
		),
		mcpAddDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("source_status",
			mcp.WithDescription("Report a source's processing status and latest job."),
			mcp.WithString("source_id", mcp.Description("Source id"), mcp.Required()),
		),
		mcpSourceStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			recentSourcesURI,
			"Recent Sources",
			mcp.WithResourceDescription("The 20 most recently registered sources"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentSources(deps),
	)

	return s
}

func mcpSearchContent(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil || query == "" {
			return mcpError("query is required"), nil
		}

		chunks, err := deps.Retriever.Retrieve(ctx, query, req.GetInt("k", 0), req.GetString("source_id", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if req.GetString("format", "json") == "context" {
			return mcpText(retrieval.FormatContext(chunks)), nil
		}
		b, err := json.Marshal(newChunkResults(chunks))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAddDocument(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		src, err := deps.registerSource(ctx, DocumentRequest{
			Type:     req.GetString("type", DocText),
			Title:    req.GetString("title", ""),
			Content:  req.GetString("content", ""),
			URL:      req.GetString("url", ""),
			Filename: req.GetString("filename", ""),
		})
		if err != nil {
			return mcpError(err.Error()), nil
		}

		jobID, res, err := deps.submit(ctx, src.ID, req.GetBool("wait", false))
		if err != nil {
			return mcpError(fmt.Sprintf("saved source %s but failed to submit it: %v", src.ID, err)), nil
		}
		if res == nil {
			return mcpText(fmt.Sprintf("Queued source %s (job %s)", src.ID, jobID)), nil
		}
		if res.Status == storage.StatusFailed {
			return mcpError(fmt.Sprintf("processing source %s failed: %s", src.ID, res.Err)), nil
		}
		return mcpText(fmt.Sprintf("Indexed source %s: %d chunks", src.ID, res.ChunkCount)), nil
	}
}

func mcpSourceStatus(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("source_id")
		if err != nil || id == "" {
			return mcpError("source_id is required"), nil
		}

		v, err := deps.sourceStatus(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("source %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get source: %v", err)), nil
		}

		b, err := json.Marshal(v)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal source: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecentSources(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		sources, err := deps.Sources.ListSources(ctx, "", 20)
		if err != nil {
			return nil, fmt.Errorf("failed to list sources: %w", err)
		}

		views := make([]sourceView, len(sources))
		for i, s := range sources {
			views[i] = newSourceView(s)
		}
		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal sources: %w", err)
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
