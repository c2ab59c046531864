package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ledger-labs/taxpilot/internal/session"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Processor Processor
	Store     *session.Store
}

// NewMCPServer creates an MCP server exposing the question-answering and
// retrieval tools over an already-processed session.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"taxpilot",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("taxpilot — grounded question answering over processed tax documents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask_question",
			mcp.WithDescription("Answer a question grounded in the indexed documents of a processed session."),
			mcp.WithString("session_id", mcp.Description("Session whose documents to answer against"), mcp.Required()),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
		),
		mcpAskQuestion(deps),
	)

	s.AddTool(
		mcp.NewTool("search_documents",
			mcp.WithDescription("Semantically search the indexed document chunks of a processed session."),
			mcp.WithString("session_id", mcp.Description("Session whose index to search"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchDocuments(deps),
	)

	s.AddTool(
		mcp.NewTool("get_analysis",
			mcp.WithDescription("Return the stored analysis record and status of a session."),
			mcp.WithString("session_id", mcp.Description("Session to look up"), mcp.Required()),
		),
		mcpGetAnalysis(deps),
	)

	return s
}

func mcpAskQuestion(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		answer, err := deps.Processor.Ask(ctx, sessionID, question)
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		return mcpText(answer.Text), nil
	}
}

func mcpSearchDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
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

		matches, err := deps.Processor.Search(ctx, sessionID, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if len(matches) == 0 {
			return mcpText("[]"), nil
		}

		type matchResult struct {
			ID       string  `json:"id"`
			Source   string  `json:"source"`
			Text     string  `json:"text"`
			Distance float32 `json:"distance"`
		}

		results := make([]matchResult, len(matches))
		for i, m := range matches {
			results[i] = matchResult{
				ID:       m.Chunk.ID,
				Source:   m.Chunk.Source,
				Text:     m.Chunk.Text,
				Distance: m.Distance,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpGetAnalysis(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}

		sess, err := deps.Store.Get(sessionID)
		if errors.Is(err, session.ErrNotFound) {
			return mcpError(fmt.Sprintf("session %s not found", sessionID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("lookup failed: %v", err)), nil
		}

		payload := map[string]any{
			"sessionId":       sess.ID,
			"status":          sess.Status,
			"chunksProcessed": sess.ChunksProcessed,
			"model_used":      sess.ModelUsed,
			"ocr_used":        sess.OCRUsed,
		}
		if sess.AnalysisJSON != "" {
			var record map[string]any
			if err := json.Unmarshal([]byte(sess.AnalysisJSON), &record); err == nil {
				payload["analysisResult"] = record
			}
		}
		if sess.LastError != "" {
			payload["error"] = sess.LastError
		}

		b, err := json.Marshal(payload)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal session: %v", err)), nil
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
