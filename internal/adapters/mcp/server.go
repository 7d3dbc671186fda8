// Package mcpadapter exposes the query pipeline as Model Context Protocol tools.
package mcpadapter

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
	"github.com/kirillkom/hybrid-rag/internal/core/usecase"
)

const (
	serverName    = "hybrid-rag"
	toolAsk       = "ask_documents"
	toolIndexInfo = "index_info"
)

type Server struct {
	query ports.QueryService
	index ports.IndexInfoReader
	mcp   *server.MCPServer
}

func NewServer(query ports.QueryService, index ports.IndexInfoReader, version string) *Server {
	s := &Server{
		query: query,
		index: index,
		mcp:   server.NewMCPServer(serverName, version, server.WithToolCapabilities(false), server.WithRecovery()),
	}

	s.mcp.AddTool(mcp.NewTool(toolAsk,
		mcp.WithDescription("Answer a question from the indexed document corpus and list the cited passages."),
		mcp.WithString("question", mcp.Required(), mcp.Description("Question to answer.")),
		mcp.WithString("conversation_id", mcp.Description("Conversation to continue; earlier turns condense follow-up questions.")),
		mcp.WithNumber("k_lexical", mcp.Description("Lexical candidates to retrieve, 0 disables the method."), mcp.Min(0), mcp.Max(200)),
		mcp.WithNumber("k_vector", mcp.Description("Vector candidates to retrieve, 0 disables the method."), mcp.Min(0), mcp.Max(200)),
		mcp.WithNumber("fusion_weight", mcp.Description("Weight of the vector score in fusion, between 0 and 1."), mcp.Min(0), mcp.Max(1)),
		mcp.WithNumber("rerank_top_n", mcp.Description("Fused candidates sent to the reranker, 0 skips reranking."), mcp.Min(0)),
	), s.askDocuments)

	if index != nil {
		s.mcp.AddTool(mcp.NewTool(toolIndexInfo,
			mcp.WithDescription("Describe the index snapshot currently served."),
		), s.indexInfo)
	}
	return s
}

// MCP returns the underlying protocol server.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// ServeStdio blocks serving the protocol on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) askDocuments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := req.RequireString("question")
	if err != nil || strings.TrimSpace(question) == "" {
		return mcp.NewToolResultError("question is required"), nil
	}

	overrides, err := parseOverrides(req.GetArguments())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	qs, err := s.query.Start(ctx, domain.QueryRequest{
		Question:       strings.TrimSpace(question),
		ConversationID: strings.TrimSpace(req.GetString("conversation_id", "")),
		Overrides:      overrides,
	})
	if err != nil {
		return toolError(err), nil
	}
	answer, err := usecase.CollectAnswer(ctx, qs)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(formatAnswer(answer)), nil
}

func (s *Server) indexInfo(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info := s.index.Info()
	if info.Chunks == 0 {
		return mcp.NewToolResultText("no index snapshot is loaded"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"version: %s\nchunks: %d\ndimension: %d\nbuilt_at: %s",
		info.Version, info.Chunks, info.Dimension, info.BuiltAt.Format("2006-01-02T15:04:05Z07:00"),
	)), nil
}

func parseOverrides(args map[string]any) (domain.QueryOverrides, error) {
	var out domain.QueryOverrides
	var err error
	if out.KLexical, err = optionalInt(args, "k_lexical"); err != nil {
		return out, err
	}
	if out.KVector, err = optionalInt(args, "k_vector"); err != nil {
		return out, err
	}
	if out.RerankTopN, err = optionalInt(args, "rerank_top_n"); err != nil {
		return out, err
	}
	if raw, ok := args["fusion_weight"]; ok && raw != nil {
		w, ok := raw.(float64)
		if !ok {
			return out, fmt.Errorf("fusion_weight must be a number")
		}
		out.FusionWeight = &w
	}
	return out, nil
}

func optionalInt(args map[string]any, key string) (*int, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case int:
		v = float64(n)
	default:
		return nil, fmt.Errorf("%s must be a number", key)
	}
	if v != math.Trunc(v) {
		return nil, fmt.Errorf("%s must be an integer", key)
	}
	i := int(v)
	return &i, nil
}

func toolError(err error) *mcp.CallToolResult {
	kind := domain.KindOf(err)
	slog.Warn("mcp_tool_failed", "tool", toolAsk, "kind", kind, "error", err)
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", kind, err))
}

func formatAnswer(answer *domain.Answer) string {
	var b strings.Builder
	b.WriteString(answer.Text)
	if len(answer.Sources) == 0 {
		return b.String()
	}
	b.WriteString("\n\nSources:\n")
	for _, src := range answer.Sources {
		fmt.Fprintf(&b, "[%d] %s (chunk %s, relevance %.3f)\n", src.Index, src.DocumentID, src.ChunkID, src.Relevance)
		if src.Excerpt != "" {
			fmt.Fprintf(&b, "    %s\n", strings.ReplaceAll(src.Excerpt, "\n", " "))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
