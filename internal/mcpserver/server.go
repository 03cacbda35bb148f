// Package mcpserver exposes indexing and question answering as MCP tools.
package mcpserver

import (
	"context"
	"log/slog"

	"coderag/internal/index"
	"coderag/internal/llm"
	"coderag/internal/logging"
	"coderag/internal/rag"
	"coderag/internal/store"

	"github.com/mark3labs/mcp-go/server"
)

const (
	// ServerName is the MCP server name.
	ServerName = "coderag"
	// ServerVersion is the current server version.
	ServerVersion = "1.0.0"
)

// Deps are the components the tools call into.
type Deps struct {
	Store        store.Store
	Orchestrator *index.Orchestrator
	Retriever    *rag.Retriever
	Chain        *rag.Chain
	// Chat and OllamaURL back switch_model; without Chat the tool reports an error.
	Chat      *llm.OllamaChat
	OllamaURL string
	// DefaultTopK applies when a call omits k.
	DefaultTopK int
	Logger      *slog.Logger
}

// Server wraps the MCP server with application dependencies.
type Server struct {
	mcp  *server.MCPServer
	deps Deps
	log  *slog.Logger
}

// New creates a server with every tool registered.
func New(deps Deps) *Server {
	if deps.DefaultTopK <= 0 {
		deps.DefaultTopK = 5
	}
	log := deps.Logger
	if log == nil {
		log = logging.Discard()
	}
	s := &Server{
		mcp:  server.NewMCPServer(ServerName, ServerVersion, server.WithToolCapabilities(false)),
		deps: deps,
		log:  log,
	}
	s.registerTools()
	return s
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// Serve runs the server on stdio until the client disconnects. A background
// indexing run is cancelled and awaited before returning.
func (s *Server) Serve(ctx context.Context) error {
	defer func() {
		if s.deps.Orchestrator.Cancel() {
			s.log.Info("cancelling background indexing on shutdown")
		}
		s.deps.Orchestrator.Wait()
	}()
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(searchCodebaseTool(), s.handleSearch)
	s.mcp.AddTool(askCodebaseTool(), s.handleAsk)
	s.mcp.AddTool(listProjectsTool(), s.handleListProjects)
	s.mcp.AddTool(projectStatsTool(), s.handleProjectStats)
	s.mcp.AddTool(indexProjectTool(), s.handleIndexProject)
	s.mcp.AddTool(indexProgressTool(), s.handleIndexProgress)
	s.mcp.AddTool(cancelIndexingTool(), s.handleCancelIndexing)
	s.mcp.AddTool(deleteProjectTool(), s.handleDeleteProject)
	s.mcp.AddTool(switchModelTool(), s.handleSwitchModel)
}
