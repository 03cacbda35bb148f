package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"coderag/internal/apperr"
	"coderag/internal/index"
	"coderag/internal/llm"
	"coderag/internal/rag"
	"coderag/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
)

var readOnlyAnnotation = mcp.ToolAnnotation{
	ReadOnlyHint:    mcp.ToBoolPtr(true),
	DestructiveHint: mcp.ToBoolPtr(false),
	IdempotentHint:  mcp.ToBoolPtr(true),
	OpenWorldHint:   mcp.ToBoolPtr(false),
}

// --- Tool schema builders ---

func searchCodebaseTool() mcp.Tool {
	return mcp.NewTool("search_codebase",
		mcp.WithDescription("Semantically search indexed code. Returns the nearest chunks with file paths, symbols and line numbers, without generating an answer."),
		mcp.WithToolAnnotation(readOnlyAnnotation),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural language or keyword query"),
		),
		mcp.WithString("project",
			mcp.Description("Project to search; omit to search every project"),
		),
		mcp.WithNumber("k",
			mcp.Description("Maximum number of chunks to return (1-20)"),
		),
	)
}

func askCodebaseTool() mcp.Tool {
	return mcp.NewTool("ask_codebase",
		mcp.WithDescription("Answer a question about indexed code using retrieved chunks as context. Returns the answer and its sources."),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{
			ReadOnlyHint:    mcp.ToBoolPtr(true),
			DestructiveHint: mcp.ToBoolPtr(false),
			IdempotentHint:  mcp.ToBoolPtr(false),
			OpenWorldHint:   mcp.ToBoolPtr(false),
		}),
		mcp.WithString("question",
			mcp.Required(),
			mcp.Description("Question about the code"),
		),
		mcp.WithString("project",
			mcp.Description("Project to ask about; omit to use every project"),
		),
		mcp.WithNumber("k",
			mcp.Description("Number of chunks to retrieve as context (1-20)"),
		),
	)
}

func listProjectsTool() mcp.Tool {
	return mcp.NewTool("list_projects",
		mcp.WithDescription("List indexed projects with their chunk and file counts."),
		mcp.WithToolAnnotation(readOnlyAnnotation),
	)
}

func projectStatsTool() mcp.Tool {
	return mcp.NewTool("project_stats",
		mcp.WithDescription("Get chunk count, file count, language histogram and embedding model of one project."),
		mcp.WithToolAnnotation(readOnlyAnnotation),
		mcp.WithString("project",
			mcp.Required(),
			mcp.Description("Project name"),
		),
	)
}

func indexProjectTool() mcp.Tool {
	return mcp.NewTool("index_project",
		mcp.WithDescription("Start indexing a directory in the background. Poll index_progress for status. Fails if another run is active."),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{
			ReadOnlyHint:    mcp.ToBoolPtr(false),
			DestructiveHint: mcp.ToBoolPtr(false),
			IdempotentHint:  mcp.ToBoolPtr(true),
			OpenWorldHint:   mcp.ToBoolPtr(false),
		}),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Absolute path of the directory to index"),
		),
		mcp.WithString("project",
			mcp.Description("Project name; defaults to the directory name"),
		),
		mcp.WithBoolean("force",
			mcp.Description("Discard the existing index of the project first"),
		),
	)
}

func indexProgressTool() mcp.Tool {
	return mcp.NewTool("index_progress",
		mcp.WithDescription("Report the stage and progress of the current indexing run, or the summary of the last one."),
		mcp.WithToolAnnotation(readOnlyAnnotation),
	)
}

func cancelIndexingTool() mcp.Tool {
	return mcp.NewTool("cancel_indexing",
		mcp.WithDescription("Stop the current indexing run after the file in progress. Files already indexed are kept."),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{
			ReadOnlyHint:    mcp.ToBoolPtr(false),
			DestructiveHint: mcp.ToBoolPtr(false),
			IdempotentHint:  mcp.ToBoolPtr(true),
			OpenWorldHint:   mcp.ToBoolPtr(false),
		}),
	)
}

func switchModelTool() mcp.Tool {
	return mcp.NewTool("switch_model",
		mcp.WithDescription("Switch the chat model used by ask_codebase. The model must already be pulled in Ollama; the index is unaffected."),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{
			ReadOnlyHint:    mcp.ToBoolPtr(false),
			DestructiveHint: mcp.ToBoolPtr(false),
			IdempotentHint:  mcp.ToBoolPtr(true),
			OpenWorldHint:   mcp.ToBoolPtr(false),
		}),
		mcp.WithString("model",
			mcp.Required(),
			mcp.Description("Ollama model name, e.g. llama3 or qwen3:8b"),
		),
	)
}

func deleteProjectTool() mcp.Tool {
	return mcp.NewTool("delete_project",
		mcp.WithDescription("Delete every indexed chunk of a project."),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{
			ReadOnlyHint:    mcp.ToBoolPtr(false),
			DestructiveHint: mcp.ToBoolPtr(true),
			IdempotentHint:  mcp.ToBoolPtr(true),
			OpenWorldHint:   mcp.ToBoolPtr(false),
		}),
		mcp.WithString("project",
			mcp.Required(),
			mcp.Description("Project name"),
		),
	)
}

// --- Handlers ---

func (s *Server) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := strings.TrimSpace(req.GetString("query", ""))
	if query == "" {
		return errorResult(fmt.Errorf("%w: query is required", apperr.ErrInvalidInput)), nil
	}
	project := req.GetString("project", "")
	k := s.topK(req)

	results, err := s.deps.Retriever.Retrieve(ctx, project, query, k)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(formatSearchResults(query, results)), nil
}

func (s *Server) handleAsk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question := strings.TrimSpace(req.GetString("question", ""))
	if question == "" {
		return errorResult(fmt.Errorf("%w: question is required", apperr.ErrInvalidInput)), nil
	}
	ans, err := s.deps.Chain.Answer(ctx, rag.Query{
		Question: question,
		Project:  req.GetString("project", ""),
		TopK:     s.topK(req),
	})
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(formatAnswer(ans)), nil
}

func (s *Server) handleListProjects(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projects, err := s.deps.Store.ListProjects(ctx)
	if err != nil {
		return errorResult(err), nil
	}
	if len(projects) == 0 {
		return mcp.NewToolResultText("No projects indexed yet. Call index_project to index a directory."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Indexed projects (%d)\n\n", len(projects))
	for _, p := range projects {
		fmt.Fprintf(&sb, "- **%s**: %d chunks in %d files (%s)\n", p.Name, p.Chunks, p.Files, p.Model)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (s *Server) handleProjectStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("project", "")
	if name == "" {
		return errorResult(fmt.Errorf("%w: project is required", apperr.ErrInvalidInput)), nil
	}
	st, err := s.deps.Store.Stats(ctx, name)
	if err != nil {
		return errorResult(err), nil
	}
	if st.Chunks == 0 {
		return errorResult(fmt.Errorf("%w: project %q is not indexed; call list_projects to see available projects", apperr.ErrEmptyIndex, name)), nil
	}
	return mcp.NewToolResultText(formatStats(st)), nil
}

func (s *Server) handleIndexProject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := req.GetString("path", "")
	if path == "" {
		return errorResult(fmt.Errorf("%w: path is required", apperr.ErrInvalidInput)), nil
	}
	job, err := s.deps.Orchestrator.Start(ctx, index.Request{
		Path:    path,
		Project: req.GetString("project", ""),
		Force:   req.GetBool("force", false),
	})
	if err != nil {
		return errorResult(err), nil
	}
	s.log.Info("indexing started from mcp", "project", job.Project, "path", job.Path)
	return jsonResult(map[string]any{
		"status":  "started",
		"job_id":  job.ID,
		"project": job.Project,
		"path":    job.Path,
	})
}

func (s *Server) handleIndexProgress(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	job := s.deps.Orchestrator.Snapshot()
	return jsonResult(progressView(job))
}

func (s *Server) handleCancelIndexing(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.deps.Orchestrator.Cancel() {
		return jsonResult(map[string]any{"status": "not indexing"})
	}
	job := s.deps.Orchestrator.Snapshot()
	return jsonResult(map[string]any{"status": "cancelling", "project": job.Project})
}

func (s *Server) handleDeleteProject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := req.GetString("project", "")
	if name == "" {
		return errorResult(fmt.Errorf("%w: project is required", apperr.ErrInvalidInput)), nil
	}
	if job := s.deps.Orchestrator.Snapshot(); job.Active() && job.Project == name {
		return errorResult(fmt.Errorf("%w: project %q is being indexed", apperr.ErrIndexInProgress, name)), nil
	}
	n, err := s.deps.Store.Delete(ctx, name)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"project": name, "deleted_chunks": n})
}

func (s *Server) handleSwitchModel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := strings.TrimSpace(req.GetString("model", ""))
	if name == "" {
		return errorResult(fmt.Errorf("%w: model is required", apperr.ErrInvalidInput)), nil
	}
	if s.deps.Chat == nil {
		return errorResult(fmt.Errorf("%w: no chat backend configured", apperr.ErrGenerationUnavailable)), nil
	}
	if err := llm.CheckModel(ctx, s.deps.OllamaURL, name); err != nil {
		return errorResult(err), nil
	}
	prev := s.deps.Chain.Model()
	s.deps.Chain.SetGenerator(s.deps.Chat.WithModel(name))
	return jsonResult(map[string]any{"previous": prev, "model": name})
}

func (s *Server) topK(req mcp.CallToolRequest) int {
	k := req.GetInt("k", s.deps.DefaultTopK)
	if k <= 0 {
		k = s.deps.DefaultTopK
	}
	return store.ClampTopK(k)
}

// --- Formatting helpers ---

// errorResult reports err as "<Kind>: <detail>".
func errorResult(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", apperr.KindOf(err), err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

type progress struct {
	index.Job
	Percent int  `json:"percent"`
	Running bool `json:"running"`
}

func progressView(j index.Job) progress {
	return progress{Job: j, Percent: j.Percent(), Running: j.Active()}
}

func formatSearchResults(query string, results []store.SearchResult) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for query: %q", query)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Search results for %q (%d chunks)\n\n", query, len(results))
	for i, r := range results {
		c := r.Chunk
		fmt.Fprintf(&sb, "### Result %d: `%s`\n\n", i+1, c.Filepath)
		fmt.Fprintf(&sb, "**Project:** %s  \n**Kind:** %s  \n**Name:** %s  \n**Lines:** %d-%d  \n**Distance:** %.4f\n\n",
			r.Project, c.ChunkType, c.Name, c.StartLine, c.EndLine, r.Distance)
		fmt.Fprintf(&sb, "```%s\n%s\n```\n\n", c.Language, c.Content)
	}
	return sb.String()
}

func formatAnswer(ans *rag.Answer) string {
	var sb strings.Builder
	sb.WriteString(ans.Text)
	if len(ans.Sources) == 0 {
		sb.WriteString("\n\n_No indexed code was used for this answer._\n")
		return sb.String()
	}
	sb.WriteString("\n\n## Sources\n\n")
	for _, src := range ans.Sources {
		fmt.Fprintf(&sb, "- `%s` %s **%s** (lines %d-%d, project %s)\n",
			src.File, src.ChunkType, src.Name, src.StartLine, src.EndLine, src.Project)
	}
	return sb.String()
}

func formatStats(st store.ProjectStats) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s\n\n", st.Name)
	fmt.Fprintf(&sb, "**Chunks:** %d  \n**Files:** %d  \n**Model:** %s (%d dimensions)  \n**Updated:** %s\n\n",
		st.Chunks, st.Files, st.Model, st.Dimension, st.UpdatedAt.Format("2006-01-02 15:04:05"))

	langs := make([]string, 0, len(st.Languages))
	for l := range st.Languages {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	sb.WriteString("**Languages:**\n\n")
	for _, l := range langs {
		fmt.Fprintf(&sb, "- %s: %d\n", l, st.Languages[l])
	}
	return sb.String()
}
