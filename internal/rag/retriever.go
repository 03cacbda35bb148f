package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"coderag/internal/apperr"
	"coderag/internal/embedder"
	"coderag/internal/logging"
	"coderag/internal/store"

	"golang.org/x/sync/errgroup"
)

// maxParallelSearches bounds the per-project searches of an all-project query.
const maxParallelSearches = 4

// Retriever embeds a question and searches one project or all of them.
type Retriever struct {
	store store.Store
	emb   embedder.Embedder
	log   *slog.Logger
}

// NewRetriever creates a retriever. A nil logger discards output.
func NewRetriever(st store.Store, emb embedder.Embedder, log *slog.Logger) *Retriever {
	if log == nil {
		log = logging.Discard()
	}
	return &Retriever{store: st, emb: emb, log: log}
}

// Retrieve returns the topK chunks nearest to question. An empty project
// searches every indexed project and merges the results by distance.
func (r *Retriever) Retrieve(ctx context.Context, project, question string, topK int) ([]store.SearchResult, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("%w: question is empty", apperr.ErrInvalidInput)
	}
	topK = store.ClampTopK(topK)

	vec, err := r.emb.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	if project != "" {
		return r.store.Search(ctx, project, vec, topK)
	}
	return r.searchAll(ctx, vec, topK)
}

func (r *Retriever) searchAll(ctx context.Context, vec []float32, topK int) ([]store.SearchResult, error) {
	projects, err := r.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	if len(projects) == 0 {
		return nil, fmt.Errorf("%w: no projects indexed", apperr.ErrEmptyIndex)
	}

	perProject := make([][]store.SearchResult, len(projects))
	skipped := make([]error, len(projects))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelSearches)
	for i, p := range projects {
		g.Go(func() error {
			res, err := r.store.Search(gctx, p.Name, vec, topK)
			switch {
			case err == nil:
				perProject[i] = res
			case errors.Is(err, apperr.ErrEmbeddingMismatch), errors.Is(err, apperr.ErrEmptyIndex):
				skipped[i] = err
			default:
				return fmt.Errorf("search %s: %w", p.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []store.SearchResult
	searched, mismatched := 0, 0
	for i, p := range projects {
		if err := skipped[i]; err != nil {
			if errors.Is(err, apperr.ErrEmbeddingMismatch) {
				mismatched++
				r.log.Warn("skipping project with different embedding dimension", "project", p.Name, "err", err)
			}
			continue
		}
		searched++
		merged = append(merged, perProject[i]...)
	}
	if searched == 0 {
		if mismatched > 0 {
			return nil, fmt.Errorf("%w: no project matches the query embedding dimension %d", apperr.ErrEmbeddingMismatch, len(vec))
		}
		return nil, fmt.Errorf("%w: no project has indexed chunks", apperr.ErrEmptyIndex)
	}

	sortResults(merged)
	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged, nil
}

// sortResults orders by distance, then project, file and start line.
func sortResults(rs []store.SearchResult) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		if a.Project != b.Project {
			return a.Project < b.Project
		}
		if a.Chunk.Filepath != b.Chunk.Filepath {
			return a.Chunk.Filepath < b.Chunk.Filepath
		}
		return a.Chunk.StartLine < b.Chunk.StartLine
	})
}
