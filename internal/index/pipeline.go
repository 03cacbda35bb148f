package index

import (
	"context"
	"errors"
	"fmt"
	"os"

	"coderag/internal/chunker"
	"coderag/internal/embedder"
	"coderag/internal/store"
	"coderag/internal/walker"
)

// fileOutcome is what processing one file did.
type fileOutcome int

const (
	fileIndexed fileOutcome = iota
	fileUnchanged
	fileSkipped
)

// fileResult carries per-file counts back to the run loop.
type fileResult struct {
	outcome  fileOutcome
	embedded int
	pruned   int
	err      error // reason for fileSkipped
}

// errFatal wraps failures that abort the whole run.
type errFatal struct{ err error }

func (e *errFatal) Error() string { return e.err.Error() }
func (e *errFatal) Unwrap() error { return e.err }

// processFile reads, chunks, embeds and stores one file. Recoverable
// problems come back as fileSkipped; store failures and cancellation come
// back as an error.
func (o *Orchestrator) processFile(ctx context.Context, project string, f walker.FileInfo) (fileResult, error) {
	o.setStage(StageEmbedding)

	if limit := o.chunker.MaxFileBytes(); f.Size > int64(limit) {
		err := fmt.Errorf("%w: %s is %d bytes (limit %d)", chunker.ErrFileTooLarge, f.Path, f.Size, limit)
		return fileResult{outcome: fileSkipped, err: err}, nil
	}

	src, err := os.ReadFile(f.Path)
	if err != nil {
		return fileResult{outcome: fileSkipped, err: fmt.Errorf("read: %w", err)}, nil
	}

	lang := o.chunker.Registry().Detect(f.Path)
	chunks, err := o.chunker.Chunk(f.Path, src, lang)
	if err != nil {
		return fileResult{outcome: fileSkipped, err: err}, nil
	}
	for i := range chunks {
		chunks[i].Project = project
	}

	existing, err := o.store.FileHashes(ctx, project, f.Path)
	if err != nil {
		return fileResult{}, &errFatal{err}
	}

	keep := make(map[store.Key]bool, len(chunks))
	var changed []chunker.Chunk
	for _, c := range chunks {
		k := store.KeyOf(c)
		keep[k] = true
		if existing[k] != c.ContentHash {
			changed = append(changed, c)
		}
	}
	stale := 0
	for k := range existing {
		if !keep[k] {
			stale++
		}
	}
	if len(changed) == 0 && stale == 0 {
		return fileResult{outcome: fileUnchanged}, nil
	}

	vectors, err := o.embed(ctx, changed)
	if err != nil {
		if ctx.Err() != nil {
			return fileResult{}, ctx.Err()
		}
		return fileResult{outcome: fileSkipped, err: err}, nil
	}

	o.setStage(StageStoring)
	if _, err := o.store.Upsert(ctx, project, o.emb.Model(), changed, vectors); err != nil {
		if ctx.Err() != nil {
			return fileResult{}, ctx.Err()
		}
		return fileResult{}, &errFatal{fmt.Errorf("store %s: %w", f.RelPath, err)}
	}
	pruned := 0
	if stale > 0 {
		pruned, err = o.store.PruneFile(ctx, project, f.Path, keep)
		if err != nil {
			return fileResult{}, &errFatal{fmt.Errorf("prune %s: %w", f.RelPath, err)}
		}
	}
	return fileResult{outcome: fileIndexed, embedded: len(changed), pruned: pruned}, nil
}

// embed embeds chunks in sub-batches of the configured size.
func (o *Orchestrator) embed(ctx context.Context, chunks []chunker.Chunk) ([][]float32, error) {
	vectors := make([][]float32, 0, len(chunks))
	for i := 0; i < len(chunks); i += o.cfg.BatchSize {
		end := min(i+o.cfg.BatchSize, len(chunks))
		texts := make([]string, end-i)
		for j, c := range chunks[i:end] {
			texts[j] = c.EmbeddingText()
		}
		vecs, err := o.emb.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, describeBatchError(err, chunks[i:end])
		}
		if len(vecs) != len(texts) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
		}
		vectors = append(vectors, vecs...)
	}
	return vectors, nil
}

// describeBatchError names the first chunk a batch error points at.
func describeBatchError(err error, batch []chunker.Chunk) error {
	var be *embedder.BatchError
	if !errors.As(err, &be) || be.Start < 0 || be.Start >= len(batch) {
		return err
	}
	c := batch[be.Start]
	return fmt.Errorf("chunk %s (lines %d-%d): %w", c.Name, c.StartLine, c.EndLine, err)
}
