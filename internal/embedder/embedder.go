// Package embedder maps text to fixed-dimension vectors.
package embedder

import (
	"context"
	"fmt"
	"strings"

	"coderag/internal/apperr"
)

// MaxTextBytes is the largest single text accepted for embedding.
const MaxTextBytes = 64 << 10

// Embedder generates embeddings. EmbedBatch preserves input order and length.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Model names the model behind the vectors.
	Model() string
}

// BatchError identifies the items of a batch that failed. Items are
// [Start, End); validation errors cover a single item.
type BatchError struct {
	Start int
	End   int
	Err   error
}

func (e *BatchError) Error() string {
	if e.End-e.Start == 1 {
		return fmt.Sprintf("embed item %d: %v", e.Start, e.Err)
	}
	return fmt.Sprintf("embed items %d-%d: %v", e.Start, e.End-1, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// validate rejects empty and oversized texts.
func validate(texts []string) error {
	for i, t := range texts {
		switch {
		case strings.TrimSpace(t) == "":
			return &BatchError{Start: i, End: i + 1, Err: fmt.Errorf("%w: empty text", apperr.ErrInvalidInput)}
		case len(t) > MaxTextBytes:
			return &BatchError{Start: i, End: i + 1, Err: fmt.Errorf("%w: text is %d bytes (limit %d)", apperr.ErrInvalidInput, len(t), MaxTextBytes)}
		}
	}
	return nil
}

// checkDimensions ensures every vector in a batch has the same length.
func checkDimensions(vecs [][]float32) error {
	for i, v := range vecs {
		if len(v) == 0 {
			return fmt.Errorf("embedding %d is empty", i)
		}
		if len(v) != len(vecs[0]) {
			return fmt.Errorf("%w: embedding %d has dimension %d, expected %d", apperr.ErrEmbeddingMismatch, i, len(v), len(vecs[0]))
		}
	}
	return nil
}

// Config selects and configures an embedder.
type Config struct {
	Provider  string // "ollama" or "hash"
	URL       string
	Model     string
	Dimension int
	CacheSize int
}

// New creates an embedder from cfg, wrapped in an LRU cache when CacheSize > 0.
func New(cfg Config) (Embedder, error) {
	var e Embedder
	switch strings.ToLower(cfg.Provider) {
	case "ollama", "":
		e = NewOllamaEmbedder(cfg.URL, cfg.Model)
	case "hash":
		e = NewHashEmbedder(cfg.Dimension)
	default:
		return nil, fmt.Errorf("%w: unknown embedder provider %q", apperr.ErrInvalidInput, cfg.Provider)
	}
	if cfg.CacheSize > 0 {
		return NewCachedEmbedder(e, cfg.CacheSize)
	}
	return e, nil
}
