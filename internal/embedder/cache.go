package embedder

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedEmbedder memoizes another embedder in an LRU keyed by model and text.
type CachedEmbedder struct {
	inner  Embedder
	cache  *lru.Cache[[32]byte, []float32]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachedEmbedder wraps inner with a cache holding up to size vectors.
func NewCachedEmbedder(inner Embedder, size int) (*CachedEmbedder, error) {
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[[32]byte, []float32](size)
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

// Model returns the wrapped embedder's model.
func (c *CachedEmbedder) Model() string { return c.inner.Model() }

// Stats returns cache hit and miss counts.
func (c *CachedEmbedder) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *CachedEmbedder) key(text string) [32]byte {
	return sha256.Sum256([]byte(c.inner.Model() + "\x00" + text))
}

// Embed embeds a single text.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch serves cached vectors and sends only the misses to the wrapped
// embedder. Batch errors are reported against the caller's indexes.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := validate(texts); err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		if v, ok := c.cache.Get(c.key(t)); ok {
			out[i] = v
			c.hits.Add(1)
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}
	c.misses.Add(int64(len(missTexts)))

	vecs, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		var be *BatchError
		if errors.As(err, &be) && be.Start < len(missIdx) && be.End <= len(missIdx) && be.End > be.Start {
			return nil, &BatchError{Start: missIdx[be.Start], End: missIdx[be.End-1] + 1, Err: be.Err}
		}
		return nil, err
	}
	for j, v := range vecs {
		out[missIdx[j]] = v
		c.cache.Add(c.key(missTexts[j]), v)
	}
	if err := checkDimensions(out); err != nil {
		return nil, err
	}
	return out, nil
}
