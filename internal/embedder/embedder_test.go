package embedder

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"coderag/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashEmbedder(t *testing.T) {
	h := NewHashEmbedder(64)
	ctx := context.Background()

	a, err := h.Embed(ctx, "func parseConfig(path string)")
	require.NoError(t, err)
	require.Len(t, a, 64)

	again, err := h.Embed(ctx, "func parseConfig(path string)")
	require.NoError(t, err)
	assert.Equal(t, a, again)

	var norm float64
	for _, x := range a {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)

	near, err := h.Embed(ctx, "parse config file path")
	require.NoError(t, err)
	far, err := h.Embed(ctx, "render button color theme")
	require.NoError(t, err)
	assert.Greater(t, cosine(a, near), cosine(a, far))
	assert.Equal(t, "hash-64", h.Model())
}

func TestHashEmbedderPunctuationOnly(t *testing.T) {
	v, err := NewHashEmbedder(8).Embed(context.Background(), "{}();")
	require.NoError(t, err)
	assert.Len(t, v, 8)
}

func TestHashEmbedderRejectsEmpty(t *testing.T) {
	_, err := NewHashEmbedder(8).EmbedBatch(context.Background(), []string{"a", ""})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestValidateOversized(t *testing.T) {
	err := validate([]string{strings.Repeat("x", MaxTextBytes+1)})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
}

// countingEmbedder records how many texts it was asked to embed.
type countingEmbedder struct {
	inner Embedder
	texts int
	fail  error
}

func (c *countingEmbedder) Model() string { return c.inner.Model() }

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.texts += len(texts)
	if c.fail != nil {
		return nil, &BatchError{Start: 0, End: len(texts), Err: c.fail}
	}
	return c.inner.EmbedBatch(ctx, texts)
}

func TestCachedEmbedder(t *testing.T) {
	inner := &countingEmbedder{inner: NewHashEmbedder(16)}
	c, err := NewCachedEmbedder(inner, 10)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := c.EmbedBatch(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	second, err := c.EmbedBatch(ctx, []string{"beta", "gamma", "alpha"})
	require.NoError(t, err)

	assert.Equal(t, 3, inner.texts)
	assert.Equal(t, first[0], second[2])
	assert.Equal(t, first[1], second[0])

	hits, misses := c.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(3), misses)
}

func TestCachedEmbedderMapsBatchErrors(t *testing.T) {
	inner := &countingEmbedder{inner: NewHashEmbedder(16)}
	c, err := NewCachedEmbedder(inner, 10)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.Embed(ctx, "cached")
	require.NoError(t, err)

	inner.fail = errors.New("backend down")
	_, err = c.EmbedBatch(ctx, []string{"cached", "new1", "new2"})
	var be *BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 1, be.Start)
	assert.Equal(t, 3, be.End)
}

func TestNewFactory(t *testing.T) {
	e, err := New(Config{Provider: "hash", Dimension: 32, CacheSize: 8})
	require.NoError(t, err)
	_, ok := e.(*CachedEmbedder)
	assert.True(t, ok)
	assert.Equal(t, "hash-32", e.Model())

	e, err = New(Config{Provider: "ollama", URL: "http://localhost:11434", Model: "nomic-embed-text"})
	require.NoError(t, err)
	assert.IsType(t, &OllamaEmbedder{}, e)

	_, err = New(Config{Provider: "word2vec"})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
}
