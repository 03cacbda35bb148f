package embedder

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEmbedder is a deterministic, offline embedder. It hashes word tokens
// and their bigrams into a fixed number of signed buckets and L2-normalizes
// the result. Texts sharing identifiers land close together.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a hash embedder producing dim-sized vectors.
// dim <= 0 selects 256.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

// Model returns "hash-<dim>".
func (h *HashEmbedder) Model() string { return fmt.Sprintf("hash-%d", h.dim) }

// Dimension returns the vector length.
func (h *HashEmbedder) Dimension() int { return h.dim }

// Embed embeds a single text.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := h.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in order.
func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := validate(texts); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, &BatchError{Start: i, End: len(texts), Err: err}
		}
		out[i] = h.vector(t)
	}
	return out, nil
}

func (h *HashEmbedder) vector(text string) []float32 {
	v := make([]float32, h.dim)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		tokens = []string{text}
	}
	for i, tok := range tokens {
		h.add(v, tok, 1)
		if i > 0 {
			h.add(v, tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v
}

func (h *HashEmbedder) add(v []float32, token string, weight float32) {
	f := fnv.New64a()
	f.Write([]byte(token))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dim))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	v[idx] += weight
}

// tokenize lowercases text and splits it on anything that is not a letter
// or digit. camelCase and snake_case identifiers also yield their parts.
func tokenize(text string) []string {
	var tokens []string
	for _, word := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	}) {
		tokens = append(tokens, strings.ToLower(word))
		parts := splitIdentifier(word)
		if len(parts) > 1 {
			tokens = append(tokens, parts...)
		}
	}
	return tokens
}

func splitIdentifier(word string) []string {
	var parts []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			parts = append(parts, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	for i, r := range word {
		switch {
		case r == '_':
			flush()
		case unicode.IsUpper(r) && i > 0:
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return parts
}
