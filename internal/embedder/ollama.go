package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OllamaEmbedder calls the Ollama /api/embed endpoint.
type OllamaEmbedder struct {
	baseURL string
	model   string
	client  *http.Client
	retry   RetryConfig
}

// OllamaOption customizes an OllamaEmbedder.
type OllamaOption func(*OllamaEmbedder)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) OllamaOption {
	return func(e *OllamaEmbedder) { e.client = c }
}

// WithRetry replaces the default retry policy.
func WithRetry(cfg RetryConfig) OllamaOption {
	return func(e *OllamaEmbedder) { e.retry = cfg }
}

// NewOllamaEmbedder creates an embedder targeting the given Ollama instance.
func NewOllamaEmbedder(baseURL, model string, opts ...OllamaOption) *OllamaEmbedder {
	e := &OllamaEmbedder{
		baseURL: baseURL,
		model:   model,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
		retry: DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Model returns the configured model name.
func (e *OllamaEmbedder) Model() string { return e.model }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed embeds a single text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch sends texts to Ollama in one request and returns their
// embeddings in input order. A failed request fails the whole batch with a
// *BatchError covering every item.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := validate(texts); err != nil {
		return nil, err
	}

	body, err := json.Marshal(embedRequest{
		Model: e.model,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	vecs, err := retryWithBackoff(ctx, e.retry, func() ([][]float32, error) {
		return e.post(ctx, body, len(texts))
	})
	if err != nil {
		return nil, &BatchError{Start: 0, End: len(texts), Err: err}
	}
	if err := checkDimensions(vecs); err != nil {
		return nil, &BatchError{Start: 0, End: len(texts), Err: err}
	}
	return vecs, nil
}

func (e *OllamaEmbedder) post(ctx context.Context, body []byte, want int) ([][]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("ollama embed returned %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fmt.Errorf("%w: %w", errPermanent, err)
		}
		return nil, err
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(result.Embeddings) != want {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", errPermanent, want, len(result.Embeddings))
	}
	return result.Embeddings, nil
}
