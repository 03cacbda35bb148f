package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"coderag/internal/apperr"
)

// Message represents a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OllamaChat calls the Ollama /api/chat endpoint for generative responses.
type OllamaChat struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllamaChat creates a chat client targeting the given Ollama instance and
// model. timeout bounds blocking calls; streams are bounded by their context.
func NewOllamaChat(baseURL, model string, timeout time.Duration) *OllamaChat {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &OllamaChat{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

// Model returns the configured model name.
func (c *OllamaChat) Model() string { return c.model }

// WithModel returns a client for model on the same backend.
func (c *OllamaChat) WithModel(model string) *OllamaChat {
	cp := *c
	cp.model = model
	return &cp
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type chatResponse struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}

// Generate sends a conversation to Ollama and returns the assistant's response.
func (c *OllamaChat) Generate(ctx context.Context, messages []Message) (string, error) {
	resp, err := c.post(ctx, c.client, messages, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: decode chat response: %v", apperr.ErrGenerationUnavailable, err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("%w: %s", apperr.ErrGenerationUnavailable, result.Error)
	}
	return result.Message.Content, nil
}

// Stream starts a streaming generation. The caller must Close the stream.
func (c *OllamaChat) Stream(ctx context.Context, messages []Message) (*Stream, error) {
	// The client timeout would cut long generations short; ctx bounds the stream.
	streamClient := &http.Client{Transport: c.client.Transport}
	resp, err := c.post(ctx, streamClient, messages, true)
	if err != nil {
		return nil, err
	}
	return NewStream(ctx, resp.Body), nil
}

func (c *OllamaChat) post(ctx context.Context, client *http.Client, messages []Message, stream bool) (*http.Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: ollama chat request: %v", apperr.ErrGenerationUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: ollama chat returned %d: %s", apperr.ErrGenerationUnavailable, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return resp, nil
}

// Stream is a pull-based sequence of generated text fragments.
//
//	for s.Next() {
//		fmt.Print(s.Text())
//	}
//	if err := s.Err(); err != nil { ... }
//
// Next returning false with a nil Err marks normal completion.
type Stream struct {
	ctx     context.Context
	body    io.ReadCloser
	scanner *bufio.Scanner
	text    string
	err     error
	done    bool
}

// NewStream reads Ollama NDJSON chat chunks from body. The stream owns body.
func NewStream(ctx context.Context, body io.ReadCloser) *Stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &Stream{ctx: ctx, body: body, scanner: sc}
}

// Next advances to the next non-empty fragment.
func (s *Stream) Next() bool {
	for !s.done {
		if err := s.ctx.Err(); err != nil {
			s.finish(err)
			return false
		}
		if !s.scanner.Scan() {
			// The body read fails once the request context is done.
			if err := s.ctx.Err(); err != nil {
				s.finish(err)
				return false
			}
			err := s.scanner.Err()
			if err == nil {
				err = errors.New("stream ended before completion")
			}
			s.finish(fmt.Errorf("%w: %v", apperr.ErrGenerationUnavailable, err))
			return false
		}
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk chatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			s.finish(fmt.Errorf("%w: decode stream chunk: %v", apperr.ErrGenerationUnavailable, err))
			return false
		}
		if chunk.Error != "" {
			s.finish(fmt.Errorf("%w: %s", apperr.ErrGenerationUnavailable, chunk.Error))
			return false
		}
		if chunk.Done {
			s.finish(nil)
			if chunk.Message.Content == "" {
				return false
			}
			s.text = chunk.Message.Content
			return true
		}
		if chunk.Message.Content == "" {
			continue
		}
		s.text = chunk.Message.Content
		return true
	}
	return false
}

// Text returns the current fragment.
func (s *Stream) Text() string { return s.text }

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error { return s.err }

// Close stops the stream and closes the backend connection.
func (s *Stream) Close() error {
	if !s.done {
		s.done = true
	}
	return s.body.Close()
}

func (s *Stream) finish(err error) {
	s.done = true
	s.err = err
	s.text = ""
	s.body.Close()
}

// ModelInfo represents a model returned by /api/tags.
type ModelInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type tagsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ListModels queries /api/tags. It doubles as a reachability check.
func ListModels(ctx context.Context, baseURL string) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("build tags request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to ollama: %v", apperr.ErrGenerationUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: ollama /api/tags returned %d", apperr.ErrGenerationUnavailable, resp.StatusCode)
	}

	var result tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode tags response: %w", err)
	}
	return result.Models, nil
}

// FindModel looks name up in models. A name without a tag matches ":latest".
func FindModel(models []ModelInfo, name string) (ModelInfo, bool) {
	for _, m := range models {
		if m.Name == name || m.Name == name+":latest" {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// CheckModel verifies that name has been pulled on the backend at baseURL.
func CheckModel(ctx context.Context, baseURL, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: model name is empty", apperr.ErrInvalidInput)
	}
	models, err := ListModels(ctx, baseURL)
	if err != nil {
		return err
	}
	if _, ok := FindModel(models, name); !ok {
		return fmt.Errorf("%w: model %q is not available; run: ollama pull %s", apperr.ErrInvalidInput, name, name)
	}
	return nil
}

// FormatSize returns a human-readable model size.
func FormatSize(bytes int64) string {
	const gb = 1024 * 1024 * 1024
	const mb = 1024 * 1024
	if bytes >= gb {
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	}
	return fmt.Sprintf("%.0f MB", float64(bytes)/float64(mb))
}
