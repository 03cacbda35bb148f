// Package rag answers questions about indexed code by retrieving chunks and
// handing them to a chat model.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"coderag/internal/apperr"
	"coderag/internal/llm"
	"coderag/internal/logging"
	"coderag/internal/store"
)

const systemPrompt = `You are a code intelligence assistant. You answer questions about a codebase using the retrieved source code context provided below.

Focus on answering how, why, and where questions about the code. Explain architecture, data flow, and relationships between components. Reference specific file paths and line numbers when relevant.

Do not generate new code unless explicitly asked. Keep answers concise and grounded in the provided context. If the context doesn't contain enough information to answer, say so.`

const noContextNote = `There is no indexed code context for this question. Answer from general knowledge, say plainly that no project code was available, and do not cite or invent file paths.`

const snippetLen = 200

// Generator is a chat backend. *llm.OllamaChat implements it.
type Generator interface {
	Generate(ctx context.Context, messages []llm.Message) (string, error)
	Stream(ctx context.Context, messages []llm.Message) (*llm.Stream, error)
	Model() string
}

// Query is a question for the chain.
type Query struct {
	Question string
	TopK     int
	// Project restricts retrieval; empty searches every project.
	Project string
	// History holds earlier turns of a conversation, oldest first.
	History []llm.Message
}

// Source is a retrieved chunk as shown to callers.
type Source struct {
	File      string  `json:"file"`
	Project   string  `json:"project"`
	ChunkType string  `json:"chunk_type"`
	Name      string  `json:"name"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Snippet   string  `json:"snippet"`
	Distance  float64 `json:"distance"`
}

// Answer is a generated answer and the chunks it was grounded on.
type Answer struct {
	Text    string   `json:"answer"`
	Sources []Source `json:"sources"`
	Model   string   `json:"model"`
}

// Chain ties retrieval to generation. The generator can be replaced while
// queries run; each query uses the generator current when it started.
type Chain struct {
	retriever *Retriever
	log       *slog.Logger

	mu  sync.RWMutex
	gen Generator
}

// NewChain creates a chain. A nil logger discards output.
func NewChain(r *Retriever, gen Generator, log *slog.Logger) *Chain {
	if log == nil {
		log = logging.Discard()
	}
	return &Chain{retriever: r, gen: gen, log: log}
}

// SetGenerator replaces the chat backend for later queries.
func (c *Chain) SetGenerator(gen Generator) {
	c.mu.Lock()
	prev := c.gen.Model()
	c.gen = gen
	c.mu.Unlock()
	c.log.Info("chat model switched", "from", prev, "to", gen.Model())
}

// Model returns the current chat model.
func (c *Chain) Model() string { return c.generator().Model() }

func (c *Chain) generator() Generator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// Answer retrieves context for q and generates a complete answer.
func (c *Chain) Answer(ctx context.Context, q Query) (*Answer, error) {
	gen := c.generator()
	msgs, sources, err := c.prepare(ctx, q)
	if err != nil {
		return nil, err
	}
	text, err := gen.Generate(ctx, msgs)
	if err != nil {
		return nil, err
	}
	return &Answer{Text: text, Sources: sources, Model: gen.Model()}, nil
}

// AnswerStream retrieves context for q and starts a streaming generation.
// Each call runs retrieval again; the returned stream must be closed.
func (c *Chain) AnswerStream(ctx context.Context, q Query) (*Stream, error) {
	gen := c.generator()
	msgs, sources, err := c.prepare(ctx, q)
	if err != nil {
		return nil, err
	}
	s, err := gen.Stream(ctx, msgs)
	if err != nil {
		return nil, err
	}
	return &Stream{Stream: s, sources: sources, model: gen.Model()}, nil
}

// prepare runs retrieval and builds the prompt. An empty index yields a
// prompt without context rather than an error.
func (c *Chain) prepare(ctx context.Context, q Query) ([]llm.Message, []Source, error) {
	if strings.TrimSpace(q.Question) == "" {
		return nil, nil, fmt.Errorf("%w: question is empty", apperr.ErrInvalidInput)
	}
	results, err := c.retriever.Retrieve(ctx, q.Project, q.Question, q.TopK)
	if err != nil {
		if !errors.Is(err, apperr.ErrEmptyIndex) {
			return nil, nil, err
		}
		c.log.Info("no indexed context for question", "project", q.Project)
		results = nil
	}
	c.log.Debug("retrieved context", "project", q.Project, "chunks", len(results))
	return BuildMessages(results, q.History, q.Question), Sources(results), nil
}

// Stream is a generation stream that also carries the answer's sources.
type Stream struct {
	*llm.Stream
	sources []Source
	model   string
}

// Sources returns the chunks the answer is grounded on.
func (s *Stream) Sources() []Source { return s.sources }

// Model returns the generating model.
func (s *Stream) Model() string { return s.model }

// Sources converts search results into caller-facing sources, keeping the
// first occurrence of each (file, name) pair. Results must be sorted by
// distance.
func Sources(results []store.SearchResult) []Source {
	seen := make(map[[2]string]bool, len(results))
	out := make([]Source, 0, len(results))
	for _, r := range results {
		key := [2]string{r.Chunk.Filepath, r.Chunk.Name}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Source{
			File:      r.Chunk.Filepath,
			Project:   r.Project,
			ChunkType: r.Chunk.ChunkType,
			Name:      r.Chunk.Name,
			StartLine: r.Chunk.StartLine,
			EndLine:   r.Chunk.EndLine,
			Snippet:   snippet(r.Chunk.Content),
			Distance:  r.Distance,
		})
	}
	return out
}

func snippet(content string) string {
	r := []rune(content)
	if len(r) <= snippetLen {
		return content
	}
	return string(r[:snippetLen])
}

// BuildMessages constructs the message list for the LLM from retrieved chunks,
// conversation history, and the current question.
func BuildMessages(chunks []store.SearchResult, history []llm.Message, question string) []llm.Message {
	msgs := []llm.Message{{Role: "system", Content: systemPrompt}}

	if len(chunks) > 0 {
		var ctx strings.Builder
		ctx.WriteString("Here is the relevant source code context:\n\n")
		for i, c := range chunks {
			fmt.Fprintf(&ctx, "--- Chunk %d: %s [%s %s] (lines %d-%d, %s, project %s) ---\n",
				i+1, c.Chunk.Filepath, c.Chunk.ChunkType, c.Chunk.Name,
				c.Chunk.StartLine, c.Chunk.EndLine, c.Chunk.Language, c.Project)
			ctx.WriteString(c.Chunk.Content)
			ctx.WriteString("\n\n")
		}
		msgs = append(msgs, llm.Message{Role: "user", Content: ctx.String()})
		msgs = append(msgs, llm.Message{Role: "assistant", Content: "I've reviewed the code context. What would you like to know?"})
	} else {
		msgs = append(msgs, llm.Message{Role: "system", Content: noContextNote})
	}

	msgs = append(msgs, history...)
	msgs = append(msgs, llm.Message{Role: "user", Content: question})
	return msgs
}
