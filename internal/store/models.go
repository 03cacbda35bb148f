package store

import (
	"time"

	"coderag/internal/chunker"
)

// Key locates a chunk within a project.
type Key struct {
	Filepath  string
	StartLine int
	EndLine   int
}

// KeyOf returns the store key of c.
func KeyOf(c chunker.Chunk) Key {
	return Key{Filepath: c.Filepath, StartLine: c.StartLine, EndLine: c.EndLine}
}

// SearchResult is a chunk with its cosine distance to the query.
type SearchResult struct {
	ID       int64
	Project  string
	Chunk    chunker.Chunk
	Distance float64
}

// UpsertResult counts what an Upsert did.
type UpsertResult struct {
	Inserted  int
	Replaced  int
	Unchanged int
}

// ProjectStats summarizes one project index.
type ProjectStats struct {
	Name      string
	Chunks    int
	Files     int
	Languages map[string]int
	Dimension int
	Model     string
	UpdatedAt time.Time
}
