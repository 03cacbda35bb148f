package index

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"coderag/internal/apperr"
)

// Stage is the phase of an indexing run.
type Stage string

const (
	StageIdle      Stage = "idle"
	StageScanning  Stage = "scanning"
	StageEmbedding Stage = "embedding"
	StageStoring   Stage = "storing"
	StageCancelled Stage = "cancelled"
	StageFailed    Stage = "failed"
)

// Active reports whether a run in this stage holds the orchestrator.
func (s Stage) Active() bool {
	return s == StageScanning || s == StageEmbedding || s == StageStoring
}

// Run outcomes recorded in a Summary.
const (
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Request describes one indexing run.
type Request struct {
	Path string
	// Project overrides the name derived from the directory.
	Project string
	// Force deletes the project's entries before scanning.
	Force bool
}

// Job is a snapshot of the orchestrator's state.
type Job struct {
	ID        string    `json:"id,omitempty"`
	Project   string    `json:"project,omitempty"`
	Path      string    `json:"path,omitempty"`
	Stage     Stage     `json:"stage"`
	Current   int       `json:"current"`
	Total     int       `json:"total"`
	Version   uint64    `json:"version"`
	Cancelled bool      `json:"cancel_requested"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Last      *Summary  `json:"last,omitempty"`
}

// Active reports whether the snapshot was taken during a run.
func (j Job) Active() bool { return j.Stage.Active() }

// Percent returns Current/Total as a whole percentage.
func (j Job) Percent() int {
	if j.Total <= 0 {
		return 0
	}
	return j.Current * 100 / j.Total
}

// Failure records a file skipped during a run.
type Failure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Summary reports the outcome of a run.
type Summary struct {
	JobID          string        `json:"job_id"`
	Project        string        `json:"project"`
	Path           string        `json:"path"`
	Status         string        `json:"status"`
	FilesTotal     int           `json:"files_total"`
	FilesIndexed   int           `json:"files_indexed"`
	FilesUnchanged int           `json:"files_unchanged"`
	FilesSkipped   int           `json:"files_skipped"`
	ChunksEmbedded int           `json:"chunks_embedded"`
	ChunksPruned   int           `json:"chunks_pruned"`
	ProjectChunks  int           `json:"project_chunks"`
	Failures       []Failure     `json:"failures,omitempty"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// Err returns a PartialIndexFailure error when files were skipped.
func (s *Summary) Err() error {
	if s == nil || len(s.Failures) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d of %d files skipped", apperr.ErrPartialIndexFailure, len(s.Failures), s.FilesTotal)
}

const maxProjectName = 50

var invalidProjectChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// ProjectName returns override, or the leaf directory of path, stripped to
// letters, digits, '-' and '_' and cut to 50 characters.
func ProjectName(path, override string) (string, error) {
	raw := override
	if strings.TrimSpace(raw) == "" {
		raw = filepath.Base(filepath.Clean(path))
	}
	name := invalidProjectChars.ReplaceAllString(raw, "")
	if len(name) > maxProjectName {
		name = name[:maxProjectName]
	}
	if name == "" {
		return "", fmt.Errorf("%w: no usable project name in %q", apperr.ErrInvalidInput, raw)
	}
	return name, nil
}
