// Package apperr defines the error kinds surfaced by indexing and querying.
//
// Errors are wrapped with fmt.Errorf("%w: detail", apperr.ErrX) so callers
// can test them with errors.Is and report a stable kind string.
package apperr

import "errors"

var (
	// ErrInvalidInput marks a bad path, project name, empty text or similar.
	ErrInvalidInput = errors.New("invalid input")
	// ErrIndexInProgress is returned when an indexing run is already active.
	ErrIndexInProgress = errors.New("index in progress")
	// ErrEmptyIndex is returned when searching a project with no entries.
	ErrEmptyIndex = errors.New("empty index")
	// ErrEmbeddingMismatch is returned when vector dimensions disagree with the project.
	ErrEmbeddingMismatch = errors.New("embedding mismatch")
	// ErrGenerationUnavailable is returned when the language-model backend cannot be reached.
	ErrGenerationUnavailable = errors.New("generation backend unavailable")
	// ErrPartialIndexFailure reports that some files were skipped during a run.
	ErrPartialIndexFailure = errors.New("partial index failure")
	// ErrStorageUnavailable is returned when the vector store cannot be read or written.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrCancelled is returned by a run that stopped on request.
	ErrCancelled = errors.New("cancelled")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrInvalidInput, "InvalidInput"},
	{ErrIndexInProgress, "IndexInProgress"},
	{ErrEmptyIndex, "EmptyIndex"},
	{ErrEmbeddingMismatch, "EmbeddingMismatch"},
	{ErrGenerationUnavailable, "GenerationBackendUnavailable"},
	{ErrPartialIndexFailure, "PartialIndexFailure"},
	{ErrStorageUnavailable, "StorageUnavailable"},
	{ErrCancelled, "Cancelled"},
}

// KindOf returns the kind name of the first sentinel err wraps, or "Internal".
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}
