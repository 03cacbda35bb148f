package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"coderag/internal/apperr"
	"coderag/internal/chunker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testChunk(path string, start int, content string) chunker.Chunk {
	return chunker.Chunk{
		Filepath:    path,
		Language:    chunker.Python,
		ChunkType:   chunker.TypeFunction,
		Name:        fmt.Sprintf("f%d", start),
		StartLine:   start,
		EndLine:     start + 2,
		Content:     content,
		ContentHash: chunker.HashContent(content),
	}
}

// unit returns a 3-dimensional vector pointing mostly along axis i.
func unit(i int, tilt float32) []float32 {
	v := []float32{tilt, tilt, tilt}
	v[i] = 1
	return v
}

func TestUpsertAndSearch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chunks := []chunker.Chunk{
		testChunk("/p/a.py", 1, "def a(): pass"),
		testChunk("/p/a.py", 10, "def b(): pass"),
		testChunk("/p/b.py", 1, "def c(): pass"),
		testChunk("/p/b.py", 10, "def d(): pass"),
		testChunk("/p/c.py", 1, "def e(): pass"),
		testChunk("/p/c.py", 10, "def f(): pass"),
	}
	vectors := [][]float32{
		unit(0, 0), unit(0, 0.1), unit(1, 0), unit(1, 0.2), unit(2, 0), unit(0, 0.3),
	}
	res, err := s.Upsert(ctx, "demo", "hash-3", chunks, vectors)
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Inserted: 6}, res)

	results, err := s.Search(ctx, "demo", unit(0, 0), 5)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i-1].Distance, results[i].Distance)
	}
	assert.Equal(t, "def a(): pass", results[0].Chunk.Content)
	assert.InDelta(t, 0, results[0].Distance, 1e-6)
	assert.Equal(t, "demo", results[0].Project)
	assert.Equal(t, chunker.Python, results[0].Chunk.Language)
	assert.Equal(t, "f1", results[0].Chunk.Name)
}

func TestSearchClampsTopK(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var chunks []chunker.Chunk
	var vectors [][]float32
	for i := 0; i < 25; i++ {
		chunks = append(chunks, testChunk("/p/x.py", i*5+1, fmt.Sprintf("def f%d(): pass", i)))
		vectors = append(vectors, unit(i%3, 0.1))
	}
	_, err := s.Upsert(ctx, "demo", "m", chunks, vectors)
	require.NoError(t, err)

	results, err := s.Search(ctx, "demo", unit(0, 0), 100)
	require.NoError(t, err)
	assert.Len(t, results, MaxTopK)

	results, err = s.Search(ctx, "demo", unit(0, 0), 0)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSearchTiesUseInsertionOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chunks := []chunker.Chunk{
		testChunk("/p/z.py", 1, "def z(): pass"),
		testChunk("/p/a.py", 1, "def a(): pass"),
	}
	_, err := s.Upsert(ctx, "demo", "m", chunks, [][]float32{unit(0, 0), unit(0, 0)})
	require.NoError(t, err)

	results, err := s.Search(ctx, "demo", unit(0, 0), 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "/p/z.py", results[0].Chunk.Filepath)
	assert.Less(t, results[0].ID, results[1].ID)
}

func TestSearchEmptyProject(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Search(ctx, "nothing", unit(0, 0), 5)
	require.ErrorIs(t, err, apperr.ErrEmptyIndex)

	_, err = s.Upsert(ctx, "demo", "m", []chunker.Chunk{testChunk("/p/a.py", 1, "x = 1")}, [][]float32{unit(0, 0)})
	require.NoError(t, err)
	_, err = s.PruneFiles(ctx, "demo", nil)
	require.NoError(t, err)

	_, err = s.Search(ctx, "demo", unit(0, 0), 5)
	require.ErrorIs(t, err, apperr.ErrEmptyIndex)
}

func TestUpsertIdempotentAndReplaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := testChunk("/p/a.py", 1, "def a(): return 1")
	b := testChunk("/p/a.py", 5, "def b(): return 2")
	_, err := s.Upsert(ctx, "demo", "m", []chunker.Chunk{a, b}, [][]float32{unit(0, 0), unit(1, 0)})
	require.NoError(t, err)

	res, err := s.Upsert(ctx, "demo", "m", []chunker.Chunk{a, b}, [][]float32{unit(0, 0), unit(1, 0)})
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Unchanged: 2}, res)

	before, err := s.Search(ctx, "demo", unit(1, 0), 1)
	require.NoError(t, err)

	b2 := testChunk("/p/a.py", 5, "def b(): return 3")
	res, err = s.Upsert(ctx, "demo", "m", []chunker.Chunk{b2}, [][]float32{unit(1, 0)})
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Replaced: 1}, res)

	after, err := s.Search(ctx, "demo", unit(1, 0), 1)
	require.NoError(t, err)
	assert.Equal(t, "def b(): return 3", after[0].Chunk.Content)
	assert.Greater(t, after[0].ID, before[0].ID)

	st, err := s.Stats(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Chunks)
}

func TestUpsertDimensionMismatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, "demo", "m", []chunker.Chunk{testChunk("/p/a.py", 1, "a")}, [][]float32{unit(0, 0)})
	require.NoError(t, err)

	_, err = s.Upsert(ctx, "demo", "m2",
		[]chunker.Chunk{testChunk("/p/b.py", 1, "b"), testChunk("/p/c.py", 1, "c")},
		[][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}},
	)
	require.ErrorIs(t, err, apperr.ErrEmbeddingMismatch)

	st, err := s.Stats(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Chunks)
	assert.Equal(t, 3, st.Dimension)
	assert.Equal(t, "m", st.Model)

	_, err = s.Search(ctx, "demo", []float32{1, 0, 0, 0}, 3)
	require.ErrorIs(t, err, apperr.ErrEmbeddingMismatch)

	results, err := s.Search(ctx, "demo", unit(0, 0), 3)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestUpsertRejectsMixedBatch(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Upsert(context.Background(), "demo", "m",
		[]chunker.Chunk{testChunk("/p/a.py", 1, "a"), testChunk("/p/a.py", 5, "b")},
		[][]float32{{1, 0}, {1, 0, 0}},
	)
	require.ErrorIs(t, err, apperr.ErrEmbeddingMismatch)

	_, err = s.Upsert(context.Background(), "demo", "m", []chunker.Chunk{testChunk("/p/a.py", 1, "a")}, nil)
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestFileHashesAndPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a1 := testChunk("/p/a.py", 1, "one")
	a2 := testChunk("/p/a.py", 5, "two")
	b1 := testChunk("/p/b.py", 1, "three")
	_, err := s.Upsert(ctx, "demo", "m", []chunker.Chunk{a1, a2, b1}, [][]float32{unit(0, 0), unit(1, 0), unit(2, 0)})
	require.NoError(t, err)

	hashes, err := s.FileHashes(ctx, "demo", "/p/a.py")
	require.NoError(t, err)
	assert.Equal(t, map[Key]string{KeyOf(a1): a1.ContentHash, KeyOf(a2): a2.ContentHash}, hashes)

	removed, err := s.PruneFile(ctx, "demo", "/p/a.py", map[Key]bool{KeyOf(a1): true})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = s.PruneFiles(ctx, "demo", map[string]bool{"/p/a.py": true})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	st, err := s.Stats(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Chunks)
	assert.Equal(t, 1, st.Files)
}

func TestStatsListAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	js := testChunk("/w/app.js", 1, "function x() {}")
	js.Language = chunker.JavaScript
	_, err := s.Upsert(ctx, "web", "m", []chunker.Chunk{js, testChunk("/w/util.py", 1, "def y(): pass")}, [][]float32{unit(0, 0), unit(1, 0)})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, "api", "m", []chunker.Chunk{testChunk("/a/main.py", 1, "def z(): pass")}, [][]float32{unit(2, 0)})
	require.NoError(t, err)

	st, err := s.Stats(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Chunks)
	assert.Equal(t, 2, st.Files)
	assert.Equal(t, map[string]int{"javascript": 1, "python": 1}, st.Languages)
	assert.False(t, st.UpdatedAt.IsZero())

	projects, err := s.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "api", projects[0].Name)
	assert.Equal(t, "web", projects[1].Name)

	n, err := s.Delete(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Delete(ctx, "web")
	require.NoError(t, err)
	assert.Zero(t, n)

	st, err = s.Stats(ctx, "web")
	require.NoError(t, err)
	assert.Zero(t, st.Chunks)

	projects, err = s.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, projects, 1)
}

func TestDataSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = s.Upsert(ctx, "demo", "m", []chunker.Chunk{testChunk("/p/a.py", 1, "a")}, [][]float32{unit(0, 0)})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	results, err := s.Search(ctx, "demo", unit(0, 0), 5)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestVectorHelpers(t *testing.T) {
	v := []float32{0.5, -1.25, 3}
	got, err := decodeVector(encodeVector(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = decodeVector([]byte{1, 2, 3})
	require.Error(t, err)

	assert.InDelta(t, 0, cosineDistance(v, v), 1e-9)
	assert.InDelta(t, 1, cosineDistance([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, 1, cosineDistance([]float32{0, 0}, []float32{0, 1}), 1e-9)
}

func TestClampTopK(t *testing.T) {
	assert.Equal(t, 1, ClampTopK(-3))
	assert.Equal(t, 7, ClampTopK(7))
	assert.Equal(t, MaxTopK, ClampTopK(99))
}
