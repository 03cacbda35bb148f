package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"coderag/internal/apperr"
	"coderag/internal/chunker"
	"coderag/internal/chunker/languages"
	"coderag/internal/embedder"
	"coderag/internal/store"
	"coderag/internal/walker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEmbedder wraps a hash embedder and counts embedded texts.
type countingEmbedder struct {
	*embedder.HashEmbedder
	texts atomic.Int64
	// fail makes EmbedBatch reject any batch containing the marker.
	fail string
	// gate, when set, blocks EmbedBatch until closed.
	gate chan struct{}
}

func newCountingEmbedder(dim int) *countingEmbedder {
	return &countingEmbedder{HashEmbedder: embedder.NewHashEmbedder(dim)}
}

func (c *countingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for i, t := range texts {
		if c.fail != "" && strings.Contains(t, c.fail) {
			return nil, &embedder.BatchError{Start: i, End: i + 1, Err: errors.New("backend rejected input")}
		}
	}
	c.texts.Add(int64(len(texts)))
	return c.HashEmbedder.EmbedBatch(ctx, texts)
}

func openStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newOrchestrator(st store.Store, emb embedder.Embedder, cfg Config) *Orchestrator {
	return New(st, emb, chunker.New(languages.Default(), chunker.Options{}), cfg)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func pyFunc(name string, lines int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "def %s(arg):\n", name)
	for i := 0; i < lines-2; i++ {
		fmt.Fprintf(&b, "    v%d = arg + %d\n", i, i)
	}
	b.WriteString("    return arg\n")
	return b.String()
}

const brokenPython = "def broken(:\n    pass\n    x = (\n    y = 1\n    return\n"

func TestRunIndexesProject(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "app.py", pyFunc("handler", 20))
	writeFile(t, root, "broken.py", brokenPython)
	writeFile(t, root, "README.md", "# not indexed\n")

	st := openStore(t)
	emb := newCountingEmbedder(32)
	o := newOrchestrator(st, emb, Config{})

	sum, err := o.Run(context.Background(), Request{Path: root, Project: "demo"})
	require.NoError(t, err)
	require.NoError(t, sum.Err())

	assert.Equal(t, StatusCompleted, sum.Status)
	assert.Equal(t, 2, sum.FilesTotal)
	assert.Equal(t, 2, sum.FilesIndexed)
	assert.Equal(t, 2, sum.ChunksEmbedded)
	assert.Equal(t, 2, sum.ProjectChunks)
	assert.EqualValues(t, 2, emb.texts.Load())

	stats, err := st.Stats(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Chunks)
	assert.Equal(t, 2, stats.Files)
	assert.Equal(t, "hash-32", stats.Model)

	job := o.Snapshot()
	assert.Equal(t, StageIdle, job.Stage)
	assert.Equal(t, 2, job.Current)
	assert.Equal(t, 2, job.Total)
	assert.Equal(t, 100, job.Percent())
	require.NotNil(t, job.Last)
	assert.Equal(t, sum.JobID, job.Last.JobID)
}

func TestRunUnchangedSkipsEmbedding(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.py", pyFunc("alpha", 6))
	writeFile(t, root, "b.py", pyFunc("beta", 6))

	st := openStore(t)
	emb := newCountingEmbedder(16)
	o := newOrchestrator(st, emb, Config{})

	_, err := o.Run(context.Background(), Request{Path: root})
	require.NoError(t, err)
	first := emb.texts.Load()
	require.EqualValues(t, 2, first)

	sum, err := o.Run(context.Background(), Request{Path: root})
	require.NoError(t, err)
	assert.Equal(t, first, emb.texts.Load())
	assert.Equal(t, 2, sum.FilesUnchanged)
	assert.Equal(t, 2, sum.FilesIndexed)
	assert.Zero(t, sum.ChunksEmbedded)

	// Only the edited file is re-embedded.
	writeFile(t, root, "b.py", pyFunc("beta", 8))
	sum, err = o.Run(context.Background(), Request{Path: root})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ChunksEmbedded)
	assert.Equal(t, 1, sum.FilesUnchanged)
	assert.Equal(t, first+1, emb.texts.Load())
}

func TestRunForceReembeds(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.py", pyFunc("alpha", 6))

	st := openStore(t)
	emb := newCountingEmbedder(16)
	o := newOrchestrator(st, emb, Config{})

	_, err := o.Run(context.Background(), Request{Path: root})
	require.NoError(t, err)
	sum, err := o.Run(context.Background(), Request{Path: root, Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ChunksEmbedded)
	assert.Equal(t, 1, sum.ProjectChunks)
	assert.EqualValues(t, 2, emb.texts.Load())
}

func TestRunPrunesVanishedFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "keep.py", pyFunc("keep", 5))
	writeFile(t, root, "gone.py", pyFunc("gone", 5))

	st := openStore(t)
	o := newOrchestrator(st, newCountingEmbedder(16), Config{})
	project := filepath.Base(root)

	_, err := o.Run(context.Background(), Request{Path: root, Project: project})
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(root, "gone.py")))

	sum, err := o.Run(context.Background(), Request{Path: root, Project: project})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ChunksPruned)

	stats, err := st.Stats(context.Background(), project)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Files)
}

func TestRunSkipsFailingFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "good.py", pyFunc("good", 5))
	writeFile(t, root, "poison.py", pyFunc("poison", 5))

	st := openStore(t)
	emb := newCountingEmbedder(16)
	emb.fail = "poison"
	o := newOrchestrator(st, emb, Config{})

	sum, err := o.Run(context.Background(), Request{Path: root, Project: "mixed"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, sum.Status)
	assert.Equal(t, 1, sum.FilesIndexed)
	assert.Equal(t, 1, sum.FilesSkipped)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, "poison.py", sum.Failures[0].Path)
	assert.Contains(t, sum.Failures[0].Error, "chunk poison")
	require.ErrorIs(t, sum.Err(), apperr.ErrPartialIndexFailure)
	assert.Equal(t, 1, sum.ProjectChunks)
}

func TestRunSkipsOversizedFilesBeforeReading(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "small.py", pyFunc("small", 4))
	writeFile(t, root, "huge.py", pyFunc("huge", 200))

	st := openStore(t)
	emb := newCountingEmbedder(16)
	ch := chunker.New(languages.Default(), chunker.Options{MaxFileBytes: 1024})
	o := New(st, emb, ch, Config{})

	sum, err := o.Run(context.Background(), Request{Path: root, Project: "sized"})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.FilesIndexed)
	assert.Equal(t, 1, sum.FilesSkipped)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, "huge.py", sum.Failures[0].Path)
	assert.Contains(t, sum.Failures[0].Error, chunker.ErrFileTooLarge.Error())
	assert.EqualValues(t, 1, emb.texts.Load())

	// The size reported by the scan decides; the file is never opened.
	res, err := o.processFile(context.Background(), "sized", walker.FileInfo{
		Path:    filepath.Join(root, "missing.py"),
		RelPath: "missing.py",
		Size:    4 << 30,
	})
	require.NoError(t, err)
	assert.Equal(t, fileSkipped, res.outcome)
	require.ErrorIs(t, res.err, chunker.ErrFileTooLarge)
}

func TestRunDimensionChangeFails(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.py", pyFunc("alpha", 6))

	st := openStore(t)
	_, err := newOrchestrator(st, newCountingEmbedder(16), Config{}).Run(context.Background(), Request{Path: root, Project: "dims"})
	require.NoError(t, err)

	writeFile(t, root, "a.py", pyFunc("alpha", 9))
	o := newOrchestrator(st, newCountingEmbedder(24), Config{})
	sum, err := o.Run(context.Background(), Request{Path: root, Project: "dims"})
	require.ErrorIs(t, err, apperr.ErrEmbeddingMismatch)
	assert.Equal(t, StatusFailed, sum.Status)
	assert.Equal(t, StageFailed, o.Snapshot().Stage)

	stats, err := st.Stats(context.Background(), "dims")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Chunks)
	assert.Equal(t, 16, stats.Dimension)
}

func TestRunCancel(t *testing.T) {
	root := t.TempDir()
	for i := range 6 {
		writeFile(t, root, fmt.Sprintf("f%d.py", i), pyFunc(fmt.Sprintf("f%d", i), 4))
	}

	st := openStore(t)
	var o *Orchestrator
	var once sync.Once
	o = newOrchestrator(st, newCountingEmbedder(16), Config{
		OnProgress: func(j Job) {
			if j.Current == 2 {
				once.Do(func() { assert.True(t, o.Cancel()) })
			}
		},
	})

	sum, err := o.Run(context.Background(), Request{Path: root, Project: "cancel"})
	require.ErrorIs(t, err, apperr.ErrCancelled)
	require.NotNil(t, sum)
	assert.Equal(t, StatusCancelled, sum.Status)
	assert.Equal(t, 2, sum.FilesIndexed)

	job := o.Snapshot()
	assert.Equal(t, StageCancelled, job.Stage)
	assert.Less(t, job.Current, job.Total)

	// Work done before the cancel is kept.
	stats, err := st.Stats(context.Background(), "cancel")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Files)

	assert.False(t, o.Cancel(), "nothing to cancel once the run ended")
}

func TestRunContextCancelled(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.py", pyFunc("alpha", 4))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := newOrchestrator(openStore(t), newCountingEmbedder(16), Config{})
	sum, err := o.Run(ctx, Request{Path: root})
	require.ErrorIs(t, err, apperr.ErrCancelled)
	assert.Equal(t, StatusCancelled, sum.Status)
}

func TestStartRejectsConcurrentRun(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.py", pyFunc("alpha", 4))

	emb := newCountingEmbedder(16)
	emb.gate = make(chan struct{})
	o := newOrchestrator(openStore(t), emb, Config{})

	job, err := o.Start(context.Background(), Request{Path: root, Project: "first"})
	require.NoError(t, err)
	assert.True(t, job.Active())
	assert.Equal(t, "first", job.Project)
	assert.NotEmpty(t, job.ID)

	_, err = o.Run(context.Background(), Request{Path: root, Project: "second"})
	require.ErrorIs(t, err, apperr.ErrIndexInProgress)
	assert.Contains(t, err.Error(), "first")

	_, err = o.Start(context.Background(), Request{Path: root, Project: "third"})
	require.ErrorIs(t, err, apperr.ErrIndexInProgress)

	close(emb.gate)
	o.Wait()

	last := o.Snapshot()
	assert.Equal(t, StageIdle, last.Stage)
	require.NotNil(t, last.Last)
	assert.Equal(t, StatusCompleted, last.Last.Status)
}

func TestRunInvalidPath(t *testing.T) {
	o := newOrchestrator(openStore(t), newCountingEmbedder(16), Config{})

	_, err := o.Run(context.Background(), Request{Path: filepath.Join(t.TempDir(), "missing")})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
	assert.Equal(t, StageFailed, o.Snapshot().Stage)

	file := filepath.Join(t.TempDir(), "file.py")
	require.NoError(t, os.WriteFile(file, []byte("x = 1\n"), 0o644))
	_, err = o.Run(context.Background(), Request{Path: file})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = o.Run(context.Background(), Request{})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)

	// A failed run does not hold the orchestrator.
	root := t.TempDir()
	writeFile(t, root, "a.py", pyFunc("alpha", 4))
	_, err = o.Run(context.Background(), Request{Path: root})
	require.NoError(t, err)
}

func TestProgressVersionsIncrease(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.py", pyFunc("alpha", 4))
	writeFile(t, root, "b.py", pyFunc("beta", 4))

	var mu sync.Mutex
	var versions []uint64
	o := newOrchestrator(openStore(t), newCountingEmbedder(16), Config{
		OnProgress: func(j Job) {
			mu.Lock()
			versions = append(versions, j.Version)
			mu.Unlock()
		},
	})
	_, err := o.Run(context.Background(), Request{Path: root})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, versions)
	for i := 1; i < len(versions); i++ {
		assert.Greater(t, versions[i], versions[i-1])
	}
}

func TestProjectName(t *testing.T) {
	tests := []struct {
		path, override, want string
		wantErr              bool
	}{
		{path: "/src/my-app", want: "my-app"},
		{path: "/src/my app.v2", want: "myappv2"},
		{path: "/src/x", override: "custom_name", want: "custom_name"},
		{path: "/src/x", override: "  ", want: "x"},
		{path: "/src/" + strings.Repeat("a", 80), want: strings.Repeat("a", 50)},
		{path: "/src/...", wantErr: true},
		{path: "/src/x", override: "!!!", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.path+"|"+tt.override, func(t *testing.T) {
			got, err := ProjectName(tt.path, tt.override)
			if tt.wantErr {
				require.ErrorIs(t, err, apperr.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJobPercent(t *testing.T) {
	assert.Equal(t, 0, Job{}.Percent())
	assert.Equal(t, 50, Job{Current: 1, Total: 2}.Percent())
	assert.True(t, Job{Stage: StageStoring}.Active())
	assert.False(t, Job{Stage: StageCancelled}.Active())
}
