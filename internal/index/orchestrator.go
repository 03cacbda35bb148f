// Package index walks a project, chunks and embeds its files, and stores
// the vectors, exposing progress and cancellation as pollable state.
package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"coderag/internal/apperr"
	"coderag/internal/chunker"
	"coderag/internal/embedder"
	"coderag/internal/logging"
	"coderag/internal/store"
	"coderag/internal/walker"

	"github.com/google/uuid"
)

// Config holds the orchestrator configuration.
type Config struct {
	// BatchSize is the number of chunks per embedding request.
	BatchSize int
	// Ignore adds walker ignore patterns.
	Ignore []string
	// OnProgress receives a snapshot after every state change. It is called
	// outside the orchestrator lock and must not block for long.
	OnProgress func(Job)
	Logger     *slog.Logger
}

// Orchestrator runs at most one indexing job at a time.
type Orchestrator struct {
	store   store.Store
	emb     embedder.Embedder
	chunker *chunker.Chunker
	cfg     Config
	log     *slog.Logger

	mu  sync.Mutex
	job Job
	wg  sync.WaitGroup
}

// New creates an orchestrator.
func New(st store.Store, emb embedder.Embedder, ch *chunker.Chunker, cfg Config) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Orchestrator{
		store:   st,
		emb:     emb,
		chunker: ch,
		cfg:     cfg,
		log:     log,
		job:     Job{Stage: StageIdle},
	}
}

// Snapshot returns a copy of the current job state.
func (o *Orchestrator) Snapshot() Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.job
}

// Cancel asks the active run to stop before its next file. It reports
// whether a run was active.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	if !o.job.Active() {
		o.mu.Unlock()
		return false
	}
	if o.job.Cancelled {
		o.mu.Unlock()
		return true
	}
	o.job.Cancelled = true
	o.job.Version++
	snap := o.job
	o.mu.Unlock()

	o.log.Info("cancel requested", "project", snap.Project, "job", snap.ID)
	o.notify(snap)
	return true
}

// Wait blocks until runs started with Start have finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// Run indexes req.Path and blocks until the run ends. Skipped files do not
// fail the run; see Summary.Err. A cancelled run returns its partial summary
// with apperr.ErrCancelled.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Summary, error) {
	run, err := o.begin(req)
	if err != nil {
		return nil, err
	}
	return o.execute(ctx, run)
}

// Start validates req and runs it in the background. The run outlives ctx's
// cancellation; use Cancel to stop it.
func (o *Orchestrator) Start(ctx context.Context, req Request) (Job, error) {
	run, err := o.begin(req)
	if err != nil {
		return Job{}, err
	}
	snap := o.Snapshot()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_, _ = o.execute(context.WithoutCancel(ctx), run)
	}()
	return snap, nil
}

// run holds the validated inputs of an accepted request.
type run struct {
	id      string
	project string
	root    string
	force   bool
	started time.Time
	invalid error
}

// begin claims the orchestrator for a new job. Validation failures still
// claim it so the job can end in StageFailed.
func (o *Orchestrator) begin(req Request) (*run, error) {
	o.mu.Lock()
	if o.job.Active() {
		project := o.job.Project
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: project %q is being indexed", apperr.ErrIndexInProgress, project)
	}

	r := &run{id: uuid.NewString(), force: req.Force, started: time.Now()}
	r.root, r.project, r.invalid = validate(req)

	o.job = Job{
		ID:        r.id,
		Project:   r.project,
		Path:      r.root,
		Stage:     StageScanning,
		Version:   o.job.Version + 1,
		StartedAt: r.started,
		Last:      o.job.Last,
	}
	snap := o.job
	o.mu.Unlock()

	o.notify(snap)
	if r.invalid != nil {
		sum := o.newSummary(r)
		o.fail(sum, r.invalid)
		return nil, r.invalid
	}
	return r, nil
}

func validate(req Request) (root, project string, err error) {
	if req.Path == "" {
		return "", "", fmt.Errorf("%w: path is required", apperr.ErrInvalidInput)
	}
	root, err = filepath.Abs(req.Path)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}
	project, err = ProjectName(root, req.Project)
	if err != nil {
		return root, "", err
	}

	info, err := os.Stat(root)
	switch {
	case err != nil:
		return root, project, fmt.Errorf("%w: path %s: %v", apperr.ErrInvalidInput, root, err)
	case !info.IsDir():
		return root, project, fmt.Errorf("%w: path %s is not a directory", apperr.ErrInvalidInput, root)
	}
	d, err := os.Open(root)
	if err != nil {
		return root, project, fmt.Errorf("%w: path %s is not readable: %v", apperr.ErrInvalidInput, root, err)
	}
	defer d.Close()
	if _, err := d.Readdirnames(1); err != nil && !errors.Is(err, io.EOF) {
		return root, project, fmt.Errorf("%w: path %s is not readable: %v", apperr.ErrInvalidInput, root, err)
	}
	return root, project, nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run) (*Summary, error) {
	sum := o.newSummary(r)
	log := o.log.With("project", r.project, "job", r.id)
	log.Info("indexing started", "path", r.root, "force", r.force)

	if r.force {
		n, err := o.store.Delete(ctx, r.project)
		if err != nil {
			return o.fail(sum, err)
		}
		log.Info("discarded previous index", "chunks", n)
	}

	files, err := walker.Scan(ctx, r.root, walker.Options{
		Extensions: o.chunker.Registry().Extensions(),
		Ignore:     o.cfg.Ignore,
	})
	if err != nil {
		if ctx.Err() != nil {
			return o.cancelled(sum)
		}
		return o.fail(sum, fmt.Errorf("%w: scan %s: %v", apperr.ErrInvalidInput, r.root, err))
	}
	sum.FilesTotal = len(files)
	o.update(func(j *Job) { j.Total = len(files) })

	if st, err := o.store.Stats(ctx, r.project); err == nil && st.Model != "" && st.Model != o.emb.Model() {
		log.Warn("embedding model changed; use force to rebuild", "stored", st.Model, "current", o.emb.Model())
	}

	seen := make(map[string]bool, len(files))
	for _, f := range files {
		if o.cancelRequested() || ctx.Err() != nil {
			return o.cancelled(sum)
		}
		seen[f.Path] = true

		res, err := o.processFile(ctx, r.project, f)
		if err != nil {
			if ctx.Err() != nil {
				return o.cancelled(sum)
			}
			return o.fail(sum, err)
		}
		switch res.outcome {
		case fileIndexed:
			sum.FilesIndexed++
			sum.ChunksEmbedded += res.embedded
			sum.ChunksPruned += res.pruned
		case fileUnchanged:
			sum.FilesIndexed++
			sum.FilesUnchanged++
		case fileSkipped:
			sum.FilesSkipped++
			sum.Failures = append(sum.Failures, Failure{Path: f.RelPath, Error: res.err.Error()})
			log.Warn("skipping file", "path", f.RelPath, "err", res.err)
		}
		o.update(func(j *Job) { j.Current++ })
	}

	n, err := o.store.PruneFiles(ctx, r.project, seen)
	if err != nil {
		return o.fail(sum, err)
	}
	sum.ChunksPruned += n

	if st, err := o.store.Stats(ctx, r.project); err == nil {
		sum.ProjectChunks = st.Chunks
	}
	sum.Status = StatusCompleted
	sum.Duration = time.Since(r.started)
	o.finish(sum, StageIdle)
	log.Info("indexing finished",
		"files", sum.FilesTotal, "indexed", sum.FilesIndexed, "unchanged", sum.FilesUnchanged,
		"skipped", sum.FilesSkipped, "embedded", sum.ChunksEmbedded, "duration", sum.Duration)
	return sum, nil
}

func (o *Orchestrator) newSummary(r *run) *Summary {
	return &Summary{JobID: r.id, Project: r.project, Path: r.root}
}

func (o *Orchestrator) fail(sum *Summary, err error) (*Summary, error) {
	sum.Status = StatusFailed
	sum.Error = err.Error()
	sum.Duration = time.Since(o.Snapshot().StartedAt)
	o.finish(sum, StageFailed)
	o.log.Error("indexing failed", "project", sum.Project, "job", sum.JobID, "err", err)
	return sum, err
}

func (o *Orchestrator) cancelled(sum *Summary) (*Summary, error) {
	sum.Status = StatusCancelled
	sum.Duration = time.Since(o.Snapshot().StartedAt)
	o.finish(sum, StageCancelled)
	o.log.Info("indexing cancelled", "project", sum.Project, "job", sum.JobID, "indexed", sum.FilesIndexed)
	return sum, fmt.Errorf("%w: indexing %q stopped after %d of %d files", apperr.ErrCancelled, sum.Project, sum.FilesIndexed+sum.FilesSkipped, sum.FilesTotal)
}

func (o *Orchestrator) cancelRequested() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.job.Cancelled
}

func (o *Orchestrator) setStage(s Stage) {
	o.update(func(j *Job) {
		if j.Stage == s {
			return
		}
		j.Stage = s
	})
}

func (o *Orchestrator) finish(sum *Summary, final Stage) {
	o.update(func(j *Job) {
		j.Stage = final
		j.Last = sum
	})
}

// update applies fn under the lock, bumps the version and notifies observers.
func (o *Orchestrator) update(fn func(*Job)) {
	o.mu.Lock()
	before := o.job
	fn(&o.job)
	if o.job == before {
		o.mu.Unlock()
		return
	}
	o.job.Version++
	snap := o.job
	o.mu.Unlock()
	o.notify(snap)
}

func (o *Orchestrator) notify(j Job) {
	if o.cfg.OnProgress != nil {
		o.cfg.OnProgress(j)
	}
}
