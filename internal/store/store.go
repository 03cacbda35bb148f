// Package store persists chunk vectors per project in SQLite and answers
// nearest-neighbor queries over them.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"coderag/internal/apperr"
	"coderag/internal/chunker"
)

// MaxTopK bounds the number of search results.
const MaxTopK = 20

// Store provides persistence for chunks and their embeddings, scoped by project.
type Store interface {
	// Upsert stores chunks with their vectors. Unchanged chunks are left
	// alone; a changed chunk at the same location is replaced.
	Upsert(ctx context.Context, project, model string, chunks []chunker.Chunk, vectors [][]float32) (UpsertResult, error)
	// FileHashes returns the stored content hash of each chunk of a file.
	FileHashes(ctx context.Context, project, filepath string) (map[Key]string, error)
	// PruneFile deletes the chunks of a file whose keys are not in keep.
	PruneFile(ctx context.Context, project, filepath string, keep map[Key]bool) (int, error)
	// PruneFiles deletes the chunks of every file not in keep.
	PruneFiles(ctx context.Context, project string, keep map[string]bool) (int, error)
	// Search returns the topK chunks closest to vector, nearest first.
	Search(ctx context.Context, project string, vector []float32, topK int) ([]SearchResult, error)
	// Stats summarizes a project. Unknown projects report zero chunks.
	Stats(ctx context.Context, project string) (ProjectStats, error)
	// ListProjects summarizes every project, sorted by name.
	ListProjects(ctx context.Context) ([]ProjectStats, error)
	// Delete removes a project and returns how many chunks it held.
	Delete(ctx context.Context, project string) (int, error)
	// Close closes the underlying database.
	Close() error
}

// SQLiteStore implements Store backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and initializes
// the schema. Parent directories are created as needed.
func Open(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath != memoryDatabase {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("%w: create db directory: %v", apperr.ErrStorageUnavailable, err)
		}
	}

	db, err := sql.Open(driverName, dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %v", apperr.ErrStorageUnavailable, err)
	}
	if dbPath == memoryDatabase {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := Init(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: init schema: %v", apperr.ErrStorageUnavailable, err)
	}
	return &SQLiteStore{db: db}, nil
}

func storageErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", apperr.ErrStorageUnavailable, op, err)
}

func (s *SQLiteStore) Upsert(ctx context.Context, project, model string, chunks []chunker.Chunk, vectors [][]float32) (UpsertResult, error) {
	var res UpsertResult
	if len(chunks) != len(vectors) {
		return res, fmt.Errorf("%w: %d chunks but %d vectors", apperr.ErrInvalidInput, len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return res, nil
	}
	dim := len(vectors[0])
	for i, v := range vectors {
		if len(v) != dim || dim == 0 {
			return res, fmt.Errorf("%w: vector %d has dimension %d, batch uses %d", apperr.ErrEmbeddingMismatch, i, len(v), dim)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, storageErr("begin upsert", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	var existing int
	err = tx.QueryRowContext(ctx, "SELECT dimension FROM projects WHERE name = ?", project).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO projects (name, dimension, embedding_model, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
			project, dim, model, now, now,
		); err != nil {
			return res, storageErr("create project", err)
		}
	case err != nil:
		return res, storageErr("read project", err)
	case existing != dim:
		return res, fmt.Errorf("%w: project %q stores %d-dimensional vectors, got %d", apperr.ErrEmbeddingMismatch, project, existing, dim)
	default:
		if _, err := tx.ExecContext(ctx,
			"UPDATE projects SET embedding_model = ?, updated_at = ? WHERE name = ?",
			model, now, project,
		); err != nil {
			return res, storageErr("touch project", err)
		}
	}

	lookup, err := tx.PrepareContext(ctx,
		"SELECT id, content_hash FROM chunks WHERE project = ? AND filepath = ? AND start_line = ? AND end_line = ?",
	)
	if err != nil {
		return res, storageErr("prepare lookup", err)
	}
	defer lookup.Close()

	del, err := tx.PrepareContext(ctx, "DELETE FROM chunks WHERE id = ?")
	if err != nil {
		return res, storageErr("prepare delete", err)
	}
	defer del.Close()

	ins, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (project, filepath, language, chunk_type, name, start_line, end_line, content, content_hash, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return res, storageErr("prepare insert", err)
	}
	defer ins.Close()

	for i, c := range chunks {
		var id int64
		var hash string
		err := lookup.QueryRowContext(ctx, project, c.Filepath, c.StartLine, c.EndLine).Scan(&id, &hash)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			res.Inserted++
		case err != nil:
			return res, storageErr("lookup chunk", err)
		case hash == c.ContentHash:
			res.Unchanged++
			continue
		default:
			if _, err := del.ExecContext(ctx, id); err != nil {
				return res, storageErr("replace chunk", err)
			}
			res.Replaced++
		}

		blob, err := serializeVector(vectors[i])
		if err != nil {
			return res, err
		}
		if _, err := ins.ExecContext(ctx,
			project, c.Filepath, string(c.Language), c.ChunkType, c.Name,
			c.StartLine, c.EndLine, c.Content, c.ContentHash, blob,
		); err != nil {
			return res, storageErr(fmt.Sprintf("insert chunk %s:%d", c.Filepath, c.StartLine), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return res, storageErr("commit upsert", err)
	}
	return res, nil
}

func (s *SQLiteStore) FileHashes(ctx context.Context, project, filepath string) (map[Key]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT start_line, end_line, content_hash FROM chunks WHERE project = ? AND filepath = ?",
		project, filepath,
	)
	if err != nil {
		return nil, storageErr("read file hashes", err)
	}
	defer rows.Close()

	hashes := make(map[Key]string)
	for rows.Next() {
		k := Key{Filepath: filepath}
		var hash string
		if err := rows.Scan(&k.StartLine, &k.EndLine, &hash); err != nil {
			return nil, storageErr("scan file hashes", err)
		}
		hashes[k] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("read file hashes", err)
	}
	return hashes, nil
}

func (s *SQLiteStore) PruneFile(ctx context.Context, project, filepath string, keep map[Key]bool) (int, error) {
	existing, err := s.FileHashes(ctx, project, filepath)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("begin prune", err)
	}
	defer tx.Rollback()

	removed := 0
	for k := range existing {
		if keep[k] {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks WHERE project = ? AND filepath = ? AND start_line = ? AND end_line = ?",
			project, k.Filepath, k.StartLine, k.EndLine,
		); err != nil {
			return 0, storageErr("prune chunk", err)
		}
		removed++
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("commit prune", err)
	}
	return removed, nil
}

func (s *SQLiteStore) PruneFiles(ctx context.Context, project string, keep map[string]bool) (int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT filepath FROM chunks WHERE project = ?", project)
	if err != nil {
		return 0, storageErr("list files", err)
	}
	var stale []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			return 0, storageErr("scan files", err)
		}
		if !keep[path] {
			stale = append(stale, path)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, storageErr("list files", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("begin prune", err)
	}
	defer tx.Rollback()

	removed := 0
	for _, path := range stale {
		r, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE project = ? AND filepath = ?", project, path)
		if err != nil {
			return 0, storageErr("prune file", err)
		}
		n, _ := r.RowsAffected()
		removed += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("commit prune", err)
	}
	return removed, nil
}

func (s *SQLiteStore) Search(ctx context.Context, project string, vector []float32, topK int) ([]SearchResult, error) {
	topK = ClampTopK(topK)

	var dim, count int
	err := s.db.QueryRowContext(ctx,
		"SELECT p.dimension, (SELECT COUNT(*) FROM chunks c WHERE c.project = p.name) FROM projects p WHERE p.name = ?",
		project,
	).Scan(&dim, &count)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && count == 0) {
		return nil, fmt.Errorf("%w: project %q has no indexed chunks", apperr.ErrEmptyIndex, project)
	}
	if err != nil {
		return nil, storageErr("read project", err)
	}
	if len(vector) != dim {
		return nil, fmt.Errorf("%w: query has dimension %d, project %q stores %d", apperr.ErrEmbeddingMismatch, len(vector), project, dim)
	}

	if sqlDistance {
		return s.searchSQL(ctx, project, vector, topK)
	}
	return s.searchScan(ctx, project, vector, topK)
}

const resultColumns = "id, filepath, language, chunk_type, name, start_line, end_line, content, content_hash"

func scanResult(project string, scan func(dest ...any) error, extra ...any) (SearchResult, error) {
	r := SearchResult{Project: project}
	var lang string
	dest := []any{
		&r.ID, &r.Chunk.Filepath, &lang, &r.Chunk.ChunkType, &r.Chunk.Name,
		&r.Chunk.StartLine, &r.Chunk.EndLine, &r.Chunk.Content, &r.Chunk.ContentHash,
	}
	if err := scan(append(dest, extra...)...); err != nil {
		return r, err
	}
	r.Chunk.Language = chunker.Language(lang)
	r.Chunk.Project = project
	return r, nil
}

// searchSQL ranks with sqlite-vec; ties fall back to insertion order.
func (s *SQLiteStore) searchSQL(ctx context.Context, project string, vector []float32, topK int) ([]SearchResult, error) {
	blob, err := serializeVector(vector)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+resultColumns+`, vec_distance_cosine(embedding, ?) AS distance
		FROM chunks
		WHERE project = ?
		ORDER BY distance, id
		LIMIT ?`,
		blob, project, topK,
	)
	if err != nil {
		return nil, storageErr("search", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var dist float64
		r, err := scanResult(project, rows.Scan, &dist)
		if err != nil {
			return nil, storageErr("scan result", err)
		}
		r.Distance = dist
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("search", err)
	}
	return results, nil
}

// searchScan ranks in Go for builds without the vector extension.
func (s *SQLiteStore) searchScan(ctx context.Context, project string, vector []float32, topK int) ([]SearchResult, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+resultColumns+", embedding FROM chunks WHERE project = ?",
		project,
	)
	if err != nil {
		return nil, storageErr("search", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var blob []byte
		r, err := scanResult(project, rows.Scan, &blob)
		if err != nil {
			return nil, storageErr("scan result", err)
		}
		v, err := decodeVector(blob)
		if err != nil {
			return nil, storageErr("decode vector", err)
		}
		r.Distance = cosineDistance(vector, v)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("search", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (s *SQLiteStore) Stats(ctx context.Context, project string) (ProjectStats, error) {
	st := ProjectStats{Name: project, Languages: map[string]int{}}

	var updated int64
	err := s.db.QueryRowContext(ctx,
		"SELECT dimension, embedding_model, updated_at FROM projects WHERE name = ?",
		project,
	).Scan(&st.Dimension, &st.Model, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, storageErr("read project", err)
	}
	st.UpdatedAt = time.Unix(updated, 0)

	rows, err := s.db.QueryContext(ctx,
		"SELECT language, COUNT(*), COUNT(DISTINCT filepath) FROM chunks WHERE project = ? GROUP BY language",
		project,
	)
	if err != nil {
		return st, storageErr("read stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var lang string
		var chunks, files int
		if err := rows.Scan(&lang, &chunks, &files); err != nil {
			return st, storageErr("scan stats", err)
		}
		st.Languages[lang] = chunks
		st.Chunks += chunks
		// A file has one language, so per-language file counts add up.
		st.Files += files
	}
	if err := rows.Err(); err != nil {
		return st, storageErr("read stats", err)
	}
	return st, nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]ProjectStats, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM projects ORDER BY name")
	if err != nil {
		return nil, storageErr("list projects", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, storageErr("scan project", err)
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storageErr("list projects", err)
	}

	projects := make([]ProjectStats, 0, len(names))
	for _, name := range names {
		st, err := s.Stats(ctx, name)
		if err != nil {
			return nil, err
		}
		projects = append(projects, st)
	}
	return projects, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, project string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("begin delete", err)
	}
	defer tx.Rollback()

	r, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE project = ?", project)
	if err != nil {
		return 0, storageErr("delete chunks", err)
	}
	n, _ := r.RowsAffected()
	if _, err := tx.ExecContext(ctx, "DELETE FROM projects WHERE name = ?", project); err != nil {
		return 0, storageErr("delete project", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("commit delete", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ClampTopK bounds k to [1, MaxTopK].
func ClampTopK(k int) int {
	return min(max(k, 1), MaxTopK)
}
