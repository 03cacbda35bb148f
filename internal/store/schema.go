package store

import (
	"context"
	"database/sql"
)

const ddl = `
CREATE TABLE IF NOT EXISTS projects (
    name            TEXT PRIMARY KEY,
    dimension       INTEGER NOT NULL,
    embedding_model TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    project      TEXT NOT NULL REFERENCES projects(name) ON DELETE CASCADE,
    filepath     TEXT NOT NULL,
    language     TEXT NOT NULL,
    chunk_type   TEXT NOT NULL,
    name         TEXT NOT NULL DEFAULT '',
    start_line   INTEGER NOT NULL,
    end_line     INTEGER NOT NULL,
    content      TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    embedding    BLOB NOT NULL,
    UNIQUE (project, filepath, start_line, end_line)
);

CREATE INDEX IF NOT EXISTS idx_chunks_project_file ON chunks(project, filepath);
`

// Init creates the schema tables if they don't exist.
func Init(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, ddl)
	return err
}
