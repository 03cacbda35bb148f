//go:build !purego

package store

// Default build: mattn/go-sqlite3 with the sqlite-vec extension loaded into
// every connection. Distances are computed in SQL by vec_distance_cosine.

import (
	"fmt"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

const (
	driverName     = "sqlite3"
	sqlDistance    = true
	BuildMode      = "cgo"
	memoryDatabase = ":memory:"
)

func dsn(path string) string {
	return path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
}

func serializeVector(v []float32) ([]byte, error) {
	b, err := sqlite_vec.SerializeFloat32(v)
	if err != nil {
		return nil, fmt.Errorf("serialize vector: %w", err)
	}
	return b, nil
}
