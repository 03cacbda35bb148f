//go:build purego

package store

// Pure-Go build: modernc.org/sqlite, no C compiler required. Vectors are
// ranked in Go after loading the project's rows.
//
//	CGO_ENABLED=0 go build -tags purego ./...

import (
	_ "modernc.org/sqlite"
)

const (
	driverName     = "sqlite"
	sqlDistance    = false
	BuildMode      = "purego"
	memoryDatabase = ":memory:"
)

func dsn(path string) string {
	return path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func serializeVector(v []float32) ([]byte, error) {
	return encodeVector(v), nil
}
