//go:build cgo

// Package storetest opens migrated SQLite stores for tests.
package storetest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"edge-telemetry/backend/internal/store"
	"edge-telemetry/backend/pkg/dialect"
	"edge-telemetry/backend/pkg/migrator"
)

// Path returns a fresh database path with the schema applied.
func Path(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "telemetry.db")
	l := slog.New(slog.NewTextHandler(io.Discard, nil))

	m, err := migrator.New(l, dialect.SQLite, path)
	if err != nil {
		t.Fatalf("create migrator: %v", err)
	}

	if err := m.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	return path
}

// OpenSQLite opens a migrated SQLite store that is closed on cleanup.
func OpenSQLite(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), dialect.SQLite, Path(t))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	t.Cleanup(func() { _ = s.Close() })

	return s
}
