package migrator

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"edge-telemetry/backend/pkg/dialect"
	"edge-telemetry/backend/pkg/utils"

	"github.com/amacneil/dbmate/v2/pkg/dbmate"
	_ "github.com/amacneil/dbmate/v2/pkg/driver/postgres"
	_ "github.com/amacneil/dbmate/v2/pkg/driver/sqlite"
)

// DefaultWaitTimeout bounds how long Migrate waits for a PostgreSQL server
// to accept connections.
const DefaultWaitTimeout = 60 * time.Second

// Migrator applies the embedded schema migrations of one dialect.
type Migrator struct {
	db      *dbmate.DB
	dialect dialect.Dialect
	l       *slog.Logger
}

// New creates a migrator. connString is a postgres:// URL for PostgreSQL or a
// file path for SQLite.
func New(l *slog.Logger, d dialect.Dialect, connString string) (*Migrator, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	if connString == "" {
		return nil, errors.New("connection string is required")
	}

	fs := d.MigrationFS()
	if _, err := fs.ReadDir("migrations"); err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	u, err := migrationURL(d, connString)
	if err != nil {
		return nil, err
	}

	db := dbmate.New(u)
	db.Strict = true
	db.FS = fs
	db.MigrationsDir = []string{"migrations"}
	db.AutoDumpSchema = false

	if d == dialect.PostgreSQL {
		db.WaitBefore = true
		db.WaitTimeout = DefaultWaitTimeout
	}

	l = l.With(slog.String("component", "db-migrator"), slog.String("dialect", d.String()))
	db.Log = utils.NewSlogWriter(l)

	return &Migrator{db: db, dialect: d, l: l}, nil
}

// Migrate applies all pending migrations. It is safe to call repeatedly.
func (m *Migrator) Migrate() error {
	m.l.Info("Migrating database")

	if err := m.db.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	return nil
}

func migrationURL(d dialect.Dialect, connString string) (*url.URL, error) {
	if d == dialect.SQLite {
		if strings.Contains(connString, "memory") {
			return nil, errors.New("in-memory databases are not supported")
		}

		connString = "sqlite:" + connString
	}

	u, err := url.Parse(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}

	if d == dialect.PostgreSQL && u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, fmt.Errorf("postgres connection string must be a postgres:// URL, got scheme %q", u.Scheme)
	}

	return u, nil
}
