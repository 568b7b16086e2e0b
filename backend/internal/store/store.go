package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"edge-telemetry/backend/internal/telemetry"
	"edge-telemetry/backend/pkg/dialect"
	"edge-telemetry/backend/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const sqliteBusyTimeout = "_busy_timeout=5000"

// Store writes IngestBatches into the sensor_data table. The handle is opened
// once and reused; a single connection serialises writes.
type Store struct {
	db        *sql.DB
	dialect   dialect.Dialect
	l         *slog.Logger
	insertSQL string
}

// Open opens the database and verifies it is reachable. dsn is a postgres://
// URL for PostgreSQL or a file path for SQLite. The schema is expected to be
// migrated already.
func Open(ctx context.Context, l *slog.Logger, d dialect.Dialect, dsn string) (*Store, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	if d == dialect.SQLite && !strings.Contains(dsn, "?") {
		dsn += "?" + sqliteBusyTimeout
	}

	db, err := sql.Open(d.Driver(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", d, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{
		db:        db,
		dialect:   d,
		l:         l.With(slog.String("component", "store"), slog.String("dialect", d.String())),
		insertSQL: insertStatement(d),
	}

	if err := s.Ping(ctx); err != nil {
		utils.LogOnError(s.l, db.Close, "failed to close database")

		return nil, err
	}

	s.l.Info("Database opened")

	return s, nil
}

func insertStatement(d dialect.Dialect) string {
	return fmt.Sprintf(
		`INSERT INTO sensor_data (time, device_id, sensor_type, value, location_id) VALUES (%s, %s, %s, %s, %s)
ON CONFLICT (time, device_id, sensor_type) DO NOTHING`,
		d.Placeholder(1), d.Placeholder(2), d.Placeholder(3), d.Placeholder(4), d.Placeholder(5),
	)
}

// InsertBatch writes all rows of b in one transaction. Rows whose key already
// exists are skipped, so redelivering a batch is harmless. It returns the
// number of rows actually inserted. On any row failure nothing is written and
// the returned *Error classifies the cause.
func (s *Store) InsertBatch(ctx context.Context, b telemetry.IngestBatch) (int, error) {
	if b.Empty() {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap("begin", err)
	}

	inserted, err := s.insertRows(ctx, tx, b.Rows)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.l.Warn("Rollback failed", slog.String("eventID", b.EventID), utils.ErrAttr(rbErr))
		}

		return 0, wrap("insert", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, wrap("commit", err)
	}

	s.l.Debug("Batch committed",
		slog.String("eventID", b.EventID),
		slog.String("deviceID", b.DeviceID),
		slog.Int("rows", len(b.Rows)),
		slog.Int("inserted", inserted),
	)

	return inserted, nil
}

func (s *Store) insertRows(ctx context.Context, tx *sql.Tx, rows []telemetry.Row) (int, error) {
	stmt, err := tx.PrepareContext(ctx, s.insertSQL)
	if err != nil {
		return 0, err
	}
	defer utils.LogOnError(s.l, stmt.Close, "failed to close insert statement")

	inserted := 0

	for _, r := range rows {
		res, err := stmt.ExecContext(ctx, r.Time.UTC(), r.DeviceID, r.SensorType, r.Value, r.LocationID)
		if err != nil {
			return 0, fmt.Errorf("row %s/%s: %w", r.DeviceID, r.SensorType, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}

		inserted += int(n)
	}

	return inserted, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.db.PingContext(ctx))
}

// Count returns the number of stored rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sensor_data`).Scan(&n); err != nil {
		return 0, wrap("count", err)
	}

	return n, nil
}

// Rows returns the stored rows of deviceID ordered by time and sensor type.
func (s *Store) Rows(ctx context.Context, deviceID string) ([]telemetry.Row, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT time, device_id, sensor_type, value, location_id FROM sensor_data
WHERE device_id = `+s.dialect.Placeholder(1)+` ORDER BY time, sensor_type`,
		deviceID,
	)
	if err != nil {
		return nil, wrap("query", err)
	}
	defer utils.LogOnError(s.l, rows.Close, "failed to close rows")

	var out []telemetry.Row

	for rows.Next() {
		var r telemetry.Row
		if err := rows.Scan(&r.Time, &r.DeviceID, &r.SensorType, &r.Value, &r.LocationID); err != nil {
			return nil, wrap("scan", err)
		}

		r.Time = r.Time.UTC()
		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, wrap("query", err)
	}

	return out, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.l.Info("Closing database")

	return s.db.Close()
}
