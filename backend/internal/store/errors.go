package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrUnavailable marks failures that may succeed on retry: the database is
	// unreachable, busy, or the operation was cancelled.
	ErrUnavailable = errors.New("store unavailable")
	// ErrConstraintViolation marks rows the schema or the column types
	// reject. Retrying cannot fix them.
	ErrConstraintViolation = errors.New("constraint violation")
)

// Error is returned by every Store operation that fails. Kind is one of
// ErrUnavailable or ErrConstraintViolation.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}

	var storeErr *Error
	if errors.As(err, &storeErr) {
		return err
	}

	return &Error{Op: op, Kind: classify(err), Err: err}
}

// classify maps a driver error onto ErrConstraintViolation or
// ErrUnavailable. Only rejected data and constraint failures are permanent.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrUnavailable
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// SQLSTATE class 22: data exception, class 23: integrity constraint
		// violation.
		if strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23") {
			return ErrConstraintViolation
		}

		return ErrUnavailable
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrConstraint {
			return ErrConstraintViolation
		}

		return ErrUnavailable
	}

	// driver.ErrBadConn, network errors, closed handles.
	return ErrUnavailable
}
