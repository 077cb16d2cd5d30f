package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Error kinds surfaced to callers. Sessions and the refill coordinator
// branch on these; the concrete driver error stays wrapped underneath.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("store unavailable")
)

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgForeignKeyViolation  = "23503"
)

// isSerializationFailure reports whether the transaction lost a
// repeatable-read race and should be treated as "no rows".
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
	}
	return false
}

// classify wraps a driver error with the matching sentinel kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgForeignKeyViolation {
			return fmt.Errorf("%s: %w: %s", op, ErrNotFound, pgErr.Message)
		}
		// Remaining integrity violations (unique, check, not-null).
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23" {
			return fmt.Errorf("%s: %w: %s", op, ErrConflict, pgErr.Message)
		}
		return fmt.Errorf("%s: %w: %s", op, ErrUnavailable, pgErr.Message)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	// Transport-level failures (dial, reset, pool closed).
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
