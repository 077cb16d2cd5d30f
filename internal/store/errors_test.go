package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsSerializationFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"wrapped serialization", fmt.Errorf("tx: %w", &pgconn.PgError{Code: "40001"}), true},
		{"fk violation", &pgconn.PgError{Code: "23503"}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		if got := isSerializationFailure(tt.err); got != tt.want {
			t.Errorf("%s: isSerializationFailure = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", pgx.ErrNoRows, ErrNotFound},
		{"fk violation maps to not found", &pgconn.PgError{Code: "23503", Message: "missing proxy"}, ErrNotFound},
		{"unique violation", &pgconn.PgError{Code: "23505", Message: "dup"}, ErrConflict},
		{"not-null violation", &pgconn.PgError{Code: "23502", Message: "null"}, ErrConflict},
		{"server shutdown", &pgconn.PgError{Code: "57P01", Message: "terminating"}, ErrUnavailable},
		{"deadline", context.DeadlineExceeded, ErrUnavailable},
		{"canceled", context.Canceled, ErrUnavailable},
		{"transport", errors.New("connection reset"), ErrUnavailable},
	}
	for _, tt := range tests {
		got := classify("op", tt.err)
		if !errors.Is(got, tt.want) {
			t.Errorf("%s: classify = %v, want kind %v", tt.name, got, tt.want)
		}
	}
}

func TestClassify_Nil(t *testing.T) {
	if err := classify("op", nil); err != nil {
		t.Errorf("classify(nil) = %v, want nil", err)
	}
}

func TestClassify_KeepsOperation(t *testing.T) {
	err := classify("insert report", pgx.ErrNoRows)
	if err == nil || err.Error() != "insert report: not found" {
		t.Errorf("classify message = %v", err)
	}
}
