package postgres

import (
	"context"
	"database/sql"
)

// DB is the subset of *sql.DB the stores use, kept narrow so tests can
// substitute fakes.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
