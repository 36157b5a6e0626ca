package postgres

import (
	"errors"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
)

// Builder returns a squirrel builder with PostgreSQL placeholders.
func Builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// IsUniqueViolation reports whether err is a unique violation, optionally
// of the named constraint or index.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// ClampLimit bounds a caller supplied page size.
func ClampLimit(limit, def, max int) uint64 {
	switch {
	case limit <= 0:
		return uint64(def)
	case limit > max:
		return uint64(max)
	}
	return uint64(limit)
}
