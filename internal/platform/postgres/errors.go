package postgres

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/skovert/relay/internal/store"
)

// PostgreSQL error codes
const (
	// uniqueViolationCode is the PostgreSQL error code for unique constraint violations
	uniqueViolationCode = "23505"

	// connectionExceptionClass is the leading class of PostgreSQL
	// connection-exception error codes (08xxx)
	connectionExceptionClass = "08"
)

// MapError maps a database error to the appropriate store-level error.
// It wraps the original error to preserve context for debugging.
// All database operations should route errors through this function so
// callers see consistent sentinels.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", store.ErrResultNotFound, err)
	}

	// Driver-level connectivity failures surface as ErrUnavailable so the
	// engine's store-write retry loop can distinguish them from data errors.
	if errors.Is(err, sql.ErrConnDone) || isConnectionException(err) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	return err
}

// IsUniqueViolation checks if the given error is a PostgreSQL unique
// constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// isConnectionException checks if the error carries a PostgreSQL
// connection-exception code (class 08).
func isConnectionException(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && len(pgErr.Code) >= 2 && pgErr.Code[:2] == connectionExceptionClass
}
