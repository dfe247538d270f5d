/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package pgx registers transient Postgres error codes for the pgx driver.
// Importing it (usually blank) makes DoInTx with a retry policy retry
// deadlocks and serialization failures.
package pgx

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	pg "github.com/jackc/pgx/v5/stdlib"

	"github.com/acronis/go-schemakit"
)

// ErrCode is a Postgres error code (SQLSTATE).
type ErrCode string

// Postgres error codes the engine cares about.
const (
	ErrCodeUniqueViolation      ErrCode = "23505"
	ErrCodeDeadlockDetected     ErrCode = "40P01"
	ErrCodeSerializationFailure ErrCode = "40001"
	ErrCodeFeatureNotSupported  ErrCode = "0A000"
	ErrCodeLockNotAvailable     ErrCode = "55P03"
	ErrCodeQueryCanceled        ErrCode = "57014"
)

func init() {
	schemakit.RegisterIsRetryableFunc(&pg.Driver{}, func(err error) bool {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch ErrCode(pgErr.Code) {
			case ErrCodeDeadlockDetected, ErrCodeSerializationFailure:
				return true
			}
		}
		if CheckInvalidCachedPlanError(err) {
			return true
		}
		return false
	})
}

// CheckPostgresError checks if the passed error relates to Postgres,
// and it's internal code matches the one from the argument.
func CheckPostgresError(err error, errCode ErrCode) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == string(errCode)
	}
	return false
}

// CheckInvalidCachedPlanError reports whether the error is the
// "cached plan must not change result type" error that pgx surfaces
// after a DDL statement invalidates a prepared statement.
// Such errors are transient and the statement cache is flushed on retry.
func CheckInvalidCachedPlanError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == string(ErrCodeFeatureNotSupported) &&
			strings.Contains(pgErr.Message, "cached plan must not change result type")
	}
	return false
}
