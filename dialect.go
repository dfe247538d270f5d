/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package schemakit

import (
	"database/sql"
	"time"
)

// Dialect is a database dialect supported by the schema engine.
type Dialect string

// Supported dialects. Postgres is reachable through two drivers (lib/pq and pgx);
// both map to the same engine behavior.
const (
	DialectSQLite   Dialect = "sqlite3"
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
	DialectPgx      Dialect = "pgx"
	DialectMSSQL    Dialect = "mssql"
)

// IsPostgres reports whether the dialect speaks the Postgres wire protocol
// (including CockroachDB connections, which are detected at connection time,
// see Circumstances).
func (d Dialect) IsPostgres() bool {
	return d == DialectPostgres || d == DialectPgx
}

// Default values for database connection pool parameters.
const (
	DefaultMaxOpenConns    = 16
	DefaultMaxIdleConns    = 8
	DefaultConnMaxLifetime = 10 * time.Minute
)

// Default transaction isolation levels per dialect.
const (
	MySQLDefaultTxLevel    = sql.LevelReadCommitted
	PostgresDefaultTxLevel = sql.LevelReadCommitted
	MSSQLDefaultTxLevel    = sql.LevelReadCommitted
)

// PostgresSSLMode defines possible values for Postgres sslmode connection parameter.
type PostgresSSLMode string

// Supported Postgres SSL modes.
const (
	PostgresSSLModeDisable    PostgresSSLMode = "disable"
	PostgresSSLModeRequire    PostgresSSLMode = "require"
	PostgresSSLModeVerifyCA   PostgresSSLMode = "verify-ca"
	PostgresSSLModeVerifyFull PostgresSSLMode = "verify-full"

	PostgresDefaultSSLMode = PostgresSSLModeVerifyCA
)

// Postgres connection parameters for replica-aware routing.
const (
	PgTargetSessionAttrs = "target_session_attrs"
	PgReadWriteParam     = "read-write"
)

// Circumstances is a capability bit-set resolved once per connection.
// It captures engine quirks that cannot be derived from the Dialect alone,
// most importantly whether a postgres/pgx connection actually talks to
// CockroachDB. The resolved value is threaded explicitly through the
// differ, renderer and applicator; it is never stored globally.
type Circumstances uint8

const (
	// IsCockroachDB is set when the server identified itself as CockroachDB.
	IsCockroachDB Circumstances = 1 << iota
	// CanPartitionTables is set when the server supports table partitioning.
	CanPartitionTables
	// CockroachWithPostgresNativeTypes is set when a CockroachDB connection
	// is declared to use the Postgres native type mapping.
	CockroachWithPostgresNativeTypes
)

// Has reports whether all bits in other are set.
func (c Circumstances) Has(other Circumstances) bool {
	return c&other == other
}
