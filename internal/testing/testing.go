/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package testing provides helpers for integration tests that need a real
// database server. Containers are started with testcontainers and torn down
// by the returned stop function.
package testing

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testDBName     = "schemakit_test"
	testDBUser     = "schemakit"
	testDBPassword = "schemakit"
)

// StopFunc terminates the container started for a test database.
type StopFunc func(ctx context.Context) error

// MustRunAndOpenTestDB starts a database container for the given dialect,
// opens a connection to it and pings it. It panics on any failure since it is
// only called from tests that cannot proceed without a database.
// Set SCHEMAKIT_TEST_DB_DSN to skip container startup and use an existing server.
func MustRunAndOpenTestDB(ctx context.Context, dialect string) (*sql.DB, StopFunc) {
	if dsn := os.Getenv("SCHEMAKIT_TEST_DB_DSN"); dsn != "" {
		dbConn, err := sql.Open(driverNameForDialect(dialect), dsn)
		if err != nil {
			panic(fmt.Errorf("open test database: %w", err))
		}
		if err = dbConn.PingContext(ctx); err != nil {
			panic(fmt.Errorf("ping test database: %w", err))
		}
		return dbConn, func(ctx context.Context) error { return dbConn.Close() }
	}

	switch dialect {
	case "postgres", "pgx":
		return mustRunPostgres(ctx, driverNameForDialect(dialect))
	default:
		panic(fmt.Errorf("no test container for dialect %q", dialect))
	}
}

func mustRunPostgres(ctx context.Context, driverName string) (*sql.DB, StopFunc) {
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase(testDBName),
		tcpostgres.WithUsername(testDBUser),
		tcpostgres.WithPassword(testDBPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(time.Minute)),
	)
	if err != nil {
		panic(fmt.Errorf("run postgres container: %w", err))
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		panic(fmt.Errorf("get postgres connection string: %w", err))
	}
	dbConn, err := sql.Open(driverName, dsn)
	if err != nil {
		_ = container.Terminate(ctx)
		panic(fmt.Errorf("open postgres test database: %w", err))
	}
	if err = dbConn.PingContext(ctx); err != nil {
		_ = dbConn.Close()
		_ = container.Terminate(ctx)
		panic(fmt.Errorf("ping postgres test database: %w", err))
	}

	stop := func(ctx context.Context) error {
		if closeErr := dbConn.Close(); closeErr != nil {
			_ = container.Terminate(ctx)
			return closeErr
		}
		return container.Terminate(ctx)
	}
	return dbConn, stop
}

func driverNameForDialect(dialect string) string {
	if dialect == "pgx" {
		return "pgx"
	}
	return dialect
}
