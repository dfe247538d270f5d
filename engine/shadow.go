/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/acronis/go-schemakit"
	"github.com/acronis/go-schemakit/sqlschema"
)

// MigrationDoesNotApplyCleanlyError is returned when replaying a saved
// migration script against a shadow database fails. It usually means the
// script was edited after being applied somewhere, or the scripts are
// ordered inconsistently.
type MigrationDoesNotApplyCleanlyError struct {
	Name string
	Err  error
}

func (e *MigrationDoesNotApplyCleanlyError) Error() string {
	return fmt.Sprintf("migration %q does not apply cleanly to the shadow database: %s", e.Name, e.Err)
}

func (e *MigrationDoesNotApplyCleanlyError) Unwrap() error {
	return e.Err
}

// ShadowDatabase is a throwaway database on the same server (a temporary
// file for SQLite) used to replay the saved migration history and introspect
// the schema it produces. Close drops it; callers must always Close.
type ShadowDatabase struct {
	conn    *sql.DB
	flavour *Flavour
	name    string
	drop    func(ctx context.Context) error
}

// CreateShadowDatabase provisions an empty shadow database and opens a
// connection to it. adminConn must be connected to the same server and hold
// CREATE DATABASE rights; it is ignored for SQLite.
func CreateShadowDatabase(
	ctx context.Context, adminConn *sql.DB, cfg *schemakit.Config, flavour *Flavour,
) (*ShadowDatabase, error) {
	prefix := cfg.Migrations.ShadowDatabasePrefix
	if prefix == "" {
		prefix = schemakit.DefaultShadowDatabasePrefix
	}
	name := prefix + strings.ReplaceAll(uuid.NewString(), "-", "")

	if flavour.Dialect == schemakit.DialectSQLite {
		return createSQLiteShadow(cfg, flavour, name)
	}

	quoted, err := quoteDatabaseName(flavour.Dialect, name)
	if err != nil {
		return nil, err
	}
	if _, err = adminConn.ExecContext(ctx, "CREATE DATABASE "+quoted); err != nil {
		return nil, fmt.Errorf("create shadow database %s: %w", name, err)
	}
	drop := func(dropCtx context.Context) error {
		if _, dropErr := adminConn.ExecContext(dropCtx, "DROP DATABASE "+quoted); dropErr != nil {
			return fmt.Errorf("drop shadow database %s: %w", name, dropErr)
		}
		return nil
	}

	driverName, dsn := schemakit.DSNForDatabase(cfg, name)
	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		_ = drop(ctx)
		return nil, fmt.Errorf("open shadow database %s: %w", name, err)
	}
	if err = conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		_ = drop(ctx)
		return nil, fmt.Errorf("ping shadow database %s: %w", name, err)
	}
	return &ShadowDatabase{conn: conn, flavour: flavour, name: name, drop: drop}, nil
}

func createSQLiteShadow(cfg *schemakit.Config, flavour *Flavour, name string) (*ShadowDatabase, error) {
	path := filepath.Join(os.TempDir(), name+".sqlite")
	driverName, dsn := schemakit.DSNForDatabase(cfg, path)
	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open shadow database %s: %w", path, err)
	}
	drop := func(context.Context) error {
		if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("remove shadow database file %s: %w", path, removeErr)
		}
		return nil
	}
	return &ShadowDatabase{conn: conn, flavour: flavour, name: path, drop: drop}, nil
}

// Conn exposes the shadow connection, e.g. for destructive checks that want
// to probe the replayed state instead of production data.
func (s *ShadowDatabase) Conn() *sql.DB {
	return s.conn
}

// Name returns the generated database name (the file path for SQLite).
func (s *ShadowDatabase) Name() string {
	return s.name
}

// ReplayMigrations applies the scripts in order. Any statement failure is
// reported as a MigrationDoesNotApplyCleanlyError naming the script.
func (s *ShadowDatabase) ReplayMigrations(ctx context.Context, scripts []MigrationScript) error {
	for _, script := range scripts {
		for _, stmt := range script.Statements {
			if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
				return &MigrationDoesNotApplyCleanlyError{Name: script.Name, Err: err}
			}
		}
	}
	return nil
}

// Describe introspects the replayed schema. The result is the authoritative
// picture of what the saved migration history produces.
func (s *ShadowDatabase) Describe(ctx context.Context, namespaces []string) (*sqlschema.Schema, error) {
	describer, err := s.flavour.Describer(s.conn)
	if err != nil {
		return nil, err
	}
	return describer.Describe(ctx, namespaces)
}

// Close closes the connection and drops the shadow database.
func (s *ShadowDatabase) Close(ctx context.Context) error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("close shadow database connection: %w", err)
	}
	return s.drop(ctx)
}

func quoteDatabaseName(dialect schemakit.Dialect, name string) (string, error) {
	switch dialect {
	case schemakit.DialectPostgres, schemakit.DialectPgx:
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`, nil
	case schemakit.DialectMySQL:
		return "`" + strings.ReplaceAll(name, "`", "``") + "`", nil
	case schemakit.DialectMSSQL:
		return "[" + strings.ReplaceAll(name, "]", "]]") + "]", nil
	}
	return "", fmt.Errorf("no shadow database support for dialect %q", dialect)
}
