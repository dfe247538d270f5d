/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package engine ties the schema pipeline together: it bundles the
// per-dialect differ, renderer and checker behind one Flavour, probes
// connection circumstances, and applies migration plans under an advisory
// lock with full history bookkeeping. Migration-script history can be
// validated by replaying it against a disposable shadow database.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/acronis/go-schemakit"
	"github.com/acronis/go-schemakit/describe"
	"github.com/acronis/go-schemakit/destructive"
	"github.com/acronis/go-schemakit/diff"
	"github.com/acronis/go-schemakit/render"
)

// ErrProviderMismatch is returned when the server on the other end of the
// connection is not the engine the configuration declares.
var ErrProviderMismatch = errors.New("declared provider does not match the connected server")

// Flavour bundles everything dialect-specific the engine needs, selected
// once per connection and passed around explicitly.
type Flavour struct {
	Dialect       schemakit.Dialect
	Circumstances schemakit.Circumstances

	Differ        diff.Flavour
	Renderer      render.Renderer
	CheckerParams destructive.FlavourParams

	// DefaultNamespace is described when the caller requests no namespaces.
	DefaultNamespace string
	// SupportsAdvisoryLock reports whether the engine offers a session
	// advisory lock the applicator can take before mutating.
	SupportsAdvisoryLock bool
	// SupportsTransactionalDDL reports whether a whole apply sequence can
	// run inside one transaction and roll back cleanly mid-sequence.
	SupportsTransactionalDDL bool
}

// NewFlavour builds the dialect bundle for the given dialect and resolved
// circumstances.
func NewFlavour(dialect schemakit.Dialect, circumstances schemakit.Circumstances) (*Flavour, error) {
	renderer, err := render.NewRenderer(dialect, circumstances)
	if err != nil {
		return nil, err
	}
	f := &Flavour{
		Dialect:       dialect,
		Circumstances: circumstances,
		Differ:        diff.NewFlavour(dialect, circumstances),
		Renderer:      renderer,
	}
	switch {
	case dialect.IsPostgres():
		f.CheckerParams = destructive.FlavourParams{GoquDialect: "postgres", QualifyNamespaces: true}
		f.DefaultNamespace = "public"
		// CockroachDB has no advisory locks and autocommits DDL.
		f.SupportsAdvisoryLock = !circumstances.Has(schemakit.IsCockroachDB)
		f.SupportsTransactionalDDL = !circumstances.Has(schemakit.IsCockroachDB)
	case dialect == schemakit.DialectMySQL:
		f.CheckerParams = destructive.FlavourParams{GoquDialect: "mysql"}
		f.SupportsAdvisoryLock = true
		f.SupportsTransactionalDDL = false
	case dialect == schemakit.DialectSQLite:
		f.CheckerParams = destructive.FlavourParams{GoquDialect: "sqlite3"}
		f.DefaultNamespace = "main"
		// The file lock is the concurrency story.
		f.SupportsAdvisoryLock = false
		f.SupportsTransactionalDDL = true
	case dialect == schemakit.DialectMSSQL:
		f.CheckerParams = destructive.FlavourParams{GoquDialect: "sqlserver", QualifyNamespaces: true}
		f.DefaultNamespace = "dbo"
		f.SupportsAdvisoryLock = true
		f.SupportsTransactionalDDL = true
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
	return f, nil
}

// Describer returns the introspection backend matching this flavour.
func (f *Flavour) Describer(conn *sql.DB) (describe.Describer, error) {
	return describe.NewDescriber(conn, f.Dialect, f.Circumstances)
}

// ResolveCircumstances probes the connected server once and cross-checks it
// against the declared provider. Only postgres-protocol connections carry
// circumstances; every other dialect resolves to the empty set.
func ResolveCircumstances(ctx context.Context, conn *sql.DB, cfg *schemakit.Config) (schemakit.Circumstances, error) {
	if !cfg.Dialect.IsPostgres() {
		return 0, nil
	}
	var version string
	if err := conn.QueryRowContext(ctx, "SELECT version()").Scan(&version); err != nil {
		return 0, fmt.Errorf("query server version: %w", err)
	}

	isCockroach := strings.Contains(version, "CockroachDB")
	provider := cfg.Postgres.Provider
	switch {
	case provider == schemakit.ProviderCockroachDB && !isCockroach:
		return 0, fmt.Errorf("provider %q is configured but the server reports %q: %w",
			provider, version, ErrProviderMismatch)
	case provider == schemakit.ProviderPostgreSQL && isCockroach:
		return 0, fmt.Errorf("provider %q is configured but the server reports %q: %w",
			provider, version, ErrProviderMismatch)
	}

	if isCockroach {
		return schemakit.IsCockroachDB | schemakit.CockroachWithPostgresNativeTypes, nil
	}
	return schemakit.CanPartitionTables, nil
}
