/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package describe builds a structural schema snapshot of a live database
// from its catalog. One describer per engine; all of them drive catalog
// queries through database/sql and produce a sqlschema.Schema whose object
// order is deterministic, so describing an unchanged database twice yields
// structurally equal schemas.
package describe

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/acronis/go-schemakit"
	"github.com/acronis/go-schemakit/sqlschema"
)

// Describer introspects the requested namespaces into a schema snapshot.
// An empty namespace list means the dialect's default namespace.
type Describer interface {
	Describe(ctx context.Context, namespaces []string) (*sqlschema.Schema, error)
}

// NewDescriber returns the describer for the given dialect.
func NewDescriber(conn *sql.DB, dialect schemakit.Dialect, circumstances schemakit.Circumstances) (Describer, error) {
	switch dialect {
	case schemakit.DialectPostgres, schemakit.DialectPgx:
		return &PostgresDescriber{conn: conn, circumstances: circumstances}, nil
	case schemakit.DialectMySQL:
		return &MySQLDescriber{conn: conn}, nil
	case schemakit.DialectSQLite:
		return &SQLiteDescriber{conn: conn}, nil
	case schemakit.DialectMSSQL:
		return &MSSQLDescriber{conn: conn}, nil
	}
	return nil, fmt.Errorf("no describer for dialect %q", dialect)
}

// CrossSchemaError reports a reference from a described object to an object
// outside the described namespaces. Such references cannot be represented in
// the snapshot and must surface instead of being dropped.
type CrossSchemaError struct {
	Object     string
	Reference  string
	Namespaces []string
}

func (e *CrossSchemaError) Error() string {
	return fmt.Sprintf("object %q references %q outside the described namespaces %v",
		e.Object, e.Reference, e.Namespaces)
}

// NormalizeOptions control the post-describe normalization pass.
type NormalizeOptions struct {
	// KeepExtensions preserves engine-specific connector data (for example
	// the installed Postgres extensions) in the snapshot.
	KeepExtensions bool
}

// Normalize runs the single deterministic post-describe pass. Without
// KeepExtensions the connector data is cleared, so snapshots taken with
// extension support off compare equal regardless of what is installed.
func Normalize(schema *sqlschema.Schema, opts NormalizeOptions) {
	if !opts.KeepExtensions {
		schema.SetConnectorData(nil)
	}
}

// parseForeignKeyAction maps the catalog's textual referential action to the
// model's. Unknown text falls back to NO ACTION.
func parseForeignKeyAction(action string) sqlschema.ForeignKeyAction {
	switch strings.ToUpper(action) {
	case "CASCADE":
		return sqlschema.Cascade
	case "RESTRICT":
		return sqlschema.Restrict
	case "SET NULL":
		return sqlschema.SetNull
	case "SET DEFAULT":
		return sqlschema.SetDefault
	}
	return sqlschema.NoAction
}

func defaultNamespaces(namespaces []string, fallback string) []string {
	if len(namespaces) == 0 {
		return []string{fallback}
	}
	return namespaces
}

func containsNamespace(namespaces []string, ns string) bool {
	for _, n := range namespaces {
		if n == ns {
			return true
		}
	}
	return false
}
