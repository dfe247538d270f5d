/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package render turns abstract diff steps into dialect-correct DDL text.
// Renderers are pure: they touch no connection and identical inputs always
// produce identical statements, so rendered scripts are snapshot-stable.
package render

import (
	"fmt"
	"strings"

	"github.com/acronis/go-schemakit"
	"github.com/acronis/go-schemakit/diff"
	"github.com/acronis/go-schemakit/sqlschema"
)

// Renderer renders an ordered step sequence into DDL statements, one
// statement per returned string, in execution order.
type Renderer interface {
	RenderSteps(steps []diff.Step, schemas diff.Pair[*sqlschema.Schema]) ([]string, error)
}

// NewRenderer returns the renderer for the given dialect.
// Circumstances matter only for postgres/pgx.
func NewRenderer(dialect schemakit.Dialect, circumstances schemakit.Circumstances) (Renderer, error) {
	switch dialect {
	case schemakit.DialectPostgres, schemakit.DialectPgx:
		return &PostgresRenderer{Circumstances: circumstances}, nil
	case schemakit.DialectMySQL:
		return &MySQLRenderer{}, nil
	case schemakit.DialectSQLite:
		return &SQLiteRenderer{}, nil
	case schemakit.DialectMSSQL:
		return &MSSQLRenderer{}, nil
	}
	return nil, fmt.Errorf("no renderer for dialect %q", dialect)
}

func quoteWith(open, clos, name string) string {
	return open + name + clos
}

// quoteIdent quotes with double quotes, doubling embedded quotes
// (postgres and sqlite).
func quoteIdent(name string) string {
	return quoteWith(`"`, `"`, strings.ReplaceAll(name, `"`, `""`))
}

// quoteStringLiteral renders a single-quoted SQL string literal.
func quoteStringLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

// needsQuotedDefault reports whether a constant default of the given family
// is rendered as a string literal.
func needsQuotedDefault(family sqlschema.ColumnTypeFamily) bool {
	switch family {
	case sqlschema.FamilyString, sqlschema.FamilyDateTime, sqlschema.FamilyUUID,
		sqlschema.FamilyEnum, sqlschema.FamilyJSON:
		return true
	}
	return false
}

// internalStepError marks a step that the differ must not have produced for
// this dialect; seeing one is an invariant violation, not a user error.
func internalStepError(dialect string, step diff.Step) error {
	return fmt.Errorf("internal: unexpected %T step for %s", step, dialect)
}

func indexPartNames(idx sqlschema.IndexWalker) []string {
	parts := idx.Columns()
	names := make([]string, len(parts))
	for i, part := range parts {
		names[i] = part.Column().Name()
	}
	return names
}

func quoteAll(names []string, quote func(string) string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quote(n)
	}
	return out
}

func walkerNames(cols []sqlschema.ColumnWalker) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name()
	}
	return out
}
