/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package destructive

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"

	// Goqu dialects for the engines the checker probes.
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlserver"

	"github.com/acronis/go-schemakit/sqlschema"
)

// inspector answers row-count and NULL-count questions about the live
// database. Counts come back with a known flag: with a nil connection
// nothing is known and callers must assume the data is there.
type inspector struct {
	conn    *sql.DB
	dialect goqu.DialectWrapper
	qualify bool
}

func newInspector(conn *sql.DB, params FlavourParams) *inspector {
	return &inspector{
		conn:    conn,
		dialect: goqu.Dialect(params.GoquDialect),
		qualify: params.QualifyNamespaces,
	}
}

func (in *inspector) tableRows(ctx context.Context, table sqlschema.TableWalker) (count int64, known bool, err error) {
	if in.conn == nil {
		return 0, false, nil
	}
	return in.count(ctx, in.dialect.From(in.tableIdent(table)).Select(goqu.COUNT(goqu.Star())))
}

// columnValues counts non-null values in the column.
func (in *inspector) columnValues(ctx context.Context, col sqlschema.ColumnWalker) (count int64, known bool, err error) {
	if in.conn == nil {
		return 0, false, nil
	}
	ds := in.dialect.From(in.tableIdent(col.Table())).
		Select(goqu.COUNT(goqu.Star())).
		Where(goqu.C(col.Name()).IsNotNull())
	return in.count(ctx, ds)
}

func (in *inspector) columnNulls(ctx context.Context, col sqlschema.ColumnWalker) (count int64, known bool, err error) {
	if in.conn == nil {
		return 0, false, nil
	}
	ds := in.dialect.From(in.tableIdent(col.Table())).
		Select(goqu.COUNT(goqu.Star())).
		Where(goqu.C(col.Name()).IsNull())
	return in.count(ctx, ds)
}

func (in *inspector) tableIdent(table sqlschema.TableWalker) exp.IdentifierExpression {
	if in.qualify && table.Namespace() != "" {
		return goqu.S(table.Namespace()).Table(table.Name())
	}
	return goqu.T(table.Name())
}

func (in *inspector) count(ctx context.Context, ds *goqu.SelectDataset) (int64, bool, error) {
	query, args, err := ds.ToSQL()
	if err != nil {
		return 0, false, fmt.Errorf("build probe query: %w", err)
	}
	var count int64
	if err := in.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, false, fmt.Errorf("probe row count: %w", err)
	}
	return count, true, nil
}
