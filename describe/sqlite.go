/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package describe

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/acronis/go-schemakit"
	"github.com/acronis/go-schemakit/sqlschema"
)

// SQLiteDescriber introspects a SQLite database file. A file is a single
// namespace; the requested namespace list is ignored.
type SQLiteDescriber struct {
	conn *sql.DB
}

const sqliteNamespace = "main"

func (d *SQLiteDescriber) Describe(ctx context.Context, _ []string) (*sqlschema.Schema, error) {
	schema := sqlschema.New()
	ns := schema.PushNamespace(sqliteNamespace)

	tables, err := d.listObjects(ctx, "table")
	if err != nil {
		return nil, err
	}
	tableIDs := make(map[string]sqlschema.TableID, len(tables))
	for _, tbl := range tables {
		tid := schema.PushTable(ns, tbl.name, 0, "")
		tableIDs[tbl.name] = tid
		if err := d.describeColumns(ctx, schema, tid, tbl); err != nil {
			return nil, err
		}
	}
	for _, tbl := range tables {
		if err := d.describeIndexes(ctx, schema, tableIDs[tbl.name], tbl.name); err != nil {
			return nil, err
		}
	}
	for _, tbl := range tables {
		if err := d.describeForeignKeys(ctx, schema, tableIDs, tbl.name); err != nil {
			return nil, err
		}
	}

	views, err := d.listObjects(ctx, "view")
	if err != nil {
		return nil, err
	}
	for _, view := range views {
		schema.PushView(ns, sqlschema.View{Name: view.name, Definition: viewDefinitionFromSQL(view.sql)})
	}
	return schema, nil
}

type sqliteObject struct {
	name string
	sql  string
}

func (d *SQLiteDescriber) listObjects(ctx context.Context, kind string) ([]sqliteObject, error) {
	// The engine's own bookkeeping table is not part of the described schema.
	rows, err := d.conn.QueryContext(ctx,
		`SELECT name, COALESCE(sql, '') FROM sqlite_master WHERE type = ? AND name NOT LIKE 'sqlite_%' AND name <> ? ORDER BY name`,
		kind, schemakit.DefaultMigrationsTableName)
	if err != nil {
		return nil, fmt.Errorf("list %ss: %w", kind, err)
	}
	defer rows.Close()

	var objects []sqliteObject
	for rows.Next() {
		var obj sqliteObject
		if err := rows.Scan(&obj.name, &obj.sql); err != nil {
			return nil, err
		}
		objects = append(objects, obj)
	}
	return objects, rows.Err()
}

func (d *SQLiteDescriber) describeColumns(
	ctx context.Context,
	schema *sqlschema.Schema,
	tid sqlschema.TableID,
	tbl sqliteObject,
) error {
	rows, err := d.conn.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteSQLiteIdent(tbl.name)))
	if err != nil {
		return fmt.Errorf("describe columns of %s: %w", tbl.name, err)
	}
	defer rows.Close()

	hasAutoincrement := strings.Contains(strings.ToUpper(tbl.sql), "AUTOINCREMENT")
	var pkCols []struct {
		id  sqlschema.ColumnID
		ord int
	}
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, dataType   string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &dflt, &pk); err != nil {
			return err
		}
		family := sqliteTypeFamily(dataType)
		arity := sqlschema.Nullable
		if notNull == 1 || pk > 0 {
			arity = sqlschema.Required
		}
		col := sqlschema.Column{
			Name:          name,
			Type:          sqlschema.ColumnType{FullDataType: dataType, Family: family, Arity: arity},
			AutoIncrement: pk > 0 && family == sqlschema.FamilyInt && hasAutoincrement,
			Default:       sqliteDefault(dflt),
		}
		colID := schema.PushColumn(tid, col)
		if pk > 0 {
			pkCols = append(pkCols, struct {
				id  sqlschema.ColumnID
				ord int
			}{colID, pk})
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if len(pkCols) > 0 {
		sort.Slice(pkCols, func(i, j int) bool { return pkCols[i].ord < pkCols[j].ord })
		pkID := schema.PushIndex(tid, sqlschema.Index{Name: tbl.name + "_pkey", Kind: sqlschema.IndexPrimaryKey})
		for _, pc := range pkCols {
			schema.PushIndexColumn(pkID, sqlschema.IndexPart{Column: pc.id})
		}
	}
	return nil
}

func (d *SQLiteDescriber) describeIndexes(
	ctx context.Context,
	schema *sqlschema.Schema,
	tid sqlschema.TableID,
	table string,
) error {
	rows, err := d.conn.QueryContext(ctx, fmt.Sprintf("PRAGMA index_list(%s)", quoteSQLiteIdent(table)))
	if err != nil {
		return fmt.Errorf("describe indexes of %s: %w", table, err)
	}
	type indexRow struct {
		name   string
		unique bool
	}
	var indexes []indexRow
	for rows.Next() {
		var (
			seq, unique, partial int
			name, origin         string
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return err
		}
		// Autoindexes backing primary keys and inline unique constraints are
		// implementation details, not declared objects.
		if origin != "c" {
			continue
		}
		indexes = append(indexes, indexRow{name: name, unique: unique == 1})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	// index_list reports newest first; declaration order reads better.
	sort.Slice(indexes, func(i, j int) bool { return indexes[i].name < indexes[j].name })

	for _, ix := range indexes {
		kind := sqlschema.IndexNormal
		if ix.unique {
			kind = sqlschema.IndexUnique
		}
		idxID := schema.PushIndex(tid, sqlschema.Index{Name: ix.name, Kind: kind})
		if err := d.describeIndexColumns(ctx, schema, idxID, tid, ix.name); err != nil {
			return err
		}
	}
	return nil
}

func (d *SQLiteDescriber) describeIndexColumns(
	ctx context.Context,
	schema *sqlschema.Schema,
	idxID sqlschema.IndexID,
	tid sqlschema.TableID,
	index string,
) error {
	rows, err := d.conn.QueryContext(ctx, fmt.Sprintf("PRAGMA index_info(%s)", quoteSQLiteIdent(index)))
	if err != nil {
		return fmt.Errorf("describe index %s: %w", index, err)
	}
	defer rows.Close()

	table := schema.WalkTable(tid)
	for rows.Next() {
		var (
			seqno, cid int
			name       sql.NullString
		)
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return err
		}
		if !name.Valid {
			// Expression index member; not representable structurally.
			continue
		}
		col, ok := table.Column(name.String)
		if !ok {
			return fmt.Errorf("index %s references unknown column %s", index, name.String)
		}
		schema.PushIndexColumn(idxID, sqlschema.IndexPart{Column: col.ID()})
	}
	return rows.Err()
}

func (d *SQLiteDescriber) describeForeignKeys(
	ctx context.Context,
	schema *sqlschema.Schema,
	tableIDs map[string]sqlschema.TableID,
	table string,
) error {
	rows, err := d.conn.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", quoteSQLiteIdent(table)))
	if err != nil {
		return fmt.Errorf("describe foreign keys of %s: %w", table, err)
	}
	defer rows.Close()

	type fkRow struct {
		id                 int
		refTable, from     string
		to                 sql.NullString
		onUpdate, onDelete string
	}
	var fkRows []fkRow
	for rows.Next() {
		var (
			row   fkRow
			seq   int
			match string
		)
		if err := rows.Scan(&row.id, &seq, &row.refTable, &row.from, &row.to, &row.onUpdate, &row.onDelete, &match); err != nil {
			return err
		}
		fkRows = append(fkRows, row)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	tid := tableIDs[table]
	constrained := schema.WalkTable(tid)
	currentID := -1
	var fkID sqlschema.ForeignKeyID
	for _, row := range fkRows {
		refTID, ok := tableIDs[row.refTable]
		if !ok {
			return fmt.Errorf("foreign key on %s references unknown table %s", table, row.refTable)
		}
		if row.id != currentID {
			currentID = row.id
			fkID = schema.PushForeignKey(sqlschema.ForeignKey{
				ConstrainedTable: tid,
				ReferencedTable:  refTID,
				OnUpdate:         parseForeignKeyAction(row.onUpdate),
				OnDelete:         parseForeignKeyAction(row.onDelete),
			})
		}
		fromCol, ok := constrained.Column(row.from)
		if !ok {
			return fmt.Errorf("foreign key on %s references unknown column %s", table, row.from)
		}
		referenced := schema.WalkTable(refTID)
		var toColID sqlschema.ColumnID
		if row.to.Valid {
			toCol, ok := referenced.Column(row.to.String)
			if !ok {
				return fmt.Errorf("foreign key on %s references unknown column %s.%s", table, row.refTable, row.to.String)
			}
			toColID = toCol.ID()
		} else {
			// Referencing the table name alone targets its primary key.
			pk, ok := referenced.PrimaryKey()
			if !ok || len(pk.Columns()) == 0 {
				return fmt.Errorf("foreign key on %s references %s without a primary key", table, row.refTable)
			}
			toColID = pk.Columns()[0].Column().ID()
		}
		schema.PushForeignKeyColumn(fkID, fromCol.ID(), toColID)
	}
	return nil
}

func quoteSQLiteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sqliteTypeFamily(declared string) sqlschema.ColumnTypeFamily {
	upper := strings.ToUpper(declared)
	switch {
	case strings.Contains(upper, "BIGINT"):
		return sqlschema.FamilyBigInt
	case strings.Contains(upper, "INT"):
		return sqlschema.FamilyInt
	case strings.Contains(upper, "CHAR"), strings.Contains(upper, "CLOB"), strings.Contains(upper, "TEXT"):
		return sqlschema.FamilyString
	case strings.Contains(upper, "BLOB"), upper == "":
		return sqlschema.FamilyBinary
	case strings.Contains(upper, "REAL"), strings.Contains(upper, "FLOA"), strings.Contains(upper, "DOUB"):
		return sqlschema.FamilyFloat
	case strings.Contains(upper, "NUMERIC"), strings.Contains(upper, "DECIMAL"):
		return sqlschema.FamilyDecimal
	case strings.Contains(upper, "BOOL"):
		return sqlschema.FamilyBoolean
	case strings.Contains(upper, "DATE"), strings.Contains(upper, "TIME"):
		return sqlschema.FamilyDateTime
	}
	return sqlschema.FamilyUnsupported
}

func sqliteDefault(dflt sql.NullString) *sqlschema.Default {
	if !dflt.Valid {
		return nil
	}
	value := dflt.String
	switch strings.ToUpper(value) {
	case "NULL":
		return nil
	case "CURRENT_TIMESTAMP", "CURRENT_DATE", "CURRENT_TIME":
		return sqlschema.NewNowDefault()
	}
	if strings.HasPrefix(value, "'") && strings.HasSuffix(value, "'") && len(value) >= 2 {
		return sqlschema.NewValueDefault(strings.ReplaceAll(value[1:len(value)-1], "''", "'"))
	}
	if strings.HasPrefix(value, "(") && strings.HasSuffix(value, ")") {
		return sqlschema.NewDBGeneratedDefault(strings.TrimSuffix(strings.TrimPrefix(value, "("), ")"))
	}
	return sqlschema.NewValueDefault(value)
}

// viewDefinitionFromSQL extracts the SELECT body from a stored
// CREATE VIEW statement.
func viewDefinitionFromSQL(createSQL string) string {
	upper := strings.ToUpper(createSQL)
	if i := strings.Index(upper, " AS "); i >= 0 {
		return strings.TrimSpace(createSQL[i+4:])
	}
	return createSQL
}
