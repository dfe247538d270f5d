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

// MySQLDescriber introspects MySQL and MariaDB databases. Namespaces map to
// databases; with no namespaces requested the connection's current database
// is described.
type MySQLDescriber struct {
	conn *sql.DB
}

func (d *MySQLDescriber) Describe(ctx context.Context, namespaces []string) (*sqlschema.Schema, error) {
	if len(namespaces) == 0 {
		var current sql.NullString
		if err := d.conn.QueryRowContext(ctx, `SELECT DATABASE()`).Scan(&current); err != nil {
			return nil, fmt.Errorf("resolve current database: %w", err)
		}
		if !current.Valid {
			return nil, fmt.Errorf("no database selected and no namespaces requested")
		}
		namespaces = []string{current.String}
	}
	sorted := make([]string, len(namespaces))
	copy(sorted, namespaces)
	sort.Strings(sorted)

	schema := sqlschema.New()
	tableIDs := make(map[string]sqlschema.TableID)
	for _, ns := range sorted {
		nsID := schema.PushNamespace(ns)
		if err := d.describeTables(ctx, schema, nsID, ns, tableIDs); err != nil {
			return nil, err
		}
	}
	for _, ns := range sorted {
		if err := d.describeColumns(ctx, schema, ns, tableIDs); err != nil {
			return nil, err
		}
	}
	for _, ns := range sorted {
		if err := d.describeIndexes(ctx, schema, ns, tableIDs); err != nil {
			return nil, err
		}
	}
	for _, ns := range sorted {
		if err := d.describeForeignKeys(ctx, schema, ns, sorted, tableIDs); err != nil {
			return nil, err
		}
	}
	for _, ns := range sorted {
		if err := d.describeCheckConstraints(ctx, schema, ns, tableIDs); err != nil {
			return nil, err
		}
	}
	for _, ns := range sorted {
		if err := d.describeViews(ctx, schema, ns); err != nil {
			return nil, err
		}
	}
	return schema, nil
}

func (d *MySQLDescriber) describeTables(
	ctx context.Context,
	schema *sqlschema.Schema,
	nsID sqlschema.NamespaceID,
	ns string,
	tableIDs map[string]sqlschema.TableID,
) error {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT table_name, COALESCE(table_comment, '')
		FROM information_schema.tables
		WHERE table_schema = ? AND table_type = 'BASE TABLE' AND table_name <> ?
		ORDER BY table_name`, ns, schemakit.DefaultMigrationsTableName)
	if err != nil {
		return fmt.Errorf("describe tables in %s: %w", ns, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, comment string
		if err := rows.Scan(&name, &comment); err != nil {
			return err
		}
		tableIDs[ns+"."+name] = schema.PushTable(nsID, name, 0, comment)
	}
	return rows.Err()
}

func (d *MySQLDescriber) describeColumns(
	ctx context.Context,
	schema *sqlschema.Schema,
	ns string,
	tableIDs map[string]sqlschema.TableID,
) error {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT table_name, column_name, column_type, data_type, is_nullable,
		       column_default, extra, character_maximum_length,
		       COALESCE(column_comment, '')
		FROM information_schema.columns
		WHERE table_schema = ?
		ORDER BY table_name, ordinal_position`, ns)
	if err != nil {
		return fmt.Errorf("describe columns in %s: %w", ns, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			table, column, columnType, dataType, nullable, extra, comment string
			columnDefault                                                 sql.NullString
			charMaxLength                                                 sql.NullInt64
		)
		if err := rows.Scan(&table, &column, &columnType, &dataType, &nullable,
			&columnDefault, &extra, &charMaxLength, &comment); err != nil {
			return err
		}
		tid, ok := tableIDs[ns+"."+table]
		if !ok {
			continue
		}

		arity := sqlschema.Nullable
		if strings.EqualFold(nullable, "NO") {
			arity = sqlschema.Required
		}
		colType := sqlschema.ColumnType{
			FullDataType: columnType,
			Family:       mysqlTypeFamily(dataType, columnType),
			Arity:        arity,
		}
		if charMaxLength.Valid {
			l := charMaxLength.Int64
			colType.CharacterMaximumLength = &l
		}

		autoIncrement := strings.Contains(strings.ToLower(extra), "auto_increment")
		var def *sqlschema.Default
		if !autoIncrement && columnDefault.Valid {
			def = mysqlDefault(columnDefault.String, extra)
		}
		schema.PushColumn(tid, sqlschema.Column{
			Name:          column,
			Type:          colType,
			AutoIncrement: autoIncrement,
			Default:       def,
			Description:   comment,
		})
	}
	return rows.Err()
}

func (d *MySQLDescriber) describeIndexes(
	ctx context.Context,
	schema *sqlschema.Schema,
	ns string,
	tableIDs map[string]sqlschema.TableID,
) error {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT table_name, index_name, non_unique, column_name,
		       sub_part, collation, index_type
		FROM information_schema.statistics
		WHERE table_schema = ?
		ORDER BY table_name, index_name, seq_in_index`, ns)
	if err != nil {
		return fmt.Errorf("describe indexes in %s: %w", ns, err)
	}
	defer rows.Close()

	currentIndex := ""
	var idxID sqlschema.IndexID
	for rows.Next() {
		var (
			table, index, indexType string
			nonUnique               int
			column                  sql.NullString
			subPart                 sql.NullInt64
			collation               sql.NullString
		)
		if err := rows.Scan(&table, &index, &nonUnique, &column, &subPart, &collation, &indexType); err != nil {
			return err
		}
		tid, ok := tableIDs[ns+"."+table]
		if !ok || !column.Valid {
			continue
		}
		key := table + "." + index
		if key != currentIndex {
			currentIndex = key
			kind := sqlschema.IndexNormal
			switch {
			case index == "PRIMARY":
				kind = sqlschema.IndexPrimaryKey
			case nonUnique == 0:
				kind = sqlschema.IndexUnique
			case strings.EqualFold(indexType, "FULLTEXT"):
				kind = sqlschema.IndexFulltext
			}
			idxID = schema.PushIndex(tid, sqlschema.Index{Name: index, Kind: kind})
		}
		col, found := schema.WalkTable(tid).Column(column.String)
		if !found {
			return fmt.Errorf("index %s references unknown column %s.%s", index, table, column.String)
		}
		part := sqlschema.IndexPart{Column: col.ID()}
		if subPart.Valid {
			l := int(subPart.Int64)
			part.Length = &l
		}
		if collation.Valid && collation.String == "D" {
			part.SortOrder = sqlschema.Desc
		}
		schema.PushIndexColumn(idxID, part)
	}
	return rows.Err()
}

func (d *MySQLDescriber) describeForeignKeys(
	ctx context.Context,
	schema *sqlschema.Schema,
	ns string,
	described []string,
	tableIDs map[string]sqlschema.TableID,
) error {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT kcu.constraint_name, kcu.table_name,
		       kcu.referenced_table_schema, kcu.referenced_table_name,
		       kcu.column_name, kcu.referenced_column_name,
		       rc.update_rule, rc.delete_rule
		FROM information_schema.key_column_usage kcu
		JOIN information_schema.referential_constraints rc
		  ON rc.constraint_schema = kcu.constraint_schema
		 AND rc.constraint_name = kcu.constraint_name
		 AND rc.table_name = kcu.table_name
		WHERE kcu.table_schema = ? AND kcu.referenced_table_name IS NOT NULL
		ORDER BY kcu.table_name, kcu.constraint_name, kcu.ordinal_position`, ns)
	if err != nil {
		return fmt.Errorf("describe foreign keys in %s: %w", ns, err)
	}
	defer rows.Close()

	currentFK := ""
	var fkID sqlschema.ForeignKeyID
	for rows.Next() {
		var name, table, refNS, refTable, column, refColumn, updateRule, deleteRule string
		if err := rows.Scan(&name, &table, &refNS, &refTable, &column, &refColumn, &updateRule, &deleteRule); err != nil {
			return err
		}
		tid, ok := tableIDs[ns+"."+table]
		if !ok {
			continue
		}
		refTID, ok := tableIDs[refNS+"."+refTable]
		if !ok {
			if !containsNamespace(described, refNS) {
				return &CrossSchemaError{
					Object:     ns + "." + table,
					Reference:  refNS + "." + refTable,
					Namespaces: described,
				}
			}
			return fmt.Errorf("foreign key %s references unknown table %s.%s", name, refNS, refTable)
		}

		key := table + "." + name
		if key != currentFK {
			currentFK = key
			fkID = schema.PushForeignKey(sqlschema.ForeignKey{
				ConstraintName:   name,
				ConstrainedTable: tid,
				ReferencedTable:  refTID,
				OnUpdate:         parseForeignKeyAction(updateRule),
				OnDelete:         parseForeignKeyAction(deleteRule),
			})
		}
		col, found := schema.WalkTable(tid).Column(column)
		if !found {
			return fmt.Errorf("foreign key %s references unknown column %s.%s", name, table, column)
		}
		refCol, found := schema.WalkTable(refTID).Column(refColumn)
		if !found {
			return fmt.Errorf("foreign key %s references unknown column %s.%s", name, refTable, refColumn)
		}
		schema.PushForeignKeyColumn(fkID, col.ID(), refCol.ID())
	}
	return rows.Err()
}

// describeCheckConstraints collects check constraint names. MySQL before
// 8.0.16 parses CHECK clauses without storing them, so older servers return
// no rows here.
func (d *MySQLDescriber) describeCheckConstraints(
	ctx context.Context,
	schema *sqlschema.Schema,
	ns string,
	tableIDs map[string]sqlschema.TableID,
) error {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT table_name, constraint_name
		FROM information_schema.table_constraints
		WHERE table_schema = ? AND constraint_type = 'CHECK'
		ORDER BY table_name, constraint_name`, ns)
	if err != nil {
		return fmt.Errorf("describe check constraints in %s: %w", ns, err)
	}
	defer rows.Close()

	for rows.Next() {
		var table, name string
		if err := rows.Scan(&table, &name); err != nil {
			return err
		}
		tid, ok := tableIDs[ns+"."+table]
		if !ok {
			continue
		}
		schema.PushCheckConstraint(tid, name)
	}
	return rows.Err()
}

func (d *MySQLDescriber) describeViews(ctx context.Context, schema *sqlschema.Schema, ns string) error {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT table_name, COALESCE(view_definition, '')
		FROM information_schema.views
		WHERE table_schema = ?
		ORDER BY table_name`, ns)
	if err != nil {
		return fmt.Errorf("describe views in %s: %w", ns, err)
	}
	defer rows.Close()

	nsID, _ := schema.FindNamespace(ns)
	for rows.Next() {
		var name, definition string
		if err := rows.Scan(&name, &definition); err != nil {
			return err
		}
		schema.PushView(nsID, sqlschema.View{Name: name, Definition: strings.TrimSpace(definition)})
	}
	return rows.Err()
}

func mysqlTypeFamily(dataType, columnType string) sqlschema.ColumnTypeFamily {
	switch strings.ToLower(dataType) {
	case "tinyint":
		// tinyint(1) is the conventional boolean.
		if strings.HasPrefix(strings.ToLower(columnType), "tinyint(1)") {
			return sqlschema.FamilyBoolean
		}
		return sqlschema.FamilyInt
	case "smallint", "mediumint", "int":
		return sqlschema.FamilyInt
	case "bigint":
		return sqlschema.FamilyBigInt
	case "float", "double":
		return sqlschema.FamilyFloat
	case "decimal":
		return sqlschema.FamilyDecimal
	case "bit":
		return sqlschema.FamilyBoolean
	case "char", "varchar", "tinytext", "text", "mediumtext", "longtext", "enum", "set":
		return sqlschema.FamilyString
	case "date", "time", "datetime", "timestamp", "year":
		return sqlschema.FamilyDateTime
	case "binary", "varbinary", "tinyblob", "blob", "mediumblob", "longblob":
		return sqlschema.FamilyBinary
	case "json":
		return sqlschema.FamilyJSON
	}
	return sqlschema.FamilyUnsupported
}

func mysqlDefault(value, extra string) *sqlschema.Default {
	upper := strings.ToUpper(value)
	if upper == "CURRENT_TIMESTAMP" || strings.HasPrefix(upper, "CURRENT_TIMESTAMP(") {
		return sqlschema.NewNowDefault()
	}
	if strings.Contains(strings.ToUpper(extra), "DEFAULT_GENERATED") {
		return sqlschema.NewDBGeneratedDefault(value)
	}
	return sqlschema.NewValueDefault(value)
}
