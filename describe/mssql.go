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

// MSSQLDescriber introspects SQL Server databases through the sys catalog.
type MSSQLDescriber struct {
	conn *sql.DB
}

const mssqlDefaultNamespace = "dbo"

func (d *MSSQLDescriber) Describe(ctx context.Context, namespaces []string) (*sqlschema.Schema, error) {
	namespaces = defaultNamespaces(namespaces, mssqlDefaultNamespace)
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
		if err := d.describeViews(ctx, schema, ns); err != nil {
			return nil, err
		}
	}
	for _, ns := range sorted {
		if err := d.describeUserDefinedTypes(ctx, schema, ns); err != nil {
			return nil, err
		}
	}
	return schema, nil
}

func (d *MSSQLDescriber) describeTables(
	ctx context.Context,
	schema *sqlschema.Schema,
	nsID sqlschema.NamespaceID,
	ns string,
	tableIDs map[string]sqlschema.TableID,
) error {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT t.name
		FROM sys.tables t
		JOIN sys.schemas s ON s.schema_id = t.schema_id
		WHERE s.name = @p1 AND t.name <> @p2
		ORDER BY t.name`, ns, schemakit.DefaultMigrationsTableName)
	if err != nil {
		return fmt.Errorf("describe tables in %s: %w", ns, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		tableIDs[ns+"."+name] = schema.PushTable(nsID, name, 0, "")
	}
	return rows.Err()
}

func (d *MSSQLDescriber) describeColumns(
	ctx context.Context,
	schema *sqlschema.Schema,
	ns string,
	tableIDs map[string]sqlschema.TableID,
) error {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT t.name, c.name, ty.name, c.max_length, c.precision, c.scale,
		       c.is_nullable, c.is_identity, dc.name, dc.definition
		FROM sys.columns c
		JOIN sys.tables t ON t.object_id = c.object_id
		JOIN sys.schemas s ON s.schema_id = t.schema_id
		JOIN sys.types ty ON ty.user_type_id = c.user_type_id
		LEFT JOIN sys.default_constraints dc ON dc.object_id = c.default_object_id
		WHERE s.name = @p1
		ORDER BY t.name, c.column_id`, ns)
	if err != nil {
		return fmt.Errorf("describe columns in %s: %w", ns, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			table, column, typeName     string
			maxLength, precision, scale int64
			nullable, identity          bool
			defaultName, defaultExpr    sql.NullString
		)
		if err := rows.Scan(&table, &column, &typeName, &maxLength, &precision, &scale,
			&nullable, &identity, &defaultName, &defaultExpr); err != nil {
			return err
		}
		tid, ok := tableIDs[ns+"."+table]
		if !ok {
			continue
		}

		arity := sqlschema.Required
		if nullable {
			arity = sqlschema.Nullable
		}
		colType := sqlschema.ColumnType{
			FullDataType: mssqlFullDataType(typeName, maxLength, precision, scale),
			Family:       mssqlTypeFamily(typeName),
			Arity:        arity,
		}
		if l := mssqlCharMaxLength(typeName, maxLength); l != nil {
			colType.CharacterMaximumLength = l
		}

		var def *sqlschema.Default
		if !identity && defaultExpr.Valid {
			def = mssqlDefault(defaultExpr.String)
			if def != nil && defaultName.Valid {
				def.ConstraintName = defaultName.String
			}
		}
		schema.PushColumn(tid, sqlschema.Column{
			Name:          column,
			Type:          colType,
			AutoIncrement: identity,
			Default:       def,
		})
	}
	return rows.Err()
}

func (d *MSSQLDescriber) describeIndexes(
	ctx context.Context,
	schema *sqlschema.Schema,
	ns string,
	tableIDs map[string]sqlschema.TableID,
) error {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT t.name, i.name, i.is_unique, i.is_primary_key, col.name,
		       ic.is_descending_key, COALESCE(i.filter_definition, '')
		FROM sys.indexes i
		JOIN sys.tables t ON t.object_id = i.object_id
		JOIN sys.schemas s ON s.schema_id = t.schema_id
		JOIN sys.index_columns ic ON ic.object_id = i.object_id AND ic.index_id = i.index_id
		JOIN sys.columns col ON col.object_id = ic.object_id AND col.column_id = ic.column_id
		WHERE s.name = @p1 AND i.name IS NOT NULL AND ic.is_included_column = 0
		ORDER BY t.name, i.name, ic.key_ordinal`, ns)
	if err != nil {
		return fmt.Errorf("describe indexes in %s: %w", ns, err)
	}
	defer rows.Close()

	currentIndex := ""
	var idxID sqlschema.IndexID
	for rows.Next() {
		var (
			table, index, column, predicate string
			unique, primary, descending     bool
		)
		if err := rows.Scan(&table, &index, &unique, &primary, &column, &descending, &predicate); err != nil {
			return err
		}
		tid, ok := tableIDs[ns+"."+table]
		if !ok {
			continue
		}
		key := table + "." + index
		if key != currentIndex {
			currentIndex = key
			kind := sqlschema.IndexNormal
			switch {
			case primary:
				kind = sqlschema.IndexPrimaryKey
			case unique:
				kind = sqlschema.IndexUnique
			}
			idxID = schema.PushIndex(tid, sqlschema.Index{Name: index, Kind: kind, Predicate: predicate})
		}
		col, found := schema.WalkTable(tid).Column(column)
		if !found {
			return fmt.Errorf("index %s references unknown column %s.%s", index, table, column)
		}
		order := sqlschema.Asc
		if descending {
			order = sqlschema.Desc
		}
		schema.PushIndexColumn(idxID, sqlschema.IndexPart{Column: col.ID(), SortOrder: order})
	}
	return rows.Err()
}

func (d *MSSQLDescriber) describeForeignKeys(
	ctx context.Context,
	schema *sqlschema.Schema,
	ns string,
	described []string,
	tableIDs map[string]sqlschema.TableID,
) error {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT fk.name, t.name, rs.name, rt.name, pc.name, rc.name,
		       fk.update_referential_action_desc, fk.delete_referential_action_desc
		FROM sys.foreign_keys fk
		JOIN sys.tables t ON t.object_id = fk.parent_object_id
		JOIN sys.schemas s ON s.schema_id = t.schema_id
		JOIN sys.tables rt ON rt.object_id = fk.referenced_object_id
		JOIN sys.schemas rs ON rs.schema_id = rt.schema_id
		JOIN sys.foreign_key_columns fkc ON fkc.constraint_object_id = fk.object_id
		JOIN sys.columns pc ON pc.object_id = fkc.parent_object_id AND pc.column_id = fkc.parent_column_id
		JOIN sys.columns rc ON rc.object_id = fkc.referenced_object_id AND rc.column_id = fkc.referenced_column_id
		WHERE s.name = @p1
		ORDER BY t.name, fk.name, fkc.constraint_column_id`, ns)
	if err != nil {
		return fmt.Errorf("describe foreign keys in %s: %w", ns, err)
	}
	defer rows.Close()

	currentFK := ""
	var fkID sqlschema.ForeignKeyID
	for rows.Next() {
		var name, table, refNS, refTable, column, refColumn, updateAction, deleteAction string
		if err := rows.Scan(&name, &table, &refNS, &refTable, &column, &refColumn, &updateAction, &deleteAction); err != nil {
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
				OnUpdate:         parseForeignKeyAction(strings.ReplaceAll(updateAction, "_", " ")),
				OnDelete:         parseForeignKeyAction(strings.ReplaceAll(deleteAction, "_", " ")),
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

func (d *MSSQLDescriber) describeViews(ctx context.Context, schema *sqlschema.Schema, ns string) error {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT v.name, m.definition
		FROM sys.views v
		JOIN sys.schemas s ON s.schema_id = v.schema_id
		JOIN sys.sql_modules m ON m.object_id = v.object_id
		WHERE s.name = @p1
		ORDER BY v.name`, ns)
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
		schema.PushView(nsID, sqlschema.View{Name: name, Definition: viewDefinitionFromSQL(definition)})
	}
	return rows.Err()
}

// describeUserDefinedTypes collects alias types. The definition is the
// underlying system type text, empty for CLR assembly types.
func (d *MSSQLDescriber) describeUserDefinedTypes(ctx context.Context, schema *sqlschema.Schema, ns string) error {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT t.name, COALESCE(st.name, ''), t.max_length, t.precision, t.scale
		FROM sys.types t
		JOIN sys.schemas s ON s.schema_id = t.schema_id
		LEFT JOIN sys.types st ON st.user_type_id = t.system_type_id AND st.is_user_defined = 0
		WHERE t.is_user_defined = 1 AND s.name = @p1
		ORDER BY t.name`, ns)
	if err != nil {
		return fmt.Errorf("describe user-defined types in %s: %w", ns, err)
	}
	defer rows.Close()

	nsID, _ := schema.FindNamespace(ns)
	for rows.Next() {
		var (
			name, systemType            string
			maxLength, precision, scale int64
		)
		if err := rows.Scan(&name, &systemType, &maxLength, &precision, &scale); err != nil {
			return err
		}
		definition := ""
		if systemType != "" {
			definition = mssqlFullDataType(systemType, maxLength, precision, scale)
		}
		schema.PushUserDefinedType(nsID, name, definition)
	}
	return rows.Err()
}

// mssqlFullDataType reconstructs the declarable type text from the catalog's
// numeric facets.
func mssqlFullDataType(typeName string, maxLength, precision, scale int64) string {
	switch typeName {
	case "nvarchar", "nchar":
		if maxLength == -1 {
			return typeName + "(max)"
		}
		return fmt.Sprintf("%s(%d)", typeName, maxLength/2)
	case "varchar", "char", "varbinary", "binary":
		if maxLength == -1 {
			return typeName + "(max)"
		}
		return fmt.Sprintf("%s(%d)", typeName, maxLength)
	case "decimal", "numeric":
		return fmt.Sprintf("%s(%d,%d)", typeName, precision, scale)
	case "datetime2", "datetimeoffset", "time":
		return fmt.Sprintf("%s(%d)", typeName, scale)
	}
	return typeName
}

func mssqlCharMaxLength(typeName string, maxLength int64) *int64 {
	switch typeName {
	case "nvarchar", "nchar":
		if maxLength > 0 {
			l := maxLength / 2
			return &l
		}
	case "varchar", "char":
		if maxLength > 0 {
			l := maxLength
			return &l
		}
	}
	return nil
}

func mssqlTypeFamily(typeName string) sqlschema.ColumnTypeFamily {
	switch typeName {
	case "tinyint", "smallint", "int":
		return sqlschema.FamilyInt
	case "bigint":
		return sqlschema.FamilyBigInt
	case "real", "float":
		return sqlschema.FamilyFloat
	case "decimal", "numeric", "money", "smallmoney":
		return sqlschema.FamilyDecimal
	case "bit":
		return sqlschema.FamilyBoolean
	case "char", "varchar", "nchar", "nvarchar", "text", "ntext", "xml":
		return sqlschema.FamilyString
	case "date", "time", "datetime", "datetime2", "smalldatetime", "datetimeoffset":
		return sqlschema.FamilyDateTime
	case "binary", "varbinary", "image":
		return sqlschema.FamilyBinary
	case "uniqueidentifier":
		return sqlschema.FamilyUUID
	}
	return sqlschema.FamilyUnsupported
}

// mssqlDefault parses a default constraint definition. The catalog wraps the
// expression in parentheses, string constants additionally in quotes.
func mssqlDefault(definition string) *sqlschema.Default {
	value := definition
	for strings.HasPrefix(value, "(") && strings.HasSuffix(value, ")") {
		value = value[1 : len(value)-1]
	}
	switch strings.ToUpper(value) {
	case "NULL":
		return nil
	case "GETDATE()", "CURRENT_TIMESTAMP", "SYSDATETIME()":
		return sqlschema.NewNowDefault()
	}
	if strings.HasPrefix(value, "NEXT VALUE FOR ") {
		return sqlschema.NewSequenceDefault(strings.TrimPrefix(value, "NEXT VALUE FOR "))
	}
	if strings.HasPrefix(value, "'") && strings.HasSuffix(value, "'") && len(value) >= 2 {
		return sqlschema.NewValueDefault(strings.ReplaceAll(value[1:len(value)-1], "''", "'"))
	}
	if strings.ContainsAny(value, "()") {
		return sqlschema.NewDBGeneratedDefault(value)
	}
	return sqlschema.NewValueDefault(value)
}
