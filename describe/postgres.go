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

// PostgresDescriber introspects PostgreSQL and CockroachDB databases.
type PostgresDescriber struct {
	conn          *sql.DB
	circumstances schemakit.Circumstances
}

// PostgresConnectorData is the engine-specific payload attached to snapshots
// taken from Postgres: the installed extensions. Normalize clears it unless
// extension support is requested.
type PostgresConnectorData struct {
	Extensions []string
}

const postgresDefaultNamespace = "public"

func (d *PostgresDescriber) Describe(ctx context.Context, namespaces []string) (*sqlschema.Schema, error) {
	namespaces = defaultNamespaces(namespaces, postgresDefaultNamespace)
	sorted := make([]string, len(namespaces))
	copy(sorted, namespaces)
	sort.Strings(sorted)

	schema := sqlschema.New()
	nsIDs := make(map[string]sqlschema.NamespaceID, len(sorted))
	for _, ns := range sorted {
		nsIDs[ns] = schema.PushNamespace(ns)
	}
	for _, ns := range sorted {
		if err := d.describeEnums(ctx, schema, nsIDs[ns], ns); err != nil {
			return nil, err
		}
	}
	tableIDs := make(map[string]sqlschema.TableID)
	for _, ns := range sorted {
		if err := d.describeTables(ctx, schema, nsIDs[ns], ns, tableIDs); err != nil {
			return nil, err
		}
	}
	for _, ns := range sorted {
		if err := d.describeColumns(ctx, schema, ns, sorted, tableIDs); err != nil {
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
		if err := d.describeViews(ctx, schema, nsIDs[ns], ns); err != nil {
			return nil, err
		}
	}
	if !d.circumstances.Has(schemakit.IsCockroachDB) {
		if err := d.describeExtensions(ctx, schema); err != nil {
			return nil, err
		}
	}
	return schema, nil
}

func (d *PostgresDescriber) describeEnums(
	ctx context.Context,
	schema *sqlschema.Schema,
	nsID sqlschema.NamespaceID,
	ns string,
) error {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT t.typname, e.enumlabel
		FROM pg_type t
		JOIN pg_enum e ON e.enumtypid = t.oid
		JOIN pg_namespace n ON n.oid = t.typnamespace
		WHERE n.nspname = $1
		ORDER BY t.typname, e.enumsortorder`, ns)
	if err != nil {
		return fmt.Errorf("describe enums in %s: %w", ns, err)
	}
	defer rows.Close()

	current := ""
	var enumID sqlschema.EnumID
	for rows.Next() {
		var name, label string
		if err := rows.Scan(&name, &label); err != nil {
			return err
		}
		if name != current {
			current = name
			enumID = schema.PushEnum(nsID, name)
		}
		schema.PushEnumVariant(enumID, label)
	}
	return rows.Err()
}

func (d *PostgresDescriber) describeTables(
	ctx context.Context,
	schema *sqlschema.Schema,
	nsID sqlschema.NamespaceID,
	ns string,
	tableIDs map[string]sqlschema.TableID,
) error {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT c.relname, c.relispartition, c.relhassubclass, c.relrowsecurity,
		       COALESCE(obj_description(c.oid, 'pg_class'), '')
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relkind IN ('r', 'p') AND c.relname <> $2
		ORDER BY c.relname`, ns, schemakit.DefaultMigrationsTableName)
	if err != nil {
		return fmt.Errorf("describe tables in %s: %w", ns, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name, description                          string
			isPartition, hasSubclass, rowLevelSecurity bool
		)
		if err := rows.Scan(&name, &isPartition, &hasSubclass, &rowLevelSecurity, &description); err != nil {
			return err
		}
		var props sqlschema.TableProperties
		if isPartition {
			props |= sqlschema.TableIsPartition
		}
		if hasSubclass {
			props |= sqlschema.TableHasSubclass
		}
		if rowLevelSecurity {
			props |= sqlschema.TableHasRowLevelSecurity
		}
		tableIDs[ns+"."+name] = schema.PushTable(nsID, name, props, description)
	}
	return rows.Err()
}

//nolint:gocyclo // column attributes fan out
func (d *PostgresDescriber) describeColumns(
	ctx context.Context,
	schema *sqlschema.Schema,
	ns string,
	described []string,
	tableIDs map[string]sqlschema.TableID,
) error {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT c.relname, a.attname,
		       format_type(a.atttypid, a.atttypmod),
		       t.typname, t.typtype::text, tn.nspname,
		       a.attnotnull, a.attidentity::text,
		       COALESCE(pg_get_expr(ad.adbin, ad.adrelid), ''),
		       CASE WHEN t.typname IN ('varchar', 'bpchar') AND a.atttypmod > 4
		            THEN a.atttypmod - 4 END,
		       COALESCE(col_description(c.oid, a.attnum), '')
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_type t ON t.oid = a.atttypid
		JOIN pg_namespace tn ON tn.oid = t.typnamespace
		LEFT JOIN pg_attrdef ad ON ad.adrelid = a.attrelid AND ad.adnum = a.attnum
		WHERE n.nspname = $1 AND c.relkind IN ('r', 'p')
		      AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY c.relname, a.attnum`, ns)
	if err != nil {
		return fmt.Errorf("describe columns in %s: %w", ns, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			table, column, fullType, typName, typType, typeNS, identity, defaultExpr, description string
			notNull                                                                               bool
			charMaxLength                                                                         sql.NullInt64
		)
		if err := rows.Scan(&table, &column, &fullType, &typName, &typType, &typeNS,
			&notNull, &identity, &defaultExpr, &charMaxLength, &description); err != nil {
			return err
		}
		tid, ok := tableIDs[ns+"."+table]
		if !ok {
			continue
		}

		arity := sqlschema.Nullable
		if notNull {
			arity = sqlschema.Required
		}
		elementType := typName
		if strings.HasPrefix(typName, "_") {
			arity = sqlschema.List
			elementType = strings.TrimPrefix(typName, "_")
		}

		colType := sqlschema.ColumnType{
			FullDataType: fullType,
			Family:       postgresTypeFamily(elementType, typType),
			Arity:        arity,
		}
		if charMaxLength.Valid {
			l := charMaxLength.Int64
			colType.CharacterMaximumLength = &l
		}
		if colType.Family == sqlschema.FamilyEnum {
			enumID, found := schema.FindEnum(typeNS, elementType)
			if !found {
				if !containsNamespace(described, typeNS) {
					return &CrossSchemaError{
						Object:     ns + "." + table + "." + column,
						Reference:  typeNS + "." + elementType,
						Namespaces: described,
					}
				}
				return fmt.Errorf("column %s.%s.%s uses unknown enum %s", ns, table, column, elementType)
			}
			colType.Enum = enumID
		}

		autoIncrement := identity != "" || strings.HasPrefix(defaultExpr, "nextval(")
		var def *sqlschema.Default
		if !autoIncrement && defaultExpr != "" {
			def = postgresDefault(defaultExpr, colType.Family)
		}
		if strings.HasPrefix(defaultExpr, "unique_rowid()") {
			autoIncrement, def = true, nil
		}

		schema.PushColumn(tid, sqlschema.Column{
			Name:          column,
			Type:          colType,
			AutoIncrement: autoIncrement,
			Default:       def,
			Description:   description,
		})
	}
	return rows.Err()
}

func (d *PostgresDescriber) describeIndexes(
	ctx context.Context,
	schema *sqlschema.Schema,
	ns string,
	tableIDs map[string]sqlschema.TableID,
) error {
	// The pg_attribute join is LEFT: expression members have indkey attnum 0
	// and no attribute row. Such indexes cannot be represented as column
	// lists and are left out wholesale instead of being described with fewer
	// members than they have.
	rows, err := d.conn.QueryContext(ctx, `
		SELECT t.relname, i.relname, ix.indisunique, ix.indisprimary,
		       a.attname, (ix.indoption[k.ord - 1] & 1) = 1,
		       COALESCE(pg_get_expr(ix.indpred, ix.indrelid), '')
		FROM pg_index ix
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		CROSS JOIN LATERAL unnest(ix.indkey) WITH ORDINALITY AS k(attnum, ord)
		LEFT JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
		WHERE n.nspname = $1 AND ix.indisvalid
		ORDER BY t.relname, i.relname, k.ord`, ns)
	if err != nil {
		return fmt.Errorf("describe indexes in %s: %w", ns, err)
	}
	defer rows.Close()

	type indexRow struct {
		table, index, predicate string
		unique, primary, desc   bool
		column                  sql.NullString
	}
	var buffered []indexRow
	for rows.Next() {
		var row indexRow
		if err := rows.Scan(&row.table, &row.index, &row.unique, &row.primary,
			&row.column, &row.desc, &row.predicate); err != nil {
			return err
		}
		buffered = append(buffered, row)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for start := 0; start < len(buffered); {
		end := start
		hasExpression := false
		for end < len(buffered) &&
			buffered[end].table == buffered[start].table && buffered[end].index == buffered[start].index {
			if !buffered[end].column.Valid {
				hasExpression = true
			}
			end++
		}
		group := buffered[start:end]
		start = end

		tid, ok := tableIDs[ns+"."+group[0].table]
		if !ok || hasExpression {
			continue
		}
		kind := sqlschema.IndexNormal
		switch {
		case group[0].primary:
			kind = sqlschema.IndexPrimaryKey
		case group[0].unique:
			kind = sqlschema.IndexUnique
		}
		idxID := schema.PushIndex(tid, sqlschema.Index{Name: group[0].index, Kind: kind, Predicate: group[0].predicate})
		for _, row := range group {
			col, found := schema.WalkTable(tid).Column(row.column.String)
			if !found {
				return fmt.Errorf("index %s references unknown column %s.%s", row.index, row.table, row.column.String)
			}
			order := sqlschema.Asc
			if row.desc {
				order = sqlschema.Desc
			}
			schema.PushIndexColumn(idxID, sqlschema.IndexPart{Column: col.ID(), SortOrder: order})
		}
	}
	return nil
}

func (d *PostgresDescriber) describeForeignKeys(
	ctx context.Context,
	schema *sqlschema.Schema,
	ns string,
	described []string,
	tableIDs map[string]sqlschema.TableID,
) error {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT con.conname, tc.relname, fn.nspname, ftc.relname,
		       con.confupdtype::text, con.confdeltype::text,
		       a.attname, fa.attname
		FROM pg_constraint con
		JOIN pg_class tc ON tc.oid = con.conrelid
		JOIN pg_namespace n ON n.oid = tc.relnamespace
		JOIN pg_class ftc ON ftc.oid = con.confrelid
		JOIN pg_namespace fn ON fn.oid = ftc.relnamespace
		CROSS JOIN LATERAL unnest(con.conkey, con.confkey) WITH ORDINALITY AS k(attnum, fattnum, ord)
		JOIN pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = k.attnum
		JOIN pg_attribute fa ON fa.attrelid = con.confrelid AND fa.attnum = k.fattnum
		WHERE n.nspname = $1 AND con.contype = 'f'
		ORDER BY tc.relname, con.conname, k.ord`, ns)
	if err != nil {
		return fmt.Errorf("describe foreign keys in %s: %w", ns, err)
	}
	defer rows.Close()

	currentFK := ""
	var fkID sqlschema.ForeignKeyID
	for rows.Next() {
		var name, table, refNS, refTable, updType, delType, column, refColumn string
		if err := rows.Scan(&name, &table, &refNS, &refTable, &updType, &delType, &column, &refColumn); err != nil {
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
				OnUpdate:         postgresForeignKeyAction(updType),
				OnDelete:         postgresForeignKeyAction(delType),
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

func (d *PostgresDescriber) describeCheckConstraints(
	ctx context.Context,
	schema *sqlschema.Schema,
	ns string,
	tableIDs map[string]sqlschema.TableID,
) error {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT c.relname, con.conname
		FROM pg_constraint con
		JOIN pg_class c ON c.oid = con.conrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND con.contype = 'c'
		ORDER BY c.relname, con.conname`, ns)
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

func (d *PostgresDescriber) describeViews(
	ctx context.Context,
	schema *sqlschema.Schema,
	nsID sqlschema.NamespaceID,
	ns string,
) error {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT table_name, COALESCE(view_definition, '')
		FROM information_schema.views
		WHERE table_schema = $1
		ORDER BY table_name`, ns)
	if err != nil {
		return fmt.Errorf("describe views in %s: %w", ns, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, definition string
		if err := rows.Scan(&name, &definition); err != nil {
			return err
		}
		schema.PushView(nsID, sqlschema.View{Name: name, Definition: strings.TrimSpace(definition)})
	}
	return rows.Err()
}

func (d *PostgresDescriber) describeExtensions(ctx context.Context, schema *sqlschema.Schema) error {
	rows, err := d.conn.QueryContext(ctx, `SELECT extname FROM pg_extension ORDER BY extname`)
	if err != nil {
		return fmt.Errorf("describe extensions: %w", err)
	}
	defer rows.Close()

	var data PostgresConnectorData
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		data.Extensions = append(data.Extensions, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	schema.SetConnectorData(data)
	return nil
}

func postgresTypeFamily(typName, typType string) sqlschema.ColumnTypeFamily {
	if typType == "e" {
		return sqlschema.FamilyEnum
	}
	switch typName {
	case "int2", "int4", "serial2", "serial4":
		return sqlschema.FamilyInt
	case "int8", "serial8", "oid":
		return sqlschema.FamilyBigInt
	case "float4", "float8":
		return sqlschema.FamilyFloat
	case "numeric", "money":
		return sqlschema.FamilyDecimal
	case "bool":
		return sqlschema.FamilyBoolean
	case "text", "varchar", "bpchar", "char", "name", "citext", "inet", "cidr", "xml", "bit", "varbit":
		return sqlschema.FamilyString
	case "date", "time", "timetz", "timestamp", "timestamptz", "interval":
		return sqlschema.FamilyDateTime
	case "bytea":
		return sqlschema.FamilyBinary
	case "json", "jsonb":
		return sqlschema.FamilyJSON
	case "uuid":
		return sqlschema.FamilyUUID
	}
	return sqlschema.FamilyUnsupported
}

func postgresForeignKeyAction(confType string) sqlschema.ForeignKeyAction {
	switch confType {
	case "c":
		return sqlschema.Cascade
	case "r":
		return sqlschema.Restrict
	case "n":
		return sqlschema.SetNull
	case "d":
		return sqlschema.SetDefault
	}
	return sqlschema.NoAction
}

// postgresDefault parses pg_get_expr output. Constant defaults come back with
// a cast suffix which is stripped; anything that is not a recognized constant
// stays as a database-generated expression.
func postgresDefault(expr string, family sqlschema.ColumnTypeFamily) *sqlschema.Default {
	switch {
	case expr == "now()" || expr == "CURRENT_TIMESTAMP" || strings.HasPrefix(expr, "CURRENT_TIMESTAMP("):
		return sqlschema.NewNowDefault()
	case strings.HasPrefix(expr, "nextval("):
		return sqlschema.NewSequenceDefault(strings.Trim(strings.TrimSuffix(strings.TrimPrefix(expr, "nextval("), ")"), "'"))
	case expr == "unique_rowid()":
		return sqlschema.NewUniqueRowidDefault()
	}
	value := expr
	if i := strings.Index(value, "::"); i >= 0 {
		value = value[:i]
	}
	if strings.HasPrefix(value, "'") && strings.HasSuffix(value, "'") && len(value) >= 2 {
		return sqlschema.NewValueDefault(strings.ReplaceAll(value[1:len(value)-1], "''", "'"))
	}
	if isPostgresLiteral(value, family) {
		return sqlschema.NewValueDefault(value)
	}
	return sqlschema.NewDBGeneratedDefault(expr)
}

func isPostgresLiteral(value string, family sqlschema.ColumnTypeFamily) bool {
	switch family {
	case sqlschema.FamilyBoolean:
		return value == "true" || value == "false"
	case sqlschema.FamilyInt, sqlschema.FamilyBigInt, sqlschema.FamilyFloat, sqlschema.FamilyDecimal:
		for _, r := range value {
			if (r < '0' || r > '9') && r != '.' && r != '-' && r != '+' {
				return false
			}
		}
		return value != ""
	}
	return false
}
