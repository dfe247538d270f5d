/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package render

import (
	"fmt"
	"strings"

	"github.com/acronis/go-schemakit/diff"
	"github.com/acronis/go-schemakit/sqlschema"
)

// MSSQLRenderer renders DDL for SQL Server.
type MSSQLRenderer struct{}

func quoteBracket(name string) string {
	return quoteWith("[", "]", strings.ReplaceAll(name, "]", "]]"))
}

func (r *MSSQLRenderer) RenderSteps(steps []diff.Step, schemas diff.Pair[*sqlschema.Schema]) ([]string, error) {
	var out []string
	for _, step := range steps {
		stmts, err := r.renderStep(step, schemas)
		if err != nil {
			return nil, err
		}
		out = append(out, stmts...)
	}
	return out, nil
}

func (r *MSSQLRenderer) renderStep(step diff.Step, schemas diff.Pair[*sqlschema.Schema]) ([]string, error) {
	switch s := step.(type) {
	case diff.CreateNamespace:
		return []string{fmt.Sprintf("IF SCHEMA_ID(N'%s') IS NULL EXEC('CREATE SCHEMA %s')",
			s.Namespace, quoteBracket(s.Namespace))}, nil
	case diff.DropNamespace:
		return []string{fmt.Sprintf("DROP SCHEMA %s", quoteBracket(s.Namespace))}, nil
	case diff.DropForeignKey:
		fk := schemas.Previous.WalkForeignKey(s.ForeignKey)
		return []string{fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s",
			r.qualify(fk.ConstrainedTable()), quoteBracket(fk.ConstraintName()))}, nil
	case diff.DropIndex:
		idx := schemas.Previous.WalkIndex(s.Index)
		return []string{fmt.Sprintf("DROP INDEX %s ON %s",
			quoteBracket(idx.Name()), r.qualify(idx.Table()))}, nil
	case diff.AlterTable:
		return r.renderAlterTable(s, schemas)
	case diff.DropTable:
		return []string{fmt.Sprintf("DROP TABLE %s", r.qualify(schemas.Previous.WalkTable(s.Table)))}, nil
	case diff.CreateTable:
		return []string{r.renderCreateTable(schemas.Next.WalkTable(s.Table))}, nil
	case diff.CreateIndex:
		return []string{r.renderCreateIndex(schemas.Next.WalkIndex(s.Index))}, nil
	case diff.AddForeignKey:
		return []string{r.renderAddForeignKey(schemas.Next.WalkForeignKey(s.ForeignKey))}, nil
	case diff.RenameIndex:
		prev := schemas.Previous.WalkIndex(s.Index.Previous)
		next := schemas.Next.WalkIndex(s.Index.Next)
		return []string{fmt.Sprintf("EXEC sp_rename N'%s.%s.%s', N'%s', N'INDEX'",
			prev.Table().Namespace(), prev.Table().Name(), prev.Name(), next.Name())}, nil
	case diff.CreateView:
		view := schemas.Next.WalkView(s.View)
		return []string{fmt.Sprintf("CREATE VIEW %s AS %s",
			r.qualifyName(view.Namespace(), view.Name()), view.Definition())}, nil
	case diff.DropView:
		view := schemas.Previous.WalkView(s.View)
		return []string{fmt.Sprintf("DROP VIEW %s", r.qualifyName(view.Namespace(), view.Name()))}, nil
	}
	return nil, internalStepError("mssql", step)
}

func (r *MSSQLRenderer) qualify(table sqlschema.TableWalker) string {
	return r.qualifyName(table.Namespace(), table.Name())
}

func (r *MSSQLRenderer) qualifyName(namespace, name string) string {
	if namespace == "" {
		namespace = "dbo"
	}
	return quoteBracket(namespace) + "." + quoteBracket(name)
}

func (r *MSSQLRenderer) renderAlterTable(s diff.AlterTable, schemas diff.Pair[*sqlschema.Schema]) ([]string, error) {
	prevTable := schemas.Previous.WalkTable(s.Table.Previous)
	nextTable := schemas.Next.WalkTable(s.Table.Next)
	qualified := r.qualify(nextTable)

	// SQL Server allows only one ALTER COLUMN per statement.
	var out []string
	for _, change := range s.Changes {
		switch c := change.(type) {
		case diff.AddColumn:
			col := schemas.Next.WalkColumn(c.Column)
			out = append(out, fmt.Sprintf("ALTER TABLE %s ADD %s", qualified, r.renderColumn(col)))
		case diff.DropColumn:
			col := schemas.Previous.WalkColumn(c.Column)
			out = append(out, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", qualified, quoteBracket(col.Name())))
		case diff.AlterColumn:
			col := schemas.Next.WalkColumn(c.Column.Next)
			out = append(out, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s", qualified, r.renderColumnBase(col)))
		case diff.DropAndRecreateColumn:
			prevCol := schemas.Previous.WalkColumn(c.Column.Previous)
			nextCol := schemas.Next.WalkColumn(c.Column.Next)
			out = append(out,
				fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", qualified, quoteBracket(prevCol.Name())),
				fmt.Sprintf("ALTER TABLE %s ADD %s", qualified, r.renderColumn(nextCol)))
		case diff.DropPrimaryKey:
			pk, ok := prevTable.PrimaryKey()
			if !ok {
				return nil, fmt.Errorf("internal: DropPrimaryKey on table %s without primary key", prevTable.Name())
			}
			out = append(out, fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", qualified, quoteBracket(pk.Name())))
		case diff.AddPrimaryKey:
			pk, ok := nextTable.PrimaryKey()
			if !ok {
				return nil, fmt.Errorf("internal: AddPrimaryKey on table %s without primary key", nextTable.Name())
			}
			out = append(out, fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s PRIMARY KEY (%s)",
				qualified, quoteBracket(pk.Name()),
				strings.Join(quoteAll(indexPartNames(pk), quoteBracket), ", ")))
		}
	}
	return out, nil
}

func (r *MSSQLRenderer) renderCreateTable(table sqlschema.TableWalker) string {
	var defs []string
	for _, col := range table.Columns() {
		defs = append(defs, r.renderColumn(col))
	}
	if pk, ok := table.PrimaryKey(); ok {
		defs = append(defs, fmt.Sprintf("CONSTRAINT %s PRIMARY KEY (%s)",
			quoteBracket(pk.Name()), strings.Join(quoteAll(indexPartNames(pk), quoteBracket), ", ")))
	}
	return fmt.Sprintf("CREATE TABLE %s (\n    %s\n)", r.qualify(table), strings.Join(defs, ",\n    "))
}

// renderColumnBase renders name, type and nullability, the shape ALTER COLUMN
// accepts.
func (r *MSSQLRenderer) renderColumnBase(col sqlschema.ColumnWalker) string {
	parts := []string{quoteBracket(col.Name()), col.Type().FullDataType}
	if col.Arity().IsRequired() {
		parts = append(parts, "NOT NULL")
	}
	return strings.Join(parts, " ")
}

func (r *MSSQLRenderer) renderColumn(col sqlschema.ColumnWalker) string {
	base := r.renderColumnBase(col)
	if col.AutoIncrement() {
		return base + " IDENTITY(1,1)"
	}
	if def := col.Default(); def != nil {
		return base + " DEFAULT " + r.renderDefault(def, col.Type().Family)
	}
	return base
}

func (r *MSSQLRenderer) renderDefault(def *sqlschema.Default, family sqlschema.ColumnTypeFamily) string {
	switch def.Kind {
	case sqlschema.DefaultNow:
		return "CURRENT_TIMESTAMP"
	case sqlschema.DefaultDBGenerated:
		return def.Value
	case sqlschema.DefaultSequence:
		return fmt.Sprintf("NEXT VALUE FOR %s", quoteBracket(def.Value))
	case sqlschema.DefaultUniqueRowid:
		return def.Value
	}
	if needsQuotedDefault(family) {
		return quoteStringLiteral(def.Value)
	}
	return def.Value
}

func (r *MSSQLRenderer) renderCreateIndex(idx sqlschema.IndexWalker) string {
	unique := ""
	if idx.Kind() == sqlschema.IndexUnique {
		unique = "UNIQUE "
	}
	var parts []string
	for _, part := range idx.Columns() {
		p := quoteBracket(part.Column().Name())
		if part.SortOrder() == sqlschema.Desc {
			p += " DESC"
		}
		parts = append(parts, p)
	}
	stmt := fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)",
		unique, quoteBracket(idx.Name()), r.qualify(idx.Table()), strings.Join(parts, ", "))
	if idx.Predicate() != "" {
		stmt += " WHERE " + idx.Predicate()
	}
	return stmt
}

func (r *MSSQLRenderer) renderAddForeignKey(fk sqlschema.ForeignKeyWalker) string {
	return fmt.Sprintf(
		"ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s) ON DELETE %s ON UPDATE %s",
		r.qualify(fk.ConstrainedTable()),
		quoteBracket(fk.ConstraintName()),
		strings.Join(quoteAll(walkerNames(fk.ConstrainedColumns()), quoteBracket), ", "),
		r.qualify(fk.ReferencedTable()),
		strings.Join(quoteAll(walkerNames(fk.ReferencedColumns()), quoteBracket), ", "),
		mssqlReferentialAction(fk.OnDelete()), mssqlReferentialAction(fk.OnUpdate()))
}

// SQL Server has no RESTRICT keyword; the closest semantics is NO ACTION.
func mssqlReferentialAction(action sqlschema.ForeignKeyAction) string {
	if action == sqlschema.Restrict {
		return sqlschema.NoAction.String()
	}
	return action.String()
}
