/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package render

import (
	"fmt"
	"strings"

	"github.com/acronis/go-schemakit"
	"github.com/acronis/go-schemakit/diff"
	"github.com/acronis/go-schemakit/sqlschema"
)

// PostgresRenderer renders DDL for PostgreSQL and, with the IsCockroachDB
// circumstance set, for CockroachDB.
type PostgresRenderer struct {
	Circumstances schemakit.Circumstances
}

func (r *PostgresRenderer) RenderSteps(steps []diff.Step, schemas diff.Pair[*sqlschema.Schema]) ([]string, error) {
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

//nolint:gocyclo // one arm per step kind
func (r *PostgresRenderer) renderStep(step diff.Step, schemas diff.Pair[*sqlschema.Schema]) ([]string, error) {
	switch s := step.(type) {
	case diff.CreateNamespace:
		return []string{fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdent(s.Namespace))}, nil
	case diff.DropNamespace:
		return []string{fmt.Sprintf("DROP SCHEMA %s CASCADE", quoteIdent(s.Namespace))}, nil
	case diff.CreateEnum:
		return []string{r.renderCreateEnum(schemas.Next.WalkEnum(s.Enum))}, nil
	case diff.DropEnum:
		enum := schemas.Previous.WalkEnum(s.Enum)
		return []string{fmt.Sprintf("DROP TYPE %s", r.qualifyName(enum.Namespace(), enum.Name()))}, nil
	case diff.AlterEnum:
		return r.renderAlterEnum(s, schemas), nil
	case diff.DropForeignKey:
		fk := schemas.Previous.WalkForeignKey(s.ForeignKey)
		table := fk.ConstrainedTable()
		return []string{fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s",
			r.qualify(table), quoteIdent(fk.ConstraintName()))}, nil
	case diff.DropIndex:
		idx := schemas.Previous.WalkIndex(s.Index)
		return []string{fmt.Sprintf("DROP INDEX %s",
			r.qualifyName(idx.Table().Namespace(), idx.Name()))}, nil
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
		return []string{fmt.Sprintf("ALTER INDEX %s RENAME TO %s",
			r.qualifyName(prev.Table().Namespace(), prev.Name()), quoteIdent(next.Name()))}, nil
	case diff.CreateView:
		view := schemas.Next.WalkView(s.View)
		return []string{fmt.Sprintf("CREATE VIEW %s AS %s",
			r.qualifyName(view.Namespace(), view.Name()), view.Definition())}, nil
	case diff.DropView:
		view := schemas.Previous.WalkView(s.View)
		return []string{fmt.Sprintf("DROP VIEW %s", r.qualifyName(view.Namespace(), view.Name()))}, nil
	case diff.RedefineTable:
		return nil, internalStepError("postgres", step)
	}
	return nil, internalStepError("postgres", step)
}

func (r *PostgresRenderer) qualify(table sqlschema.TableWalker) string {
	return r.qualifyName(table.Namespace(), table.Name())
}

func (r *PostgresRenderer) qualifyName(namespace, name string) string {
	if namespace == "" {
		return quoteIdent(name)
	}
	return quoteIdent(namespace) + "." + quoteIdent(name)
}

func (r *PostgresRenderer) renderCreateEnum(enum sqlschema.EnumWalker) string {
	variants := enum.Variants()
	quoted := make([]string, len(variants))
	for i, v := range variants {
		quoted[i] = quoteStringLiteral(v)
	}
	return fmt.Sprintf("CREATE TYPE %s AS ENUM (%s)",
		r.qualifyName(enum.Namespace(), enum.Name()), strings.Join(quoted, ", "))
}

// renderAlterEnum renders ADD VALUE statements for added variants. On plain
// Postgres, dropped variants require recreating the type: the old type is
// renamed away, the new one is created, every column using it is cast over and
// the old type is dropped. CockroachDB has a native DROP VALUE statement, so
// no recreation happens there.
func (r *PostgresRenderer) renderAlterEnum(s diff.AlterEnum, schemas diff.Pair[*sqlschema.Schema]) []string {
	nextEnum := schemas.Next.WalkEnum(s.Enum.Next)
	qualified := r.qualifyName(nextEnum.Namespace(), nextEnum.Name())

	if r.Circumstances.Has(schemakit.IsCockroachDB) {
		out := make([]string, 0, len(s.CreatedVariants)+len(s.DroppedVariants))
		for _, v := range s.CreatedVariants {
			out = append(out, fmt.Sprintf("ALTER TYPE %s ADD VALUE %s", qualified, quoteStringLiteral(v)))
		}
		for _, v := range s.DroppedVariants {
			out = append(out, fmt.Sprintf("ALTER TYPE %s DROP VALUE %s", qualified, quoteStringLiteral(v)))
		}
		return out
	}

	if len(s.DroppedVariants) == 0 {
		out := make([]string, 0, len(s.CreatedVariants))
		for _, v := range s.CreatedVariants {
			out = append(out, fmt.Sprintf("ALTER TYPE %s ADD VALUE %s", qualified, quoteStringLiteral(v)))
		}
		return out
	}

	oldName := nextEnum.Name() + "_old"
	out := []string{
		fmt.Sprintf("ALTER TYPE %s RENAME TO %s", qualified, quoteIdent(oldName)),
		r.renderCreateEnum(nextEnum),
	}
	for _, table := range schemas.Next.WalkTables() {
		for _, col := range table.Columns() {
			if col.Type().Family != sqlschema.FamilyEnum || col.Type().Enum != s.Enum.Next {
				continue
			}
			out = append(out, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING (%s::text::%s)",
				r.qualify(table), quoteIdent(col.Name()), qualified, quoteIdent(col.Name()), qualified))
		}
	}
	out = append(out, fmt.Sprintf("DROP TYPE %s", r.qualifyName(nextEnum.Namespace(), oldName)))
	return out
}

func (r *PostgresRenderer) renderAlterTable(s diff.AlterTable, schemas diff.Pair[*sqlschema.Schema]) ([]string, error) {
	prevTable := schemas.Previous.WalkTable(s.Table.Previous)
	nextTable := schemas.Next.WalkTable(s.Table.Next)

	var clauses []string
	for _, change := range s.Changes {
		switch c := change.(type) {
		case diff.AddColumn:
			col := schemas.Next.WalkColumn(c.Column)
			clauses = append(clauses, "ADD COLUMN "+r.renderColumn(col))
		case diff.DropColumn:
			col := schemas.Previous.WalkColumn(c.Column)
			clauses = append(clauses, "DROP COLUMN "+quoteIdent(col.Name()))
		case diff.AlterColumn:
			clauses = append(clauses, r.renderAlterColumn(c, schemas)...)
		case diff.DropAndRecreateColumn:
			prevCol := schemas.Previous.WalkColumn(c.Column.Previous)
			nextCol := schemas.Next.WalkColumn(c.Column.Next)
			clauses = append(clauses,
				"DROP COLUMN "+quoteIdent(prevCol.Name()),
				"ADD COLUMN "+r.renderColumn(nextCol))
		case diff.DropPrimaryKey:
			pk, ok := prevTable.PrimaryKey()
			if !ok {
				return nil, fmt.Errorf("internal: DropPrimaryKey on table %s without primary key", prevTable.Name())
			}
			clauses = append(clauses, "DROP CONSTRAINT "+quoteIdent(pk.Name()))
		case diff.AddPrimaryKey:
			pk, ok := nextTable.PrimaryKey()
			if !ok {
				return nil, fmt.Errorf("internal: AddPrimaryKey on table %s without primary key", nextTable.Name())
			}
			clauses = append(clauses, fmt.Sprintf("ADD PRIMARY KEY (%s)",
				strings.Join(quoteAll(indexPartNames(pk), quoteIdent), ", ")))
		}
	}
	return []string{fmt.Sprintf("ALTER TABLE %s %s", r.qualify(nextTable), strings.Join(clauses, ", "))}, nil
}

func (r *PostgresRenderer) renderAlterColumn(c diff.AlterColumn, schemas diff.Pair[*sqlschema.Schema]) []string {
	nextCol := schemas.Next.WalkColumn(c.Column.Next)
	name := quoteIdent(nextCol.Name())

	var clauses []string
	if c.Changes.Has(diff.ColumnTypeChanged) {
		clauses = append(clauses, fmt.Sprintf("ALTER COLUMN %s TYPE %s USING (%s::%s)",
			name, nextCol.Type().FullDataType, name, nextCol.Type().FullDataType))
	}
	if c.Changes.Has(diff.ColumnArityChanged) {
		if nextCol.Arity().IsRequired() {
			clauses = append(clauses, fmt.Sprintf("ALTER COLUMN %s SET NOT NULL", name))
		} else {
			clauses = append(clauses, fmt.Sprintf("ALTER COLUMN %s DROP NOT NULL", name))
		}
	}
	if c.Changes.Has(diff.ColumnDefaultChanged) {
		if def := nextCol.Default(); def != nil {
			clauses = append(clauses, fmt.Sprintf("ALTER COLUMN %s SET DEFAULT %s",
				name, r.renderDefault(def, nextCol.Type().Family)))
		} else {
			clauses = append(clauses, fmt.Sprintf("ALTER COLUMN %s DROP DEFAULT", name))
		}
	}
	return clauses
}

func (r *PostgresRenderer) renderCreateTable(table sqlschema.TableWalker) string {
	var defs []string
	for _, col := range table.Columns() {
		defs = append(defs, r.renderColumn(col))
	}
	if pk, ok := table.PrimaryKey(); ok {
		defs = append(defs, fmt.Sprintf("CONSTRAINT %s PRIMARY KEY (%s)",
			quoteIdent(pk.Name()), strings.Join(quoteAll(indexPartNames(pk), quoteIdent), ", ")))
	}
	return fmt.Sprintf("CREATE TABLE %s (\n    %s\n)", r.qualify(table), strings.Join(defs, ",\n    "))
}

func (r *PostgresRenderer) renderColumn(col sqlschema.ColumnWalker) string {
	parts := []string{quoteIdent(col.Name()), r.columnTypeSQL(col)}
	if col.Arity().IsRequired() {
		parts = append(parts, "NOT NULL")
	}
	if def := col.Default(); def != nil && !col.AutoIncrement() {
		parts = append(parts, "DEFAULT "+r.renderDefault(def, col.Type().Family))
	}
	return strings.Join(parts, " ")
}

func (r *PostgresRenderer) columnTypeSQL(col sqlschema.ColumnWalker) string {
	tpe := col.Type()
	if col.AutoIncrement() {
		// CockroachDB autoincrements through unique_rowid() defaults instead
		// of sequences.
		if r.Circumstances.Has(schemakit.IsCockroachDB) {
			return tpe.FullDataType + " DEFAULT unique_rowid()"
		}
		if tpe.Family == sqlschema.FamilyBigInt {
			return "BIGSERIAL"
		}
		return "SERIAL"
	}
	sql := tpe.FullDataType
	if tpe.Arity.IsList() {
		sql += "[]"
	}
	return sql
}

func (r *PostgresRenderer) renderDefault(def *sqlschema.Default, family sqlschema.ColumnTypeFamily) string {
	switch def.Kind {
	case sqlschema.DefaultNow:
		return "CURRENT_TIMESTAMP"
	case sqlschema.DefaultSequence:
		return fmt.Sprintf("nextval(%s)", quoteStringLiteral(def.Value))
	case sqlschema.DefaultUniqueRowid:
		return "unique_rowid()"
	case sqlschema.DefaultDBGenerated:
		return def.Value
	}
	if needsQuotedDefault(family) {
		return quoteStringLiteral(def.Value)
	}
	return def.Value
}

func (r *PostgresRenderer) renderCreateIndex(idx sqlschema.IndexWalker) string {
	unique := ""
	if idx.Kind() == sqlschema.IndexUnique {
		unique = "UNIQUE "
	}
	var parts []string
	for _, part := range idx.Columns() {
		p := quoteIdent(part.Column().Name())
		if part.OperatorClass() != "" {
			p += " " + part.OperatorClass()
		}
		if part.SortOrder() == sqlschema.Desc {
			p += " DESC"
		}
		parts = append(parts, p)
	}
	stmt := fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)",
		unique, quoteIdent(idx.Name()), r.qualify(idx.Table()), strings.Join(parts, ", "))
	if idx.Predicate() != "" {
		stmt += " WHERE " + idx.Predicate()
	}
	return stmt
}

func (r *PostgresRenderer) renderAddForeignKey(fk sqlschema.ForeignKeyWalker) string {
	return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s) ON DELETE %s ON UPDATE %s",
		r.qualify(fk.ConstrainedTable()),
		quoteIdent(fk.ConstraintName()),
		strings.Join(quoteAll(walkerNames(fk.ConstrainedColumns()), quoteIdent), ", "),
		r.qualify(fk.ReferencedTable()),
		strings.Join(quoteAll(walkerNames(fk.ReferencedColumns()), quoteIdent), ", "),
		fk.OnDelete(), fk.OnUpdate())
}
