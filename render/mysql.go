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

// MySQLRenderer renders DDL for MySQL and MariaDB. Object names are not
// namespace-qualified: one connection works within one database.
type MySQLRenderer struct{}

func quoteBacktick(name string) string {
	return quoteWith("`", "`", strings.ReplaceAll(name, "`", "``"))
}

func (r *MySQLRenderer) RenderSteps(steps []diff.Step, schemas diff.Pair[*sqlschema.Schema]) ([]string, error) {
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

func (r *MySQLRenderer) renderStep(step diff.Step, schemas diff.Pair[*sqlschema.Schema]) ([]string, error) {
	switch s := step.(type) {
	case diff.CreateNamespace, diff.DropNamespace:
		// Namespaces map to databases; managing those is out of a single
		// connection's reach.
		return nil, nil
	case diff.DropForeignKey:
		fk := schemas.Previous.WalkForeignKey(s.ForeignKey)
		return []string{fmt.Sprintf("ALTER TABLE %s DROP FOREIGN KEY %s",
			quoteBacktick(fk.ConstrainedTable().Name()), quoteBacktick(fk.ConstraintName()))}, nil
	case diff.DropIndex:
		idx := schemas.Previous.WalkIndex(s.Index)
		return []string{fmt.Sprintf("DROP INDEX %s ON %s",
			quoteBacktick(idx.Name()), quoteBacktick(idx.Table().Name()))}, nil
	case diff.AlterTable:
		return r.renderAlterTable(s, schemas)
	case diff.DropTable:
		return []string{fmt.Sprintf("DROP TABLE %s",
			quoteBacktick(schemas.Previous.WalkTable(s.Table).Name()))}, nil
	case diff.CreateTable:
		return []string{r.renderCreateTable(schemas.Next.WalkTable(s.Table))}, nil
	case diff.CreateIndex:
		return []string{r.renderCreateIndex(schemas.Next.WalkIndex(s.Index))}, nil
	case diff.AddForeignKey:
		return []string{r.renderAddForeignKey(schemas.Next.WalkForeignKey(s.ForeignKey))}, nil
	case diff.RenameIndex:
		prev := schemas.Previous.WalkIndex(s.Index.Previous)
		next := schemas.Next.WalkIndex(s.Index.Next)
		return []string{fmt.Sprintf("ALTER TABLE %s RENAME INDEX %s TO %s",
			quoteBacktick(next.Table().Name()), quoteBacktick(prev.Name()), quoteBacktick(next.Name()))}, nil
	case diff.CreateView:
		view := schemas.Next.WalkView(s.View)
		return []string{fmt.Sprintf("CREATE VIEW %s AS %s", quoteBacktick(view.Name()), view.Definition())}, nil
	case diff.DropView:
		view := schemas.Previous.WalkView(s.View)
		return []string{fmt.Sprintf("DROP VIEW %s", quoteBacktick(view.Name()))}, nil
	}
	return nil, internalStepError("mysql", step)
}

func (r *MySQLRenderer) renderAlterTable(s diff.AlterTable, schemas diff.Pair[*sqlschema.Schema]) ([]string, error) {
	nextTable := schemas.Next.WalkTable(s.Table.Next)

	var clauses []string
	for _, change := range s.Changes {
		switch c := change.(type) {
		case diff.AddColumn:
			col := schemas.Next.WalkColumn(c.Column)
			clauses = append(clauses, "ADD COLUMN "+r.renderColumn(col))
		case diff.DropColumn:
			col := schemas.Previous.WalkColumn(c.Column)
			clauses = append(clauses, "DROP COLUMN "+quoteBacktick(col.Name()))
		case diff.AlterColumn:
			// MODIFY restates the full column definition, covering type,
			// nullability and default in one clause.
			col := schemas.Next.WalkColumn(c.Column.Next)
			clauses = append(clauses, "MODIFY COLUMN "+r.renderColumn(col))
		case diff.DropAndRecreateColumn:
			prevCol := schemas.Previous.WalkColumn(c.Column.Previous)
			nextCol := schemas.Next.WalkColumn(c.Column.Next)
			clauses = append(clauses,
				"DROP COLUMN "+quoteBacktick(prevCol.Name()),
				"ADD COLUMN "+r.renderColumn(nextCol))
		case diff.DropPrimaryKey:
			clauses = append(clauses, "DROP PRIMARY KEY")
		case diff.AddPrimaryKey:
			pk, ok := nextTable.PrimaryKey()
			if !ok {
				return nil, fmt.Errorf("internal: AddPrimaryKey on table %s without primary key", nextTable.Name())
			}
			clauses = append(clauses, fmt.Sprintf("ADD PRIMARY KEY (%s)",
				strings.Join(quoteAll(indexPartNames(pk), quoteBacktick), ", ")))
		}
	}
	return []string{fmt.Sprintf("ALTER TABLE %s %s",
		quoteBacktick(nextTable.Name()), strings.Join(clauses, ", "))}, nil
}

func (r *MySQLRenderer) renderCreateTable(table sqlschema.TableWalker) string {
	var defs []string
	for _, col := range table.Columns() {
		defs = append(defs, r.renderColumn(col))
	}
	if pk, ok := table.PrimaryKey(); ok {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)",
			strings.Join(quoteAll(indexPartNames(pk), quoteBacktick), ", ")))
	}
	// Indexes are created with the table on this dialect.
	for _, idx := range table.Indexes() {
		if idx.Kind() == sqlschema.IndexPrimaryKey {
			continue
		}
		defs = append(defs, r.renderInlineIndex(idx))
	}
	return fmt.Sprintf("CREATE TABLE %s (\n    %s\n)",
		quoteBacktick(table.Name()), strings.Join(defs, ",\n    "))
}

func (r *MySQLRenderer) renderInlineIndex(idx sqlschema.IndexWalker) string {
	keyword := "INDEX"
	switch idx.Kind() {
	case sqlschema.IndexUnique:
		keyword = "UNIQUE INDEX"
	case sqlschema.IndexFulltext:
		keyword = "FULLTEXT INDEX"
	}
	var parts []string
	for _, part := range idx.Columns() {
		p := quoteBacktick(part.Column().Name())
		if l := part.Length(); l != nil {
			p += fmt.Sprintf("(%d)", *l)
		}
		if part.SortOrder() == sqlschema.Desc {
			p += " DESC"
		}
		parts = append(parts, p)
	}
	return fmt.Sprintf("%s %s (%s)", keyword, quoteBacktick(idx.Name()), strings.Join(parts, ", "))
}

func (r *MySQLRenderer) renderCreateIndex(idx sqlschema.IndexWalker) string {
	unique := ""
	switch idx.Kind() {
	case sqlschema.IndexUnique:
		unique = "UNIQUE "
	case sqlschema.IndexFulltext:
		unique = "FULLTEXT "
	}
	var parts []string
	for _, part := range idx.Columns() {
		p := quoteBacktick(part.Column().Name())
		if l := part.Length(); l != nil {
			p += fmt.Sprintf("(%d)", *l)
		}
		if part.SortOrder() == sqlschema.Desc {
			p += " DESC"
		}
		parts = append(parts, p)
	}
	return fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)",
		unique, quoteBacktick(idx.Name()), quoteBacktick(idx.Table().Name()), strings.Join(parts, ", "))
}

func (r *MySQLRenderer) renderColumn(col sqlschema.ColumnWalker) string {
	parts := []string{quoteBacktick(col.Name()), col.Type().FullDataType}
	if col.Arity().IsRequired() {
		parts = append(parts, "NOT NULL")
	} else {
		parts = append(parts, "NULL")
	}
	if col.AutoIncrement() {
		parts = append(parts, "AUTO_INCREMENT")
	} else if def := col.Default(); def != nil {
		parts = append(parts, "DEFAULT "+r.renderDefault(def, col.Type().Family))
	}
	return strings.Join(parts, " ")
}

func (r *MySQLRenderer) renderDefault(def *sqlschema.Default, family sqlschema.ColumnTypeFamily) string {
	switch def.Kind {
	case sqlschema.DefaultNow:
		return "CURRENT_TIMESTAMP"
	case sqlschema.DefaultDBGenerated:
		return "(" + def.Value + ")"
	case sqlschema.DefaultSequence, sqlschema.DefaultUniqueRowid:
		// Not representable on this dialect; keep the raw text visible.
		return def.Value
	}
	if needsQuotedDefault(family) {
		return quoteStringLiteral(def.Value)
	}
	return def.Value
}

func (r *MySQLRenderer) renderAddForeignKey(fk sqlschema.ForeignKeyWalker) string {
	return fmt.Sprintf(
		"ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s) ON DELETE %s ON UPDATE %s",
		quoteBacktick(fk.ConstrainedTable().Name()),
		quoteBacktick(fk.ConstraintName()),
		strings.Join(quoteAll(walkerNames(fk.ConstrainedColumns()), quoteBacktick), ", "),
		quoteBacktick(fk.ReferencedTable().Name()),
		strings.Join(quoteAll(walkerNames(fk.ReferencedColumns()), quoteBacktick), ", "),
		fk.OnDelete(), fk.OnUpdate())
}
