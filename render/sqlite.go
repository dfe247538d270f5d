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

// SQLiteRenderer renders DDL for SQLite. Table changes beyond plain column
// additions arrive as RedefineTable steps and expand into a guarded
// create-copy-drop-rename sequence.
type SQLiteRenderer struct{}

func (r *SQLiteRenderer) RenderSteps(steps []diff.Step, schemas diff.Pair[*sqlschema.Schema]) ([]string, error) {
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

func (r *SQLiteRenderer) renderStep(step diff.Step, schemas diff.Pair[*sqlschema.Schema]) ([]string, error) {
	switch s := step.(type) {
	case diff.CreateNamespace, diff.DropNamespace:
		// A SQLite file is a single namespace.
		return nil, nil
	case diff.DropIndex:
		idx := schemas.Previous.WalkIndex(s.Index)
		return []string{fmt.Sprintf("DROP INDEX %s", quoteIdent(idx.Name()))}, nil
	case diff.RedefineTable:
		return r.renderRedefineTable(s, schemas), nil
	case diff.DropTable:
		return []string{fmt.Sprintf("DROP TABLE %s",
			quoteIdent(schemas.Previous.WalkTable(s.Table).Name()))}, nil
	case diff.CreateTable:
		return []string{r.renderCreateTable(schemas.Next.WalkTable(s.Table), schemas.Next.WalkTable(s.Table).Name())}, nil
	case diff.CreateIndex:
		return []string{r.renderCreateIndex(schemas.Next.WalkIndex(s.Index))}, nil
	case diff.CreateView:
		view := schemas.Next.WalkView(s.View)
		return []string{fmt.Sprintf("CREATE VIEW %s AS %s", quoteIdent(view.Name()), view.Definition())}, nil
	case diff.DropView:
		view := schemas.Previous.WalkView(s.View)
		return []string{fmt.Sprintf("DROP VIEW %s", quoteIdent(view.Name()))}, nil
	}
	return nil, internalStepError("sqlite", step)
}

// renderRedefineTable expands a table rebuild. Pure column additions shortcut
// to ALTER TABLE ADD COLUMN; anything else creates the new shape under a
// temporary name, copies the surviving columns over, swaps the tables and
// re-checks foreign keys.
func (r *SQLiteRenderer) renderRedefineTable(s diff.RedefineTable, schemas diff.Pair[*sqlschema.Schema]) []string {
	prevTable := schemas.Previous.WalkTable(s.Table.Previous)
	nextTable := schemas.Next.WalkTable(s.Table.Next)

	addsOnly := true
	for _, change := range s.Changes {
		if _, ok := change.(diff.AddColumn); !ok {
			addsOnly = false
			break
		}
	}
	if addsOnly {
		var out []string
		for _, change := range s.Changes {
			col := schemas.Next.WalkColumn(change.(diff.AddColumn).Column)
			out = append(out, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s",
				quoteIdent(nextTable.Name()), r.renderColumn(col)))
		}
		return out
	}

	tmpName := "new_" + nextTable.Name()
	var copied []string
	for _, nextCol := range nextTable.Columns() {
		if _, ok := prevTable.Column(nextCol.Name()); ok {
			copied = append(copied, quoteIdent(nextCol.Name()))
		}
	}

	out := []string{
		"PRAGMA foreign_keys=OFF",
		r.renderCreateTable(nextTable, tmpName),
	}
	if len(copied) > 0 {
		cols := strings.Join(copied, ", ")
		out = append(out, fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
			quoteIdent(tmpName), cols, cols, quoteIdent(prevTable.Name())))
	}
	out = append(out,
		fmt.Sprintf("DROP TABLE %s", quoteIdent(prevTable.Name())),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(tmpName), quoteIdent(nextTable.Name())),
		"PRAGMA foreign_key_check",
		"PRAGMA foreign_keys=ON",
	)
	return out
}

func (r *SQLiteRenderer) renderCreateTable(table sqlschema.TableWalker, name string) string {
	var defs []string
	for _, col := range table.Columns() {
		defs = append(defs, r.renderColumn(col))
	}
	pk, hasPK := table.PrimaryKey()
	// A single-column integer pk is the rowid alias and is rendered inline
	// on the column.
	if hasPK && !r.pkIsRowidAlias(table) {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)",
			strings.Join(quoteAll(indexPartNames(pk), quoteIdent), ", ")))
	}
	// Foreign keys only exist inline in CREATE TABLE on this dialect.
	for _, fk := range table.ForeignKeys() {
		defs = append(defs, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s) ON DELETE %s ON UPDATE %s",
			strings.Join(quoteAll(walkerNames(fk.ConstrainedColumns()), quoteIdent), ", "),
			quoteIdent(fk.ReferencedTable().Name()),
			strings.Join(quoteAll(walkerNames(fk.ReferencedColumns()), quoteIdent), ", "),
			fk.OnDelete(), fk.OnUpdate()))
	}
	return fmt.Sprintf("CREATE TABLE %s (\n    %s\n)", quoteIdent(name), strings.Join(defs, ",\n    "))
}

func (r *SQLiteRenderer) pkIsRowidAlias(table sqlschema.TableWalker) bool {
	pk, ok := table.PrimaryKey()
	if !ok {
		return false
	}
	parts := pk.Columns()
	if len(parts) != 1 {
		return false
	}
	col := parts[0].Column()
	return col.Type().Family == sqlschema.FamilyInt || col.Type().Family == sqlschema.FamilyBigInt
}

func (r *SQLiteRenderer) renderColumn(col sqlschema.ColumnWalker) string {
	parts := []string{quoteIdent(col.Name()), col.Type().FullDataType}
	if col.IsPartOfPrimaryKey() && r.pkIsRowidAlias(col.Table()) {
		parts = append(parts, "PRIMARY KEY")
		if col.AutoIncrement() {
			parts = append(parts, "AUTOINCREMENT")
		}
	}
	if col.Arity().IsRequired() && !col.IsPartOfPrimaryKey() {
		parts = append(parts, "NOT NULL")
	}
	if def := col.Default(); def != nil && !col.AutoIncrement() {
		parts = append(parts, "DEFAULT "+r.renderDefault(def, col.Type().Family))
	}
	return strings.Join(parts, " ")
}

func (r *SQLiteRenderer) renderDefault(def *sqlschema.Default, family sqlschema.ColumnTypeFamily) string {
	switch def.Kind {
	case sqlschema.DefaultNow:
		return "CURRENT_TIMESTAMP"
	case sqlschema.DefaultDBGenerated:
		return "(" + def.Value + ")"
	case sqlschema.DefaultSequence, sqlschema.DefaultUniqueRowid:
		return def.Value
	}
	if needsQuotedDefault(family) {
		return quoteStringLiteral(def.Value)
	}
	return def.Value
}

func (r *SQLiteRenderer) renderCreateIndex(idx sqlschema.IndexWalker) string {
	unique := ""
	if idx.Kind() == sqlschema.IndexUnique {
		unique = "UNIQUE "
	}
	var parts []string
	for _, part := range idx.Columns() {
		p := quoteIdent(part.Column().Name())
		if part.SortOrder() == sqlschema.Desc {
			p += " DESC"
		}
		parts = append(parts, p)
	}
	stmt := fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)",
		unique, quoteIdent(idx.Name()), quoteIdent(idx.Table().Name()), strings.Join(parts, ", "))
	if idx.Predicate() != "" {
		stmt += " WHERE " + idx.Predicate()
	}
	return stmt
}
