/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package destructive classifies diff steps by data-loss risk. The checker
// only informs: deciding whether warnings are acceptable (force) belongs to
// the caller.
package destructive

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/acronis/go-schemakit/diff"
	"github.com/acronis/go-schemakit/sqlschema"
)

// Diagnostic is a single finding tied to the step that caused it.
type Diagnostic struct {
	StepIndex int
	Message   string
}

// Diagnostics collects every finding for a step list in one pass.
// Warnings are overridable by an explicit force, unexecutables block
// automatic application, fatals block unconditionally.
type Diagnostics struct {
	Warnings      []Diagnostic
	Unexecutables []Diagnostic
	Fatals        []Diagnostic
}

// IsEmpty reports whether the check found nothing at all.
func (d *Diagnostics) IsEmpty() bool {
	return len(d.Warnings) == 0 && len(d.Unexecutables) == 0 && len(d.Fatals) == 0
}

// BlocksApply reports whether the plan must not be applied automatically.
// Force clears warnings only; unexecutables and fatals always block.
func (d *Diagnostics) BlocksApply(force bool) bool {
	if len(d.Unexecutables) > 0 || len(d.Fatals) > 0 {
		return true
	}
	return !force && len(d.Warnings) > 0
}

func (d *Diagnostics) warn(stepIndex int, format string, args ...any) {
	d.Warnings = append(d.Warnings, Diagnostic{StepIndex: stepIndex, Message: fmt.Sprintf(format, args...)})
}

func (d *Diagnostics) unexecutable(stepIndex int, format string, args ...any) {
	d.Unexecutables = append(d.Unexecutables, Diagnostic{StepIndex: stepIndex, Message: fmt.Sprintf(format, args...)})
}

// FlavourParams carries the per-dialect knobs the checker needs to build
// row probes.
type FlavourParams struct {
	// GoquDialect is the goqu dialect name used to build probe queries.
	GoquDialect string
	// QualifyNamespaces makes probes schema-qualify table names.
	QualifyNamespaces bool
}

// Check classifies every step and returns the full set of diagnostics; it
// never stops at the first finding. With a nil conn no data is probed and
// every table is assumed populated. A failing probe aborts with the
// connection error.
func Check(
	ctx context.Context,
	conn *sql.DB,
	steps []diff.Step,
	schemas diff.Pair[*sqlschema.Schema],
	params FlavourParams,
) (*Diagnostics, error) {
	c := &checker{
		inspector: newInspector(conn, params),
		schemas:   schemas,
		diags:     &Diagnostics{},
	}
	for i, step := range steps {
		if err := c.checkStep(ctx, i, step); err != nil {
			return nil, err
		}
	}
	return c.diags, nil
}

type checker struct {
	inspector *inspector
	schemas   diff.Pair[*sqlschema.Schema]
	diags     *Diagnostics
}

func (c *checker) checkStep(ctx context.Context, idx int, step diff.Step) error {
	switch s := step.(type) {
	case diff.DropTable:
		return c.checkDropTable(ctx, idx, s)
	case diff.AlterTable:
		return c.checkTableChanges(ctx, idx, s.Table, s.Changes)
	case diff.RedefineTable:
		return c.checkTableChanges(ctx, idx, s.Table, s.Changes)
	case diff.AlterEnum:
		c.checkAlterEnum(idx, s)
	case diff.CreateIndex:
		return c.checkCreateIndex(ctx, idx, s)
	}
	return nil
}

func (c *checker) checkDropTable(ctx context.Context, idx int, s diff.DropTable) error {
	table := c.schemas.Previous.WalkTable(s.Table)
	rows, known, err := c.inspector.tableRows(ctx, table)
	if err != nil {
		return err
	}
	switch {
	case known && rows > 0:
		c.diags.warn(idx, "You are about to drop the `%s` table, which contains %d rows.", table.Name(), rows)
	case !known:
		c.diags.warn(idx, "You are about to drop the `%s` table. All the data in it will be lost.", table.Name())
	}
	return nil
}

//nolint:gocyclo // one arm per table change kind
func (c *checker) checkTableChanges(
	ctx context.Context,
	idx int,
	tables diff.Pair[sqlschema.TableID],
	changes []diff.TableChange,
) error {
	prevTable := c.schemas.Previous.WalkTable(tables.Previous)

	pkChanged := false
	for _, change := range changes {
		switch ch := change.(type) {
		case diff.DropColumn:
			if err := c.checkDropColumn(ctx, idx, ch); err != nil {
				return err
			}
		case diff.AddColumn:
			if err := c.checkAddColumn(ctx, idx, prevTable, ch); err != nil {
				return err
			}
		case diff.AlterColumn:
			if err := c.checkAlterColumn(ctx, idx, ch); err != nil {
				return err
			}
		case diff.DropAndRecreateColumn:
			if err := c.checkDropAndRecreateColumn(ctx, idx, ch); err != nil {
				return err
			}
		case diff.DropPrimaryKey, diff.AddPrimaryKey:
			pkChanged = true
		}
	}
	if pkChanged {
		c.diags.warn(idx,
			"The primary key for the `%s` table will be changed. The table is left without a primary key while the change runs.",
			prevTable.Name())
	}
	return nil
}

func (c *checker) checkDropColumn(ctx context.Context, idx int, ch diff.DropColumn) error {
	col := c.schemas.Previous.WalkColumn(ch.Column)
	values, known, err := c.inspector.columnValues(ctx, col)
	if err != nil {
		return err
	}
	switch {
	case known && values > 0:
		c.diags.warn(idx, "You are about to drop the column `%s` on the `%s` table, which still contains %d non-null values.",
			col.Name(), col.Table().Name(), values)
	case !known:
		c.diags.warn(idx, "You are about to drop the column `%s` on the `%s` table. All the data in it will be lost.",
			col.Name(), col.Table().Name())
	}
	return nil
}

func (c *checker) checkAddColumn(ctx context.Context, idx int, prevTable sqlschema.TableWalker, ch diff.AddColumn) error {
	col := c.schemas.Next.WalkColumn(ch.Column)
	if !col.Arity().IsRequired() || col.Default() != nil || col.AutoIncrement() {
		return nil
	}
	rows, known, err := c.inspector.tableRows(ctx, prevTable)
	if err != nil {
		return err
	}
	switch {
	case known && rows > 0:
		c.diags.unexecutable(idx,
			"Added the required column `%s` to the `%s` table without a default value. There are %d rows in this table, it is not possible to execute this step.",
			col.Name(), prevTable.Name(), rows)
	case !known:
		c.diags.unexecutable(idx,
			"Added the required column `%s` to the `%s` table without a default value. This is not possible if the table is not empty.",
			col.Name(), prevTable.Name())
	}
	return nil
}

func (c *checker) checkAlterColumn(ctx context.Context, idx int, ch diff.AlterColumn) error {
	prevCol := c.schemas.Previous.WalkColumn(ch.Column.Previous)
	nextCol := c.schemas.Next.WalkColumn(ch.Column.Next)

	if ch.Changes.Has(diff.ColumnArityChanged) &&
		prevCol.Arity() == sqlschema.Nullable && nextCol.Arity() == sqlschema.Required {
		nulls, known, err := c.inspector.columnNulls(ctx, prevCol)
		if err != nil {
			return err
		}
		switch {
		case known && nulls > 0:
			c.diags.unexecutable(idx,
				"Made the column `%s` on table `%s` required, but there are %d existing NULL values.",
				prevCol.Name(), prevCol.Table().Name(), nulls)
		case !known:
			c.diags.unexecutable(idx,
				"Made the column `%s` on table `%s` required. This is not possible if the column holds NULL values.",
				prevCol.Name(), prevCol.Table().Name())
		default:
			c.diags.warn(idx,
				"Made the column `%s` on table `%s` required. The step will fail if NULL values are written concurrently.",
				prevCol.Name(), prevCol.Table().Name())
		}
	}

	if ch.TypeChange == diff.RiskyCast {
		values, known, err := c.inspector.columnValues(ctx, prevCol)
		if err != nil {
			return err
		}
		if !known || values > 0 {
			c.diags.warn(idx,
				"You are about to alter the column `%s` on the `%s` table. The data in that column will be cast from `%s` to `%s`. This cast may fail or lose information.",
				prevCol.Name(), prevCol.Table().Name(),
				prevCol.Type().FullDataType, nextCol.Type().FullDataType)
		}
	}
	return nil
}

func (c *checker) checkDropAndRecreateColumn(ctx context.Context, idx int, ch diff.DropAndRecreateColumn) error {
	prevCol := c.schemas.Previous.WalkColumn(ch.Column.Previous)
	nextCol := c.schemas.Next.WalkColumn(ch.Column.Next)
	values, known, err := c.inspector.columnValues(ctx, prevCol)
	if err != nil {
		return err
	}
	if !known || values > 0 {
		c.diags.unexecutable(idx,
			"Changed the type of column `%s` on the `%s` table from `%s` to `%s`. No cast exists, the column would be dropped and recreated, which would lose its data.",
			prevCol.Name(), prevCol.Table().Name(),
			prevCol.Type().FullDataType, nextCol.Type().FullDataType)
		return nil
	}
	c.diags.warn(idx,
		"The column `%s` on the `%s` table will be dropped and recreated. No data is lost: the column holds no values.",
		prevCol.Name(), prevCol.Table().Name())
	return nil
}

func (c *checker) checkAlterEnum(idx int, s diff.AlterEnum) {
	if len(s.DroppedVariants) == 0 {
		return
	}
	enum := c.schemas.Previous.WalkEnum(s.Enum.Previous)
	c.diags.warn(idx,
		"The values [%s] on the enum `%s` will be removed. If these variants are still used in the database, this will fail.",
		strings.Join(s.DroppedVariants, ", "), enum.Name())
}

func (c *checker) checkCreateIndex(ctx context.Context, idx int, s diff.CreateIndex) error {
	index := c.schemas.Next.WalkIndex(s.Index)
	if index.Kind() != sqlschema.IndexUnique {
		return nil
	}
	table := index.Table()
	// Unique indexes on freshly created tables cannot hit duplicates.
	prevTableID, existed := c.schemas.Previous.FindTable(table.Namespace(), table.Name())
	if !existed {
		return nil
	}
	rows, known, err := c.inspector.tableRows(ctx, c.schemas.Previous.WalkTable(prevTableID))
	if err != nil {
		return err
	}
	if known && rows == 0 {
		return nil
	}
	var cols []string
	for _, part := range index.Columns() {
		cols = append(cols, part.Column().Name())
	}
	c.diags.warn(idx,
		"A unique constraint covering the columns [%s] on the table `%s` will be added. If there are existing duplicate values, this will fail.",
		strings.Join(cols, ", "), table.Name())
	return nil
}
