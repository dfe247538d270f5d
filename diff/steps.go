/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package diff computes the ordered sequence of abstract migration steps
// transforming one sqlschema.Schema into another. Steps reference entities by
// id into the (previous, next) schema pair: drop-side steps carry previous
// ids, create-side steps carry next ids. Matching between the two schemas is
// always by namespace and name, never by id.
package diff

import (
	"sort"

	"github.com/acronis/go-schemakit/sqlschema"
)

// Pair holds the previous and next value of something being diffed.
type Pair[T any] struct {
	Previous T
	Next     T
}

// NewPair returns a Pair from its two sides.
func NewPair[T any](previous, next T) Pair[T] {
	return Pair[T]{Previous: previous, Next: next}
}

// Step is one abstract migration operation. The concrete types below form a
// closed set; renderers type-switch over them.
type Step interface {
	// rank defines the canonical execution order of step kinds. Steps are
	// sorted stably by rank, so steps of the same kind keep the order in
	// which the differ produced them.
	rank() int
}

// CreateNamespace creates a schema/namespace.
type CreateNamespace struct {
	Namespace string
}

// DropView drops a view present in the previous schema.
type DropView struct {
	View sqlschema.ViewID
}

// CreateEnum creates an enum type from the next schema.
type CreateEnum struct {
	Enum sqlschema.EnumID
}

// AlterEnum changes the variant set of a matched enum.
type AlterEnum struct {
	Enum            Pair[sqlschema.EnumID]
	CreatedVariants []string
	DroppedVariants []string
}

// DropForeignKey drops a foreign key from the previous schema.
type DropForeignKey struct {
	ForeignKey sqlschema.ForeignKeyID
}

// DropIndex drops an index from the previous schema.
type DropIndex struct {
	Index sqlschema.IndexID
}

// AlterTable applies column-level changes to a matched table in place.
type AlterTable struct {
	Table   Pair[sqlschema.TableID]
	Changes []TableChange
}

// DropTable drops a table from the previous schema.
type DropTable struct {
	Table sqlschema.TableID
}

// DropEnum drops an enum type from the previous schema.
type DropEnum struct {
	Enum sqlschema.EnumID
}

// CreateTable creates a table from the next schema.
type CreateTable struct {
	Table sqlschema.TableID
}

// RedefineTable rebuilds a matched table whose changes cannot be expressed as
// in-place ALTERs on the target dialect. The renderer expands it into a
// create-copy-drop-rename sequence.
type RedefineTable struct {
	Table   Pair[sqlschema.TableID]
	Changes []TableChange
}

// CreateIndex creates an index from the next schema.
type CreateIndex struct {
	Index sqlschema.IndexID
}

// AddForeignKey adds a foreign key from the next schema.
type AddForeignKey struct {
	ForeignKey sqlschema.ForeignKeyID
}

// RenameIndex renames a matched index that kept its structure.
type RenameIndex struct {
	Index Pair[sqlschema.IndexID]
}

// CreateView creates a view from the next schema.
type CreateView struct {
	View sqlschema.ViewID
}

// DropNamespace drops a schema/namespace.
type DropNamespace struct {
	Namespace string
}

func (CreateNamespace) rank() int { return 0 }
func (DropView) rank() int        { return 1 }
func (CreateEnum) rank() int      { return 2 }
func (AlterEnum) rank() int       { return 3 }
func (DropForeignKey) rank() int  { return 4 }
func (DropIndex) rank() int       { return 5 }
func (AlterTable) rank() int      { return 6 }
func (DropTable) rank() int       { return 7 }
func (DropEnum) rank() int        { return 8 }
func (CreateTable) rank() int     { return 9 }
func (RedefineTable) rank() int   { return 10 }
func (CreateIndex) rank() int     { return 11 }
func (AddForeignKey) rank() int   { return 12 }
func (RenameIndex) rank() int     { return 13 }
func (CreateView) rank() int      { return 14 }
func (DropNamespace) rank() int   { return 15 }

// sortSteps orders steps canonically: creates precede the steps depending on
// them, drops run in reverse dependency order. The sort is stable, so the
// differ's declaration order breaks ties deterministically.
func sortSteps(steps []Step) {
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].rank() < steps[j].rank()
	})
}

// TableChange is one column-level change inside AlterTable or RedefineTable.
type TableChange interface {
	tableChange()
}

// AddColumn adds a column from the next schema.
type AddColumn struct {
	Column sqlschema.ColumnID
}

// DropColumn drops a column from the previous schema.
type DropColumn struct {
	Column sqlschema.ColumnID
}

// AlterColumn changes a matched column in place.
type AlterColumn struct {
	Column     Pair[sqlschema.ColumnID]
	Changes    ColumnChanges
	TypeChange ColumnTypeChange
}

// DropAndRecreateColumn replaces a matched column whose change cannot be
// altered in place.
type DropAndRecreateColumn struct {
	Column  Pair[sqlschema.ColumnID]
	Changes ColumnChanges
}

// DropPrimaryKey drops the previous primary key constraint.
type DropPrimaryKey struct{}

// AddPrimaryKey adds the next primary key constraint.
type AddPrimaryKey struct{}

func (AddColumn) tableChange()             {}
func (DropColumn) tableChange()            {}
func (AlterColumn) tableChange()           {}
func (DropAndRecreateColumn) tableChange() {}
func (DropPrimaryKey) tableChange()        {}
func (AddPrimaryKey) tableChange()         {}

// ColumnChanges is a bit set of what differs between two matched columns.
type ColumnChanges uint8

const (
	ColumnTypeChanged ColumnChanges = 1 << iota
	ColumnArityChanged
	ColumnDefaultChanged
	ColumnAutoIncrementChanged
)

// Has reports whether all bits in other are set.
func (c ColumnChanges) Has(other ColumnChanges) bool { return c&other == other }

// ColumnTypeChange classifies a column type change by data-loss risk.
type ColumnTypeChange int

const (
	// TypeChangeNone means the type did not change.
	TypeChangeNone ColumnTypeChange = iota
	// SafeCast loses no data for any value of the previous type.
	SafeCast
	// RiskyCast may lose precision or fail for some values.
	RiskyCast
	// NotCastable cannot be cast; with rows present the change is unexecutable.
	NotCastable
)

// String returns the classification name.
func (c ColumnTypeChange) String() string {
	switch c {
	case TypeChangeNone:
		return "None"
	case SafeCast:
		return "SafeCast"
	case RiskyCast:
		return "RiskyCast"
	case NotCastable:
		return "NotCastable"
	}
	return "Unknown"
}
