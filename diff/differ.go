/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package diff

import (
	"strings"

	"github.com/acronis/go-schemakit/sqlschema"
)

// Diff compares two schemas of the same dialect and returns the ordered step
// sequence transforming previous into next. Diffing a schema against a
// structurally equal one returns an empty sequence. The output is
// deterministic: equal inputs produce identical step lists.
func Diff(previous, next *sqlschema.Schema, flavour Flavour) []Step {
	d := differ{
		schemas: NewPair(previous, next),
		flavour: flavour,
	}
	d.diffNamespaces()
	d.diffTables()
	if d.flavour.SupportsEnums() {
		d.diffEnums()
	}
	d.diffViews()
	sortSteps(d.steps)
	return d.steps
}

type differ struct {
	schemas Pair[*sqlschema.Schema]
	flavour Flavour
	steps   []Step
}

func (d *differ) push(step Step) { d.steps = append(d.steps, step) }

func (d *differ) diffNamespaces() {
	for _, ns := range d.schemas.Next.Namespaces() {
		if _, ok := d.schemas.Previous.FindNamespace(ns); !ok {
			d.push(CreateNamespace{Namespace: ns})
		}
	}
	for _, ns := range d.schemas.Previous.Namespaces() {
		if _, ok := d.schemas.Next.FindNamespace(ns); !ok {
			d.push(DropNamespace{Namespace: ns})
		}
	}
}

func (d *differ) diffTables() {
	var pairs []Pair[sqlschema.TableWalker]

	for _, nextTable := range d.schemas.Next.WalkTables() {
		prevID, ok := d.schemas.Previous.FindTable(nextTable.Namespace(), nextTable.Name())
		if !ok {
			d.pushCreatedTable(nextTable)
			continue
		}
		pairs = append(pairs, NewPair(d.schemas.Previous.WalkTable(prevID), nextTable))
	}

	droppedFKs := make(map[sqlschema.ForeignKeyID]struct{})
	for _, prevTable := range d.schemas.Previous.WalkTables() {
		if _, ok := d.schemas.Next.FindTable(prevTable.Namespace(), prevTable.Name()); ok {
			continue
		}
		d.pushDroppedTable(prevTable, droppedFKs)
	}

	for _, pair := range pairs {
		d.diffTablePair(pair, droppedFKs)
	}
}

func (d *differ) pushCreatedTable(table sqlschema.TableWalker) {
	d.push(CreateTable{Table: table.ID()})
	if !d.flavour.IndexesCreatedWithTable() {
		for _, idx := range table.Indexes() {
			if idx.Kind() != sqlschema.IndexPrimaryKey {
				d.push(CreateIndex{Index: idx.ID()})
			}
		}
	}
	if !d.flavour.ForeignKeysCreatedWithTable() {
		for _, fk := range table.ForeignKeys() {
			d.push(AddForeignKey{ForeignKey: fk.ID()})
		}
	}
}

func (d *differ) pushDroppedTable(table sqlschema.TableWalker, droppedFKs map[sqlschema.ForeignKeyID]struct{}) {
	d.push(DropTable{Table: table.ID()})
	if d.flavour.ForeignKeysCreatedWithTable() {
		return
	}
	// Constraints on the table itself and constraints of surviving tables
	// pointing at it both have to go before the table does.
	for _, fk := range table.ForeignKeys() {
		if _, seen := droppedFKs[fk.ID()]; !seen {
			droppedFKs[fk.ID()] = struct{}{}
			d.push(DropForeignKey{ForeignKey: fk.ID()})
		}
	}
	for _, fk := range table.ReferencingForeignKeys() {
		if _, seen := droppedFKs[fk.ID()]; !seen {
			droppedFKs[fk.ID()] = struct{}{}
			d.push(DropForeignKey{ForeignKey: fk.ID()})
		}
	}
}

func (d *differ) diffTablePair(tables Pair[sqlschema.TableWalker], droppedFKs map[sqlschema.ForeignKeyID]struct{}) {
	changes := d.diffColumns(tables)
	changes = append(changes, d.diffPrimaryKey(tables)...)

	if len(changes) > 0 {
		if d.flavour.CanAlterColumn() {
			d.push(AlterTable{
				Table:   NewPair(tables.Previous.ID(), tables.Next.ID()),
				Changes: changes,
			})
		} else {
			d.push(RedefineTable{
				Table:   NewPair(tables.Previous.ID(), tables.Next.ID()),
				Changes: changes,
			})
		}
	}

	d.diffIndexes(tables)
	if !d.flavour.ForeignKeysCreatedWithTable() {
		d.diffForeignKeys(tables, droppedFKs)
	}
}

func (d *differ) diffColumns(tables Pair[sqlschema.TableWalker]) []TableChange {
	var changes []TableChange

	for _, nextCol := range tables.Next.Columns() {
		prevCol, ok := tables.Previous.Column(nextCol.Name())
		if !ok {
			changes = append(changes, AddColumn{Column: nextCol.ID()})
			continue
		}
		if change, changed := d.diffColumnPair(prevCol, nextCol); changed {
			changes = append(changes, change)
		}
	}
	for _, prevCol := range tables.Previous.Columns() {
		if _, ok := tables.Next.Column(prevCol.Name()); !ok {
			changes = append(changes, DropColumn{Column: prevCol.ID()})
		}
	}
	return changes
}

func (d *differ) diffColumnPair(prevCol, nextCol sqlschema.ColumnWalker) (TableChange, bool) {
	var bits ColumnChanges

	typeChange := d.flavour.ClassifyTypeChange(prevCol.Type(), nextCol.Type())
	if typeChange != TypeChangeNone {
		bits |= ColumnTypeChanged
	}
	if prevCol.Arity() != nextCol.Arity() {
		bits |= ColumnArityChanged
	}
	if !defaultsEqual(prevCol.Default(), nextCol.Default()) {
		bits |= ColumnDefaultChanged
	}
	if prevCol.AutoIncrement() != nextCol.AutoIncrement() {
		bits |= ColumnAutoIncrementChanged
	}
	if bits == 0 {
		return nil, false
	}

	pair := NewPair(prevCol.ID(), nextCol.ID())
	if typeChange == NotCastable {
		return DropAndRecreateColumn{Column: pair, Changes: bits}, true
	}
	return AlterColumn{Column: pair, Changes: bits, TypeChange: typeChange}, true
}

func defaultsEqual(previous, next *sqlschema.Default) bool {
	if previous == nil || next == nil {
		return previous == next
	}
	return previous.Kind == next.Kind && previous.Value == next.Value
}

func (d *differ) diffPrimaryKey(tables Pair[sqlschema.TableWalker]) []TableChange {
	prevPK, prevHas := tables.Previous.PrimaryKey()
	nextPK, nextHas := tables.Next.PrimaryKey()

	switch {
	case !prevHas && !nextHas:
		return nil
	case prevHas && !nextHas:
		return []TableChange{DropPrimaryKey{}}
	case !prevHas && nextHas:
		return []TableChange{AddPrimaryKey{}}
	}
	if indexKeysEqual(prevPK, nextPK) {
		return nil
	}
	return []TableChange{DropPrimaryKey{}, AddPrimaryKey{}}
}

func (d *differ) diffIndexes(tables Pair[sqlschema.TableWalker]) {
	var unmatchedPrev, unmatchedNext []sqlschema.IndexWalker

	for _, nextIdx := range tables.Next.Indexes() {
		if nextIdx.Kind() == sqlschema.IndexPrimaryKey {
			continue
		}
		prevIdx, ok := findIndexByName(tables.Previous, nextIdx.Name())
		if !ok {
			unmatchedNext = append(unmatchedNext, nextIdx)
			continue
		}
		if !indexesEqual(prevIdx, nextIdx) {
			d.push(DropIndex{Index: prevIdx.ID()})
			d.push(CreateIndex{Index: nextIdx.ID()})
		}
	}
	for _, prevIdx := range tables.Previous.Indexes() {
		if prevIdx.Kind() == sqlschema.IndexPrimaryKey {
			continue
		}
		if _, ok := findIndexByName(tables.Next, prevIdx.Name()); !ok {
			unmatchedPrev = append(unmatchedPrev, prevIdx)
		}
	}

	// Structurally equal indexes on both sides that only differ in name are
	// renames. Pairing is greedy in declaration order, which is
	// deterministic.
	for _, nextIdx := range unmatchedNext {
		renamed := false
		for i, prevIdx := range unmatchedPrev {
			if indexesEqual(prevIdx, nextIdx) {
				unmatchedPrev = append(unmatchedPrev[:i], unmatchedPrev[i+1:]...)
				if d.flavour.CanRenameIndex() {
					d.push(RenameIndex{Index: NewPair(prevIdx.ID(), nextIdx.ID())})
				} else {
					d.push(DropIndex{Index: prevIdx.ID()})
					d.push(CreateIndex{Index: nextIdx.ID()})
				}
				renamed = true
				break
			}
		}
		if !renamed {
			d.push(CreateIndex{Index: nextIdx.ID()})
		}
	}
	for _, prevIdx := range unmatchedPrev {
		d.push(DropIndex{Index: prevIdx.ID()})
	}
}

func findIndexByName(table sqlschema.TableWalker, name string) (sqlschema.IndexWalker, bool) {
	for _, idx := range table.Indexes() {
		if idx.Kind() != sqlschema.IndexPrimaryKey && idx.Name() == name {
			return idx, true
		}
	}
	return sqlschema.IndexWalker{}, false
}

func indexesEqual(previous, next sqlschema.IndexWalker) bool {
	return previous.Kind() == next.Kind() &&
		previous.Predicate() == next.Predicate() &&
		indexKeysEqual(previous, next)
}

func indexKeysEqual(previous, next sqlschema.IndexWalker) bool {
	prevParts, nextParts := previous.Columns(), next.Columns()
	if len(prevParts) != len(nextParts) {
		return false
	}
	for i := range prevParts {
		if prevParts[i].Column().Name() != nextParts[i].Column().Name() ||
			prevParts[i].SortOrder() != nextParts[i].SortOrder() {
			return false
		}
	}
	return true
}

func (d *differ) diffForeignKeys(tables Pair[sqlschema.TableWalker], droppedFKs map[sqlschema.ForeignKeyID]struct{}) {
	prevFKs := tables.Previous.ForeignKeys()
	nextFKs := tables.Next.ForeignKeys()

	matchedPrev := make(map[sqlschema.ForeignKeyID]struct{})
	for _, nextFK := range nextFKs {
		found := false
		for _, prevFK := range prevFKs {
			if _, taken := matchedPrev[prevFK.ID()]; taken {
				continue
			}
			if foreignKeysEqual(prevFK, nextFK) {
				matchedPrev[prevFK.ID()] = struct{}{}
				found = true
				break
			}
		}
		if !found {
			d.push(AddForeignKey{ForeignKey: nextFK.ID()})
		}
	}
	for _, prevFK := range prevFKs {
		if _, ok := matchedPrev[prevFK.ID()]; ok {
			continue
		}
		if _, seen := droppedFKs[prevFK.ID()]; seen {
			continue
		}
		droppedFKs[prevFK.ID()] = struct{}{}
		d.push(DropForeignKey{ForeignKey: prevFK.ID()})
	}
}

func foreignKeysEqual(previous, next sqlschema.ForeignKeyWalker) bool {
	if previous.ReferencedTable().Name() != next.ReferencedTable().Name() ||
		previous.ReferencedTable().Namespace() != next.ReferencedTable().Namespace() ||
		previous.OnDelete() != next.OnDelete() ||
		previous.OnUpdate() != next.OnUpdate() {
		return false
	}
	prevCols, nextCols := previous.ConstrainedColumns(), next.ConstrainedColumns()
	prevRefs, nextRefs := previous.ReferencedColumns(), next.ReferencedColumns()
	if len(prevCols) != len(nextCols) || len(prevRefs) != len(nextRefs) {
		return false
	}
	for i := range prevCols {
		if prevCols[i].Name() != nextCols[i].Name() {
			return false
		}
	}
	for i := range prevRefs {
		if prevRefs[i].Name() != nextRefs[i].Name() {
			return false
		}
	}
	return true
}

func (d *differ) diffEnums() {
	for _, nextEnum := range d.schemas.Next.WalkEnums() {
		prevID, ok := d.schemas.Previous.FindEnum(nextEnum.Namespace(), nextEnum.Name())
		if !ok {
			d.push(CreateEnum{Enum: nextEnum.ID()})
			continue
		}
		prevEnum := d.schemas.Previous.WalkEnum(prevID)
		created, dropped := diffVariants(prevEnum.Variants(), nextEnum.Variants())
		if len(created) == 0 && len(dropped) == 0 {
			continue
		}
		d.push(AlterEnum{
			Enum:            NewPair(prevEnum.ID(), nextEnum.ID()),
			CreatedVariants: created,
			DroppedVariants: dropped,
		})
	}
	for _, prevEnum := range d.schemas.Previous.WalkEnums() {
		if _, ok := d.schemas.Next.FindEnum(prevEnum.Namespace(), prevEnum.Name()); !ok {
			d.push(DropEnum{Enum: prevEnum.ID()})
		}
	}
}

func diffVariants(previous, next []string) (created, dropped []string) {
	for _, v := range next {
		if !containsString(previous, v) {
			created = append(created, v)
		}
	}
	for _, v := range previous {
		if !containsString(next, v) {
			dropped = append(dropped, v)
		}
	}
	return created, dropped
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func (d *differ) diffViews() {
	for _, nextView := range d.schemas.Next.WalkViews() {
		prevID, ok := d.schemas.Previous.FindView(nextView.Namespace(), nextView.Name())
		if !ok {
			d.push(CreateView{View: nextView.ID()})
			continue
		}
		prevView := d.schemas.Previous.WalkView(prevID)
		if !viewDefinitionsEqual(prevView.Definition(), nextView.Definition()) {
			d.push(DropView{View: prevView.ID()})
			d.push(CreateView{View: nextView.ID()})
		}
	}
	for _, prevView := range d.schemas.Previous.WalkViews() {
		if _, ok := d.schemas.Next.FindView(prevView.Namespace(), prevView.Name()); !ok {
			d.push(DropView{View: prevView.ID()})
		}
	}
}

// viewDefinitionsEqual compares definitions modulo surrounding whitespace;
// catalogs frequently re-format stored view text.
func viewDefinitionsEqual(previous, next string) bool {
	return strings.TrimSpace(previous) == strings.TrimSpace(next)
}
