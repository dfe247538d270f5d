/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package diff

import (
	"strings"

	"github.com/acronis/go-schemakit"
	"github.com/acronis/go-schemakit/sqlschema"
)

// Flavour parameterizes the differ with the per-dialect decisions that change
// which steps come out: how type changes are classified, what ALTER TABLE can
// express, and how enums and index renames are handled.
type Flavour interface {
	// ClassifyTypeChange classifies a change between two column types.
	ClassifyTypeChange(previous, next sqlschema.ColumnType) ColumnTypeChange
	// CanAlterColumn reports whether the dialect expresses column changes as
	// in-place ALTERs. When false, changed tables become RedefineTable.
	CanAlterColumn() bool
	// CanRenameIndex reports whether the dialect has an index rename
	// statement. When false, a structurally equal renamed index is dropped
	// and recreated.
	CanRenameIndex() bool
	// IndexesCreatedWithTable reports whether indexes of newly created
	// tables are emitted inside CREATE TABLE rather than as CreateIndex steps.
	IndexesCreatedWithTable() bool
	// ForeignKeysCreatedWithTable reports whether foreign keys are emitted
	// inside CREATE TABLE. When true no separate AddForeignKey or
	// DropForeignKey steps are produced at all; constraint changes go
	// through table creation or redefinition.
	ForeignKeysCreatedWithTable() bool
	// SupportsEnums reports whether the dialect models enums as named types.
	// When true, variant changes on a matched enum come out as AlterEnum;
	// the renderer decides the statement sequence per engine.
	SupportsEnums() bool
}

// NewFlavour returns the differ flavour for the given dialect.
// Circumstances matter only for postgres/pgx.
func NewFlavour(dialect schemakit.Dialect, circumstances schemakit.Circumstances) Flavour {
	switch dialect {
	case schemakit.DialectPostgres, schemakit.DialectPgx:
		return PostgresFlavour{Circumstances: circumstances}
	case schemakit.DialectMySQL:
		return MySQLFlavour{}
	case schemakit.DialectSQLite:
		return SQLiteFlavour{}
	case schemakit.DialectMSSQL:
		return MSSQLFlavour{}
	}
	return SQLiteFlavour{}
}

// classifyFamilyChange is the shared, condensed cast matrix between type
// families. Flavours refine it where the engine deviates.
func classifyFamilyChange(previous, next sqlschema.ColumnTypeFamily) ColumnTypeChange {
	if previous == next {
		return TypeChangeNone
	}
	if previous == sqlschema.FamilyUnsupported || next == sqlschema.FamilyUnsupported {
		return NotCastable
	}

	type famPair struct{ from, to sqlschema.ColumnTypeFamily }
	safe := map[famPair]struct{}{
		{sqlschema.FamilyInt, sqlschema.FamilyBigInt}:      {},
		{sqlschema.FamilyInt, sqlschema.FamilyDecimal}:     {},
		{sqlschema.FamilyInt, sqlschema.FamilyFloat}:       {},
		{sqlschema.FamilyInt, sqlschema.FamilyString}:      {},
		{sqlschema.FamilyBigInt, sqlschema.FamilyDecimal}:  {},
		{sqlschema.FamilyBigInt, sqlschema.FamilyString}:   {},
		{sqlschema.FamilyFloat, sqlschema.FamilyString}:    {},
		{sqlschema.FamilyDecimal, sqlschema.FamilyString}:  {},
		{sqlschema.FamilyBoolean, sqlschema.FamilyString}:  {},
		{sqlschema.FamilyDateTime, sqlschema.FamilyString}: {},
		{sqlschema.FamilyUUID, sqlschema.FamilyString}:     {},
		{sqlschema.FamilyJSON, sqlschema.FamilyString}:     {},
		{sqlschema.FamilyEnum, sqlschema.FamilyString}:     {},
	}
	if _, ok := safe[famPair{previous, next}]; ok {
		return SafeCast
	}

	// Binary does not implicitly cast to or from anything else.
	if previous == sqlschema.FamilyBinary || next == sqlschema.FamilyBinary {
		return NotCastable
	}
	return RiskyCast
}

// classifyTypeChange applies the shared matrix plus the length-narrowing rule
// for same-family character types.
func classifyTypeChange(previous, next sqlschema.ColumnType) ColumnTypeChange {
	if change := classifyFamilyChange(previous.Family, next.Family); change != TypeChangeNone {
		return change
	}
	if previous.Family == sqlschema.FamilyEnum && previous.Enum != next.Enum {
		// Different enum types; variant compatibility is unknown here.
		return RiskyCast
	}
	if !strings.EqualFold(previous.FullDataType, next.FullDataType) {
		if previous.CharacterMaximumLength != nil && next.CharacterMaximumLength != nil {
			if *next.CharacterMaximumLength >= *previous.CharacterMaximumLength {
				return SafeCast
			}
			return RiskyCast
		}
		return RiskyCast
	}
	return TypeChangeNone
}

// PostgresFlavour also covers CockroachDB connections; the resolved
// circumstances tell the two apart.
type PostgresFlavour struct {
	Circumstances schemakit.Circumstances
}

func (f PostgresFlavour) ClassifyTypeChange(previous, next sqlschema.ColumnType) ColumnTypeChange {
	return classifyTypeChange(previous, next)
}

func (f PostgresFlavour) CanAlterColumn() bool { return true }

func (f PostgresFlavour) CanRenameIndex() bool { return true }

func (f PostgresFlavour) IndexesCreatedWithTable() bool { return false }

func (f PostgresFlavour) ForeignKeysCreatedWithTable() bool { return false }

func (f PostgresFlavour) SupportsEnums() bool { return true }

// MySQLFlavour covers MySQL and MariaDB.
type MySQLFlavour struct{}

func (f MySQLFlavour) ClassifyTypeChange(previous, next sqlschema.ColumnType) ColumnTypeChange {
	return classifyTypeChange(previous, next)
}

func (f MySQLFlavour) CanAlterColumn() bool { return true }

func (f MySQLFlavour) CanRenameIndex() bool { return true }

func (f MySQLFlavour) IndexesCreatedWithTable() bool { return true }

func (f MySQLFlavour) ForeignKeysCreatedWithTable() bool { return false }

// SupportsEnums is false: MySQL enums are inline column types, so enum
// changes surface as column type changes on the columns using them.
func (f MySQLFlavour) SupportsEnums() bool { return false }

// SQLiteFlavour expresses every column-level change as a table rebuild.
type SQLiteFlavour struct{}

func (f SQLiteFlavour) ClassifyTypeChange(previous, next sqlschema.ColumnType) ColumnTypeChange {
	// SQLite storage is dynamically typed; the rebuild copies values as-is.
	change := classifyTypeChange(previous, next)
	if change == NotCastable {
		return RiskyCast
	}
	return change
}

func (f SQLiteFlavour) CanAlterColumn() bool { return false }

func (f SQLiteFlavour) CanRenameIndex() bool { return false }

func (f SQLiteFlavour) IndexesCreatedWithTable() bool { return false }

// ForeignKeysCreatedWithTable is true: SQLite has no ALTER TABLE ADD
// CONSTRAINT, so foreign keys only exist inline in CREATE TABLE.
func (f SQLiteFlavour) ForeignKeysCreatedWithTable() bool { return true }

func (f SQLiteFlavour) SupportsEnums() bool { return false }

// MSSQLFlavour covers SQL Server.
type MSSQLFlavour struct{}

func (f MSSQLFlavour) ClassifyTypeChange(previous, next sqlschema.ColumnType) ColumnTypeChange {
	return classifyTypeChange(previous, next)
}

func (f MSSQLFlavour) CanAlterColumn() bool { return true }

func (f MSSQLFlavour) CanRenameIndex() bool { return true }

func (f MSSQLFlavour) IndexesCreatedWithTable() bool { return false }

func (f MSSQLFlavour) ForeignKeysCreatedWithTable() bool { return false }

func (f MSSQLFlavour) SupportsEnums() bool { return false }
