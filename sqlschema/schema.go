/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package sqlschema defines the dialect-agnostic structural snapshot of a
// database: namespaces, tables, columns, indexes, foreign keys, enums, views,
// check constraints and user-defined types. Entities live in flat
// insertion-ordered collections and reference
// each other by numeric position. Ids are stable only within one Schema
// instance and must never be compared across instances; matching between two
// schemas is always done by name.
//
// A Schema is built through the append-only Push API and is treated as
// immutable once handed to a consumer.
package sqlschema

import "fmt"

// Ids are positions into the Schema's flat collections.
type (
	NamespaceID  int
	TableID      int
	ColumnID     int
	IndexID      int
	IndexPartID  int
	ForeignKeyID int
	EnumID       int
	ViewID       int

	UserDefinedTypeID int
)

// ColumnArity describes how many values a column holds per row.
type ColumnArity int

const (
	Required ColumnArity = iota
	Nullable
	List
)

// IsRequired reports whether the arity is Required.
func (a ColumnArity) IsRequired() bool { return a == Required }

// IsNullable reports whether the arity is Nullable.
func (a ColumnArity) IsNullable() bool { return a == Nullable }

// IsList reports whether the arity is List.
func (a ColumnArity) IsList() bool { return a == List }

// ColumnTypeFamily is the engine-independent classification of a column type.
type ColumnTypeFamily int

const (
	FamilyInt ColumnTypeFamily = iota
	FamilyBigInt
	FamilyFloat
	FamilyDecimal
	FamilyBoolean
	FamilyString
	FamilyDateTime
	FamilyBinary
	FamilyJSON
	FamilyUUID
	FamilyEnum
	FamilyUnsupported
)

// String returns the human-readable family name.
func (f ColumnTypeFamily) String() string {
	switch f {
	case FamilyInt:
		return "Int"
	case FamilyBigInt:
		return "BigInt"
	case FamilyFloat:
		return "Float"
	case FamilyDecimal:
		return "Decimal"
	case FamilyBoolean:
		return "Boolean"
	case FamilyString:
		return "String"
	case FamilyDateTime:
		return "DateTime"
	case FamilyBinary:
		return "Binary"
	case FamilyJSON:
		return "Json"
	case FamilyUUID:
		return "Uuid"
	case FamilyEnum:
		return "Enum"
	case FamilyUnsupported:
		return "Unsupported"
	}
	return fmt.Sprintf("ColumnTypeFamily(%d)", int(f))
}

// ColumnType describes a column's type as seen in the catalog.
type ColumnType struct {
	// FullDataType is the raw type text as the engine reports it (e.g. "varchar(191)").
	FullDataType string
	Family       ColumnTypeFamily
	Arity        ColumnArity
	// Enum is set when Family is FamilyEnum.
	Enum EnumID
	// NativeType is an optional dialect-specific type instance, inspected
	// only by the owning flavour.
	NativeType any
	// CharacterMaximumLength is set for length-bounded character types.
	CharacterMaximumLength *int64
}

// DefaultKind is the tag of a DefaultValue.
type DefaultKind int

const (
	DefaultValue DefaultKind = iota
	DefaultNow
	DefaultSequence
	DefaultUniqueRowid
	DefaultDBGenerated
)

// Default is a column default. Value holds the constant text for DefaultValue,
// the sequence name for DefaultSequence and the raw expression for
// DefaultDBGenerated.
type Default struct {
	Kind           DefaultKind
	Value          string
	ConstraintName string
}

// NewValueDefault returns a constant default.
func NewValueDefault(value string) *Default { return &Default{Kind: DefaultValue, Value: value} }

// NewNowDefault returns a current-timestamp default.
func NewNowDefault() *Default { return &Default{Kind: DefaultNow} }

// NewSequenceDefault returns a default drawing from the named sequence.
func NewSequenceDefault(sequence string) *Default {
	return &Default{Kind: DefaultSequence, Value: sequence}
}

// NewUniqueRowidDefault returns CockroachDB's unique_rowid() default.
func NewUniqueRowidDefault() *Default { return &Default{Kind: DefaultUniqueRowid} }

// NewDBGeneratedDefault returns a default with an expression the engine
// computes; expr may be empty when the text is unknown.
func NewDBGeneratedDefault(expr string) *Default {
	return &Default{Kind: DefaultDBGenerated, Value: expr}
}

// TableProperties is a bit set of table-level flags.
type TableProperties uint8

const (
	TableIsPartition TableProperties = 1 << iota
	TableHasSubclass
	TableHasRowLevelSecurity
)

// Has reports whether all bits in other are set.
func (p TableProperties) Has(other TableProperties) bool { return p&other == other }

// IndexKind discriminates index flavors.
type IndexKind int

const (
	IndexNormal IndexKind = iota
	IndexUnique
	IndexPrimaryKey
	IndexFulltext
)

// SortOrder of one index column.
type SortOrder int

const (
	Asc SortOrder = iota
	Desc
)

// ForeignKeyAction is a referential action for ON DELETE / ON UPDATE.
type ForeignKeyAction int

const (
	NoAction ForeignKeyAction = iota
	Restrict
	Cascade
	SetNull
	SetDefault
)

// String returns the SQL spelling of the action.
func (a ForeignKeyAction) String() string {
	switch a {
	case NoAction:
		return "NO ACTION"
	case Restrict:
		return "RESTRICT"
	case Cascade:
		return "CASCADE"
	case SetNull:
		return "SET NULL"
	case SetDefault:
		return "SET DEFAULT"
	}
	return fmt.Sprintf("ForeignKeyAction(%d)", int(a))
}

// Column is the payload passed to PushColumn.
type Column struct {
	Name          string
	Type          ColumnType
	AutoIncrement bool
	Default       *Default
	Description   string
}

// Index is the payload passed to PushIndex.
type Index struct {
	Name string
	Kind IndexKind
	// Predicate is the partial-index predicate text, empty for full indexes.
	Predicate string
}

// IndexPart is the payload passed to PushIndexColumn.
type IndexPart struct {
	Column    ColumnID
	SortOrder SortOrder
	// Length is the optional prefix length (MySQL), nil when absent.
	Length *int
	// OperatorClass is the optional operator class (Postgres), empty when absent.
	OperatorClass string
}

// ForeignKey is the payload passed to PushForeignKey.
type ForeignKey struct {
	// ConstraintName may be empty for unnamed constraints.
	ConstraintName   string
	ConstrainedTable TableID
	ReferencedTable  TableID
	OnDelete         ForeignKeyAction
	OnUpdate         ForeignKeyAction
}

// View is the payload passed to PushView.
type View struct {
	Name        string
	Definition  string
	Description string
}

type table struct {
	namespace   NamespaceID
	name        string
	properties  TableProperties
	description string
}

type columnEntry struct {
	table TableID
	Column
}

type indexEntry struct {
	table TableID
	Index
}

type indexPartEntry struct {
	index IndexID
	IndexPart
}

type fkColumnPair struct {
	fk          ForeignKeyID
	constrained ColumnID
	referenced  ColumnID
}

type enumEntry struct {
	namespace NamespaceID
	name      string
}

type enumVariantEntry struct {
	enum EnumID
	name string
}

type viewEntry struct {
	namespace NamespaceID
	View
}

type viewColumnEntry struct {
	view ViewID
	Column
}

type checkConstraintEntry struct {
	table TableID
	name  string
}

type udtEntry struct {
	namespace  NamespaceID
	name       string
	definition string
}

// Schema is the arena holding all entities of one structural snapshot.
type Schema struct {
	namespaces    []string
	tables        []table
	columns       []columnEntry
	indexes       []indexEntry
	indexParts    []indexPartEntry
	foreignKeys   []ForeignKey
	fkColumns     []fkColumnPair
	enums         []enumEntry
	enumVariants  []enumVariantEntry
	views         []viewEntry
	viewColumns   []viewColumnEntry
	checks        []checkConstraintEntry
	udts          []udtEntry
	connectorData any
}

// New returns an empty schema.
func New() *Schema { return &Schema{} }

// PushNamespace adds a namespace and returns its id. Pushing an already known
// name returns the existing id.
func (s *Schema) PushNamespace(name string) NamespaceID {
	for i, ns := range s.namespaces {
		if ns == name {
			return NamespaceID(i)
		}
	}
	s.namespaces = append(s.namespaces, name)
	return NamespaceID(len(s.namespaces) - 1)
}

// PushTable adds a table to the given namespace.
func (s *Schema) PushTable(namespace NamespaceID, name string, properties TableProperties, description string) TableID {
	s.tables = append(s.tables, table{namespace: namespace, name: name, properties: properties, description: description})
	return TableID(len(s.tables) - 1)
}

// PushColumn adds a column to the given table.
func (s *Schema) PushColumn(tableID TableID, col Column) ColumnID {
	s.columns = append(s.columns, columnEntry{table: tableID, Column: col})
	return ColumnID(len(s.columns) - 1)
}

// PushIndex adds an index to the given table.
func (s *Schema) PushIndex(tableID TableID, idx Index) IndexID {
	s.indexes = append(s.indexes, indexEntry{table: tableID, Index: idx})
	return IndexID(len(s.indexes) - 1)
}

// PushIndexColumn appends a column to the given index.
func (s *Schema) PushIndexColumn(indexID IndexID, part IndexPart) IndexPartID {
	s.indexParts = append(s.indexParts, indexPartEntry{index: indexID, IndexPart: part})
	return IndexPartID(len(s.indexParts) - 1)
}

// PushForeignKey adds a foreign key; column pairs are appended separately
// with PushForeignKeyColumn.
func (s *Schema) PushForeignKey(fk ForeignKey) ForeignKeyID {
	s.foreignKeys = append(s.foreignKeys, fk)
	return ForeignKeyID(len(s.foreignKeys) - 1)
}

// PushForeignKeyColumn appends a constrained/referenced column pair to the
// given foreign key.
func (s *Schema) PushForeignKeyColumn(fkID ForeignKeyID, constrained, referenced ColumnID) {
	s.fkColumns = append(s.fkColumns, fkColumnPair{fk: fkID, constrained: constrained, referenced: referenced})
}

// PushEnum adds an enum type to the given namespace.
func (s *Schema) PushEnum(namespace NamespaceID, name string) EnumID {
	s.enums = append(s.enums, enumEntry{namespace: namespace, name: name})
	return EnumID(len(s.enums) - 1)
}

// PushEnumVariant appends a variant to the given enum; variant order is
// significant.
func (s *Schema) PushEnumVariant(enumID EnumID, variant string) {
	s.enumVariants = append(s.enumVariants, enumVariantEntry{enum: enumID, name: variant})
}

// PushView adds a view to the given namespace.
func (s *Schema) PushView(namespace NamespaceID, v View) ViewID {
	s.views = append(s.views, viewEntry{namespace: namespace, View: v})
	return ViewID(len(s.views) - 1)
}

// PushViewColumn adds a column to the given view.
func (s *Schema) PushViewColumn(viewID ViewID, col Column) {
	s.viewColumns = append(s.viewColumns, viewColumnEntry{view: viewID, Column: col})
}

// PushCheckConstraint records a check constraint on the given table. Only the
// constraint name is carried; the expression stays in the database.
func (s *Schema) PushCheckConstraint(tableID TableID, name string) {
	s.checks = append(s.checks, checkConstraintEntry{table: tableID, name: name})
}

// PushUserDefinedType adds a user-defined type to the given namespace.
// definition is the underlying type text, empty when unknown.
func (s *Schema) PushUserDefinedType(namespace NamespaceID, name, definition string) UserDefinedTypeID {
	s.udts = append(s.udts, udtEntry{namespace: namespace, name: name, definition: definition})
	return UserDefinedTypeID(len(s.udts) - 1)
}

// SetConnectorData attaches the dialect-specific side-channel payload.
func (s *Schema) SetConnectorData(data any) { s.connectorData = data }

// ConnectorData returns the raw side-channel payload; use
// DowncastConnectorData for typed access.
func (s *Schema) ConnectorData() any { return s.connectorData }

// DowncastConnectorData returns the schema's side-channel payload as T.
// It returns the zero value when no payload was set and panics on a type
// mismatch, which is a programmer error, not a recoverable condition.
func DowncastConnectorData[T any](s *Schema) T {
	var zero T
	if s.connectorData == nil {
		return zero
	}
	data, ok := s.connectorData.(T)
	if !ok {
		panic(fmt.Sprintf("sqlschema: connector data is %T, not %T", s.connectorData, zero))
	}
	return data
}

// Namespaces returns the namespace names in insertion order.
func (s *Schema) Namespaces() []string { return s.namespaces }

// NamespaceName returns the name of the given namespace id.
func (s *Schema) NamespaceName(id NamespaceID) string { return s.namespaces[id] }

// FindNamespace returns the id of the named namespace.
func (s *Schema) FindNamespace(name string) (NamespaceID, bool) {
	for i, ns := range s.namespaces {
		if ns == name {
			return NamespaceID(i), true
		}
	}
	return 0, false
}

// FindTable looks a table up by namespace and name.
func (s *Schema) FindTable(namespace, name string) (TableID, bool) {
	for i := range s.tables {
		t := &s.tables[i]
		if t.name == name && s.namespaces[t.namespace] == namespace {
			return TableID(i), true
		}
	}
	return 0, false
}

// FindEnum looks an enum up by namespace and name.
func (s *Schema) FindEnum(namespace, name string) (EnumID, bool) {
	for i := range s.enums {
		e := &s.enums[i]
		if e.name == name && s.namespaces[e.namespace] == namespace {
			return EnumID(i), true
		}
	}
	return 0, false
}

// FindView looks a view up by namespace and name.
func (s *Schema) FindView(namespace, name string) (ViewID, bool) {
	for i := range s.views {
		v := &s.views[i]
		if v.Name == name && s.namespaces[v.namespace] == namespace {
			return ViewID(i), true
		}
	}
	return 0, false
}

// FindUserDefinedType looks a user-defined type up by namespace and name.
func (s *Schema) FindUserDefinedType(namespace, name string) (UserDefinedTypeID, bool) {
	for i := range s.udts {
		u := &s.udts[i]
		if u.name == name && s.namespaces[u.namespace] == namespace {
			return UserDefinedTypeID(i), true
		}
	}
	return 0, false
}

// TablesCount returns the number of tables.
func (s *Schema) TablesCount() int { return len(s.tables) }

// EnumsCount returns the number of enums.
func (s *Schema) EnumsCount() int { return len(s.enums) }

// ViewsCount returns the number of views.
func (s *Schema) ViewsCount() int { return len(s.views) }

// UserDefinedTypesCount returns the number of user-defined types.
func (s *Schema) UserDefinedTypesCount() int { return len(s.udts) }
