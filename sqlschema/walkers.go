/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package sqlschema

// Walkers are lightweight (schema pointer, id) views over the arena. They are
// cheap to copy and valid as long as the schema they came from is alive.

// TableWalker is a view over one table.
type TableWalker struct {
	schema *Schema
	id     TableID
}

// WalkTables returns walkers over all tables in insertion order.
func (s *Schema) WalkTables() []TableWalker {
	out := make([]TableWalker, len(s.tables))
	for i := range s.tables {
		out[i] = TableWalker{schema: s, id: TableID(i)}
	}
	return out
}

// WalkTable returns a walker over the table with the given id.
func (s *Schema) WalkTable(id TableID) TableWalker { return TableWalker{schema: s, id: id} }

// ID returns the table id.
func (w TableWalker) ID() TableID { return w.id }

// Name returns the table name.
func (w TableWalker) Name() string { return w.schema.tables[w.id].name }

// Namespace returns the name of the table's namespace.
func (w TableWalker) Namespace() string {
	return w.schema.namespaces[w.schema.tables[w.id].namespace]
}

// Properties returns the table's property bit set.
func (w TableWalker) Properties() TableProperties { return w.schema.tables[w.id].properties }

// Description returns the table comment, empty when absent.
func (w TableWalker) Description() string { return w.schema.tables[w.id].description }

// Columns returns walkers over the table's columns in declaration order.
func (w TableWalker) Columns() []ColumnWalker {
	var out []ColumnWalker
	for i := range w.schema.columns {
		if w.schema.columns[i].table == w.id {
			out = append(out, ColumnWalker{schema: w.schema, id: ColumnID(i)})
		}
	}
	return out
}

// Column looks a column up by name within the table.
func (w TableWalker) Column(name string) (ColumnWalker, bool) {
	for i := range w.schema.columns {
		if w.schema.columns[i].table == w.id && w.schema.columns[i].Name == name {
			return ColumnWalker{schema: w.schema, id: ColumnID(i)}, true
		}
	}
	return ColumnWalker{}, false
}

// Indexes returns walkers over the table's indexes, primary key included.
func (w TableWalker) Indexes() []IndexWalker {
	var out []IndexWalker
	for i := range w.schema.indexes {
		if w.schema.indexes[i].table == w.id {
			out = append(out, IndexWalker{schema: w.schema, id: IndexID(i)})
		}
	}
	return out
}

// PrimaryKey returns the table's primary key index, if any.
func (w TableWalker) PrimaryKey() (IndexWalker, bool) {
	for i := range w.schema.indexes {
		if w.schema.indexes[i].table == w.id && w.schema.indexes[i].Kind == IndexPrimaryKey {
			return IndexWalker{schema: w.schema, id: IndexID(i)}, true
		}
	}
	return IndexWalker{}, false
}

// ForeignKeys returns walkers over the foreign keys constraining this table.
func (w TableWalker) ForeignKeys() []ForeignKeyWalker {
	var out []ForeignKeyWalker
	for i := range w.schema.foreignKeys {
		if w.schema.foreignKeys[i].ConstrainedTable == w.id {
			out = append(out, ForeignKeyWalker{schema: w.schema, id: ForeignKeyID(i)})
		}
	}
	return out
}

// ReferencingForeignKeys returns walkers over the foreign keys of other
// tables that reference this table.
func (w TableWalker) ReferencingForeignKeys() []ForeignKeyWalker {
	var out []ForeignKeyWalker
	for i := range w.schema.foreignKeys {
		fk := &w.schema.foreignKeys[i]
		if fk.ReferencedTable == w.id && fk.ConstrainedTable != w.id {
			out = append(out, ForeignKeyWalker{schema: w.schema, id: ForeignKeyID(i)})
		}
	}
	return out
}

// CheckConstraints returns the names of the table's check constraints in
// insertion order. Expressions are not modeled.
func (w TableWalker) CheckConstraints() []string {
	var out []string
	for i := range w.schema.checks {
		if w.schema.checks[i].table == w.id {
			out = append(out, w.schema.checks[i].name)
		}
	}
	return out
}

// ColumnWalker is a view over one table column.
type ColumnWalker struct {
	schema *Schema
	id     ColumnID
}

// WalkColumn returns a walker over the column with the given id.
func (s *Schema) WalkColumn(id ColumnID) ColumnWalker { return ColumnWalker{schema: s, id: id} }

// ID returns the column id.
func (w ColumnWalker) ID() ColumnID { return w.id }

// Name returns the column name.
func (w ColumnWalker) Name() string { return w.schema.columns[w.id].Name }

// Type returns the column type.
func (w ColumnWalker) Type() ColumnType { return w.schema.columns[w.id].Type }

// Arity returns the column arity.
func (w ColumnWalker) Arity() ColumnArity { return w.schema.columns[w.id].Type.Arity }

// AutoIncrement reports whether the column auto-increments.
func (w ColumnWalker) AutoIncrement() bool { return w.schema.columns[w.id].AutoIncrement }

// Default returns the column default, nil when absent.
func (w ColumnWalker) Default() *Default { return w.schema.columns[w.id].Default }

// Description returns the column comment, empty when absent.
func (w ColumnWalker) Description() string { return w.schema.columns[w.id].Description }

// Table returns the owning table.
func (w ColumnWalker) Table() TableWalker {
	return TableWalker{schema: w.schema, id: w.schema.columns[w.id].table}
}

// IsPartOfPrimaryKey reports whether the column appears in the table's
// primary key.
func (w ColumnWalker) IsPartOfPrimaryKey() bool {
	pk, ok := w.Table().PrimaryKey()
	if !ok {
		return false
	}
	for _, part := range pk.Columns() {
		if part.Column().ID() == w.id {
			return true
		}
	}
	return false
}

// IndexWalker is a view over one index.
type IndexWalker struct {
	schema *Schema
	id     IndexID
}

// WalkIndex returns a walker over the index with the given id.
func (s *Schema) WalkIndex(id IndexID) IndexWalker { return IndexWalker{schema: s, id: id} }

// ID returns the index id.
func (w IndexWalker) ID() IndexID { return w.id }

// Name returns the index name.
func (w IndexWalker) Name() string { return w.schema.indexes[w.id].Name }

// Kind returns the index kind.
func (w IndexWalker) Kind() IndexKind { return w.schema.indexes[w.id].Kind }

// IsUnique reports whether the index enforces uniqueness (unique or primary key).
func (w IndexWalker) IsUnique() bool {
	k := w.Kind()
	return k == IndexUnique || k == IndexPrimaryKey
}

// Predicate returns the partial-index predicate, empty for full indexes.
func (w IndexWalker) Predicate() string { return w.schema.indexes[w.id].Predicate }

// Table returns the owning table.
func (w IndexWalker) Table() TableWalker {
	return TableWalker{schema: w.schema, id: w.schema.indexes[w.id].table}
}

// Columns returns the index parts in key order.
func (w IndexWalker) Columns() []IndexPartWalker {
	var out []IndexPartWalker
	for i := range w.schema.indexParts {
		if w.schema.indexParts[i].index == w.id {
			out = append(out, IndexPartWalker{schema: w.schema, id: IndexPartID(i)})
		}
	}
	return out
}

// IndexPartWalker is a view over one column participating in an index.
type IndexPartWalker struct {
	schema *Schema
	id     IndexPartID
}

// Column returns the indexed column.
func (w IndexPartWalker) Column() ColumnWalker {
	return ColumnWalker{schema: w.schema, id: w.schema.indexParts[w.id].IndexPart.Column}
}

// SortOrder returns the part's sort order.
func (w IndexPartWalker) SortOrder() SortOrder { return w.schema.indexParts[w.id].IndexPart.SortOrder }

// Length returns the optional prefix length, nil when absent.
func (w IndexPartWalker) Length() *int { return w.schema.indexParts[w.id].IndexPart.Length }

// OperatorClass returns the optional operator class, empty when absent.
func (w IndexPartWalker) OperatorClass() string {
	return w.schema.indexParts[w.id].IndexPart.OperatorClass
}

// ForeignKeyWalker is a view over one foreign key.
type ForeignKeyWalker struct {
	schema *Schema
	id     ForeignKeyID
}

// WalkForeignKey returns a walker over the foreign key with the given id.
func (s *Schema) WalkForeignKey(id ForeignKeyID) ForeignKeyWalker {
	return ForeignKeyWalker{schema: s, id: id}
}

// ID returns the foreign key id.
func (w ForeignKeyWalker) ID() ForeignKeyID { return w.id }

// ConstraintName returns the constraint name, empty for unnamed constraints.
func (w ForeignKeyWalker) ConstraintName() string {
	return w.schema.foreignKeys[w.id].ConstraintName
}

// ConstrainedTable returns the table carrying the constraint.
func (w ForeignKeyWalker) ConstrainedTable() TableWalker {
	return TableWalker{schema: w.schema, id: w.schema.foreignKeys[w.id].ConstrainedTable}
}

// ReferencedTable returns the table the constraint points at.
func (w ForeignKeyWalker) ReferencedTable() TableWalker {
	return TableWalker{schema: w.schema, id: w.schema.foreignKeys[w.id].ReferencedTable}
}

// OnDelete returns the ON DELETE action.
func (w ForeignKeyWalker) OnDelete() ForeignKeyAction { return w.schema.foreignKeys[w.id].OnDelete }

// OnUpdate returns the ON UPDATE action.
func (w ForeignKeyWalker) OnUpdate() ForeignKeyAction { return w.schema.foreignKeys[w.id].OnUpdate }

// ConstrainedColumns returns the constrained columns in pair order.
func (w ForeignKeyWalker) ConstrainedColumns() []ColumnWalker {
	var out []ColumnWalker
	for i := range w.schema.fkColumns {
		if w.schema.fkColumns[i].fk == w.id {
			out = append(out, ColumnWalker{schema: w.schema, id: w.schema.fkColumns[i].constrained})
		}
	}
	return out
}

// ReferencedColumns returns the referenced columns in pair order.
func (w ForeignKeyWalker) ReferencedColumns() []ColumnWalker {
	var out []ColumnWalker
	for i := range w.schema.fkColumns {
		if w.schema.fkColumns[i].fk == w.id {
			out = append(out, ColumnWalker{schema: w.schema, id: w.schema.fkColumns[i].referenced})
		}
	}
	return out
}

// EnumWalker is a view over one enum type.
type EnumWalker struct {
	schema *Schema
	id     EnumID
}

// WalkEnums returns walkers over all enums in insertion order.
func (s *Schema) WalkEnums() []EnumWalker {
	out := make([]EnumWalker, len(s.enums))
	for i := range s.enums {
		out[i] = EnumWalker{schema: s, id: EnumID(i)}
	}
	return out
}

// WalkEnum returns a walker over the enum with the given id.
func (s *Schema) WalkEnum(id EnumID) EnumWalker { return EnumWalker{schema: s, id: id} }

// ID returns the enum id.
func (w EnumWalker) ID() EnumID { return w.id }

// Name returns the enum name.
func (w EnumWalker) Name() string { return w.schema.enums[w.id].name }

// Namespace returns the name of the enum's namespace.
func (w EnumWalker) Namespace() string {
	return w.schema.namespaces[w.schema.enums[w.id].namespace]
}

// Variants returns the enum variants in declaration order.
func (w EnumWalker) Variants() []string {
	var out []string
	for i := range w.schema.enumVariants {
		if w.schema.enumVariants[i].enum == w.id {
			out = append(out, w.schema.enumVariants[i].name)
		}
	}
	return out
}

// ViewWalker is a view over one database view.
type ViewWalker struct {
	schema *Schema
	id     ViewID
}

// WalkViews returns walkers over all views in insertion order.
func (s *Schema) WalkViews() []ViewWalker {
	out := make([]ViewWalker, len(s.views))
	for i := range s.views {
		out[i] = ViewWalker{schema: s, id: ViewID(i)}
	}
	return out
}

// WalkView returns a walker over the view with the given id.
func (s *Schema) WalkView(id ViewID) ViewWalker { return ViewWalker{schema: s, id: id} }

// ID returns the view id.
func (w ViewWalker) ID() ViewID { return w.id }

// Name returns the view name.
func (w ViewWalker) Name() string { return w.schema.views[w.id].View.Name }

// Namespace returns the name of the view's namespace.
func (w ViewWalker) Namespace() string {
	return w.schema.namespaces[w.schema.views[w.id].namespace]
}

// Definition returns the raw view definition text.
func (w ViewWalker) Definition() string { return w.schema.views[w.id].View.Definition }

// Description returns the view comment, empty when absent.
func (w ViewWalker) Description() string { return w.schema.views[w.id].View.Description }

// Columns returns the view's columns in declaration order.
func (w ViewWalker) Columns() []Column {
	var out []Column
	for i := range w.schema.viewColumns {
		if w.schema.viewColumns[i].view == w.id {
			out = append(out, w.schema.viewColumns[i].Column)
		}
	}
	return out
}

// UserDefinedTypeWalker is a view over one user-defined type.
type UserDefinedTypeWalker struct {
	schema *Schema
	id     UserDefinedTypeID
}

// WalkUserDefinedTypes returns walkers over all user-defined types in
// insertion order.
func (s *Schema) WalkUserDefinedTypes() []UserDefinedTypeWalker {
	out := make([]UserDefinedTypeWalker, len(s.udts))
	for i := range s.udts {
		out[i] = UserDefinedTypeWalker{schema: s, id: UserDefinedTypeID(i)}
	}
	return out
}

// WalkUserDefinedType returns a walker over the user-defined type with the
// given id.
func (s *Schema) WalkUserDefinedType(id UserDefinedTypeID) UserDefinedTypeWalker {
	return UserDefinedTypeWalker{schema: s, id: id}
}

// ID returns the user-defined type id.
func (w UserDefinedTypeWalker) ID() UserDefinedTypeID { return w.id }

// Name returns the type name.
func (w UserDefinedTypeWalker) Name() string { return w.schema.udts[w.id].name }

// Namespace returns the name of the type's namespace.
func (w UserDefinedTypeWalker) Namespace() string {
	return w.schema.namespaces[w.schema.udts[w.id].namespace]
}

// Definition returns the underlying type text, empty when unknown.
func (w UserDefinedTypeWalker) Definition() string { return w.schema.udts[w.id].definition }
