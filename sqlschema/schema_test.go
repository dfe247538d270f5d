/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package sqlschema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func buildCatSchema() *Schema {
	s := New()
	ns := s.PushNamespace("public")

	catTID := s.PushTable(ns, "Cat", 0, "")
	catID := s.PushColumn(catTID, Column{
		Name:          "id",
		Type:          ColumnType{FullDataType: "integer", Family: FamilyInt, Arity: Required},
		AutoIncrement: true,
	})
	s.PushColumn(catTID, Column{
		Name: "name",
		Type: ColumnType{FullDataType: "text", Family: FamilyString, Arity: Required},
	})
	s.PushColumn(catTID, Column{
		Name:    "puppiesCount",
		Type:    ColumnType{FullDataType: "integer", Family: FamilyInt, Arity: Nullable},
		Default: NewValueDefault("0"),
	})
	pk := s.PushIndex(catTID, Index{Name: "Cat_pkey", Kind: IndexPrimaryKey})
	s.PushIndexColumn(pk, IndexPart{Column: catID})

	humanTID := s.PushTable(ns, "Human", 0, "")
	humanID := s.PushColumn(humanTID, Column{
		Name: "id",
		Type: ColumnType{FullDataType: "integer", Family: FamilyInt, Arity: Required},
	})
	ownerCol := s.PushColumn(catTID, Column{
		Name: "ownerId",
		Type: ColumnType{FullDataType: "integer", Family: FamilyInt, Arity: Nullable},
	})
	fk := s.PushForeignKey(ForeignKey{
		ConstraintName:   "Cat_ownerId_fkey",
		ConstrainedTable: catTID,
		ReferencedTable:  humanTID,
		OnDelete:         SetNull,
		OnUpdate:         Cascade,
	})
	s.PushForeignKeyColumn(fk, ownerCol, humanID)

	mood := s.PushEnum(ns, "Mood")
	s.PushEnumVariant(mood, "HAPPY")
	s.PushEnumVariant(mood, "HUNGRY")

	return s
}

func TestPushNamespaceDeduplicates(t *testing.T) {
	s := New()
	a := s.PushNamespace("public")
	b := s.PushNamespace("audit")
	c := s.PushNamespace("public")
	require.Equal(t, a, c)
	require.NotEqual(t, a, b)
	require.Equal(t, []string{"public", "audit"}, s.Namespaces())
}

func TestFindByName(t *testing.T) {
	s := buildCatSchema()

	catTID, ok := s.FindTable("public", "Cat")
	require.True(t, ok)
	require.Equal(t, "Cat", s.WalkTable(catTID).Name())
	require.Equal(t, "public", s.WalkTable(catTID).Namespace())

	_, ok = s.FindTable("public", "Dog")
	require.False(t, ok)
	_, ok = s.FindTable("audit", "Cat")
	require.False(t, ok)

	moodID, ok := s.FindEnum("public", "Mood")
	require.True(t, ok)
	require.Equal(t, []string{"HAPPY", "HUNGRY"}, s.WalkEnum(moodID).Variants())
}

func TestTableWalker(t *testing.T) {
	s := buildCatSchema()
	catTID, ok := s.FindTable("public", "Cat")
	require.True(t, ok)
	cat := s.WalkTable(catTID)

	cols := cat.Columns()
	require.Len(t, cols, 4)
	require.Equal(t, "id", cols[0].Name())
	require.Equal(t, "name", cols[1].Name())
	require.Equal(t, "puppiesCount", cols[2].Name())
	require.Equal(t, "ownerId", cols[3].Name())

	idCol, ok := cat.Column("id")
	require.True(t, ok)
	require.True(t, idCol.AutoIncrement())
	require.True(t, idCol.Arity().IsRequired())
	require.True(t, idCol.IsPartOfPrimaryKey())

	puppies, ok := cat.Column("puppiesCount")
	require.True(t, ok)
	require.True(t, puppies.Arity().IsNullable())
	require.False(t, puppies.IsPartOfPrimaryKey())
	require.Equal(t, DefaultValue, puppies.Default().Kind)
	require.Equal(t, "0", puppies.Default().Value)

	_, ok = cat.Column("missing")
	require.False(t, ok)

	pk, ok := cat.PrimaryKey()
	require.True(t, ok)
	require.True(t, pk.IsUnique())
	require.Len(t, pk.Columns(), 1)
	require.Equal(t, "id", pk.Columns()[0].Column().Name())
}

func TestForeignKeyWalker(t *testing.T) {
	s := buildCatSchema()
	catTID, _ := s.FindTable("public", "Cat")
	humanTID, _ := s.FindTable("public", "Human")

	fks := s.WalkTable(catTID).ForeignKeys()
	require.Len(t, fks, 1)
	fk := fks[0]
	require.Equal(t, "Cat_ownerId_fkey", fk.ConstraintName())
	require.Equal(t, "Cat", fk.ConstrainedTable().Name())
	require.Equal(t, "Human", fk.ReferencedTable().Name())
	require.Equal(t, SetNull, fk.OnDelete())
	require.Equal(t, Cascade, fk.OnUpdate())
	require.Equal(t, "ownerId", fk.ConstrainedColumns()[0].Name())
	require.Equal(t, "id", fk.ReferencedColumns()[0].Name())

	refs := s.WalkTable(humanTID).ReferencingForeignKeys()
	require.Len(t, refs, 1)
	require.Equal(t, "Cat", refs[0].ConstrainedTable().Name())
	require.Empty(t, s.WalkTable(catTID).ReferencingForeignKeys())
}

func TestConnectorData(t *testing.T) {
	type pgData struct{ Sequences []string }

	s := New()
	require.Zero(t, DowncastConnectorData[pgData](s))

	s.SetConnectorData(pgData{Sequences: []string{"cat_id_seq"}})
	got := DowncastConnectorData[pgData](s)
	require.Equal(t, []string{"cat_id_seq"}, got.Sequences)

	require.Panics(t, func() {
		DowncastConnectorData[string](s)
	})
}

func TestForeignKeyActionString(t *testing.T) {
	require.Equal(t, "NO ACTION", NoAction.String())
	require.Equal(t, "SET NULL", SetNull.String())
	require.Equal(t, "CASCADE", Cascade.String())
}

func TestCheckConstraints(t *testing.T) {
	s := buildCatSchema()
	catTID, _ := s.FindTable("public", "Cat")
	humanTID, _ := s.FindTable("public", "Human")

	require.Empty(t, s.WalkTable(catTID).CheckConstraints())
	s.PushCheckConstraint(catTID, "Cat_puppiesCount_check")
	s.PushCheckConstraint(catTID, "Cat_name_check")
	require.Equal(t, []string{"Cat_puppiesCount_check", "Cat_name_check"},
		s.WalkTable(catTID).CheckConstraints())
	require.Empty(t, s.WalkTable(humanTID).CheckConstraints())
}

func TestUserDefinedTypes(t *testing.T) {
	s := New()
	ns := s.PushNamespace("dbo")
	s.PushUserDefinedType(ns, "ssn", "varchar(11)")
	s.PushUserDefinedType(ns, "geo_point", "")

	require.Equal(t, 2, s.UserDefinedTypesCount())
	id, ok := s.FindUserDefinedType("dbo", "ssn")
	require.True(t, ok)
	udt := s.WalkUserDefinedType(id)
	require.Equal(t, "ssn", udt.Name())
	require.Equal(t, "dbo", udt.Namespace())
	require.Equal(t, "varchar(11)", udt.Definition())

	udts := s.WalkUserDefinedTypes()
	require.Len(t, udts, 2)
	require.Empty(t, udts[1].Definition())

	_, ok = s.FindUserDefinedType("dbo", "missing")
	require.False(t, ok)
}

func TestViews(t *testing.T) {
	s := New()
	ns := s.PushNamespace("public")
	v := s.PushView(ns, View{Name: "happy_cats", Definition: "SELECT id FROM \"Cat\" WHERE mood = 'HAPPY'"})
	s.PushViewColumn(v, Column{Name: "id", Type: ColumnType{Family: FamilyInt, Arity: Required}})

	id, ok := s.FindView("public", "happy_cats")
	require.True(t, ok)
	vw := s.WalkView(id)
	require.Equal(t, "happy_cats", vw.Name())
	require.Contains(t, vw.Definition(), "HAPPY")
	require.Len(t, vw.Columns(), 1)
}
