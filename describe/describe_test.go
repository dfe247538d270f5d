/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package describe

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-schemakit"
	"github.com/acronis/go-schemakit/diff"
	"github.com/acronis/go-schemakit/sqlschema"
)

func openTestDB(t *testing.T, statements ...string) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	for _, stmt := range statements {
		_, err = conn.Exec(stmt)
		require.NoError(t, err)
	}
	return conn
}

var catDDL = []string{
	`CREATE TABLE "Human" (
		"id" INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
		"name" TEXT NOT NULL DEFAULT 'unnamed'
	)`,
	`CREATE TABLE "Cat" (
		"id" INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
		"ownerId" INTEGER,
		FOREIGN KEY ("ownerId") REFERENCES "Human" ("id") ON DELETE SET NULL ON UPDATE CASCADE
	)`,
	`CREATE UNIQUE INDEX "Human_name_key" ON "Human" ("name")`,
	`CREATE VIEW "CatOwners" AS SELECT name FROM Human`,
}

func TestSQLiteDescribe(t *testing.T) {
	conn := openTestDB(t, catDDL...)
	describer, err := NewDescriber(conn, schemakit.DialectSQLite, 0)
	require.NoError(t, err)

	schema, err := describer.Describe(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 2, schema.TablesCount())
	require.Equal(t, 1, schema.ViewsCount())

	humanID, ok := schema.FindTable("main", "Human")
	require.True(t, ok)
	human := schema.WalkTable(humanID)

	id, ok := human.Column("id")
	require.True(t, ok)
	require.True(t, id.AutoIncrement())
	require.Equal(t, sqlschema.FamilyInt, id.Type().Family)
	require.True(t, id.IsPartOfPrimaryKey())

	name, ok := human.Column("name")
	require.True(t, ok)
	require.Equal(t, sqlschema.Required, name.Arity())
	require.NotNil(t, name.Default())
	require.Equal(t, sqlschema.DefaultValue, name.Default().Kind)
	require.Equal(t, "unnamed", name.Default().Value)

	catID, ok := schema.FindTable("main", "Cat")
	require.True(t, ok)
	cat := schema.WalkTable(catID)
	owner, ok := cat.Column("ownerId")
	require.True(t, ok)
	require.Equal(t, sqlschema.Nullable, owner.Arity())

	fks := cat.ForeignKeys()
	require.Len(t, fks, 1)
	require.Equal(t, "Human", fks[0].ReferencedTable().Name())
	require.Equal(t, sqlschema.SetNull, fks[0].OnDelete())
	require.Equal(t, sqlschema.Cascade, fks[0].OnUpdate())
	require.Equal(t, []sqlschema.ColumnWalker{owner}, fks[0].ConstrainedColumns())

	var unique *sqlschema.IndexWalker
	for _, idx := range human.Indexes() {
		if idx.Kind() == sqlschema.IndexUnique {
			i := idx
			unique = &i
		}
	}
	require.NotNil(t, unique)
	require.Equal(t, "Human_name_key", unique.Name())
}

func TestSQLiteDescribeIsDeterministic(t *testing.T) {
	conn := openTestDB(t, catDDL...)
	describer, err := NewDescriber(conn, schemakit.DialectSQLite, 0)
	require.NoError(t, err)

	first, err := describer.Describe(context.Background(), nil)
	require.NoError(t, err)
	second, err := describer.Describe(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

// The described snapshot must diff empty against a model of the same
// structure, otherwise every plan would start with phantom changes.
func TestSQLiteDescribeRoundTrip(t *testing.T) {
	conn := openTestDB(t, catDDL...)
	describer, err := NewDescriber(conn, schemakit.DialectSQLite, 0)
	require.NoError(t, err)

	described, err := describer.Describe(context.Background(), nil)
	require.NoError(t, err)

	target := sqlschema.New()
	ns := target.PushNamespace("main")

	humanID := target.PushTable(ns, "Human", 0, "")
	humanPKCol := target.PushColumn(humanID, sqlschema.Column{
		Name:          "id",
		Type:          sqlschema.ColumnType{FullDataType: "INTEGER", Family: sqlschema.FamilyInt, Arity: sqlschema.Required},
		AutoIncrement: true,
	})
	nameCol := target.PushColumn(humanID, sqlschema.Column{
		Name:    "name",
		Type:    sqlschema.ColumnType{FullDataType: "TEXT", Family: sqlschema.FamilyString, Arity: sqlschema.Required},
		Default: sqlschema.NewValueDefault("unnamed"),
	})
	humanPK := target.PushIndex(humanID, sqlschema.Index{Name: "Human_pkey", Kind: sqlschema.IndexPrimaryKey})
	target.PushIndexColumn(humanPK, sqlschema.IndexPart{Column: humanPKCol})
	nameKey := target.PushIndex(humanID, sqlschema.Index{Name: "Human_name_key", Kind: sqlschema.IndexUnique})
	target.PushIndexColumn(nameKey, sqlschema.IndexPart{Column: nameCol})

	catID := target.PushTable(ns, "Cat", 0, "")
	catPKCol := target.PushColumn(catID, sqlschema.Column{
		Name:          "id",
		Type:          sqlschema.ColumnType{FullDataType: "INTEGER", Family: sqlschema.FamilyInt, Arity: sqlschema.Required},
		AutoIncrement: true,
	})
	ownerCol := target.PushColumn(catID, sqlschema.Column{
		Name: "ownerId",
		Type: sqlschema.ColumnType{FullDataType: "INTEGER", Family: sqlschema.FamilyInt, Arity: sqlschema.Nullable},
	})
	catPK := target.PushIndex(catID, sqlschema.Index{Name: "Cat_pkey", Kind: sqlschema.IndexPrimaryKey})
	target.PushIndexColumn(catPK, sqlschema.IndexPart{Column: catPKCol})
	fkID := target.PushForeignKey(sqlschema.ForeignKey{
		ConstrainedTable: catID,
		ReferencedTable:  humanID,
		OnDelete:         sqlschema.SetNull,
		OnUpdate:         sqlschema.Cascade,
	})
	target.PushForeignKeyColumn(fkID, ownerCol, humanPKCol)

	target.PushView(ns, sqlschema.View{Name: "CatOwners", Definition: "SELECT name FROM Human"})

	steps := diff.Diff(described, target, diff.SQLiteFlavour{})
	require.Empty(t, steps)
}

func TestNormalizeClearsConnectorData(t *testing.T) {
	schema := sqlschema.New()
	schema.SetConnectorData(PostgresConnectorData{Extensions: []string{"citext"}})

	kept := sqlschema.New()
	kept.SetConnectorData(PostgresConnectorData{Extensions: []string{"citext"}})
	Normalize(kept, NormalizeOptions{KeepExtensions: true})
	require.Equal(t, []string{"citext"},
		sqlschema.DowncastConnectorData[PostgresConnectorData](kept).Extensions)

	Normalize(schema, NormalizeOptions{})
	require.Empty(t, sqlschema.DowncastConnectorData[PostgresConnectorData](schema).Extensions)
}

func TestCrossSchemaError(t *testing.T) {
	err := &CrossSchemaError{
		Object:     "public.Cat",
		Reference:  "audit.Log",
		Namespaces: []string{"public"},
	}
	require.Contains(t, err.Error(), "public.Cat")
	require.Contains(t, err.Error(), "audit.Log")
	require.Contains(t, err.Error(), "outside the described namespaces")
}

func TestUnknownDialect(t *testing.T) {
	_, err := NewDescriber(nil, schemakit.Dialect("oracle"), 0)
	require.Error(t, err)
}
