/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package render

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-schemakit"
	"github.com/acronis/go-schemakit/diff"
	"github.com/acronis/go-schemakit/sqlschema"
)

func buildCatSchema(namespace string) *sqlschema.Schema {
	s := sqlschema.New()
	ns := s.PushNamespace(namespace)
	tid := s.PushTable(ns, "Cat", 0, "")
	catID := s.PushColumn(tid, sqlschema.Column{
		Name:          "id",
		Type:          sqlschema.ColumnType{FullDataType: "integer", Family: sqlschema.FamilyInt, Arity: sqlschema.Required},
		AutoIncrement: true,
	})
	s.PushColumn(tid, sqlschema.Column{
		Name: "name",
		Type: sqlschema.ColumnType{FullDataType: "text", Family: sqlschema.FamilyString, Arity: sqlschema.Required},
	})
	s.PushColumn(tid, sqlschema.Column{
		Name:    "puppiesCount",
		Type:    sqlschema.ColumnType{FullDataType: "integer", Family: sqlschema.FamilyInt, Arity: sqlschema.Nullable},
		Default: sqlschema.NewValueDefault("0"),
	})
	pk := s.PushIndex(tid, sqlschema.Index{Name: "Cat_pkey", Kind: sqlschema.IndexPrimaryKey})
	s.PushIndexColumn(pk, sqlschema.IndexPart{Column: catID})
	nameCol, _ := s.WalkTable(tid).Column("name")
	nameIdx := s.PushIndex(tid, sqlschema.Index{Name: "Cat_name_key", Kind: sqlschema.IndexUnique})
	s.PushIndexColumn(nameIdx, sqlschema.IndexPart{Column: nameCol.ID()})
	return s
}

func TestPostgresCreateTable(t *testing.T) {
	previous := sqlschema.New()
	previous.PushNamespace("public")
	next := buildCatSchema("public")

	steps := diff.Diff(previous, next, diff.PostgresFlavour{})
	renderer, err := NewRenderer(schemakit.DialectPostgres, 0)
	require.NoError(t, err)

	stmts, err := renderer.RenderSteps(steps, diff.NewPair(previous, next))
	require.NoError(t, err)
	require.Equal(t, []string{
		"CREATE TABLE \"public\".\"Cat\" (\n" +
			"    \"id\" SERIAL NOT NULL,\n" +
			"    \"name\" text NOT NULL,\n" +
			"    \"puppiesCount\" integer DEFAULT 0,\n" +
			"    CONSTRAINT \"Cat_pkey\" PRIMARY KEY (\"id\")\n" +
			")",
		"CREATE UNIQUE INDEX \"Cat_name_key\" ON \"public\".\"Cat\" (\"name\")",
	}, stmts)
}

func TestRenderingIsDeterministic(t *testing.T) {
	previous := sqlschema.New()
	previous.PushNamespace("public")
	next := buildCatSchema("public")
	renderer, _ := NewRenderer(schemakit.DialectPostgres, 0)

	steps := diff.Diff(previous, next, diff.PostgresFlavour{})
	first, err := renderer.RenderSteps(steps, diff.NewPair(previous, next))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, renderErr := renderer.RenderSteps(steps, diff.NewPair(previous, next))
		require.NoError(t, renderErr)
		require.Equal(t, first, again)
	}
}

func TestCockroachAutoIncrement(t *testing.T) {
	previous := sqlschema.New()
	previous.PushNamespace("public")
	next := buildCatSchema("public")

	steps := diff.Diff(previous, next, diff.PostgresFlavour{Circumstances: schemakit.IsCockroachDB})
	renderer, err := NewRenderer(schemakit.DialectPgx, schemakit.IsCockroachDB)
	require.NoError(t, err)

	stmts, err := renderer.RenderSteps(steps, diff.NewPair(previous, next))
	require.NoError(t, err)
	require.Contains(t, stmts[0], "DEFAULT unique_rowid()")
	require.NotContains(t, stmts[0], "SERIAL")
}

func TestPostgresAlterEnum(t *testing.T) {
	build := func(variants ...string) *sqlschema.Schema {
		s := sqlschema.New()
		ns := s.PushNamespace("public")
		mood := s.PushEnum(ns, "Mood")
		for _, v := range variants {
			s.PushEnumVariant(mood, v)
		}
		tid := s.PushTable(ns, "Cat", 0, "")
		s.PushColumn(tid, sqlschema.Column{
			Name: "mood",
			Type: sqlschema.ColumnType{FullDataType: "\"Mood\"", Family: sqlschema.FamilyEnum, Enum: mood, Arity: sqlschema.Required},
		})
		return s
	}
	renderer, _ := NewRenderer(schemakit.DialectPostgres, 0)

	t.Run("added variant is a single ADD VALUE", func(t *testing.T) {
		previous := build("HAPPY", "HUNGRY")
		next := build("HAPPY", "HUNGRY", "SLEEPY")
		steps := diff.Diff(previous, next, diff.PostgresFlavour{})
		stmts, err := renderer.RenderSteps(steps, diff.NewPair(previous, next))
		require.NoError(t, err)
		require.Equal(t, []string{
			`ALTER TYPE "public"."Mood" ADD VALUE 'SLEEPY'`,
		}, stmts)
	})

	t.Run("dropped variant recreates the type", func(t *testing.T) {
		previous := build("HAPPY", "HUNGRY")
		next := build("HAPPY")
		steps := diff.Diff(previous, next, diff.PostgresFlavour{})
		stmts, err := renderer.RenderSteps(steps, diff.NewPair(previous, next))
		require.NoError(t, err)
		require.Equal(t, []string{
			`ALTER TYPE "public"."Mood" RENAME TO "Mood_old"`,
			`CREATE TYPE "public"."Mood" AS ENUM ('HAPPY')`,
			`ALTER TABLE "public"."Cat" ALTER COLUMN "mood" TYPE "public"."Mood" USING ("mood"::text::"public"."Mood")`,
			`DROP TYPE "public"."Mood_old"`,
		}, stmts)
	})

	// CockroachDB can both add and remove variants in place, so the plan
	// never creates a type under a name that still exists.
	t.Run("cockroach uses ADD VALUE and DROP VALUE", func(t *testing.T) {
		previous := build("HAPPY", "HUNGRY")
		next := build("HAPPY", "SLEEPY")
		steps := diff.Diff(previous, next, diff.PostgresFlavour{Circumstances: schemakit.IsCockroachDB})
		crdbRenderer, err := NewRenderer(schemakit.DialectPgx, schemakit.IsCockroachDB)
		require.NoError(t, err)
		stmts, err := crdbRenderer.RenderSteps(steps, diff.NewPair(previous, next))
		require.NoError(t, err)
		require.Equal(t, []string{
			`ALTER TYPE "public"."Mood" ADD VALUE 'SLEEPY'`,
			`ALTER TYPE "public"."Mood" DROP VALUE 'HUNGRY'`,
		}, stmts)
	})
}

func TestSQLiteRedefineTable(t *testing.T) {
	previous := sqlschema.New()
	ns := previous.PushNamespace("main")
	tid := previous.PushTable(ns, "Cat", 0, "")
	previous.PushColumn(tid, sqlschema.Column{
		Name: "id",
		Type: sqlschema.ColumnType{FullDataType: "INTEGER", Family: sqlschema.FamilyInt, Arity: sqlschema.Required},
	})
	previous.PushColumn(tid, sqlschema.Column{
		Name: "name",
		Type: sqlschema.ColumnType{FullDataType: "TEXT", Family: sqlschema.FamilyString, Arity: sqlschema.Nullable},
	})

	next := sqlschema.New()
	ns = next.PushNamespace("main")
	tid = next.PushTable(ns, "Cat", 0, "")
	next.PushColumn(tid, sqlschema.Column{
		Name: "id",
		Type: sqlschema.ColumnType{FullDataType: "INTEGER", Family: sqlschema.FamilyInt, Arity: sqlschema.Required},
	})
	next.PushColumn(tid, sqlschema.Column{
		Name: "name",
		Type: sqlschema.ColumnType{FullDataType: "TEXT", Family: sqlschema.FamilyString, Arity: sqlschema.Required},
	})

	steps := diff.Diff(previous, next, diff.SQLiteFlavour{})
	renderer, err := NewRenderer(schemakit.DialectSQLite, 0)
	require.NoError(t, err)

	stmts, err := renderer.RenderSteps(steps, diff.NewPair(previous, next))
	require.NoError(t, err)
	require.Equal(t, []string{
		"PRAGMA foreign_keys=OFF",
		"CREATE TABLE \"new_Cat\" (\n    \"id\" INTEGER NOT NULL,\n    \"name\" TEXT NOT NULL\n)",
		`INSERT INTO "new_Cat" ("id", "name") SELECT "id", "name" FROM "Cat"`,
		`DROP TABLE "Cat"`,
		`ALTER TABLE "new_Cat" RENAME TO "Cat"`,
		"PRAGMA foreign_key_check",
		"PRAGMA foreign_keys=ON",
	}, stmts)
}

func TestSQLitePureAddColumnSkipsRebuild(t *testing.T) {
	previous := sqlschema.New()
	ns := previous.PushNamespace("main")
	tid := previous.PushTable(ns, "Cat", 0, "")
	previous.PushColumn(tid, sqlschema.Column{
		Name: "id",
		Type: sqlschema.ColumnType{FullDataType: "INTEGER", Family: sqlschema.FamilyInt, Arity: sqlschema.Required},
	})

	next := sqlschema.New()
	ns = next.PushNamespace("main")
	tid = next.PushTable(ns, "Cat", 0, "")
	next.PushColumn(tid, sqlschema.Column{
		Name: "id",
		Type: sqlschema.ColumnType{FullDataType: "INTEGER", Family: sqlschema.FamilyInt, Arity: sqlschema.Required},
	})
	next.PushColumn(tid, sqlschema.Column{
		Name: "nickname",
		Type: sqlschema.ColumnType{FullDataType: "TEXT", Family: sqlschema.FamilyString, Arity: sqlschema.Nullable},
	})

	steps := diff.Diff(previous, next, diff.SQLiteFlavour{})
	renderer, _ := NewRenderer(schemakit.DialectSQLite, 0)
	stmts, err := renderer.RenderSteps(steps, diff.NewPair(previous, next))
	require.NoError(t, err)
	require.Equal(t, []string{`ALTER TABLE "Cat" ADD COLUMN "nickname" TEXT`}, stmts)
}

func TestMySQLCreateTableInlinesIndexes(t *testing.T) {
	previous := sqlschema.New()
	previous.PushNamespace("db")
	next := buildCatSchema("db")

	steps := diff.Diff(previous, next, diff.MySQLFlavour{})
	renderer, err := NewRenderer(schemakit.DialectMySQL, 0)
	require.NoError(t, err)

	stmts, err := renderer.RenderSteps(steps, diff.NewPair(previous, next))
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	require.Contains(t, stmts[0], "CREATE TABLE `Cat`")
	require.Contains(t, stmts[0], "`id` integer NOT NULL AUTO_INCREMENT")
	require.Contains(t, stmts[0], "PRIMARY KEY (`id`)")
	require.Contains(t, stmts[0], "UNIQUE INDEX `Cat_name_key` (`name`)")
}

func TestMSSQLAlterColumnOneStatementEach(t *testing.T) {
	previous := sqlschema.New()
	ns := previous.PushNamespace("dbo")
	tid := previous.PushTable(ns, "Cat", 0, "")
	previous.PushColumn(tid, sqlschema.Column{
		Name: "name",
		Type: sqlschema.ColumnType{FullDataType: "nvarchar(100)", Family: sqlschema.FamilyString, Arity: sqlschema.Nullable},
	})
	previous.PushColumn(tid, sqlschema.Column{
		Name: "age",
		Type: sqlschema.ColumnType{FullDataType: "int", Family: sqlschema.FamilyInt, Arity: sqlschema.Nullable},
	})

	next := sqlschema.New()
	ns = next.PushNamespace("dbo")
	tid = next.PushTable(ns, "Cat", 0, "")
	next.PushColumn(tid, sqlschema.Column{
		Name: "name",
		Type: sqlschema.ColumnType{FullDataType: "nvarchar(100)", Family: sqlschema.FamilyString, Arity: sqlschema.Required},
	})
	next.PushColumn(tid, sqlschema.Column{
		Name: "age",
		Type: sqlschema.ColumnType{FullDataType: "int", Family: sqlschema.FamilyInt, Arity: sqlschema.Required},
	})

	steps := diff.Diff(previous, next, diff.MSSQLFlavour{})
	renderer, err := NewRenderer(schemakit.DialectMSSQL, 0)
	require.NoError(t, err)

	stmts, err := renderer.RenderSteps(steps, diff.NewPair(previous, next))
	require.NoError(t, err)
	require.Equal(t, []string{
		"ALTER TABLE [dbo].[Cat] ALTER COLUMN [name] nvarchar(100) NOT NULL",
		"ALTER TABLE [dbo].[Cat] ALTER COLUMN [age] int NOT NULL",
	}, stmts)
}

func TestMSSQLAddForeignKey(t *testing.T) {
	build := func(withFK bool) *sqlschema.Schema {
		s := sqlschema.New()
		ns := s.PushNamespace("dbo")
		humanID := s.PushTable(ns, "Human", 0, "")
		humanPK := s.PushColumn(humanID, sqlschema.Column{
			Name: "id",
			Type: sqlschema.ColumnType{FullDataType: "int", Family: sqlschema.FamilyInt, Arity: sqlschema.Required},
		})
		catID := s.PushTable(ns, "Cat", 0, "")
		owner := s.PushColumn(catID, sqlschema.Column{
			Name: "ownerId",
			Type: sqlschema.ColumnType{FullDataType: "int", Family: sqlschema.FamilyInt, Arity: sqlschema.Nullable},
		})
		if withFK {
			fk := s.PushForeignKey(sqlschema.ForeignKey{
				ConstraintName:   "Cat_ownerId_fkey",
				ConstrainedTable: catID,
				ReferencedTable:  humanID,
				OnDelete:         sqlschema.SetNull,
				OnUpdate:         sqlschema.Restrict,
			})
			s.PushForeignKeyColumn(fk, owner, humanPK)
		}
		return s
	}
	previous := build(false)
	next := build(true)

	steps := diff.Diff(previous, next, diff.MSSQLFlavour{})
	renderer, err := NewRenderer(schemakit.DialectMSSQL, 0)
	require.NoError(t, err)

	stmts, err := renderer.RenderSteps(steps, diff.NewPair(previous, next))
	require.NoError(t, err)
	// RESTRICT has no SQL Server spelling and renders as NO ACTION.
	require.Equal(t, []string{
		"ALTER TABLE [dbo].[Cat] ADD CONSTRAINT [Cat_ownerId_fkey] FOREIGN KEY ([ownerId]) " +
			"REFERENCES [dbo].[Human] ([id]) ON DELETE SET NULL ON UPDATE NO ACTION",
	}, stmts)
}

func TestUnknownDialect(t *testing.T) {
	_, err := NewRenderer(schemakit.Dialect("oracle"), 0)
	require.Error(t, err)
}
