/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package engine

import (
	"context"
	"database/sql"
	"testing"

	"github.com/acronis/go-appkit/log"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-schemakit"
	"github.com/acronis/go-schemakit/diff"
	"github.com/acronis/go-schemakit/sqlschema"
)

// openEngineDB opens an in-memory SQLite database pinned to one connection,
// so DDL, probes and bookkeeping all see the same data.
func openEngineDB(t *testing.T, statements ...string) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = conn.Close() })
	for _, stmt := range statements {
		_, err = conn.Exec(stmt)
		require.NoError(t, err)
	}
	return conn
}

func newTestApplicator(t *testing.T, conn *sql.DB, flavour *Flavour) *Applicator {
	t.Helper()
	logger, loggerClose := log.NewLogger(&log.Config{Output: log.OutputStderr, Level: log.LevelDebug})
	t.Cleanup(loggerClose)
	applicator, err := NewApplicator(conn, flavour, logger)
	require.NoError(t, err)
	return applicator
}

func buildCatTarget() *sqlschema.Schema {
	s := sqlschema.New()
	ns := s.PushNamespace("main")
	tid := s.PushTable(ns, "Cat", 0, "")
	idCol := s.PushColumn(tid, sqlschema.Column{
		Name:          "id",
		Type:          sqlschema.ColumnType{FullDataType: "INTEGER", Family: sqlschema.FamilyInt, Arity: sqlschema.Required},
		AutoIncrement: true,
	})
	nameCol := s.PushColumn(tid, sqlschema.Column{
		Name: "name",
		Type: sqlschema.ColumnType{FullDataType: "TEXT", Family: sqlschema.FamilyString, Arity: sqlschema.Required},
	})
	pk := s.PushIndex(tid, sqlschema.Index{Name: "Cat_pkey", Kind: sqlschema.IndexPrimaryKey})
	s.PushIndexColumn(pk, sqlschema.IndexPart{Column: idCol})
	key := s.PushIndex(tid, sqlschema.Index{Name: "Cat_name_key", Kind: sqlschema.IndexUnique})
	s.PushIndexColumn(key, sqlschema.IndexPart{Column: nameCol})
	return s
}

func TestApplicatorApply(t *testing.T) {
	ctx := context.Background()
	conn := openEngineDB(t)
	flavour, err := NewFlavour(schemakit.DialectSQLite, 0)
	require.NoError(t, err)
	applicator := newTestApplicator(t, conn, flavour)

	describer, err := flavour.Describer(conn)
	require.NoError(t, err)
	previous, err := describer.Describe(ctx, nil)
	require.NoError(t, err)
	target := buildCatTarget()

	steps := diff.Diff(previous, target, flavour.Differ)
	require.NotEmpty(t, steps)

	result, err := applicator.Apply(ctx, Plan{
		Name:    "20240101120000_init",
		Steps:   steps,
		Schemas: diff.NewPair(previous, target),
	})
	require.NoError(t, err)
	require.Equal(t, StateCommitted, result.State)
	require.NotEmpty(t, result.Statements)
	require.Equal(t, len(result.Statements), result.AppliedStatements)
	require.True(t, result.Diagnostics.IsEmpty())

	// Applying a plan and re-describing must converge on the target,
	// otherwise the next plan would start with phantom changes.
	described, err := describer.Describe(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, diff.Diff(described, target, flavour.Differ))

	entries, err := applicator.History(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "20240101120000_init", entries[0].MigrationName)
	require.Equal(t, result.HistoryID, entries[0].ID)
	require.NotNil(t, entries[0].FinishedAt)
	require.Nil(t, entries[0].RolledBackAt)
	require.Equal(t, len(result.Statements), entries[0].AppliedStepsCount)
}

func TestApplicatorBlocksDestructivePlan(t *testing.T) {
	ctx := context.Background()
	conn := openEngineDB(t,
		`CREATE TABLE "Cat" ("id" INTEGER NOT NULL)`,
		`INSERT INTO "Cat" ("id") VALUES (1)`,
	)
	flavour, err := NewFlavour(schemakit.DialectSQLite, 0)
	require.NoError(t, err)
	applicator := newTestApplicator(t, conn, flavour)

	describer, err := flavour.Describer(conn)
	require.NoError(t, err)
	previous, err := describer.Describe(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 1, previous.TablesCount())

	next := sqlschema.New()
	next.PushNamespace("main")
	steps := diff.Diff(previous, next, flavour.Differ)
	require.NotEmpty(t, steps)

	plan := Plan{Name: "drop_cat", Steps: steps, Schemas: diff.NewPair(previous, next)}

	result, err := applicator.Apply(ctx, plan)
	require.ErrorIs(t, err, ErrBlockedByDiagnostics)
	require.Equal(t, StateLockAcquired, result.State)
	require.NotEmpty(t, result.Diagnostics.Warnings)

	// The schema must be untouched after a blocked plan.
	described, err := describer.Describe(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 1, described.TablesCount())

	plan.Force = true
	result, err = applicator.Apply(ctx, plan)
	require.NoError(t, err)
	require.Equal(t, StateCommitted, result.State)

	described, err = describer.Describe(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 0, described.TablesCount())
}

func TestVerifyScripts(t *testing.T) {
	ctx := context.Background()
	conn := openEngineDB(t)
	flavour, err := NewFlavour(schemakit.DialectSQLite, 0)
	require.NoError(t, err)
	applicator := newTestApplicator(t, conn, flavour)

	describer, err := flavour.Describer(conn)
	require.NoError(t, err)
	previous, err := describer.Describe(ctx, nil)
	require.NoError(t, err)
	target := buildCatTarget()

	_, err = applicator.Apply(ctx, Plan{
		Name:     "20240101120000_init",
		Steps:    diff.Diff(previous, target, flavour.Differ),
		Schemas:  diff.NewPair(previous, target),
		Checksum: "c1",
	})
	require.NoError(t, err)

	scripts := []MigrationScript{
		{Name: "20240101120000_init", Checksum: "c1"},
		{Name: "20240202130000_add_name", Checksum: "c2"},
	}
	pending, err := applicator.VerifyScripts(ctx, scripts)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "20240202130000_add_name", pending[0].Name)

	scripts[0].Checksum = "tampered"
	_, err = applicator.VerifyScripts(ctx, scripts)
	var mismatch *ChecksumMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, "20240101120000_init", mismatch.Name)
}

func TestVerifyScriptsFailedMigration(t *testing.T) {
	ctx := context.Background()
	conn := openEngineDB(t)
	flavour, err := NewFlavour(schemakit.DialectSQLite, 0)
	require.NoError(t, err)
	applicator := newTestApplicator(t, conn, flavour)

	require.NoError(t, applicator.history.EnsureTable(ctx, conn))
	historyID, err := applicator.history.RecordStart(ctx, conn, "20240101120000_init", "c1")
	require.NoError(t, err)
	require.NoError(t, applicator.history.RecordFailure(ctx, conn, historyID, 0, "syntax error"))

	// A row that neither finished nor was rolled back must not be skipped
	// as if it had been applied.
	scripts := []MigrationScript{{Name: "20240101120000_init", Checksum: "c1"}}
	_, err = applicator.VerifyScripts(ctx, scripts)
	var failed *FailedMigrationError
	require.ErrorAs(t, err, &failed)
	require.Equal(t, "20240101120000_init", failed.Name)
	require.Equal(t, historyID, failed.ID)

	// Rolling the row back resolves it: the script becomes pending again.
	require.NoError(t, applicator.history.RecordRolledBack(ctx, conn, historyID))
	pending, err := applicator.VerifyScripts(ctx, scripts)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "20240101120000_init", pending[0].Name)
}

func TestApplyStateString(t *testing.T) {
	require.Equal(t, "idle", StateIdle.String())
	require.Equal(t, "committed", StateCommitted.String())
	require.Equal(t, "rolled_back", StateRolledBack.String())
}
