/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package engine

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-schemakit"
)

func TestSQLiteShadowDatabase(t *testing.T) {
	ctx := context.Background()
	cfg := &schemakit.Config{Dialect: schemakit.DialectSQLite}
	flavour, err := NewFlavour(schemakit.DialectSQLite, 0)
	require.NoError(t, err)

	shadow, err := CreateShadowDatabase(ctx, nil, cfg, flavour)
	require.NoError(t, err)
	require.Contains(t, shadow.Name(), schemakit.DefaultShadowDatabasePrefix)

	scripts := []MigrationScript{{
		Name:       "20240101120000_init",
		Statements: []string{`CREATE TABLE "Cat" ("id" INTEGER PRIMARY KEY AUTOINCREMENT)`},
	}}
	require.NoError(t, shadow.ReplayMigrations(ctx, scripts))

	schema, err := shadow.Describe(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 1, schema.TablesCount())

	require.NoError(t, shadow.Close(ctx))
	_, statErr := os.Stat(shadow.Name())
	require.True(t, os.IsNotExist(statErr))
}

func TestShadowReplayFailureNamesScript(t *testing.T) {
	ctx := context.Background()
	cfg := &schemakit.Config{Dialect: schemakit.DialectSQLite}
	flavour, err := NewFlavour(schemakit.DialectSQLite, 0)
	require.NoError(t, err)

	shadow, err := CreateShadowDatabase(ctx, nil, cfg, flavour)
	require.NoError(t, err)
	defer func() { _ = shadow.Close(ctx) }()

	scripts := []MigrationScript{{
		Name:       "20240303140000_broken",
		Statements: []string{`INSERT INTO "Missing" VALUES (1)`},
	}}
	err = shadow.ReplayMigrations(ctx, scripts)
	require.Error(t, err)

	var notClean *MigrationDoesNotApplyCleanlyError
	require.True(t, errors.As(err, &notClean))
	require.Equal(t, "20240303140000_broken", notClean.Name)
	require.Contains(t, err.Error(), "does not apply cleanly")
}
