/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package describe

import (
	"context"
	"os"
	gotesting "testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-schemakit"
	"github.com/acronis/go-schemakit/internal/testing"
)

func TestPostgresDescribeExpressionIndex(t *gotesting.T) {
	if os.Getenv("SCHEMAKIT_INTEGRATION_TESTS") == "" {
		t.Skip("integration tests are disabled, set SCHEMAKIT_INTEGRATION_TESTS to enable")
	}

	ctx, ctxCancel := context.WithTimeout(context.Background(), time.Minute*2)
	defer ctxCancel()

	conn, stop := testing.MustRunAndOpenTestDB(ctx, string(schemakit.DialectPgx))
	defer func() { require.NoError(t, stop(ctx)) }()

	for _, stmt := range []string{
		`CREATE TABLE "Human" ("id" integer NOT NULL, "firstName" text NOT NULL, "lastName" text NOT NULL)`,
		`CREATE INDEX "Human_names_idx" ON "Human" ("firstName", "lastName")`,
		`CREATE INDEX "Human_lower_idx" ON "Human" (lower("firstName"), "lastName")`,
	} {
		_, err := conn.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	describer, err := NewDescriber(conn, schemakit.DialectPgx, 0)
	require.NoError(t, err)
	schema, err := describer.Describe(ctx, []string{"public"})
	require.NoError(t, err)

	humanID, ok := schema.FindTable("public", "Human")
	require.True(t, ok)
	human := schema.WalkTable(humanID)

	// The plain index keeps all of its members. The expression index cannot
	// be modeled as a column list, so it must be left out entirely rather
	// than described with fewer members than it has.
	var indexNames []string
	for _, idx := range human.Indexes() {
		indexNames = append(indexNames, idx.Name())
		if idx.Name() == "Human_names_idx" {
			require.Len(t, idx.Columns(), 2)
		}
	}
	require.Contains(t, indexNames, "Human_names_idx")
	require.NotContains(t, indexNames, "Human_lower_idx")
}
