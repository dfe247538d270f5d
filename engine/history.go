/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acronis/go-schemakit"
)

// HistoryEntry is one row of the migrations history table.
type HistoryEntry struct {
	ID                string
	Checksum          string
	MigrationName     string
	Logs              string
	RolledBackAt      *time.Time
	StartedAt         time.Time
	FinishedAt        *time.Time
	AppliedStepsCount int
}

// history reads and writes the migrations bookkeeping table. All methods take
// a Queryer so they work both inside and outside a transaction.
type history struct {
	dialect   schemakit.Dialect
	tableName string
}

// Queryer is the subset of *sql.DB and *sql.Tx the history store needs.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func newHistory(dialect schemakit.Dialect, tableName string) *history {
	if tableName == "" {
		tableName = schemakit.DefaultMigrationsTableName
	}
	return &history{dialect: dialect, tableName: tableName}
}

// EnsureTable creates the history table when it does not exist yet.
func (h *history) EnsureTable(ctx context.Context, q Queryer) error {
	var query string
	switch h.dialect {
	case schemakit.DialectSQLite:
		query = fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT NOT NULL PRIMARY KEY,
	checksum TEXT NOT NULL,
	migration_name TEXT NOT NULL,
	logs TEXT,
	rolled_back_at DATETIME,
	started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	finished_at DATETIME,
	applied_steps_count INTEGER NOT NULL DEFAULT 0
)`, h.tableName)
	case schemakit.DialectMySQL:
		query = fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(36) NOT NULL PRIMARY KEY,
	checksum VARCHAR(64) NOT NULL,
	migration_name VARCHAR(255) NOT NULL,
	logs TEXT,
	rolled_back_at DATETIME(3),
	started_at DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
	finished_at DATETIME(3),
	applied_steps_count INT UNSIGNED NOT NULL DEFAULT 0
)`, h.tableName)
	case schemakit.DialectPostgres, schemakit.DialectPgx:
		query = fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(36) NOT NULL PRIMARY KEY,
	checksum VARCHAR(64) NOT NULL,
	migration_name VARCHAR(255) NOT NULL,
	logs TEXT,
	rolled_back_at TIMESTAMPTZ,
	started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ,
	applied_steps_count INTEGER NOT NULL DEFAULT 0
)`, h.tableName)
	case schemakit.DialectMSSQL:
		query = fmt.Sprintf(`
IF NOT EXISTS (SELECT * FROM sys.tables WHERE name = '%s')
CREATE TABLE %s (
	id VARCHAR(36) NOT NULL PRIMARY KEY,
	checksum VARCHAR(64) NOT NULL,
	migration_name NVARCHAR(255) NOT NULL,
	logs NVARCHAR(MAX),
	rolled_back_at DATETIMEOFFSET,
	started_at DATETIMEOFFSET NOT NULL DEFAULT SYSDATETIMEOFFSET(),
	finished_at DATETIMEOFFSET,
	applied_steps_count INT NOT NULL DEFAULT 0
)`, h.tableName, h.tableName)
	default:
		return fmt.Errorf("unsupported sql dialect %q", h.dialect)
	}
	if _, err := q.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create migrations history table: %w", err)
	}
	return nil
}

// RecordStart inserts a new in-progress row and returns its id.
func (h *history) RecordStart(ctx context.Context, q Queryer, name, checksum string) (string, error) {
	id := uuid.NewString()
	query := h.rebind(fmt.Sprintf(
		"INSERT INTO %s (id, checksum, migration_name, started_at, applied_steps_count) VALUES (?, ?, ?, ?, 0)",
		h.tableName))
	if _, err := q.ExecContext(ctx, query, id, checksum, name, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("record migration start: %w", err)
	}
	return id, nil
}

// RecordFinished marks a row as applied to completion.
func (h *history) RecordFinished(ctx context.Context, q Queryer, id string, stepsCount int) error {
	query := h.rebind(fmt.Sprintf(
		"UPDATE %s SET finished_at = ?, applied_steps_count = ? WHERE id = ?", h.tableName))
	if _, err := q.ExecContext(ctx, query, time.Now().UTC(), stepsCount, id); err != nil {
		return fmt.Errorf("record migration finish: %w", err)
	}
	return nil
}

// RecordFailure stores the native error and how far the apply got. The row
// keeps finished_at NULL so the failure is visible in the history.
func (h *history) RecordFailure(ctx context.Context, q Queryer, id string, stepsCount int, logs string) error {
	query := h.rebind(fmt.Sprintf(
		"UPDATE %s SET logs = ?, applied_steps_count = ? WHERE id = ?", h.tableName))
	if _, err := q.ExecContext(ctx, query, logs, stepsCount, id); err != nil {
		return fmt.Errorf("record migration failure: %w", err)
	}
	return nil
}

// RecordRolledBack marks a failed row as rolled back so reapplying the same
// script is no longer blocked by it.
func (h *history) RecordRolledBack(ctx context.Context, q Queryer, id string) error {
	query := h.rebind(fmt.Sprintf("UPDATE %s SET rolled_back_at = ? WHERE id = ?", h.tableName))
	if _, err := q.ExecContext(ctx, query, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("record migration rollback: %w", err)
	}
	return nil
}

// List returns all history rows ordered by start time, oldest first.
func (h *history) List(ctx context.Context, q Queryer) ([]HistoryEntry, error) {
	query := fmt.Sprintf(
		"SELECT id, checksum, migration_name, logs, rolled_back_at, started_at, finished_at, applied_steps_count "+
			"FROM %s ORDER BY started_at, id", h.tableName)
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query migrations history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var logs sql.NullString
		var rolledBackAt, finishedAt sql.NullTime
		if err = rows.Scan(&e.ID, &e.Checksum, &e.MigrationName, &logs,
			&rolledBackAt, &e.StartedAt, &finishedAt, &e.AppliedStepsCount); err != nil {
			return nil, fmt.Errorf("scan migrations history row: %w", err)
		}
		e.Logs = logs.String
		if rolledBackAt.Valid {
			t := rolledBackAt.Time
			e.RolledBackAt = &t
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			e.FinishedAt = &t
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migrations history rows: %w", err)
	}
	return entries, nil
}

// rebind rewrites ? placeholders into the dialect's native form.
func (h *history) rebind(query string) string {
	switch h.dialect {
	case schemakit.DialectPostgres, schemakit.DialectPgx:
		return rebindNumbered(query, "$")
	case schemakit.DialectMSSQL:
		return rebindNumbered(query, "@p")
	}
	return query
}

func rebindNumbered(query, prefix string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(prefix)
			fmt.Fprintf(&b, "%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
