/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/acronis/go-appkit/log"

	"github.com/acronis/go-schemakit"
	"github.com/acronis/go-schemakit/destructive"
	"github.com/acronis/go-schemakit/diff"
	"github.com/acronis/go-schemakit/sqlschema"
)

// ErrBlockedByDiagnostics is returned when destructive-change diagnostics
// prevent a plan from being applied. The diagnostics travel in the
// ApplyResult next to the error.
var ErrBlockedByDiagnostics = errors.New("migration blocked by destructive change diagnostics")

// ApplyState tracks how far an apply got. It moves strictly forward.
type ApplyState int

const (
	StateIdle ApplyState = iota
	StateLockAcquired
	StateApplying
	StateCommitted
	StateRolledBack
	StateFailed
)

func (s ApplyState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLockAcquired:
		return "lock_acquired"
	case StateApplying:
		return "applying"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Plan is a named sequence of migration steps to apply, together with the
// schema pair the steps were computed from.
type Plan struct {
	Name    string
	Steps   []diff.Step
	Schemas diff.Pair[*sqlschema.Schema]
	// Checksum is recorded in the history row. For plans built from a saved
	// script it must be the script's checksum so VerifyScripts can match
	// them up later; when empty, a checksum of the rendered statements is
	// recorded instead.
	Checksum string
	// Force applies the plan even when warnings were raised. Unexecutable
	// and fatal diagnostics still block.
	Force bool
}

// ApplyResult reports what an apply did. Diagnostics is always populated,
// including when the plan was blocked.
type ApplyResult struct {
	State             ApplyState
	Diagnostics       *destructive.Diagnostics
	Statements        []string
	AppliedStatements int
	HistoryID         string
}

// Applicator applies migration plans to a live database under an advisory
// lock with history bookkeeping.
type Applicator struct {
	db          *sql.DB
	flavour     *Flavour
	logger      log.FieldLogger
	history     *history
	lockTimeout time.Duration
}

// ApplicatorOption is a functional option for NewApplicator.
type ApplicatorOption func(*Applicator)

// WithLockTimeout bounds the wait for the migration advisory lock.
func WithLockTimeout(timeout time.Duration) ApplicatorOption {
	return func(a *Applicator) {
		a.lockTimeout = timeout
	}
}

// WithHistoryTableName sets a custom migrations history table name.
func WithHistoryTableName(name string) ApplicatorOption {
	return func(a *Applicator) {
		a.history = newHistory(a.flavour.Dialect, name)
	}
}

// NewApplicator creates an applicator bound to one connection and flavour.
func NewApplicator(db *sql.DB, flavour *Flavour, logger log.FieldLogger, opts ...ApplicatorOption) (*Applicator, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if flavour == nil {
		return nil, fmt.Errorf("flavour cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	a := &Applicator{
		db:          db,
		flavour:     flavour,
		logger:      logger,
		history:     newHistory(flavour.Dialect, schemakit.DefaultMigrationsTableName),
		lockTimeout: schemakit.DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// CheckPlan runs the destructive-change checker for the plan without
// touching the schema. The probes read the live database.
func (a *Applicator) CheckPlan(ctx context.Context, plan Plan) (*destructive.Diagnostics, error) {
	return destructive.Check(ctx, a.db, plan.Steps, plan.Schemas, a.flavour.CheckerParams)
}

// Apply renders and executes the plan. The sequence is: advisory lock,
// history table bootstrap, destructive check, render, execute, record.
// The lock is released on every path.
func (a *Applicator) Apply(ctx context.Context, plan Plan) (*ApplyResult, error) {
	result := &ApplyResult{State: StateIdle}

	lock, err := acquireAdvisoryLock(ctx, a.db, a.flavour, a.lockTimeout)
	if err != nil {
		return result, err
	}
	result.State = StateLockAcquired
	defer func() {
		if releaseErr := lock.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			a.logger.Error(fmt.Sprintf("Failed to release migration advisory lock: %s", releaseErr))
		}
	}()

	if err = a.history.EnsureTable(ctx, a.db); err != nil {
		result.State = StateFailed
		return result, err
	}

	diagnostics, err := a.CheckPlan(ctx, plan)
	if err != nil {
		result.State = StateFailed
		return result, fmt.Errorf("check plan %q: %w", plan.Name, err)
	}
	result.Diagnostics = diagnostics
	if diagnostics.BlocksApply(plan.Force) {
		return result, fmt.Errorf("plan %q: %w", plan.Name, ErrBlockedByDiagnostics)
	}

	statements, err := a.flavour.Renderer.RenderSteps(plan.Steps, plan.Schemas)
	if err != nil {
		result.State = StateFailed
		return result, fmt.Errorf("render plan %q: %w", plan.Name, err)
	}
	result.Statements = statements

	checksum := plan.Checksum
	if checksum == "" {
		checksum = planChecksum(statements)
	}
	historyID, err := a.history.RecordStart(ctx, a.db, plan.Name, checksum)
	if err != nil {
		result.State = StateFailed
		return result, err
	}
	result.HistoryID = historyID
	result.State = StateApplying

	a.logger.Info(fmt.Sprintf("Applying migration plan %s (%d statement(s))", plan.Name, len(statements)))

	if a.flavour.SupportsTransactionalDDL {
		err = a.applyInTx(ctx, result, statements)
	} else {
		err = a.applyStatementByStatement(ctx, result, statements)
	}
	if err != nil {
		return result, err
	}

	if err = a.history.RecordFinished(ctx, a.db, historyID, len(statements)); err != nil {
		result.State = StateFailed
		return result, err
	}
	result.State = StateCommitted
	a.logger.Info(fmt.Sprintf("Applied migration plan: %s", plan.Name))
	return result, nil
}

// applyInTx executes all statements in one transaction. A mid-sequence
// failure rolls the schema back, so the history row is marked rolled back.
func (a *Applicator) applyInTx(ctx context.Context, result *ApplyResult, statements []string) error {
	err := schemakit.DoInTx(ctx, a.db, func(tx *sql.Tx) error {
		for i, stmt := range statements {
			if _, execErr := tx.ExecContext(ctx, stmt); execErr != nil {
				return fmt.Errorf("execute statement %d: %w", i+1, execErr)
			}
			result.AppliedStatements = i + 1
		}
		return nil
	})
	if err == nil {
		return nil
	}

	result.State = StateRolledBack
	result.AppliedStatements = 0
	if recordErr := a.history.RecordFailure(ctx, a.db, result.HistoryID, 0, err.Error()); recordErr != nil {
		a.logger.Error(fmt.Sprintf("Failed to record migration failure: %s", recordErr))
	}
	if recordErr := a.history.RecordRolledBack(ctx, a.db, result.HistoryID); recordErr != nil {
		a.logger.Error(fmt.Sprintf("Failed to record migration rollback: %s", recordErr))
	}
	return err
}

// applyStatementByStatement executes statements one by one for engines that
// autocommit DDL. On failure the schema is left partially migrated; the
// history row records how far the apply got and the native error.
func (a *Applicator) applyStatementByStatement(ctx context.Context, result *ApplyResult, statements []string) error {
	for i, stmt := range statements {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			err = fmt.Errorf("execute statement %d: %w", i+1, err)
			result.State = StateFailed
			if recordErr := a.history.RecordFailure(ctx, a.db, result.HistoryID,
				result.AppliedStatements, err.Error()); recordErr != nil {
				a.logger.Error(fmt.Sprintf("Failed to record migration failure: %s", recordErr))
			}
			return err
		}
		result.AppliedStatements = i + 1
	}
	return nil
}

// FailedMigrationError is returned when the history holds a row that neither
// finished nor was rolled back. The row must be resolved (rolled back or
// repaired) before new migrations can be verified against the history.
type FailedMigrationError struct {
	Name string
	ID   string
}

func (e *FailedMigrationError) Error() string {
	return fmt.Sprintf("migration %q (history row %s) failed and was not rolled back; resolve it before applying new migrations",
		e.Name, e.ID)
}

// ChecksumMismatchError is returned when a saved migration script was edited
// after a migration with the same name was applied.
type ChecksumMismatchError struct {
	Name     string
	Recorded string
	Computed string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("migration %q was modified after it was applied: recorded checksum %s, current %s",
		e.Name, e.Recorded, e.Computed)
}

// VerifyScripts compares the saved scripts against the recorded history and
// returns the scripts that have not been applied yet, in order. Rolled-back
// rows do not count as applied. A row that neither finished nor was rolled
// back yields a FailedMigrationError; a script whose checksum diverges from
// its history row yields a ChecksumMismatchError.
func (a *Applicator) VerifyScripts(ctx context.Context, scripts []MigrationScript) ([]MigrationScript, error) {
	entries, err := a.History(ctx)
	if err != nil {
		return nil, err
	}
	applied := make(map[string]HistoryEntry, len(entries))
	for _, e := range entries {
		if e.RolledBackAt != nil {
			continue
		}
		if e.FinishedAt == nil {
			return nil, &FailedMigrationError{Name: e.MigrationName, ID: e.ID}
		}
		applied[e.MigrationName] = e
	}

	var pending []MigrationScript
	for _, script := range scripts {
		entry, ok := applied[script.Name]
		if !ok {
			pending = append(pending, script)
			continue
		}
		if entry.Checksum != script.Checksum {
			return nil, &ChecksumMismatchError{
				Name:     script.Name,
				Recorded: entry.Checksum,
				Computed: script.Checksum,
			}
		}
	}
	return pending, nil
}

// planChecksum pins a history row to the exact statements that were run.
func planChecksum(statements []string) string {
	sum := sha256.Sum256([]byte(strings.Join(statements, ";\n")))
	return hex.EncodeToString(sum[:])
}

// History lists the recorded migration history, oldest first.
func (a *Applicator) History(ctx context.Context) ([]HistoryEntry, error) {
	if err := a.history.EnsureTable(ctx, a.db); err != nil {
		return nil, err
	}
	return a.history.List(ctx, a.db)
}
