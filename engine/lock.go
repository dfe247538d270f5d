/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/acronis/go-schemakit"
)

// ErrLockTimeout is returned when the advisory lock could not be acquired
// within the configured wait.
var ErrLockTimeout = errors.New("timed out waiting for the migration advisory lock")

// advisoryLockID is the fixed key all engine instances contend on.
// The value is arbitrary but must never change between releases.
const advisoryLockID int64 = 72707369

const advisoryLockName = "schemakit_migrations"

// advisoryLock holds an engine-level advisory lock on one dedicated
// connection. The same connection must release it, so the connection is
// pinned for the lock's lifetime.
type advisoryLock struct {
	conn    *sql.Conn
	dialect schemakit.Dialect
}

// acquireAdvisoryLock takes the migration lock, waiting at most timeout.
// Dialects without advisory locking get a no-op lock: callers release it the
// same way, keeping the acquisition discipline uniform.
func acquireAdvisoryLock(ctx context.Context, db *sql.DB, flavour *Flavour, timeout time.Duration) (*advisoryLock, error) {
	if !flavour.SupportsAdvisoryLock {
		return &advisoryLock{}, nil
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtain connection for advisory lock: %w", err)
	}
	lock := &advisoryLock{conn: conn, dialect: flavour.Dialect}
	if err := lock.acquire(ctx, timeout); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return lock, nil
}

func (l *advisoryLock) acquire(ctx context.Context, timeout time.Duration) error {
	switch l.dialect {
	case schemakit.DialectPostgres, schemakit.DialectPgx:
		return l.acquirePostgres(ctx, timeout)
	case schemakit.DialectMySQL:
		return l.acquireMySQL(ctx, timeout)
	case schemakit.DialectMSSQL:
		return l.acquireMSSQL(ctx, timeout)
	}
	return fmt.Errorf("no advisory lock for dialect %q", l.dialect)
}

// acquirePostgres polls pg_try_advisory_lock until it succeeds or the wait
// runs out. Polling a try-lock keeps the wait bounded without relying on
// server-side lock_timeout settings.
func (l *advisoryLock) acquirePostgres(ctx context.Context, timeout time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = timeout

	operation := func() error {
		var acquired bool
		if err := l.conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", advisoryLockID).
			Scan(&acquired); err != nil {
			return backoff.Permanent(err)
		}
		if !acquired {
			return ErrLockTimeout
		}
		return nil
	}
	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return fmt.Errorf("acquire advisory lock: %w", permanent.Err)
	}
	return err
}

func (l *advisoryLock) acquireMySQL(ctx context.Context, timeout time.Duration) error {
	var acquired sql.NullInt64
	if err := l.conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)",
		advisoryLockName, int(timeout.Seconds())).Scan(&acquired); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired.Valid || acquired.Int64 != 1 {
		return ErrLockTimeout
	}
	return nil
}

func (l *advisoryLock) acquireMSSQL(ctx context.Context, timeout time.Duration) error {
	var result int
	err := l.conn.QueryRowContext(ctx, `
		DECLARE @result int;
		EXEC @result = sp_getapplock @Resource = @p1, @LockMode = 'Exclusive',
		     @LockOwner = 'Session', @LockTimeout = @p2;
		SELECT @result`,
		advisoryLockName, int(timeout.Milliseconds())).Scan(&result)
	if err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}
	if result < 0 {
		return ErrLockTimeout
	}
	return nil
}

// Release gives the lock back and unpins the connection. Safe to call on a
// no-op lock. The passed context should survive cancellation of the apply,
// otherwise the session holds the lock until the connection dies.
func (l *advisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	defer func() { _ = l.conn.Close() }()

	var err error
	switch l.dialect {
	case schemakit.DialectPostgres, schemakit.DialectPgx:
		_, err = l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockID)
	case schemakit.DialectMySQL:
		_, err = l.conn.ExecContext(ctx, "SELECT RELEASE_LOCK(?)", advisoryLockName)
	case schemakit.DialectMSSQL:
		_, err = l.conn.ExecContext(ctx,
			"EXEC sp_releaseapplock @Resource = @p1, @LockOwner = 'Session'", advisoryLockName)
	}
	if err != nil {
		return fmt.Errorf("release advisory lock: %w", err)
	}
	return nil
}
