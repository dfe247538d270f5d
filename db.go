/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package schemakit

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/acronis/go-appkit/retry"
	"github.com/cenkalti/backoff/v4"
)

// Open opens a database connection using the passed configuration
// and configures the connection pool. If ping is true, the connection
// is verified before returning.
func Open(cfg *Config, ping bool) (*sql.DB, error) {
	driverName, dsn := cfg.DriverNameAndDSN()
	if driverName == "" {
		return nil, fmt.Errorf("unsupported sql dialect %q", cfg.Dialect)
	}
	dbConn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Dialect, err)
	}
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime))
	if ping {
		if err = dbConn.Ping(); err != nil {
			_ = dbConn.Close()
			return nil, fmt.Errorf("ping %s database: %w", cfg.Dialect, err)
		}
	}
	return dbConn, nil
}

// IsRetryable is a function that reports whether the passed error is transient
// and the operation that caused it may be retried.
type IsRetryable func(err error) bool

// The registry is keyed by the driver's dynamic type: sql.DB.Driver() and the
// init-time registrations hold different instances of the same driver.
var (
	isRetryableFuncsMu sync.RWMutex
	isRetryableFuncs   = make(map[reflect.Type][]IsRetryable)
)

// RegisterIsRetryableFunc registers a function for determining if the passed error
// is retryable for the given driver. Multiple functions may be registered per driver;
// an error is considered retryable if any of them returns true.
func RegisterIsRetryableFunc(d driver.Driver, fn IsRetryable) {
	isRetryableFuncsMu.Lock()
	defer isRetryableFuncsMu.Unlock()
	isRetryableFuncs[reflect.TypeOf(d)] = append(isRetryableFuncs[reflect.TypeOf(d)], fn)
}

// UnregisterAllIsRetryableFuncs unregisters all functions that were registered
// by the RegisterIsRetryableFunc for the given driver.
func UnregisterAllIsRetryableFuncs(d driver.Driver) {
	isRetryableFuncsMu.Lock()
	defer isRetryableFuncsMu.Unlock()
	delete(isRetryableFuncs, reflect.TypeOf(d))
}

// GetIsRetryable returns a function for determining if an error coming from
// the given driver is retryable, or nil when nothing was registered.
func GetIsRetryable(d driver.Driver) IsRetryable {
	isRetryableFuncsMu.RLock()
	fns := isRetryableFuncs[reflect.TypeOf(d)]
	isRetryableFuncsMu.RUnlock()
	if len(fns) == 0 {
		return nil
	}
	return func(err error) bool {
		for _, fn := range fns {
			if fn(err) {
				return true
			}
		}
		return false
	}
}

type txOptions struct {
	retryPolicy retry.Policy
}

// TxOption is a functional option for DoInTx.
type TxOption func(*txOptions)

// WithRetryPolicy makes DoInTx retry the whole transaction according to
// the passed policy when the function returns a retryable error
// (see RegisterIsRetryableFunc).
func WithRetryPolicy(policy retry.Policy) TxOption {
	return func(o *txOptions) {
		o.retryPolicy = policy
	}
}

// DoInTx begins a new transaction, calls the passed function and commits the transaction.
// If the function returns an error or panics, the transaction is rolled back.
func DoInTx(ctx context.Context, dbConn *sql.DB, fn func(tx *sql.Tx) error, options ...TxOption) error {
	var opts txOptions
	for _, opt := range options {
		opt(&opts)
	}

	if opts.retryPolicy == nil {
		return doInTxOnce(ctx, dbConn, fn)
	}

	isRetryable := GetIsRetryable(dbConn.Driver())
	operation := func() error {
		err := doInTxOnce(ctx, dbConn, fn)
		if err == nil {
			return nil
		}
		if isRetryable != nil && isRetryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	err := backoff.Retry(operation, backoff.WithContext(opts.retryPolicy.NewBackOff(), ctx))
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}

func doInTxOnce(ctx context.Context, dbConn *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := dbConn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}
