/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package schemakit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/acronis/go-appkit/config"
	"github.com/acronis/go-appkit/retry"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		ping    bool
		wantErr bool
	}{
		{
			name: "sqlite target database opens and pings",
			cfg: &Config{
				Dialect:         DialectSQLite,
				SQLite:          SQLiteConfig{Path: ":memory:"},
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: config.TimeDuration(time.Minute * 10),
			},
			ping:    true,
			wantErr: false,
		},
		{
			name: "unknown dialect is rejected before connecting",
			cfg: &Config{
				Dialect:         Dialect("oracle"),
				SQLite:          SQLiteConfig{Path: ":memory:"},
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: config.TimeDuration(time.Minute * 10),
			},
			ping:    false,
			wantErr: true,
		},
		{
			name: "unreachable database fails on ping",
			cfg: &Config{
				Dialect:         DialectSQLite,
				SQLite:          SQLiteConfig{Path: "internal"}, // directory is not a valid path
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: config.TimeDuration(time.Minute * 10),
			},
			ping:    true,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dbConn, err := Open(tt.cfg, tt.ping)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				require.NotNil(t, dbConn)
			}
		})
	}
}

func TestDoInTx(t *testing.T) {
	createCat := `CREATE TABLE "Cat" \("id" INTEGER NOT NULL\)`

	tests := []struct {
		name         string
		initMock     func(m sqlmock.Sqlmock)
		fn           func(tx *sql.Tx) error
		wantErr      error
		wantPanicErr error
	}{
		{
			name: "migration statement commits",
			initMock: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec(createCat).WillReturnResult(sqlmock.NewResult(0, 0))
				m.ExpectCommit()
			},
			fn: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE TABLE "Cat" ("id" INTEGER NOT NULL)`)
				return err
			},
		},
		{
			name: "error on begin",
			initMock: func(m sqlmock.Sqlmock) {
				m.ExpectBegin().WillReturnError(fmt.Errorf("begin error"))
			},
			fn: func(tx *sql.Tx) error {
				return nil
			},
			wantErr: fmt.Errorf("begin tx: begin error"),
		},
		{
			name: "error on commit",
			initMock: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectCommit().WillReturnError(fmt.Errorf("commit error"))
			},
			fn: func(tx *sql.Tx) error {
				return nil
			},
			wantErr: fmt.Errorf("commit tx: commit error"),
		},
		{
			name: "failing statement rolls the migration back",
			initMock: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec(createCat).WillReturnError(fmt.Errorf(`relation "Cat" already exists`))
				m.ExpectRollback()
			},
			fn: func(tx *sql.Tx) error {
				if _, err := tx.Exec(`CREATE TABLE "Cat" ("id" INTEGER NOT NULL)`); err != nil {
					return fmt.Errorf("execute statement 1: %w", err)
				}
				return nil
			},
			wantErr: fmt.Errorf(`execute statement 1: relation "Cat" already exists`),
		},
		{
			name: "panic in func",
			initMock: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectRollback()
			},
			fn: func(tx *sql.Tx) error {
				panic(fmt.Errorf("panic"))
			},
			wantPanicErr: fmt.Errorf("panic"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer func() {
				require.NoError(t, mock.ExpectationsWereMet())
			}()

			tt.initMock(mock)

			if tt.wantPanicErr != nil {
				require.PanicsWithError(t, tt.wantPanicErr.Error(), func() {
					_ = DoInTx(context.Background(), db, tt.fn)
				})
				return
			}
			err = DoInTx(context.Background(), db, tt.fn)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.EqualError(t, err, tt.wantErr.Error())
		})
	}
}

func TestDoInTxWithRetryPolicy(t *testing.T) {
	// The shape of a Postgres serialization failure surfacing mid-apply.
	serializationErr := errors.New("could not serialize access due to concurrent update")

	retryPolicy := retry.NewConstantBackoffPolicy(time.Millisecond*50, 3)

	addColumn := `ALTER TABLE "Cat" ADD COLUMN "name" text`

	tests := []struct {
		name       string
		initMock   func(m sqlmock.Sqlmock)
		fnProvider func() func(tx *sql.Tx) error
		wantErr    error
	}{
		{
			name: "apply succeeds, no retry attempts",
			initMock: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectExec(addColumn).WillReturnResult(sqlmock.NewResult(0, 0))
				m.ExpectCommit()
			},
			fnProvider: func() func(tx *sql.Tx) error {
				return func(tx *sql.Tx) error {
					_, err := tx.Exec(`ALTER TABLE "Cat" ADD COLUMN "name" text`)
					return err
				}
			},
		},
		{
			name: "apply succeeds after a serialization retry",
			initMock: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectRollback()
				m.ExpectBegin()
				m.ExpectExec(addColumn).WillReturnResult(sqlmock.NewResult(0, 0))
				m.ExpectCommit()
			},
			fnProvider: func() func(tx *sql.Tx) error {
				var attempts int
				return func(tx *sql.Tx) error {
					attempts++
					if attempts < 2 {
						return serializationErr
					}
					_, err := tx.Exec(`ALTER TABLE "Cat" ADD COLUMN "name" text`)
					return err
				}
			},
		},
		{
			name: "schema error is not retried",
			initMock: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectRollback()
			},
			fnProvider: func() func(tx *sql.Tx) error {
				return func(tx *sql.Tx) error {
					return fmt.Errorf(`column "name" of relation "Cat" already exists`)
				}
			},
			wantErr: fmt.Errorf(`column "name" of relation "Cat" already exists`),
		},
		{
			name: "persistent contention exhausts the retry budget",
			initMock: func(m sqlmock.Sqlmock) {
				// 4 attempts: 1 initial + 3 retries
				m.ExpectBegin()
				m.ExpectRollback()
				m.ExpectBegin()
				m.ExpectRollback()
				m.ExpectBegin()
				m.ExpectRollback()
				m.ExpectBegin()
				m.ExpectRollback()
			},
			fnProvider: func() func(tx *sql.Tx) error {
				return func(tx *sql.Tx) error {
					return serializationErr
				}
			},
			wantErr: serializationErr,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)

			UnregisterAllIsRetryableFuncs(db.Driver())
			RegisterIsRetryableFunc(db.Driver(), func(err error) bool {
				return errors.Is(err, serializationErr)
			})

			tt.initMock(mock)

			err = DoInTx(context.Background(), db, tt.fnProvider(), WithRetryPolicy(retryPolicy))
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.EqualError(t, err, tt.wantErr.Error())
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
