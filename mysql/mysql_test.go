/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package mysql

import (
	"database/sql/driver"
	"fmt"
	"testing"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"

	"github.com/acronis/go-schemakit"
)

func TestMySQLIsRetryable(t *testing.T) {
	isRetryable := schemakit.GetIsRetryable(&mysqldrv.MySQLDriver{})
	require.NotNil(t, isRetryable)
	// enum all retriable errors
	retriable := []ErrCode{
		ErrCodeDeadlock,
		ErrCodeLockWaitTimeout,
	}
	for _, code := range retriable {
		var err error
		err = &mysqldrv.MySQLError{Number: uint16(code)}
		require.True(t, isRetryable(err))
		err = fmt.Errorf("Wrapped error: %w", err)
		require.True(t, isRetryable(err))
	}

	require.False(t, isRetryable(&mysqldrv.MySQLError{Number: uint16(ErrCodeDupEntry)}))
	require.False(t, isRetryable(driver.ErrBadConn))
}

func TestCheckMySQLError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &mysqldrv.MySQLError{Number: uint16(ErrCodeDupEntry)})
	require.True(t, CheckMySQLError(err, ErrCodeDupEntry))
	require.False(t, CheckMySQLError(err, ErrCodeDeadlock))
	require.False(t, CheckMySQLError(driver.ErrBadConn, ErrCodeDupEntry))
}
