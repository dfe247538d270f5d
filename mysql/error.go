/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package mysql registers transient MySQL error codes for the go-sql-driver
// driver. Importing it (usually blank) makes DoInTx with a retry policy retry
// deadlocks and lock wait timeouts.
package mysql

import (
	"errors"

	mysqldrv "github.com/go-sql-driver/mysql"

	"github.com/acronis/go-schemakit"
)

// ErrCode is a MySQL server error number.
type ErrCode uint16

// MySQL error codes the engine cares about.
const (
	ErrCodeLockWaitTimeout ErrCode = 1205
	ErrCodeDeadlock        ErrCode = 1213
	ErrCodeDupEntry        ErrCode = 1062
	ErrCodeUnknownTable    ErrCode = 1051
)

func init() {
	schemakit.RegisterIsRetryableFunc(&mysqldrv.MySQLDriver{}, func(err error) bool {
		var mysqlErr *mysqldrv.MySQLError
		if errors.As(err, &mysqlErr) {
			switch ErrCode(mysqlErr.Number) {
			case ErrCodeDeadlock, ErrCodeLockWaitTimeout:
				return true
			}
		}
		return false
	})
}

// CheckMySQLError checks if the passed error relates to MySQL,
// and it's internal code matches the one from the argument.
func CheckMySQLError(err error, errCode ErrCode) bool {
	var mysqlErr *mysqldrv.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == uint16(errCode)
	}
	return false
}
