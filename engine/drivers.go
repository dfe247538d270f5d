/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package engine

// The engine opens connections by driver name (see schemakit.Open and the
// shadow orchestrator), so every supported driver must be registered.
import (
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/microsoft/go-mssqldb"
)
