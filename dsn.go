/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package schemakit

import (
	"fmt"
	"sort"
	"strings"

	"net/url"

	"github.com/go-sql-driver/mysql"
)

// MakeMSSQLDSN makes DSN for opening MSSQL database.
func MakeMSSQLDSN(cfg *MSSQLConfig) string {
	query := url.Values{}
	const dbKeyConfig = "database"
	query.Add(dbKeyConfig, cfg.Database)

	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		RawQuery: query.Encode(),
	}
	if len(cfg.AdditionalParameters) == 0 {
		return u.String()
	}

	return urlWithOptionalParameters(u, cfg.AdditionalParameters,
		map[string]struct{}{
			dbKeyConfig: {},
		})
}

// MakeMySQLDSN makes DSN for opening MySQL database.
func MakeMySQLDSN(cfg *MySQLConfig) string {
	c := mysql.NewConfig()
	c.Net = "tcp"
	c.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.DBName = cfg.Database
	c.ParseTime = true
	c.MultiStatements = true
	c.Params = make(map[string]string)
	c.Params["autocommit"] = "false"
	return c.FormatDSN()
}

// MakePostgresDSN makes DSN for opening Postgres database.
func MakePostgresDSN(cfg *PostgresConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = PostgresDefaultSSLMode
	}
	connURI := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     cfg.Database,
		RawQuery: fmt.Sprintf("sslmode=%s", url.QueryEscape(string(sslMode))),
	}
	if cfg.SearchPath != "" {
		connURI.RawQuery += fmt.Sprintf("&search_path=%s", url.QueryEscape(cfg.SearchPath))
	}
	if len(cfg.AdditionalParameters) == 0 {
		return connURI.String()
	}

	ignore := map[string]struct{}{
		"sslmode": {},
	}
	if cfg.SearchPath != "" {
		ignore["search_path"] = struct{}{}
	}

	return urlWithOptionalParameters(connURI, cfg.AdditionalParameters,
		ignore)
}

// MakeSQLiteDSN makes DSN for opening SQLite database.
func MakeSQLiteDSN(cfg *SQLiteConfig) string {
	// Connection params will be used here in the future.
	return cfg.Path
}

// DSNForDatabase returns a driver name and DSN pointing at the given database
// name instead of the configured one. It is used by the shadow database
// orchestrator which creates throwaway databases on the same server.
// For SQLite the database name is treated as a file path.
func DSNForDatabase(cfg *Config, database string) (driverName, dsn string) {
	switch cfg.Dialect {
	case DialectMySQL:
		mysqlCfg := cfg.MySQL
		mysqlCfg.Database = database
		return "mysql", MakeMySQLDSN(&mysqlCfg)
	case DialectSQLite:
		return "sqlite3", MakeSQLiteDSN(&SQLiteConfig{Path: database})
	case DialectPostgres, DialectPgx:
		pgCfg := cfg.Postgres
		pgCfg.Database = database
		driverName = "postgres"
		if cfg.Dialect == DialectPgx {
			driverName = "pgx"
		}
		return driverName, MakePostgresDSN(&pgCfg)
	case DialectMSSQL:
		mssqlCfg := cfg.MSSQL
		mssqlCfg.Database = database
		return "mssql", MakeMSSQLDSN(&mssqlCfg)
	}
	return "", ""
}

func urlWithOptionalParameters(
	u url.URL,
	params map[string]string,
	keysToIgnore map[string]struct{},
) string {
	queryParts := make([]string, 0, len(params))
	for k, v := range params {
		if _, ok := keysToIgnore[k]; ok {
			continue
		}
		queryParts = append(queryParts, fmt.Sprintf("%s=%s", k, url.QueryEscape(v)))
	}
	sort.Strings(queryParts) // Sort to make DSN deterministic.
	u.RawQuery += "&" + strings.Join(queryParts, "&")
	return u.String()
}
