// Package database opens migration targets for the supported drivers and
// pairs each with its ledger dialect.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"modernc.org/sqlite"

	"sqlmigrate/migrate"
)

// Open opens and pings the database for driver and returns it with the
// matching ledger dialect. SQLite handles are limited to one connection so
// that ":memory:" databases and the single-writer model behave.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, migrate.Dialect, error) {
	dialect, err := migrate.DialectFor(driver)
	if err != nil {
		return nil, nil, err
	}
	if driver == "mysql" {
		if dsn, err = mysqlDSN(dsn); err != nil {
			return nil, nil, err
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("database: open %s: %w", driver, err)
	}
	if dialect.Name() == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("database: connect to %s: %w", Redact(driver, dsn), err)
	}
	return db, dialect, nil
}

// mysqlDSN enables multiStatements so a migration may hold several
// statements, as it can on the other drivers.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("database: parsing mysql dsn: %w", err)
	}
	cfg.MultiStatements = true
	return cfg.FormatDSN(), nil
}

// OpenSQLite opens the SQLite file at path for sqlmigrate's own bookkeeping,
// creating the parent directory if needed.
func OpenSQLite(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("database: creating %s: %w", filepath.Dir(path), err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	return db, nil
}

// Redact returns dsn with any password removed, for logs and notifications.
func Redact(driver, dsn string) string {
	switch driver {
	case "mysql":
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return driver
		}
		cfg.Passwd = ""
		return cfg.FormatDSN()
	case "postgres", "pgx":
		if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
			return u.Redacted()
		}
		// key=value form
		fields := strings.Fields(dsn)
		for i, f := range fields {
			if strings.HasPrefix(f, "password=") {
				fields[i] = "password=xxxxx"
			}
		}
		return strings.Join(fields, " ")
	}
	// SQLite: drop connection parameters, keep the path.
	path, _, _ := strings.Cut(dsn, "?")
	return strings.TrimPrefix(path, "file:")
}

// ErrorAttrs returns slog key/value pairs describing a driver error wrapped
// in err, or nil if err carries none.
func ErrorAttrs(err error) []any {
	var (
		pqErr     *pq.Error
		pgxErr    *pgconn.PgError
		mysqlErr  *mysql.MySQLError
		sqliteErr *sqlite.Error
	)
	switch {
	case errors.As(err, &pqErr):
		attrs := []any{"pg_code", string(pqErr.Code), "pg_condition", pqErr.Code.Name()}
		if pqErr.Detail != "" {
			attrs = append(attrs, "pg_detail", pqErr.Detail)
		}
		if pqErr.Hint != "" {
			attrs = append(attrs, "pg_hint", pqErr.Hint)
		}
		return attrs
	case errors.As(err, &pgxErr):
		attrs := []any{"pg_code", pgxErr.Code, "pg_condition", pq.ErrorCode(pgxErr.Code).Name()}
		if pgxErr.Detail != "" {
			attrs = append(attrs, "pg_detail", pgxErr.Detail)
		}
		if pgxErr.Hint != "" {
			attrs = append(attrs, "pg_hint", pgxErr.Hint)
		}
		return attrs
	case errors.As(err, &mysqlErr):
		return []any{"mysql_errno", mysqlErr.Number, "mysql_sqlstate", string(mysqlErr.SQLState[:])}
	case errors.As(err, &sqliteErr):
		return []any{"sqlite_code", sqliteErr.Code()}
	}
	return nil
}
