package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Dialect stores the ledger for one database engine. Table names passed to a
// Dialect have already been checked with ValidTableName.
type Dialect interface {
	Name() string
	// Quote returns ident quoted for use in a statement.
	Quote(ident string) string
	// Bootstrap creates the ledger if it does not exist.
	Bootstrap(ctx context.Context, db Execer, table string) error
	// HighWaterMark returns the last id ever assigned in the ledger, or 0 if
	// none was.
	HighWaterMark(ctx context.Context, q Querier, table string) (int64, error)
	// Append records source as ledger row id inside tx.
	Append(ctx context.Context, tx Execer, table string, id int64, source string) error
}

// SQLite keeps the ledger in an AUTOINCREMENT table and uses sqlite_sequence
// as the high-water-mark. sqlite_sequence is updated inside the inserting
// transaction, so a rolled-back migration does not consume an id.
var SQLite Dialect = sqliteDialect{}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) Quote(ident string) string { return `"` + ident + `"` }

func (d sqliteDialect) Bootstrap(ctx context.Context, db Execer, table string) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (id INTEGER PRIMARY KEY AUTOINCREMENT, source TEXT NOT NULL)`,
		d.Quote(table)))
	return err
}

func (sqliteDialect) HighWaterMark(ctx context.Context, q Querier, table string) (int64, error) {
	var seq int64
	// Table names are case-insensitive in SQLite; sqlite_sequence keeps the
	// spelling used at creation.
	err := q.QueryRowContext(ctx, `SELECT seq FROM sqlite_sequence WHERE name = ? COLLATE NOCASE`, table).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (d sqliteDialect) Append(ctx context.Context, tx Execer, table string, id int64, source string) error {
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (source) VALUES (?)`, d.Quote(table)), source)
	if err != nil {
		return err
	}
	got, err := res.LastInsertId()
	if err != nil {
		return err
	}
	if got != id {
		return fmt.Errorf("ledger assigned id %d, want %d", got, id)
	}
	return nil
}

// Postgres keeps the high-water-mark in a single-row <table>_sequence table
// updated in the same transaction as the ledger insert. Postgres sequences
// are not rolled back with a transaction, so a SERIAL id would drift from
// the row count after every failed migration.
var Postgres Dialect = counterDialect{
	name:       "postgres",
	quote:      `"`,
	sourceType: "TEXT",
	bind:       func(n int) string { return fmt.Sprintf("$%d", n) },
	upsert:     `INSERT INTO %s (id, seq) VALUES (1, $1) ON CONFLICT (id) DO UPDATE SET seq = EXCLUDED.seq`,
}

// MySQL keeps the high-water-mark like Postgres does; InnoDB does not roll
// back AUTO_INCREMENT either. MySQL commits DDL implicitly, so only
// migrations made of DML statements are atomic with their ledger row.
var MySQL Dialect = counterDialect{
	name:       "mysql",
	quote:      "`",
	sourceType: "LONGTEXT",
	bind:       func(int) string { return "?" },
	upsert:     `INSERT INTO %s (id, seq) VALUES (1, ?) ON DUPLICATE KEY UPDATE seq = VALUES(seq)`,
}

type counterDialect struct {
	name       string
	quote      string
	sourceType string
	bind       func(n int) string
	// upsert sets the counter row; %s is the sequence table, the single
	// placeholder is the new high-water-mark.
	upsert string
}

func (d counterDialect) Name() string { return d.name }

func (d counterDialect) Quote(ident string) string { return d.quote + ident + d.quote }

func (d counterDialect) sequenceTable(table string) string { return d.Quote(table + "_sequence") }

func (d counterDialect) Bootstrap(ctx context.Context, db Execer, table string) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id BIGINT PRIMARY KEY, source %s NOT NULL)`,
			d.Quote(table), d.sourceType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id INTEGER PRIMARY KEY CHECK (id = 1), seq BIGINT NOT NULL)`,
			d.sequenceTable(table)),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (d counterDialect) HighWaterMark(ctx context.Context, q Querier, table string) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT seq FROM %s WHERE id = 1`, d.sequenceTable(table))).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (d counterDialect) Append(ctx context.Context, tx Execer, table string, id int64, source string) error {
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, source) VALUES (%s, %s)`, d.Quote(table), d.bind(1), d.bind(2)),
		id, source,
	); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(d.upsert, d.sequenceTable(table)), id)
	return err
}

// DialectFor returns the ledger dialect for a database/sql driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "pgx":
		return Postgres, nil
	case "mysql":
		return MySQL, nil
	}
	return nil, fmt.Errorf("migrate: no ledger dialect for driver %q", driver)
}
