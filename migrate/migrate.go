// Package migrate applies an ordered list of schema migrations to a database
// and records each applied migration in a ledger table inside that database.
//
// Migrations are identified by position: the migration at index i is the one
// recorded with ledger id i+1. Every call re-validates the ledger against the
// supplied list and refuses to run if the two disagree. Each pending migration
// runs in its own transaction together with its ledger insert, so a migration
// is either fully applied and recorded or not at all.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"time"
)

// DefaultTable is the ledger table used when no WithTable option is given.
const DefaultTable = "sqlmigrate_ledger"

// Migration is a single schema change. Source is executed verbatim with
// Params bound positionally, and is what the ledger records.
type Migration struct {
	Source string
	Params []any
}

// SQL returns a Migration for source with optional bound parameters.
func SQL(source string, params ...any) Migration {
	return Migration{Source: source, Params: params}
}

// Execer runs a statement. *sql.DB, *sql.Conn and *sql.Tx implement it.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Querier reads rows. *sql.DB, *sql.Conn and *sql.Tx implement it.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is the part of *sql.DB the migrator needs. *sql.Conn implements it too.
type DB interface {
	Execer
	Querier
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Migrator applies migrations to one database. It holds no per-call state,
// but it must not be used concurrently against the same database: the ledger
// detects races after the fact, it does not prevent them.
type Migrator struct {
	db       DB
	dialect  Dialect
	table    string
	logger   *slog.Logger
	observer Observer
}

// Option configures a Migrator.
type Option func(*Migrator)

// WithDialect selects how the ledger is stored. The default is SQLite.
func WithDialect(d Dialect) Option {
	return func(m *Migrator) { m.dialect = d }
}

// WithTable overrides the ledger table name.
func WithTable(name string) Option {
	return func(m *Migrator) { m.table = name }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Migrator) { m.logger = l }
}

// WithObserver registers callbacks for applied and failed migrations.
func WithObserver(o Observer) Option {
	return func(m *Migrator) { m.observer = o }
}

var identifierRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// ValidTableName reports whether name can be used as a ledger table name.
func ValidTableName(name string) bool {
	return identifierRegex.MatchString(name)
}

// New returns a Migrator for db.
func New(db DB, opts ...Option) (*Migrator, error) {
	m := &Migrator{
		db:       db,
		dialect:  SQLite,
		table:    DefaultTable,
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.observer == nil {
		m.observer = nopObserver{}
	}
	if m.dialect == nil {
		return nil, fmt.Errorf("migrate: nil dialect")
	}
	if !ValidTableName(m.table) {
		return nil, fmt.Errorf("migrate: invalid ledger table name %q", m.table)
	}
	return m, nil
}

// Migrate applies migrations to a SQLite database using the default ledger
// table. See (*Migrator).Migrate.
func Migrate(ctx context.Context, db DB, migrations []Migration) (int, error) {
	m, err := New(db)
	if err != nil {
		return 0, err
	}
	return m.Migrate(ctx, migrations)
}

// Migrate brings the database up to date with migrations and returns how many
// were applied by this call. On error it returns 0; migrations that committed
// before the failing one stay applied.
//
// The returned error is one of *LedgerCorruptedError,
// *InsufficientMigrationsError, *MigrationDivergedError or
// *MigrationFailedError, or a wrapped storage error from reading the ledger.
func (m *Migrator) Migrate(ctx context.Context, migrations []Migration) (int, error) {
	applied, err := m.migrate(ctx, migrations)
	m.observer.RunFinished(applied, err)
	if err != nil {
		return 0, err
	}
	return applied, nil
}

func (m *Migrator) migrate(ctx context.Context, migrations []Migration) (int, error) {
	st, err := m.Status(ctx, migrations)
	if err != nil {
		return 0, err
	}

	start := st.Applied
	for i := start; i < len(migrations); i++ {
		if err := m.apply(ctx, i, migrations[i]); err != nil {
			m.observer.MigrationFailed(i, err)
			m.logger.Error("migration failed", "table", m.table, "index", i, "committed", i-start, "err", err)
			return i - start, err
		}
	}
	if n := len(migrations) - start; n > 0 {
		m.logger.Info("migrations complete", "table", m.table, "applied", n, "total", len(migrations))
	}
	return len(migrations) - start, nil
}

// apply runs one migration and its ledger insert in a single transaction.
func (m *Migrator) apply(ctx context.Context, index int, mig Migration) error {
	fail := func(err error) error {
		return &MigrationFailedError{Index: index, Migration: mig, Err: err}
	}

	started := time.Now()
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fail(fmt.Errorf("begin: %w", err))
	}
	if _, err := tx.ExecContext(ctx, mig.Source, mig.Params...); err != nil {
		tx.Rollback()
		return fail(err)
	}
	if err := m.dialect.Append(ctx, tx, m.table, int64(index+1), mig.Source); err != nil {
		tx.Rollback()
		return fail(fmt.Errorf("recording in %s: %w", m.table, err))
	}
	if err := tx.Commit(); err != nil {
		return fail(fmt.Errorf("commit: %w", err))
	}

	elapsed := time.Since(started)
	m.observer.MigrationApplied(index, elapsed)
	m.logger.Info("migration applied", "table", m.table, "index", index, "ledger_id", index+1, "duration", elapsed)
	return nil
}
