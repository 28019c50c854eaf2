// Package history keeps a local record of `sqlmigrate up` runs in the
// state database, which the webhook delivery log shares.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sqlmigrate/internal/database"
	"sqlmigrate/migrate"
)

// Run is one recorded `up` invocation.
type Run struct {
	ID       string    `json:"id"`
	Table    string    `json:"table"`
	Database string    `json:"database"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Applied  int       `json:"applied"`
	Total    int       `json:"total"`
	// Result is "success", "noop" or an error kind.
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// ResultCount is the number of runs that ended with Result.
type ResultCount struct {
	Result string `json:"result"`
	Count  int64  `json:"count"`
}

// Store persists runs to SQLite.
type Store struct {
	db *sql.DB
}

// timeFormat is fixed width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000Z"

// LedgerTable is the ledger that tracks the history schema.
const LedgerTable = "history_ledger"

var migrations = []migrate.Migration{
	migrate.SQL(`CREATE TABLE runs (
		id          TEXT PRIMARY KEY,
		ledger      TEXT NOT NULL,
		target      TEXT NOT NULL,
		started_at  TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		applied     INTEGER NOT NULL,
		total       INTEGER NOT NULL,
		result      TEXT NOT NULL,
		error       TEXT NOT NULL DEFAULT ''
	)`),
	migrate.SQL(`CREATE INDEX idx_runs_ledger_started ON runs(ledger, started_at)`),
}

// Open opens the state database at path, creating it if needed.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := database.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	m, err := migrate.New(db, migrate.WithTable(LedgerTable))
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := m.Migrate(ctx, migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("history migration: %w", err)
	}
	return &Store{db: db}, nil
}

// DB returns the underlying database connection for shared use.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Record stores r.
func (s *Store) Record(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, ledger, target, started_at, finished_at, applied, total, result, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Table, r.Database,
		r.Started.UTC().Format(timeFormat), r.Finished.UTC().Format(timeFormat),
		r.Applied, r.Total, r.Result, r.Error,
	)
	if err != nil {
		return fmt.Errorf("history: record run %s: %w", r.ID, err)
	}
	return nil
}

// Recent returns up to limit runs, newest first. An empty table matches all
// ledgers.
func (s *Store) Recent(ctx context.Context, table string, limit int) ([]Run, error) {
	where := ""
	args := []any{}
	if table != "" {
		where = "WHERE ledger = ?"
		args = append(args, table)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, ledger, target, started_at, finished_at, applied, total, result, error
		 FROM runs %s ORDER BY started_at DESC LIMIT ?`, where), append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("history: query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                 Run
			started, finished string
		)
		if err := rows.Scan(&r.ID, &r.Table, &r.Database, &started, &finished, &r.Applied, &r.Total, &r.Result, &r.Error); err != nil {
			return nil, fmt.Errorf("history: scan run: %w", err)
		}
		r.Started, _ = time.Parse(timeFormat, started)
		r.Finished, _ = time.Parse(timeFormat, finished)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate runs: %w", err)
	}
	return runs, nil
}

// Results counts runs by result since the given time. A zero since counts
// every run; an empty table matches all ledgers.
func (s *Store) Results(ctx context.Context, table string, since time.Time) ([]ResultCount, error) {
	where := "started_at >= ?"
	args := []any{since.UTC().Format(timeFormat)}
	if table != "" {
		where += " AND ledger = ?"
		args = append(args, table)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT result, COUNT(*) FROM runs WHERE %s
		 GROUP BY result ORDER BY COUNT(*) DESC, result`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("history: count results: %w", err)
	}
	defer rows.Close()

	var counts []ResultCount
	for rows.Next() {
		var c ResultCount
		if err := rows.Scan(&c.Result, &c.Count); err != nil {
			return nil, fmt.Errorf("history: scan result: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
