package migrate

import (
	"errors"
	"fmt"
)

// LedgerCorruptedError reports a ledger that was edited by hand: rows were
// deleted or inserted so that the high-water-mark no longer matches the row
// count, or a row id is not its 1-based position. The ledger must be
// reconciled before migrating again.
type LedgerCorruptedError struct {
	Table         string
	HighWaterMark int64
	RowCount      int
	// Position and ID are set when row Position (1-based) carries ID.
	Position int
	ID       int64
}

func (e *LedgerCorruptedError) Error() string {
	if e.Position > 0 {
		return fmt.Sprintf("migrate: ledger %s row %d has id %d; rows were inserted or renumbered by hand, reconcile the ledger before migrating",
			e.Table, e.Position, e.ID)
	}
	return fmt.Sprintf("migrate: ledger %s high-water-mark (%d) does not match its row count (%d); rows were deleted or inserted by hand, reconcile the ledger before migrating",
		e.Table, e.HighWaterMark, e.RowCount)
}

// InsufficientMigrationsError reports that fewer migrations were supplied than
// the ledger has already recorded.
type InsufficientMigrationsError struct {
	Provided int
	Required int
}

func (e *InsufficientMigrationsError) Error() string {
	return fmt.Sprintf("migrate: %d migrations provided but %d have already run; were some migrations left out?",
		e.Provided, e.Required)
}

// MigrationDivergedError reports that the migration at Index does not match
// the source recorded at LedgerID.
type MigrationDivergedError struct {
	Index          int
	LedgerID       int64
	LedgerSource   string
	ProvidedSource string
}

func (e *MigrationDivergedError) Error() string {
	return fmt.Sprintf("migrate: migration %d differs from ledger row %d\nmigration:\n%s\nledger:\n%s",
		e.Index, e.LedgerID, e.ProvidedSource, e.LedgerSource)
}

// MigrationFailedError reports a migration whose statement, ledger insert or
// commit failed. Its transaction was rolled back and no later migration ran.
type MigrationFailedError struct {
	Index     int
	Migration Migration
	Err       error
}

func (e *MigrationFailedError) Error() string {
	return fmt.Sprintf("migrate: migration %d failed: %v", e.Index, e.Err)
}

func (e *MigrationFailedError) Unwrap() error { return e.Err }

// ErrorKind classifies err for labels and reports: "ledger_corrupted",
// "insufficient_migrations", "migration_diverged", "migration_failed",
// "error" for anything else, or "" for nil.
func ErrorKind(err error) string {
	var (
		lc  *LedgerCorruptedError
		ins *InsufficientMigrationsError
		div *MigrationDivergedError
		mf  *MigrationFailedError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &lc):
		return "ledger_corrupted"
	case errors.As(err, &ins):
		return "insufficient_migrations"
	case errors.As(err, &div):
		return "migration_diverged"
	case errors.As(err, &mf):
		return "migration_failed"
	}
	return "error"
}
