package migrate

import (
	"context"
	"fmt"
)

// Record is one ledger row.
type Record struct {
	ID     int64
	Source string
}

// State is the ledger as read at the start of a call.
type State struct {
	// HighWaterMark is the last id the ledger ever assigned. Deleting rows
	// does not lower it.
	HighWaterMark int64
	Records       []Record
}

// Status describes how a migration list relates to the ledger.
type Status struct {
	// Applied is the number of migrations recorded in the ledger.
	Applied int
	// Pending is the number of supplied migrations not yet applied.
	Pending int
	Records []Record
}

// Status creates the ledger if needed, reads it and validates it against
// migrations without applying anything. On a validation error the returned
// Status still carries the ledger records that were read.
func (m *Migrator) Status(ctx context.Context, migrations []Migration) (Status, error) {
	if err := m.dialect.Bootstrap(ctx, m.db, m.table); err != nil {
		return Status{}, fmt.Errorf("migrate: creating ledger %s: %w", m.table, err)
	}
	state, err := m.readState(ctx)
	if err != nil {
		return Status{}, err
	}

	st := Status{Applied: len(state.Records), Records: state.Records}
	if err := checkLedger(m.table, state); err != nil {
		return st, err
	}
	if err := checkPrefix(state.Records, migrations); err != nil {
		return st, err
	}
	st.Pending = len(migrations) - st.Applied
	m.logger.Debug("ledger validated", "table", m.table, "applied", st.Applied, "pending", st.Pending)
	return st, nil
}

func (m *Migrator) readState(ctx context.Context) (State, error) {
	hwm, err := m.dialect.HighWaterMark(ctx, m.db, m.table)
	if err != nil {
		return State{}, fmt.Errorf("migrate: reading %s high-water-mark: %w", m.table, err)
	}
	records, err := readRecords(ctx, m.db, m.dialect, m.table)
	if err != nil {
		return State{}, fmt.Errorf("migrate: reading %s: %w", m.table, err)
	}
	return State{HighWaterMark: hwm, Records: records}, nil
}

func readRecords(ctx context.Context, q Querier, d Dialect, table string) ([]Record, error) {
	rows, err := q.QueryContext(ctx, "SELECT id, source FROM "+d.Quote(table)+" ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Source); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// checkLedger verifies that no rows were deleted or inserted out of band:
// the high-water-mark equals the row count and ids run densely from 1.
func checkLedger(table string, s State) error {
	if s.HighWaterMark != int64(len(s.Records)) {
		return &LedgerCorruptedError{Table: table, HighWaterMark: s.HighWaterMark, RowCount: len(s.Records)}
	}
	for i, r := range s.Records {
		if r.ID != int64(i+1) {
			return &LedgerCorruptedError{
				Table:         table,
				HighWaterMark: s.HighWaterMark,
				RowCount:      len(s.Records),
				Position:      i + 1,
				ID:            r.ID,
			}
		}
	}
	return nil
}

// checkPrefix verifies that migrations starts with exactly the sources the
// ledger recorded.
func checkPrefix(records []Record, migrations []Migration) error {
	if len(migrations) < len(records) {
		return &InsufficientMigrationsError{Provided: len(migrations), Required: len(records)}
	}
	for i, r := range records {
		if migrations[i].Source != r.Source {
			return &MigrationDivergedError{
				Index:          i,
				LedgerID:       r.ID,
				LedgerSource:   r.Source,
				ProvidedSource: migrations[i].Source,
			}
		}
	}
	return nil
}
