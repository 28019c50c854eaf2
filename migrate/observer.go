package migrate

import "time"

// Observer is notified as a Migrate call progresses. Calls happen on the
// goroutine running Migrate.
type Observer interface {
	// MigrationApplied is called after the migration at index committed.
	MigrationApplied(index int, d time.Duration)
	// MigrationFailed is called when the migration at index was rolled back.
	MigrationFailed(index int, err error)
	// RunFinished is called once per Migrate call with the number of
	// migrations committed by it, including when err is non-nil.
	RunFinished(applied int, err error)
}

type nopObserver struct{}

func (nopObserver) MigrationApplied(int, time.Duration) {}
func (nopObserver) MigrationFailed(int, error)          {}
func (nopObserver) RunFinished(int, error)              {}
