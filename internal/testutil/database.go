package testutil

import (
	"testing"

	"mlc-go/internal/database"
	"mlc-go/internal/mlc"
)

// NewTestJournal creates an in-memory SQLite journal with migrations applied.
// The journal is closed when the test completes.
func NewTestJournal(t *testing.T) *database.SQLiteJournal {
	t.Helper()

	j, err := database.NewSQLiteJournal(":memory:", FixedClock())
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}

	t.Cleanup(func() {
		j.Close()
	})

	return j
}

// Compile-time check
var _ mlc.Journal = (*database.SQLiteJournal)(nil)
