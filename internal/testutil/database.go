package testutil

import (
	"testing"

	"fsy-go/internal/database"
	"fsy-go/internal/fsy"
)

// NewTestStateStore creates a new in-memory SQLite state store with the
// schema migrated. The store is closed when the test completes.
func NewTestStateStore(t *testing.T) fsy.StateStore {
	t.Helper()

	store, err := database.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open state store: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
	})

	return store
}
