package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"ledgerd.io/ledgerd/internal/storage/sqlite"
)

// OpenSQLite opens a migrated SQLite store in a per-test temporary directory.
func OpenSQLite(t *testing.T) *sqlite.Store {
	t.Helper()

	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
