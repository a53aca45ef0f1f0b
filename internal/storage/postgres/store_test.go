package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"ledgerd.io/ledgerd/internal/storage"
	"ledgerd.io/ledgerd/internal/storage/postgres"
	"ledgerd.io/ledgerd/internal/storage/storagetest"
	"ledgerd.io/ledgerd/internal/testutil"
)

func TestStoreConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		pool := testutil.OpenPGXPool(t, "ledger_store")
		store := postgres.New(pool)
		require.NoError(t, store.Migrate(context.Background()))
		return store
	})
}

func TestMigrate_Idempotent(t *testing.T) {
	pool := testutil.OpenPGXPool(t, "ledger_migrate")
	store := postgres.New(pool)
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, store.Migrate(context.Background()))

	statuses, err := store.ListProjectionStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 2)
}
