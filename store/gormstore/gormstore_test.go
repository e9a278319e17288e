package gormstore_test

import (
	"context"
	"io/fs"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteacai/cashback-engine/customers"
	"github.com/eliteacai/cashback-engine/ledger"
	"github.com/eliteacai/cashback-engine/ledger/ledgertest"
	"github.com/eliteacai/cashback-engine/store/gormstore"
)

func newTestStore(t *testing.T) *gormstore.Store {
	t.Helper()
	store, err := gormstore.Open(context.Background(), gormstore.Config{
		Driver: gormstore.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "cashback.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGormStore_LedgerContract(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Store {
		return newTestStore(t)
	})
}

func TestGormStore_CustomersContract(t *testing.T) {
	ledgertest.RunCustomers(t, func(t *testing.T) customers.Repository {
		return newTestStore(t)
	})
}

func TestGormStore_MigrationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "cashback.db")

	first, err := gormstore.Open(ctx, gormstore.Config{Driver: gormstore.DriverSQLite, DSN: dsn})
	require.NoError(t, err)
	_, err = first.Append(ctx, ledgertest.Purchase("c-1", "10.00", ledger.StatusApproved, ledgertest.Base))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := gormstore.Open(ctx, gormstore.Config{Driver: gormstore.DriverSQLite, DSN: dsn})
	require.NoError(t, err)
	defer second.Close()

	entries, err := ledger.Collect(second.Query(ctx, ledger.Filter{}))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.NoError(t, second.Ping(ctx))
}

func TestGormStore_TimestampsMatchStoredPrecision(t *testing.T) {
	// GIVEN: An entry submitted at a nanosecond instant
	ctx := context.Background()
	store := newTestStore(t)
	at := ledgertest.Base.Add(123456789 * time.Nanosecond)

	// WHEN: Appending and deciding it
	created, err := store.Append(ctx, ledgertest.Purchase("c-1", "10.00", ledger.StatusPending, at))
	require.NoError(t, err)
	decided, err := store.UpdateStatus(ctx, ledger.StatusUpdate{
		ID: created.ID, To: ledger.StatusApproved, By: "admin", At: at.Add(time.Nanosecond),
	})
	require.NoError(t, err)

	// THEN: The returned times are microsecond precision and equal a later Get
	assert.Equal(t, at.Truncate(time.Microsecond), created.CreatedAt)
	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(created.CreatedAt), "%s vs %s", got.CreatedAt, created.CreatedAt)
	assert.True(t, got.UpdatedAt.Equal(decided.UpdatedAt), "%s vs %s", got.UpdatedAt, decided.UpdatedAt)
	assert.Zero(t, decided.UpdatedAt.Nanosecond()%1000)
}

func TestGormStore_EmbedsBothDialects(t *testing.T) {
	for _, dir := range []string{"migrations/postgres", "migrations/sqlite3"} {
		files, err := fs.Glob(gormstore.Migrations(), dir+"/*.sql")
		require.NoError(t, err)
		assert.NotEmpty(t, files, dir)
	}
}

func TestGormStore_RejectsUnknownDriver(t *testing.T) {
	_, err := gormstore.Open(context.Background(), gormstore.Config{Driver: "mysql", DSN: "x"})
	assert.Error(t, err)

	_, err = gormstore.Open(context.Background(), gormstore.Config{Driver: gormstore.DriverPostgres})
	assert.Error(t, err)
}
