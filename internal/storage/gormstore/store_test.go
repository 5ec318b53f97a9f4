package gormstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	interfaces "github.com/sheikh-saqib/usage-ledger/internal/interfaces"
	"github.com/sheikh-saqib/usage-ledger/internal/models"
	"github.com/sheikh-saqib/usage-ledger/internal/storage"
	"github.com/sheikh-saqib/usage-ledger/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := Open(Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func TestStore_SQLite(t *testing.T) {
	storagetest.RunLedgerStoreSuite(t, func(t *testing.T) interfaces.LedgerStore {
		return New(newSQLiteDB(t))
	})
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mysql", DSN: "x"})
	assert.ErrorContains(t, err, "unsupported driver")
}

func TestAccountDirectory(t *testing.T) {
	ctx := context.Background()
	dir := NewAccountDirectory(newSQLiteDB(t))

	_, err := dir.PlanTier(ctx, "acct-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, dir.SetPlanTier(ctx, "acct-2", "tierA"))
	require.NoError(t, dir.SetPlanTier(ctx, "acct-1", "tierA"))
	require.NoError(t, dir.SetPlanTier(ctx, "acct-1", "tierC"))

	tier, err := dir.PlanTier(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "tierC", tier)

	ids, err := dir.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acct-1", "acct-2"}, ids)
}

func newMockPostgresStore(t *testing.T) (*Store, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	dialector := postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	})
	gormDB, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	return New(gormDB), mock, mockDB
}

func TestWithAccountLock_PostgresTakesAdvisoryLock(t *testing.T) {
	store, mock, mockDB := newMockPostgresStore(t)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).
		WithArgs("acct-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "ledger_entries" SET "reconciliation_status"=\$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM "ledger_entries" WHERE account_id = \$1 ORDER BY created_at DESC, id DESC LIMIT .*`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "metadata"}).AddRow(9, "acct-1", "{}"))
	mock.ExpectCommit()

	// Settle an older provision, then read the latest entry: no FOR UPDATE
	// query may run in between.
	err := store.WithAccountLock(context.Background(), "acct-1", func(tx interfaces.LedgerTx) error {
		ctx := context.Background()
		if err := tx.SetReconciliationStatus(ctx, 3, models.StatusConfirmed); err != nil {
			return err
		}
		latest, found, err := tx.LatestEntry(ctx)
		require.True(t, found)
		assert.Equal(t, int64(9), latest.ID)
		return err
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithAccountLock_PostgresLockFailure(t *testing.T) {
	store, mock, mockDB := newMockPostgresStore(t)
	defer mockDB.Close()

	lockErr := errors.New("canceling statement due to lock timeout")
	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WillReturnError(lockErr)
	mock.ExpectRollback()

	err := store.WithAccountLock(context.Background(), "acct-1", func(tx interfaces.LedgerTx) error {
		t.Fatal("callback must not run without the lock")
		return nil
	})

	assert.ErrorIs(t, err, lockErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}
