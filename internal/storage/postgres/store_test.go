package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	interfaces "github.com/sheikh-saqib/usage-ledger/internal/interfaces"
	"github.com/sheikh-saqib/usage-ledger/internal/models"
	"github.com/sheikh-saqib/usage-ledger/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columns = []string{
	"id", "account_id", "amount", "balance_after", "reason", "transaction_id",
	"idempotency_key", "reconciliation_status", "metadata", "created_at",
}

func newMockStore(t *testing.T) (*PostgresLedgerStore, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewPostgresLedgerStore(db), mock, db
}

func expectAccountLock(mock sqlmock.Sqlmock, accountID string) {
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).
		WithArgs(accountID).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestWithAccountLock_TakesAdvisoryLock(t *testing.T) {
	store, mock, _ := newMockStore(t)
	now := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	expectAccountLock(mock, "acct-1")
	mock.ExpectQuery(`INSERT INTO ledger_entries`).
		WithArgs("acct-1", int64(-10), int64(90), "provision", "tx-1", "provision-tx-1", "pending", `{"model":"m1"}`, now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(8))
	mock.ExpectCommit()

	var inserted bool
	entry := &models.LedgerEntry{
		AccountID:            "acct-1",
		Amount:               -10,
		BalanceAfter:         90,
		Reason:               models.ReasonProvision,
		TransactionID:        "tx-1",
		IdempotencyKey:       models.ProvisionKey("tx-1"),
		ReconciliationStatus: models.StatusPending,
		Metadata:             map[string]string{"model": "m1"},
		CreatedAt:            now,
	}
	err := store.WithAccountLock(context.Background(), "acct-1", func(tx interfaces.LedgerTx) error {
		var err error
		inserted, err = tx.InsertEntry(context.Background(), entry)
		return err
	})

	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(8), entry.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Settling an older provision under the account lock must not take any row
// lock before its UPDATE, otherwise it can deadlock with a waiting writer.
func TestWithAccountLock_SettleTakesNoRowLocks(t *testing.T) {
	store, mock, _ := newMockStore(t)
	created := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	expectAccountLock(mock, "acct-1")
	mock.ExpectExec(`UPDATE ledger_entries SET reconciliation_status`).
		WithArgs(int64(3), "confirmed").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id, account_id, .* FROM ledger_entries WHERE account_id = \$1 ORDER BY created_at DESC, id DESC LIMIT 1$`).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(int64(9), "acct-1", int64(-50), int64(400), "provision", "tx-9", "provision-tx-9", "pending", "{}", created))
	mock.ExpectQuery(`INSERT INTO ledger_entries`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10))
	mock.ExpectCommit()

	err := store.WithAccountLock(context.Background(), "acct-1", func(tx interfaces.LedgerTx) error {
		ctx := context.Background()
		if err := tx.SetReconciliationStatus(ctx, 3, models.StatusConfirmed); err != nil {
			return err
		}
		latest, found, err := tx.LatestEntry(ctx)
		if err != nil {
			return err
		}
		require.True(t, found)
		_, err = tx.InsertEntry(ctx, &models.LedgerEntry{
			AccountID:      "acct-1",
			Amount:         20,
			BalanceAfter:   latest.BalanceAfter + 20,
			Reason:         models.ReasonReconciliationAdjustment,
			TransactionID:  "tx-3",
			IdempotencyKey: models.ReconcileKey("tx-3"),
			CreatedAt:      created.Add(time.Second),
		})
		return err
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithAccountLock_LockFailure(t *testing.T) {
	store, mock, _ := newMockStore(t)
	lockErr := errors.New("canceling statement due to lock timeout")

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).WithArgs("acct-1").WillReturnError(lockErr)
	mock.ExpectRollback()

	called := false
	err := store.WithAccountLock(context.Background(), "acct-1", func(tx interfaces.LedgerTx) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, lockErr)
	assert.ErrorContains(t, err, "lock account acct-1")
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithAccountLock_RollsBackOnError(t *testing.T) {
	store, mock, _ := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	expectAccountLock(mock, "acct-1")
	mock.ExpectRollback()

	err := store.WithAccountLock(context.Background(), "acct-1", func(tx interfaces.LedgerTx) error {
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertEntry_DuplicateKey(t *testing.T) {
	store, mock, _ := newMockStore(t)

	mock.ExpectBegin()
	expectAccountLock(mock, "acct-1")
	mock.ExpectQuery(`INSERT INTO ledger_entries .* ON CONFLICT \(idempotency_key\) DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	var inserted bool
	err := store.WithAccountLock(context.Background(), "acct-1", func(tx interfaces.LedgerTx) error {
		var err error
		inserted, err = tx.InsertEntry(context.Background(), &models.LedgerEntry{
			AccountID:      "acct-1",
			Amount:         1000,
			BalanceAfter:   1000,
			Reason:         models.ReasonInitialGrant,
			IdempotencyKey: "grant-acct-1-initial_grant-2025-03",
		})
		return err
	})

	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetReconciliationStatus_NotProvision(t *testing.T) {
	store, mock, _ := newMockStore(t)

	mock.ExpectBegin()
	expectAccountLock(mock, "acct-1")
	mock.ExpectExec(`UPDATE ledger_entries SET reconciliation_status`).
		WithArgs(int64(3), "confirmed").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.WithAccountLock(context.Background(), "acct-1", func(tx interfaces.LedgerTx) error {
		return tx.SetReconciliationStatus(context.Background(), 3, models.StatusConfirmed)
	})

	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEntry(t *testing.T) {
	store, mock, _ := newMockStore(t)
	createdAt := time.Date(2025, time.March, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM ledger_entries WHERE id = \$1`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(5, "acct-1", -40, 60, "provision", "tx-5", "provision-tx-5", "pending", []byte(`{"model":"m1"}`), createdAt))

	e, err := store.GetEntry(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonProvision, e.Reason)
	assert.Equal(t, models.StatusPending, e.ReconciliationStatus)
	assert.Equal(t, int64(100), e.BalanceBefore())
	assert.Equal(t, map[string]string{"model": "m1"}, e.Metadata)
	assert.Equal(t, createdAt, e.CreatedAt)

	mock.ExpectQuery(`FROM ledger_entries WHERE id = \$1`).
		WithArgs(int64(6)).
		WillReturnRows(sqlmock.NewRows(columns))

	_, err = store.GetEntry(context.Background(), 6)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertAlertIfAbsent(t *testing.T) {
	store, mock, _ := newMockStore(t)
	alert := models.ThresholdAlert{
		AccountID:      "acct-1",
		AlertType:      models.Alert80Percent,
		Period:         "2025-03",
		BalanceAtAlert: 150,
		LimitAtAlert:   1000,
		CreatedAt:      time.Now().UTC(),
	}

	mock.ExpectExec(`INSERT INTO threshold_alerts`).
		WithArgs("acct-1", "80_percent", "2025-03", int64(150), int64(1000), alert.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO threshold_alerts`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := store.InsertAlertIfAbsent(context.Background(), alert)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.InsertAlertIfAbsent(context.Background(), alert)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountDirectory_PlanTier(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	dir := NewAccountDirectory(db)

	mock.ExpectQuery(`SELECT plan_tier FROM accounts WHERE id = \$1`).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"plan_tier"}).AddRow("tierB"))
	mock.ExpectQuery(`SELECT plan_tier FROM accounts WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"plan_tier"}))

	tier, err := dir.PlanTier(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "tierB", tier)

	_, err = dir.PlanTier(context.Background(), "ghost")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
