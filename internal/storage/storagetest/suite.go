// Package storagetest holds the behaviour every LedgerStore implementation
// must share. Each store package runs it against its own backend.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	interfaces "github.com/sheikh-saqib/usage-ledger/internal/interfaces"
	"github.com/sheikh-saqib/usage-ledger/internal/models"
	"github.com/sheikh-saqib/usage-ledger/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewStoreFunc returns an empty store for one subtest.
type NewStoreFunc func(t *testing.T) interfaces.LedgerStore

var base = time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

// RunLedgerStoreSuite exercises newStore against the LedgerStore contract.
func RunLedgerStoreSuite(t *testing.T, newStore NewStoreFunc) {
	t.Run("append and read back", func(t *testing.T) { testAppendAndRead(t, newStore(t)) })
	t.Run("duplicate idempotency key", func(t *testing.T) { testDuplicateKey(t, newStore(t)) })
	t.Run("failed callback writes nothing", func(t *testing.T) { testCallbackRollback(t, newStore(t)) })
	t.Run("reconciliation status", func(t *testing.T) { testReconciliationStatus(t, newStore(t)) })
	t.Run("entries since", func(t *testing.T) { testEntriesSince(t, newStore(t)) })
	t.Run("missing entry", func(t *testing.T) { testMissingEntry(t, newStore(t)) })
	t.Run("unknown reason is rejected", func(t *testing.T) { testUnknownReason(t, newStore(t)) })
	t.Run("alerts once per period", func(t *testing.T) { testAlerts(t, newStore(t)) })
	t.Run("concurrent appends keep the chain", func(t *testing.T) { testConcurrentAppends(t, newStore(t)) })
}

func appendEntry(t *testing.T, s interfaces.LedgerStore, e models.LedgerEntry) models.LedgerEntry {
	t.Helper()
	err := s.WithAccountLock(context.Background(), e.AccountID, func(tx interfaces.LedgerTx) error {
		inserted, err := tx.InsertEntry(context.Background(), &e)
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("entry %s not inserted", e.IdempotencyKey)
		}
		return nil
	})
	require.NoError(t, err)
	return e
}

func grant(accountID string, amount int64, at time.Time) models.LedgerEntry {
	return models.LedgerEntry{
		AccountID:      accountID,
		Amount:         amount,
		BalanceAfter:   amount,
		Reason:         models.ReasonInitialGrant,
		IdempotencyKey: models.GrantKey(accountID, models.ReasonInitialGrant, models.PeriodKey(at)),
		CreatedAt:      at,
	}
}

func testAppendAndRead(t *testing.T, s interfaces.LedgerStore) {
	ctx := context.Background()

	_, found, err := s.LatestEntry(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, found)

	g := appendEntry(t, s, grant("acct-1", 1000, base))
	require.NotZero(t, g.ID)

	p := appendEntry(t, s, models.LedgerEntry{
		AccountID:            "acct-1",
		Amount:               -40,
		BalanceAfter:         960,
		Reason:               models.ReasonProvision,
		TransactionID:        "tx-1",
		IdempotencyKey:       models.ProvisionKey("tx-1"),
		ReconciliationStatus: models.StatusPending,
		Metadata:             map[string]string{"model": "m1"},
		CreatedAt:            base.Add(time.Second),
	})
	assert.Greater(t, p.ID, g.ID)

	latest, found, err := s.LatestEntry(ctx, "acct-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, p.ID, latest.ID)
	assert.Equal(t, int64(960), latest.BalanceAfter)
	assert.Equal(t, models.StatusPending, latest.ReconciliationStatus)
	assert.Equal(t, map[string]string{"model": "m1"}, latest.Metadata)
	assert.True(t, latest.CreatedAt.Equal(base.Add(time.Second)))

	got, err := s.GetEntry(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonInitialGrant, got.Reason)
	assert.Empty(t, got.Metadata)

	entries, err := s.GetEntriesByAccount(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, g.ID, entries[0].ID)
	assert.Equal(t, p.ID, entries[1].ID)

	other, err := s.GetEntriesByAccount(ctx, "acct-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testDuplicateKey(t *testing.T, s interfaces.LedgerStore) {
	ctx := context.Background()
	first := appendEntry(t, s, grant("acct-1", 1000, base))

	err := s.WithAccountLock(ctx, "acct-1", func(tx interfaces.LedgerTx) error {
		exists, err := tx.EntryExists(ctx, first.IdempotencyKey)
		require.NoError(t, err)
		assert.True(t, exists)

		dup := grant("acct-1", 500, base.Add(time.Minute))
		inserted, err := tx.InsertEntry(ctx, &dup)
		require.NoError(t, err)
		assert.False(t, inserted)
		return nil
	})
	require.NoError(t, err)

	entries, err := s.GetEntriesByAccount(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1000), entries[0].Amount)
}

func testCallbackRollback(t *testing.T, s interfaces.LedgerStore) {
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithAccountLock(ctx, "acct-1", func(tx interfaces.LedgerTx) error {
		e := grant("acct-1", 1000, base)
		inserted, err := tx.InsertEntry(ctx, &e)
		require.NoError(t, err)
		require.True(t, inserted)

		latest, found, err := tx.LatestEntry(ctx)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, e.ID, latest.ID)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, found, err := s.LatestEntry(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func testReconciliationStatus(t *testing.T, s interfaces.LedgerStore) {
	ctx := context.Background()
	appendEntry(t, s, grant("acct-1", 1000, base))
	p := appendEntry(t, s, models.LedgerEntry{
		AccountID:            "acct-1",
		Amount:               -10,
		BalanceAfter:         990,
		Reason:               models.ReasonProvision,
		TransactionID:        "tx-1",
		IdempotencyKey:       models.ProvisionKey("tx-1"),
		ReconciliationStatus: models.StatusPending,
		CreatedAt:            base.Add(time.Second),
	})

	pending, err := s.ListPendingProvisions(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, p.ID, pending[0].ID)

	pending, err = s.ListPendingProvisions(ctx, base)
	require.NoError(t, err)
	assert.Empty(t, pending)

	err = s.WithAccountLock(ctx, "acct-1", func(tx interfaces.LedgerTx) error {
		if err := tx.SetReconciliationStatus(ctx, p.ID, models.StatusConfirmed); err != nil {
			return err
		}
		got, err := tx.GetEntry(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusConfirmed, got.ReconciliationStatus)
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetEntry(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, got.ReconciliationStatus)

	pending, err = s.ListPendingProvisions(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func testEntriesSince(t *testing.T, s interfaces.LedgerStore) {
	ctx := context.Background()
	march := grant("acct-1", 1000, base)
	appendEntry(t, s, march)

	april := base.AddDate(0, 1, 0)
	monthly := models.LedgerEntry{
		AccountID:      "acct-1",
		Amount:         1000,
		BalanceAfter:   2000,
		Reason:         models.ReasonMonthlyGrant,
		IdempotencyKey: models.GrantKey("acct-1", models.ReasonMonthlyGrant, models.PeriodKey(april)),
		CreatedAt:      april,
	}
	monthly = appendEntry(t, s, monthly)

	entries, err := s.GetEntriesSince(ctx, "acct-1", models.PeriodStart(april))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, monthly.ID, entries[0].ID)
}

func testMissingEntry(t *testing.T, s interfaces.LedgerStore) {
	_, err := s.GetEntry(context.Background(), 424242)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testAlerts(t *testing.T, s interfaces.LedgerStore) {
	ctx := context.Background()
	alert := models.ThresholdAlert{
		AccountID:      "acct-1",
		AlertType:      models.Alert80Percent,
		Period:         "2025-03",
		BalanceAtAlert: 150,
		LimitAtAlert:   1000,
		CreatedAt:      base,
	}

	inserted, err := s.InsertAlertIfAbsent(ctx, alert)
	require.NoError(t, err)
	assert.True(t, inserted)

	alert.BalanceAtAlert = 100
	inserted, err = s.InsertAlertIfAbsent(ctx, alert)
	require.NoError(t, err)
	assert.False(t, inserted)

	full := alert
	full.AlertType = models.Alert100Percent
	full.BalanceAtAlert = 0
	inserted, err = s.InsertAlertIfAbsent(ctx, full)
	require.NoError(t, err)
	assert.True(t, inserted)

	next := alert
	next.Period = "2025-04"
	inserted, err = s.InsertAlertIfAbsent(ctx, next)
	require.NoError(t, err)
	assert.True(t, inserted)

	alerts, err := s.GetAlerts(ctx, "acct-1", "2025-03")
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, models.Alert80Percent, alerts[0].AlertType)
	assert.Equal(t, int64(150), alerts[0].BalanceAtAlert)
	assert.Equal(t, models.Alert100Percent, alerts[1].AlertType)
}

func testConcurrentAppends(t *testing.T, s interfaces.LedgerStore) {
	ctx := context.Background()
	const workers = 20

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.WithAccountLock(ctx, "acct-1", func(tx interfaces.LedgerTx) error {
				latest, found, err := tx.LatestEntry(ctx)
				if err != nil {
					return err
				}
				createdAt := base
				var balance int64
				if found {
					balance = latest.BalanceAfter
					createdAt = latest.CreatedAt.Add(time.Millisecond)
				}
				_, err = tx.InsertEntry(ctx, &models.LedgerEntry{
					AccountID:      "acct-1",
					Amount:         1,
					BalanceAfter:   balance + 1,
					Reason:         models.ReasonMonthlyGrant,
					IdempotencyKey: fmt.Sprintf("concurrent-%d", i),
					CreatedAt:      createdAt,
				})
				return err
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	entries, err := s.GetEntriesByAccount(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, entries, workers)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.BalanceAfter, "entry %d", e.ID)
	}
}

func testUnknownReason(t *testing.T, s interfaces.LedgerStore) {
	ctx := context.Background()

	err := s.WithAccountLock(ctx, "acct-1", func(tx interfaces.LedgerTx) error {
		_, err := tx.InsertEntry(ctx, &models.LedgerEntry{
			AccountID:      "acct-1",
			Amount:         500,
			BalanceAfter:   500,
			Reason:         models.Reason("bonus"),
			IdempotencyKey: "bonus-acct-1",
			CreatedAt:      base,
		})
		return err
	})
	require.Error(t, err)

	_, found, err := s.LatestEntry(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, found)
}
