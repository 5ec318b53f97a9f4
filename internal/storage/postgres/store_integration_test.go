//go:build integration

package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sheikh-saqib/usage-ledger/internal/accounts"
	interfaces "github.com/sheikh-saqib/usage-ledger/internal/interfaces"
	"github.com/sheikh-saqib/usage-ledger/internal/ledger"
	"github.com/sheikh-saqib/usage-ledger/internal/plans"
	"github.com/sheikh-saqib/usage-ledger/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newContainerDSN(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("ledger_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestPostgresLedgerStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := newContainerDSN(t)

	db, err := Open(context.Background(), dsn, PoolConfig{MaxOpenConns: 10})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(db))
	// A second run finds nothing to apply.
	require.NoError(t, Migrate(db))

	storagetest.RunLedgerStoreSuite(t, func(t *testing.T) interfaces.LedgerStore {
		_, err := db.Exec(`TRUNCATE ledger_entries, threshold_alerts RESTART IDENTITY`)
		require.NoError(t, err)
		return NewPostgresLedgerStore(db)
	})
}

func TestLedger_ConcurrentProvisionsOnPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	dsn := newContainerDSN(t)

	db, err := Open(ctx, dsn, PoolConfig{MaxOpenConns: 20})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(db))

	l := ledger.NewLedger(
		NewPostgresLedgerStore(db),
		accounts.NewStaticDirectory(map[string]string{"acct-a": "tierA", "acct-b": "tierB"}),
		plans.DefaultLimits(),
	)

	t.Run("two provisions racing a fresh account", func(t *testing.T) {
		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = l.Provision(ctx, "acct-a", 600, nil)
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
		}
		assert.Equal(t, 1, succeeded)

		balance, err := l.GetBalance(ctx, "acct-a")
		require.NoError(t, err)
		assert.Equal(t, int64(400), balance)
		require.NoError(t, l.Audit(ctx, "acct-a"))
	})

	t.Run("mixed load keeps the chain", func(t *testing.T) {
		const workers = 16
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			failures []error
		)
		for i := range workers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := l.Provision(ctx, "acct-b", 100, nil)
				if errors.Is(err, ledger.ErrInsufficientBalance) {
					return
				}
				if err == nil {
					if i%2 == 0 {
						err = l.Rollback(ctx, res.ProvisionID, res.TransactionID, "failed")
					} else {
						err = l.Reconcile(ctx, res.ProvisionID, res.TransactionID, 90, nil)
					}
				}
				if err != nil {
					mu.Lock()
					failures = append(failures, err)
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		require.Empty(t, failures)
		require.NoError(t, l.Audit(ctx, "acct-b"))

		balance, err := l.GetBalance(ctx, "acct-b")
		require.NoError(t, err)
		assert.Equal(t, int64(2000-8*90), balance)
	})
}
