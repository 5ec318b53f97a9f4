package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/sheikh-saqib/usage-ledger/internal/interfaces"
	"github.com/sheikh-saqib/usage-ledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetUsageStats(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.spend(t, "acct-a", 300)

		april := time.Date(2025, time.April, 2, 8, 0, 0, 0, time.UTC)
		f.clock.Set(april)
		_, err := f.ledger.GrantMonthly(ctx, "acct-a", april)
		require.NoError(t, err)

		res, err := f.ledger.Provision(ctx, "acct-a", 200, nil)
		require.NoError(t, err)
		require.NoError(t, f.ledger.Reconcile(ctx, res.ProvisionID, res.TransactionID, 150, nil))
		_, err = f.ledger.Provision(ctx, "acct-a", 50, nil)
		require.NoError(t, err)

		stats, err := f.ledger.GetUsageStats(ctx, "acct-a")
		require.NoError(t, err)
		assert.Equal(t, "2025-04", stats.Period)
		assert.Equal(t, int64(1500), stats.CurrentBalance)
		assert.Equal(t, int64(1000), stats.MonthlyLimit)
		assert.Equal(t, int64(200), stats.UsedThisPeriod)
		assert.Equal(t, int64(700), stats.RolloverAmount)
		assert.Equal(t, 1, stats.PendingProvisions)
		assert.True(t, stats.UsagePercent.Equal(decimal.NewFromInt(-50)), stats.UsagePercent.String())
	})
}

func TestGetUsageStats_FreshAccount(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		stats, err := f.ledger.GetUsageStats(context.Background(), "acct-b")
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.CurrentBalance)
		assert.Equal(t, int64(2000), stats.MonthlyLimit)
		assert.Zero(t, stats.UsedThisPeriod)
		assert.True(t, stats.UsagePercent.Equal(decimal.NewFromInt(100)))
	})
}

func TestGetBalance_UnknownAccountIsZero(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		assert.Equal(t, int64(0), f.balance(t, "nobody"))
	})
}

func TestAudit_DetectsBrokenChain(t *testing.T) {
	forEachStore(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		f.spend(t, "acct-a", 100)
		require.NoError(t, f.ledger.Audit(ctx, "acct-a"))

		var badID int64
		err := f.store.WithAccountLock(ctx, "acct-a", func(tx interfaces.LedgerTx) error {
			latest, _, err := tx.LatestEntry(ctx)
			if err != nil {
				return err
			}
			bad := models.LedgerEntry{
				AccountID:      "acct-a",
				Amount:         50,
				BalanceAfter:   latest.BalanceAfter + 49,
				Reason:         models.ReasonMonthlyGrant,
				IdempotencyKey: "tampered",
				CreatedAt:      latest.CreatedAt.Add(time.Second),
			}
			_, err = tx.InsertEntry(ctx, &bad)
			badID = bad.ID
			return err
		})
		require.NoError(t, err)

		err = f.ledger.Audit(ctx, "acct-a")
		require.ErrorIs(t, err, ErrChainBroken)
		var chainErr *ChainBreakError
		require.ErrorAs(t, err, &chainErr)
		assert.Equal(t, badID, chainErr.EntryID)
		assert.Equal(t, int64(950), chainErr.Expected)
		assert.Equal(t, int64(949), chainErr.Actual)
	})
}
