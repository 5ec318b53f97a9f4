package ledger

import (
	"context"
	"fmt"

	"github.com/sheikh-saqib/usage-ledger/internal/models"
)

// GetBalance returns the balance_after of the account's latest entry, or 0
// for an account with no entries.
func (l *Ledger) GetBalance(ctx context.Context, accountID string) (int64, error) {
	latest, ok, err := l.store.LatestEntry(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("ledger: read latest entry: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return latest.BalanceAfter, nil
}

// GetEntries returns the account's full entry history in creation order.
func (l *Ledger) GetEntries(ctx context.Context, accountID string) ([]models.LedgerEntry, error) {
	entries, err := l.store.GetEntriesByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("ledger: read entries: %w", err)
	}
	return entries, nil
}

// GetUsageStats aggregates the current billing period's entries.
func (l *Ledger) GetUsageStats(ctx context.Context, accountID string) (models.UsageStats, error) {
	limit, _, err := l.monthlyLimit(ctx, accountID)
	if err != nil {
		return models.UsageStats{}, err
	}
	balance, err := l.GetBalance(ctx, accountID)
	if err != nil {
		return models.UsageStats{}, err
	}

	now := l.now()
	entries, err := l.store.GetEntriesSince(ctx, accountID, models.PeriodStart(now))
	if err != nil {
		return models.UsageStats{}, fmt.Errorf("ledger: read period entries: %w", err)
	}

	stats := models.UsageStats{
		AccountID:      accountID,
		Period:         models.PeriodKey(now),
		CurrentBalance: balance,
		MonthlyLimit:   limit,
		UsagePercent:   usagePercent(limit, balance).Round(2),
	}
	grantSeen := false
	for _, e := range entries {
		switch {
		case !e.Reason.IsGrant():
			stats.UsedThisPeriod -= e.Amount
		case !grantSeen:
			stats.RolloverAmount = e.BalanceBefore()
			grantSeen = true
		}
		if e.Reason == models.ReasonProvision && e.ReconciliationStatus == models.StatusPending {
			stats.PendingProvisions++
		}
	}
	if stats.UsedThisPeriod < 0 {
		stats.UsedThisPeriod = 0
	}
	return stats, nil
}

// Audit checks that every entry's balance_after follows from the one before
// it. It returns a *ChainBreakError at the first mismatch.
func (l *Ledger) Audit(ctx context.Context, accountID string) error {
	entries, err := l.GetEntries(ctx, accountID)
	if err != nil {
		return err
	}
	var previous int64
	for _, e := range entries {
		if expected := previous + e.Amount; e.BalanceAfter != expected {
			return &ChainBreakError{
				AccountID: accountID,
				EntryID:   e.ID,
				Expected:  expected,
				Actual:    e.BalanceAfter,
			}
		}
		previous = e.BalanceAfter
	}
	return nil
}
