package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	interfaces "github.com/sheikh-saqib/usage-ledger/internal/interfaces"
	"github.com/sheikh-saqib/usage-ledger/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// GrantResult describes the outcome of a monthly grant.
type GrantResult struct {
	AccountID    string
	Period       string
	EntryID      int64
	Amount       int64
	BalanceAfter int64
	// Applied is false when the period's grant already existed.
	Applied bool
}

// GrantMonthly credits the account's plan limit for the billing period that
// contains period. The grant key is unique per account and month, so any
// number of calls for the same month apply it once. An account bootstrapped
// earlier in the same month already received that month's grant.
func (l *Ledger) GrantMonthly(ctx context.Context, accountID string, period time.Time) (GrantResult, error) {
	limit, tier, err := l.monthlyLimit(ctx, accountID)
	if err != nil {
		return GrantResult{}, err
	}

	periodKey := models.PeriodKey(period)
	key := models.GrantKey(accountID, models.ReasonMonthlyGrant, periodKey)
	result := GrantResult{AccountID: accountID, Period: periodKey, Amount: limit}

	err = l.store.WithAccountLock(ctx, accountID, func(tx interfaces.LedgerTx) error {
		latest, _, err := tx.LatestEntry(ctx)
		if err != nil {
			return fmt.Errorf("ledger: read latest entry: %w", err)
		}
		result.BalanceAfter = latest.BalanceAfter

		for _, k := range []string{key, models.GrantKey(accountID, models.ReasonInitialGrant, periodKey)} {
			exists, err := tx.EntryExists(ctx, k)
			if err != nil {
				return fmt.Errorf("ledger: check grant key: %w", err)
			}
			if exists {
				return nil
			}
		}

		grant := models.LedgerEntry{
			AccountID:      accountID,
			Amount:         limit,
			BalanceAfter:   latest.BalanceAfter + limit,
			Reason:         models.ReasonMonthlyGrant,
			TransactionID:  l.newTransactionID(),
			IdempotencyKey: key,
			Metadata:       map[string]string{"plan_tier": tier, "period": periodKey},
			CreatedAt:      l.stamp(latest),
		}
		inserted, err := tx.InsertEntry(ctx, &grant)
		if err != nil {
			return fmt.Errorf("ledger: insert monthly grant: %w", err)
		}
		if inserted {
			result.Applied = true
			result.EntryID = grant.ID
			result.BalanceAfter = grant.BalanceAfter
		}
		return nil
	})
	if err != nil {
		return GrantResult{}, err
	}

	l.metrics.grants.Add(ctx, 1, attrs(attribute.Bool("applied", result.Applied)))
	if result.Applied {
		l.logger.Info("monthly grant applied",
			zap.String("account_id", accountID),
			zap.String("period", periodKey),
			zap.Int64("amount", limit),
			zap.Int64("balance_after", result.BalanceAfter),
		)
	} else {
		l.logger.Debug("monthly grant already applied",
			zap.String("account_id", accountID),
			zap.String("period", periodKey),
		)
	}
	return result, nil
}

// GrantAllMonthly runs GrantMonthly for every account in the directory. It
// keeps going past failures and returns them joined.
func (l *Ledger) GrantAllMonthly(ctx context.Context, period time.Time) ([]GrantResult, error) {
	ids, err := l.accounts.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: list accounts: %w", err)
	}

	results := make([]GrantResult, 0, len(ids))
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := l.GrantMonthly(ctx, id, period)
		if err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", id, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}
