package ledger

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"

	interfaces "github.com/sheikh-saqib/usage-ledger/internal/interfaces"
	"github.com/sheikh-saqib/usage-ledger/internal/models"
	"github.com/sheikh-saqib/usage-ledger/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ProvisionResult identifies a reservation for the later Reconcile or Rollback.
type ProvisionResult struct {
	ProvisionID   int64
	TransactionID string
	BalanceAfter  int64
}

// Provision reserves estimatedUnits from the account before a costly call.
// The balance check and the debit happen under the account lock, so two
// concurrent provisions can never both spend the same units.
func (l *Ledger) Provision(ctx context.Context, accountID string, estimatedUnits int64, metadata map[string]string) (ProvisionResult, error) {
	result, err := l.provision(ctx, accountID, estimatedUnits, metadata)
	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrInsufficientBalance) {
			outcome = "insufficient"
			l.logger.Info("provision refused",
				zap.String("account_id", accountID),
				zap.Int64("estimated_units", estimatedUnits),
				zap.Error(err),
			)
		} else {
			l.logger.Error("provision failed",
				zap.String("account_id", accountID),
				zap.Int64("estimated_units", estimatedUnits),
				zap.Error(err),
			)
		}
		l.metrics.provisions.Add(ctx, 1, attrs(attribute.String("result", outcome)))
		return ProvisionResult{}, err
	}

	l.metrics.provisions.Add(ctx, 1, attrs(attribute.String("result", "ok")))
	l.logger.Debug("provisioned",
		zap.String("account_id", accountID),
		zap.Int64("provision_id", result.ProvisionID),
		zap.String("transaction_id", result.TransactionID),
		zap.Int64("estimated_units", estimatedUnits),
		zap.Int64("balance_after", result.BalanceAfter),
	)
	return result, nil
}

func (l *Ledger) provision(ctx context.Context, accountID string, estimatedUnits int64, metadata map[string]string) (ProvisionResult, error) {
	if estimatedUnits <= 0 {
		return ProvisionResult{}, fmt.Errorf("%w: estimated units must be positive, got %d", ErrInvalidAmount, estimatedUnits)
	}
	bootstrap, err := l.bootstrapGrant(ctx, accountID)
	if err != nil {
		return ProvisionResult{}, err
	}

	var result ProvisionResult
	err = l.store.WithAccountLock(ctx, accountID, func(tx interfaces.LedgerTx) error {
		latest, err := l.latestOrBootstrap(ctx, tx, accountID, bootstrap)
		if err != nil {
			return err
		}
		if latest.BalanceAfter < estimatedUnits {
			return &InsufficientBalanceError{
				AccountID: accountID,
				Available: latest.BalanceAfter,
				Required:  estimatedUnits,
			}
		}

		transactionID := l.newTransactionID()
		entry := models.LedgerEntry{
			AccountID:            accountID,
			Amount:               -estimatedUnits,
			BalanceAfter:         latest.BalanceAfter - estimatedUnits,
			Reason:               models.ReasonProvision,
			TransactionID:        transactionID,
			IdempotencyKey:       models.ProvisionKey(transactionID),
			ReconciliationStatus: models.StatusPending,
			Metadata:             maps.Clone(metadata),
			CreatedAt:            l.stamp(latest),
		}
		inserted, err := tx.InsertEntry(ctx, &entry)
		if err != nil {
			return fmt.Errorf("ledger: insert provision: %w", err)
		}
		if !inserted {
			return fmt.Errorf("ledger: provision key %s already used", entry.IdempotencyKey)
		}

		result = ProvisionResult{
			ProvisionID:   entry.ID,
			TransactionID: transactionID,
			BalanceAfter:  entry.BalanceAfter,
		}
		return nil
	})
	return result, err
}

// bootstrapGrant prepares the initial grant for an account that has no
// entries yet, or returns nil. The plan lookup may use the same database as
// the store, so it runs before the account lock is taken. Entries are never
// removed: an account seen with entries here still has them under the lock.
func (l *Ledger) bootstrapGrant(ctx context.Context, accountID string) (*models.LedgerEntry, error) {
	_, found, err := l.store.LatestEntry(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("ledger: read latest entry: %w", err)
	}
	if found {
		return nil, nil
	}

	limit, tier, err := l.monthlyLimit(ctx, accountID)
	if err != nil {
		return nil, err
	}
	now := l.now().UTC()
	period := models.PeriodKey(now)
	return &models.LedgerEntry{
		AccountID:      accountID,
		Amount:         limit,
		BalanceAfter:   limit,
		Reason:         models.ReasonInitialGrant,
		TransactionID:  l.newTransactionID(),
		IdempotencyKey: models.GrantKey(accountID, models.ReasonInitialGrant, period),
		Metadata:       map[string]string{"plan_tier": tier, "period": period},
		CreatedAt:      now,
	}, nil
}

// latestOrBootstrap returns the locked latest entry, first inserting the
// prepared initial grant when the account has no entries at all.
func (l *Ledger) latestOrBootstrap(ctx context.Context, tx interfaces.LedgerTx, accountID string, bootstrap *models.LedgerEntry) (models.LedgerEntry, error) {
	latest, ok, err := tx.LatestEntry(ctx)
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("ledger: read latest entry: %w", err)
	}
	if ok {
		return latest, nil
	}
	if bootstrap == nil {
		return models.LedgerEntry{}, fmt.Errorf("ledger: entries of %s vanished under lock", accountID)
	}

	grant := *bootstrap
	inserted, err := tx.InsertEntry(ctx, &grant)
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("ledger: insert initial grant: %w", err)
	}
	if inserted {
		l.logger.Info("account bootstrapped",
			zap.String("account_id", accountID),
			zap.String("plan_tier", grant.Metadata["plan_tier"]),
			zap.Int64("grant", grant.Amount),
		)
		return grant, nil
	}

	// A concurrent bootstrap committed first; its grant is now the latest entry.
	latest, ok, err = tx.LatestEntry(ctx)
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("ledger: read latest entry: %w", err)
	}
	if !ok {
		return models.LedgerEntry{}, fmt.Errorf("ledger: initial grant for %s neither inserted nor found", accountID)
	}
	return latest, nil
}

// Reconcile settles a provision at the actual cost. The difference between
// estimate and actual is appended as one adjustment entry: positive credits
// the account back, negative charges the shortfall. Retrying is safe.
func (l *Ledger) Reconcile(ctx context.Context, provisionID int64, transactionID string, actualUnits int64, usageDetail map[string]string) error {
	if actualUnits < 0 {
		return fmt.Errorf("%w: actual units must not be negative, got %d", ErrInvalidAmount, actualUnits)
	}
	provision, err := l.loadProvision(ctx, provisionID, transactionID)
	if err != nil {
		return err
	}

	var (
		balance int64
		settled bool
	)
	err = l.store.WithAccountLock(ctx, provision.AccountID, func(tx interfaces.LedgerTx) error {
		p, moved, err := l.settle(ctx, tx, provisionID, transactionID, models.StatusConfirmed)
		if err != nil {
			return err
		}
		settled = moved

		latest, _, err := tx.LatestEntry(ctx)
		if err != nil {
			return fmt.Errorf("ledger: read latest entry: %w", err)
		}
		balance = latest.BalanceAfter

		difference := p.Units() - actualUnits
		if difference == 0 {
			return nil
		}

		metadata := maps.Clone(usageDetail)
		if metadata == nil {
			metadata = make(map[string]string, 3)
		}
		metadata["provision_id"] = strconv.FormatInt(provisionID, 10)
		metadata["estimated_units"] = strconv.FormatInt(p.Units(), 10)
		metadata["actual_units"] = strconv.FormatInt(actualUnits, 10)

		adjustment := models.LedgerEntry{
			AccountID:      p.AccountID,
			Amount:         difference,
			BalanceAfter:   latest.BalanceAfter + difference,
			Reason:         models.ReasonReconciliationAdjustment,
			TransactionID:  transactionID,
			IdempotencyKey: models.ReconcileKey(transactionID),
			Metadata:       metadata,
			CreatedAt:      l.stamp(latest),
		}
		inserted, err := tx.InsertEntry(ctx, &adjustment)
		if err != nil {
			return fmt.Errorf("ledger: insert reconciliation adjustment: %w", err)
		}
		if inserted {
			balance = adjustment.BalanceAfter
		}
		return nil
	})
	if err != nil {
		l.logger.Error("reconcile failed",
			zap.Int64("provision_id", provisionID),
			zap.String("transaction_id", transactionID),
			zap.Error(err),
		)
		return err
	}

	if settled {
		l.metrics.reconciliations.Add(ctx, 1)
		l.metrics.unitsConsumed.Add(ctx, actualUnits)
	}
	l.logger.Debug("reconciled",
		zap.String("account_id", provision.AccountID),
		zap.Int64("provision_id", provisionID),
		zap.Int64("estimated_units", provision.Units()),
		zap.Int64("actual_units", actualUnits),
		zap.Int64("balance", balance),
		zap.Bool("retry", !settled),
	)

	if err := l.CheckAndAlert(ctx, provision.AccountID, balance); err != nil {
		return fmt.Errorf("ledger: threshold check after reconcile: %w", err)
	}
	return nil
}

// Rollback refunds a provision in full after the costly operation failed.
// Retrying is safe.
func (l *Ledger) Rollback(ctx context.Context, provisionID int64, transactionID string, errorText string) error {
	provision, err := l.loadProvision(ctx, provisionID, transactionID)
	if err != nil {
		return err
	}

	var settled bool
	err = l.store.WithAccountLock(ctx, provision.AccountID, func(tx interfaces.LedgerTx) error {
		p, moved, err := l.settle(ctx, tx, provisionID, transactionID, models.StatusRolledBack)
		if err != nil {
			return err
		}
		settled = moved

		latest, _, err := tx.LatestEntry(ctx)
		if err != nil {
			return fmt.Errorf("ledger: read latest entry: %w", err)
		}
		refund := models.LedgerEntry{
			AccountID:      p.AccountID,
			Amount:         p.Units(),
			BalanceAfter:   latest.BalanceAfter + p.Units(),
			Reason:         models.ReasonProvisionRollback,
			TransactionID:  transactionID,
			IdempotencyKey: models.RollbackKey(transactionID),
			Metadata: map[string]string{
				"provision_id": strconv.FormatInt(provisionID, 10),
				"error":        errorText,
			},
			CreatedAt: l.stamp(latest),
		}
		if _, err := tx.InsertEntry(ctx, &refund); err != nil {
			return fmt.Errorf("ledger: insert rollback refund: %w", err)
		}
		return nil
	})
	if err != nil {
		l.logger.Error("rollback failed",
			zap.Int64("provision_id", provisionID),
			zap.String("transaction_id", transactionID),
			zap.Error(err),
		)
		return err
	}

	if !settled {
		return nil
	}
	l.metrics.rollbacks.Add(ctx, 1)
	l.logger.Info("provision rolled back",
		zap.String("account_id", provision.AccountID),
		zap.Int64("provision_id", provisionID),
		zap.Int64("refunded_units", provision.Units()),
		zap.String("reason", errorText),
	)
	return nil
}

// loadProvision reads a provision outside any lock, only to learn which
// account to lock.
func (l *Ledger) loadProvision(ctx context.Context, provisionID int64, transactionID string) (models.LedgerEntry, error) {
	p, err := l.store.GetEntry(ctx, provisionID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.LedgerEntry{}, fmt.Errorf("%w: id %d", ErrProvisionNotFound, provisionID)
	}
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("ledger: load provision %d: %w", provisionID, err)
	}
	if err := checkProvision(p, transactionID); err != nil {
		return models.LedgerEntry{}, err
	}
	return p, nil
}

// settle moves a pending provision to status and reports whether it moved.
// Repeating the same transition is a no-op; crossing to the other terminal
// state is refused.
func (l *Ledger) settle(ctx context.Context, tx interfaces.LedgerTx, provisionID int64, transactionID string, status models.ReconciliationStatus) (models.LedgerEntry, bool, error) {
	p, err := tx.GetEntry(ctx, provisionID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.LedgerEntry{}, false, fmt.Errorf("%w: id %d", ErrProvisionNotFound, provisionID)
	}
	if err != nil {
		return models.LedgerEntry{}, false, fmt.Errorf("ledger: load provision %d: %w", provisionID, err)
	}
	if err := checkProvision(p, transactionID); err != nil {
		return models.LedgerEntry{}, false, err
	}

	switch {
	case p.ReconciliationStatus == status:
		return p, false, nil
	case p.ReconciliationStatus.Terminal():
		return models.LedgerEntry{}, false, fmt.Errorf("%w: provision %d is %s", ErrProvisionSettled, provisionID, p.ReconciliationStatus)
	}
	if err := tx.SetReconciliationStatus(ctx, provisionID, status); err != nil {
		return models.LedgerEntry{}, false, fmt.Errorf("ledger: mark provision %d %s: %w", provisionID, status, err)
	}
	p.ReconciliationStatus = status
	return p, true, nil
}

func checkProvision(p models.LedgerEntry, transactionID string) error {
	if p.Reason != models.ReasonProvision || p.TransactionID != transactionID {
		return fmt.Errorf("%w: id %d with transaction %s", ErrProvisionNotFound, p.ID, transactionID)
	}
	return nil
}
