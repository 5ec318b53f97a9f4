package interfaces

import (
	"context"
	"time"

	"github.com/sheikh-saqib/usage-ledger/internal/models"
)

// LedgerStore is the durable, append-only entry log plus the threshold
// alert log.
type LedgerStore interface {
	// WithAccountLock runs fn in one transaction holding the exclusive lock on
	// the account's latest entry. Everything fn writes commits together, or
	// nothing does if fn returns an error.
	WithAccountLock(ctx context.Context, accountID string, fn func(tx LedgerTx) error) error

	GetEntry(ctx context.Context, id int64) (models.LedgerEntry, error)
	LatestEntry(ctx context.Context, accountID string) (models.LedgerEntry, bool, error)
	// GetEntriesByAccount returns entries ordered by creation time.
	GetEntriesByAccount(ctx context.Context, accountID string) ([]models.LedgerEntry, error)
	GetEntriesSince(ctx context.Context, accountID string, since time.Time) ([]models.LedgerEntry, error)
	ListPendingProvisions(ctx context.Context, createdBefore time.Time) ([]models.LedgerEntry, error)

	// InsertAlertIfAbsent inserts the alert unless one already exists for the
	// same account, type and period. It reports whether a row was inserted.
	InsertAlertIfAbsent(ctx context.Context, alert models.ThresholdAlert) (bool, error)
	GetAlerts(ctx context.Context, accountID, period string) ([]models.ThresholdAlert, error)
}

// LedgerTx is the view of the store inside WithAccountLock.
type LedgerTx interface {
	// LatestEntry is the locked latest entry of the transaction's account.
	LatestEntry(ctx context.Context) (models.LedgerEntry, bool, error)
	GetEntry(ctx context.Context, id int64) (models.LedgerEntry, error)
	EntryExists(ctx context.Context, idempotencyKey string) (bool, error)
	// InsertEntry assigns ID and CreatedAt when empty. A duplicate idempotency
	// key is not an error: it reports inserted=false and writes nothing.
	InsertEntry(ctx context.Context, entry *models.LedgerEntry) (bool, error)
	SetReconciliationStatus(ctx context.Context, id int64, status models.ReconciliationStatus) error
}
