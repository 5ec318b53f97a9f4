package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// AbandonedProvisionError is the rollback reason recorded by SweepAbandoned.
const AbandonedProvisionError = "abandoned provision swept"

// SweepAbandoned rolls back every provision still pending after olderThan.
// Such provisions belong to callers that died between Provision and
// Reconcile/Rollback; without a sweep their units stay reserved forever.
// A provision settled concurrently by its caller is skipped.
func (l *Ledger) SweepAbandoned(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("ledger: sweep age must be positive, got %s", olderThan)
	}
	cutoff := l.now().Add(-olderThan)
	pending, err := l.store.ListPendingProvisions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ledger: list pending provisions: %w", err)
	}

	swept := 0
	var errs []error
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		err := l.Rollback(ctx, p.ID, p.TransactionID, AbandonedProvisionError)
		switch {
		case err == nil:
			swept++
		case errors.Is(err, ErrProvisionSettled):
		default:
			errs = append(errs, fmt.Errorf("provision %d: %w", p.ID, err))
		}
	}
	if swept > 0 {
		l.logger.Warn("abandoned provisions rolled back",
			zap.Int("count", swept),
			zap.Time("cutoff", cutoff),
		)
	}
	return swept, errors.Join(errs...)
}
