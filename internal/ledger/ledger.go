// Package ledger implements the metered-usage ledger: an append-only entry
// log per account whose latest balance_after is the spendable balance.
//
// Callers reserve estimated units with Provision before a costly operation,
// then either Reconcile with the actual units or Rollback on failure.
// Threshold alerts are raised as a side effect of Reconcile, and GrantMonthly
// tops accounts up once per billing period.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	interfaces "github.com/sheikh-saqib/usage-ledger/internal/interfaces"
	"github.com/sheikh-saqib/usage-ledger/internal/models"
	"github.com/sheikh-saqib/usage-ledger/internal/plans"
	"github.com/sheikh-saqib/usage-ledger/internal/storage"
	"go.uber.org/zap"
)

// Ledger is the usage ledger service. It holds no balance state of its own;
// everything is derived from the store.
type Ledger struct {
	store     interfaces.LedgerStore
	accounts  interfaces.AccountDirectory
	plans     plans.Limits
	publisher interfaces.EventPublisher
	logger    *zap.Logger
	metrics   *Metrics

	now              func() time.Time
	newTransactionID func() string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithPublisher sets where threshold notifications are sent.
func WithPublisher(p interfaces.EventPublisher) Option {
	return func(l *Ledger) { l.publisher = p }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *Metrics) Option {
	return func(l *Ledger) {
		if m != nil {
			l.metrics = m
		}
	}
}

// WithClock overrides the time source. Used to pin billing periods in tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithTransactionIDs overrides transaction id generation.
func WithTransactionIDs(gen func() string) Option {
	return func(l *Ledger) { l.newTransactionID = gen }
}

// NewLedger creates a Ledger over the given store and account directory.
func NewLedger(store interfaces.LedgerStore, accounts interfaces.AccountDirectory, limits plans.Limits, opts ...Option) *Ledger {
	l := &Ledger{
		store:            store,
		accounts:         accounts,
		plans:            limits,
		logger:           zap.NewNop(),
		metrics:          NoopMetrics(),
		now:              time.Now,
		newTransactionID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// monthlyLimit resolves the account's plan tier and its monthly grant.
func (l *Ledger) monthlyLimit(ctx context.Context, accountID string) (int64, string, error) {
	tier, err := l.accounts.PlanTier(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, "", fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return 0, "", fmt.Errorf("ledger: look up plan tier for %s: %w", accountID, err)
	}
	limit, ok := l.plans.MonthlyGrant(tier)
	if !ok {
		return 0, tier, fmt.Errorf("%w: %q (account %s)", ErrUnknownPlan, tier, accountID)
	}
	return limit, tier, nil
}

// stamp returns the creation time for an entry appended after latest. It
// never goes backwards, so creation order stays the append order even when
// writers' clocks disagree.
func (l *Ledger) stamp(latest models.LedgerEntry) time.Time {
	now := l.now().UTC()
	if now.Before(latest.CreatedAt) {
		return latest.CreatedAt
	}
	return now
}
