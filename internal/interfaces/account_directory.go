package interfaces

import "context"

// AccountDirectory resolves accounts to their plan tier. It is owned by the
// account-provisioning side of the system; the ledger only reads it.
type AccountDirectory interface {
	// PlanTier returns storage.ErrNotFound when the account has no record.
	PlanTier(ctx context.Context, accountID string) (string, error)
	ListAccounts(ctx context.Context) ([]string, error)
}

// AccountRegistry is an AccountDirectory that can also assign plan tiers.
type AccountRegistry interface {
	AccountDirectory
	SetPlanTier(ctx context.Context, accountID, tier string) error
}
