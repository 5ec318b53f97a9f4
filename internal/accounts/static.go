// Package accounts provides an in-process AccountDirectory.
package accounts

import (
	"context"
	"sort"
	"sync"

	interfaces "github.com/sheikh-saqib/usage-ledger/internal/interfaces"
	"github.com/sheikh-saqib/usage-ledger/internal/storage"
)

// StaticDirectory holds account -> plan tier in memory.
type StaticDirectory struct {
	mu    sync.RWMutex
	tiers map[string]string
}

// NewStaticDirectory copies tiers into a new directory.
func NewStaticDirectory(tiers map[string]string) *StaticDirectory {
	d := &StaticDirectory{tiers: make(map[string]string, len(tiers))}
	for id, tier := range tiers {
		d.tiers[id] = tier
	}
	return d
}

// Set adds or changes an account's tier.
func (d *StaticDirectory) Set(accountID, tier string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tiers[accountID] = tier
}

// SetPlanTier is Set with the signature of the database directories.
func (d *StaticDirectory) SetPlanTier(_ context.Context, accountID, tier string) error {
	d.Set(accountID, tier)
	return nil
}

func (d *StaticDirectory) PlanTier(_ context.Context, accountID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tier, ok := d.tiers[accountID]
	if !ok {
		return "", storage.ErrNotFound
	}
	return tier, nil
}

// ListAccounts returns account ids in lexical order.
func (d *StaticDirectory) ListAccounts(_ context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]string, 0, len(d.tiers))
	for id := range d.tiers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

var _ interfaces.AccountDirectory = (*StaticDirectory)(nil)
