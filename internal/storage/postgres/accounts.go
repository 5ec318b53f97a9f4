package postgres

import (
	"context"
	"database/sql"
	"errors"

	interfaces "github.com/sheikh-saqib/usage-ledger/internal/interfaces"
	"github.com/sheikh-saqib/usage-ledger/internal/storage"
)

// AccountDirectory reads plan tiers from the accounts table.
type AccountDirectory struct {
	db *sql.DB
}

func NewAccountDirectory(db *sql.DB) *AccountDirectory {
	return &AccountDirectory{db: db}
}

func (d *AccountDirectory) PlanTier(ctx context.Context, accountID string) (string, error) {
	var tier string
	err := d.db.QueryRowContext(ctx, `SELECT plan_tier FROM accounts WHERE id = $1`, accountID).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return tier, nil
}

func (d *AccountDirectory) ListAccounts(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetPlanTier creates the account or changes its tier.
func (d *AccountDirectory) SetPlanTier(ctx context.Context, accountID, tier string) error {
	_, err := d.db.ExecContext(ctx, `INSERT INTO accounts (id, plan_tier) VALUES ($1, $2)
	ON CONFLICT (id) DO UPDATE SET plan_tier = EXCLUDED.plan_tier`, accountID, tier)
	return err
}

var _ interfaces.AccountDirectory = (*AccountDirectory)(nil)
