package gormstore

import (
	"context"
	"errors"
	"time"

	interfaces "github.com/sheikh-saqib/usage-ledger/internal/interfaces"
	"github.com/sheikh-saqib/usage-ledger/internal/storage"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AccountDirectory reads plan tiers from the accounts table.
type AccountDirectory struct {
	db *gorm.DB
}

func NewAccountDirectory(db *gorm.DB) *AccountDirectory {
	return &AccountDirectory{db: db}
}

func (d *AccountDirectory) PlanTier(ctx context.Context, accountID string) (string, error) {
	var account AccountModel
	if err := d.db.WithContext(ctx).Where("id = ?", accountID).Take(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", storage.ErrNotFound
		}
		return "", err
	}
	return account.PlanTier, nil
}

func (d *AccountDirectory) ListAccounts(ctx context.Context) ([]string, error) {
	var ids []string
	err := d.db.WithContext(ctx).Model(&AccountModel{}).Order("id ASC").Pluck("id", &ids).Error
	return ids, err
}

// SetPlanTier creates the account or changes its tier.
func (d *AccountDirectory) SetPlanTier(ctx context.Context, accountID, tier string) error {
	account := AccountModel{ID: accountID, PlanTier: tier, CreatedAt: time.Now().UTC()}
	return d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"plan_tier"}),
		}).
		Create(&account).Error
}

var _ interfaces.AccountDirectory = (*AccountDirectory)(nil)
