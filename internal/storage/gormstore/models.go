package gormstore

import (
	"encoding/json"
	"time"

	"github.com/sheikh-saqib/usage-ledger/internal/models"
)

// EntryModel is the ledger_entries row.
type EntryModel struct {
	ID                   int64     `gorm:"primaryKey;autoIncrement"`
	AccountID            string    `gorm:"not null;index:idx_ledger_entries_account_created,priority:1"`
	Amount               int64     `gorm:"not null"`
	BalanceAfter         int64     `gorm:"not null"`
	Reason               string    `gorm:"not null"`
	TransactionID        string    `gorm:"not null;default:''"`
	IdempotencyKey       string    `gorm:"not null;uniqueIndex:idx_ledger_entries_idempotency"`
	ReconciliationStatus string    `gorm:"not null;default:''"`
	Metadata             string    `gorm:"type:text;not null;default:'{}'"`
	CreatedAt            time.Time `gorm:"not null;index:idx_ledger_entries_account_created,priority:2"`
}

func (EntryModel) TableName() string { return "ledger_entries" }

// AlertModel is the threshold_alerts row.
type AlertModel struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	AccountID      string    `gorm:"not null;uniqueIndex:idx_threshold_alerts_once,priority:1"`
	AlertType      string    `gorm:"not null;uniqueIndex:idx_threshold_alerts_once,priority:2"`
	Period         string    `gorm:"not null;uniqueIndex:idx_threshold_alerts_once,priority:3"`
	BalanceAtAlert int64     `gorm:"not null"`
	LimitAtAlert   int64     `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

func (AlertModel) TableName() string { return "threshold_alerts" }

// AccountModel is the accounts row.
type AccountModel struct {
	ID        string `gorm:"primaryKey"`
	PlanTier  string `gorm:"not null"`
	CreatedAt time.Time
}

func (AccountModel) TableName() string { return "accounts" }

func entryModelFromDomain(e *models.LedgerEntry) (*EntryModel, error) {
	metadata := "{}"
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, err
		}
		metadata = string(raw)
	}
	return &EntryModel{
		ID:                   e.ID,
		AccountID:            e.AccountID,
		Amount:               e.Amount,
		BalanceAfter:         e.BalanceAfter,
		Reason:               string(e.Reason),
		TransactionID:        e.TransactionID,
		IdempotencyKey:       e.IdempotencyKey,
		ReconciliationStatus: string(e.ReconciliationStatus),
		Metadata:             metadata,
		CreatedAt:            e.CreatedAt,
	}, nil
}

// ToDomain converts the row to a LedgerEntry.
func (m EntryModel) ToDomain() (models.LedgerEntry, error) {
	e := models.LedgerEntry{
		ID:                   m.ID,
		AccountID:            m.AccountID,
		Amount:               m.Amount,
		BalanceAfter:         m.BalanceAfter,
		Reason:               models.Reason(m.Reason),
		TransactionID:        m.TransactionID,
		IdempotencyKey:       m.IdempotencyKey,
		ReconciliationStatus: models.ReconciliationStatus(m.ReconciliationStatus),
		CreatedAt:            m.CreatedAt.UTC(),
	}
	if m.Metadata != "" && m.Metadata != "{}" {
		if err := json.Unmarshal([]byte(m.Metadata), &e.Metadata); err != nil {
			return models.LedgerEntry{}, err
		}
	}
	return e, nil
}

func (m AlertModel) ToDomain() models.ThresholdAlert {
	return models.ThresholdAlert{
		AccountID:      m.AccountID,
		AlertType:      models.AlertType(m.AlertType),
		Period:         m.Period,
		BalanceAtAlert: m.BalanceAtAlert,
		LimitAtAlert:   m.LimitAtAlert,
		CreatedAt:      m.CreatedAt.UTC(),
	}
}
