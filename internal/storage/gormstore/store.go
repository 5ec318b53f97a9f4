// Package gormstore implements the ledger store on gorm, for PostgreSQL or
// SQLite.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	interfaces "github.com/sheikh-saqib/usage-ledger/internal/interfaces"
	"github.com/sheikh-saqib/usage-ledger/internal/models"
	"github.com/sheikh-saqib/usage-ledger/internal/storage"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Config selects the gorm dialect.
type Config struct {
	Driver       string // postgres or sqlite
	DSN          string
	MaxOpenConns int
	LogLevel     logger.LogLevel
}

// Open connects with the configured dialect. SQLite is limited to one open
// connection: it has no row locks, so writers are serialised by the pool.
func Open(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("gormstore: unsupported driver %q", cfg.Driver)
	}

	logLevel := cfg.LogLevel
	if logLevel == 0 {
		logLevel = logger.Silent
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 logger.Default.LogMode(logLevel),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	switch {
	case cfg.Driver == "sqlite":
		sqlDB.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	return db, nil
}

// AutoMigrate creates or updates the ledger tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&EntryModel{}, &AlertModel{}, &AccountModel{})
}

// Store implements interfaces.LedgerStore using GORM.
type Store struct {
	db *gorm.DB
}

// New creates a Store over db.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) WithAccountLock(ctx context.Context, accountID string, fn func(tx interfaces.LedgerTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		tx := &gormTx{db: db, accountID: accountID}
		if err := tx.lock(); err != nil {
			return fmt.Errorf("lock account %s: %w", accountID, err)
		}
		return fn(tx)
	})
}

func (s *Store) GetEntry(ctx context.Context, id int64) (models.LedgerEntry, error) {
	return getEntry(s.db.WithContext(ctx), id)
}

func (s *Store) LatestEntry(ctx context.Context, accountID string) (models.LedgerEntry, bool, error) {
	return latestEntry(s.db.WithContext(ctx), accountID)
}

func (s *Store) GetEntriesByAccount(ctx context.Context, accountID string) ([]models.LedgerEntry, error) {
	return s.GetEntriesSince(ctx, accountID, time.Time{})
}

func (s *Store) GetEntriesSince(ctx context.Context, accountID string, since time.Time) ([]models.LedgerEntry, error) {
	var rows []EntryModel
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND created_at >= ?", accountID, since.UTC()).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomain(rows)
}

func (s *Store) ListPendingProvisions(ctx context.Context, createdBefore time.Time) ([]models.LedgerEntry, error) {
	var rows []EntryModel
	err := s.db.WithContext(ctx).
		Where("reason = ? AND reconciliation_status = ? AND created_at < ?",
			string(models.ReasonProvision), string(models.StatusPending), createdBefore.UTC()).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomain(rows)
}

func (s *Store) InsertAlertIfAbsent(ctx context.Context, alert models.ThresholdAlert) (bool, error) {
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	row := AlertModel{
		AccountID:      alert.AccountID,
		AlertType:      string(alert.AlertType),
		Period:         alert.Period,
		BalanceAtAlert: alert.BalanceAtAlert,
		LimitAtAlert:   alert.LimitAtAlert,
		CreatedAt:      alert.CreatedAt.UTC(),
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "alert_type"}, {Name: "period"}},
			DoNothing: true,
		}).
		Create(&row)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *Store) GetAlerts(ctx context.Context, accountID, period string) ([]models.ThresholdAlert, error) {
	var rows []AlertModel
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND period = ?", accountID, period).
		Order("alert_type DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	alerts := make([]models.ThresholdAlert, len(rows))
	for i, r := range rows {
		alerts[i] = r.ToDomain()
	}
	return alerts, nil
}

// gormTx is the LedgerTx inside a gorm transaction.
type gormTx struct {
	db        *gorm.DB
	accountID string
}

func (t *gormTx) isPostgres() bool {
	return t.db.Dialector.Name() == "postgres"
}

// lock serialises writers of one account with a transaction-scoped
// advisory lock. No row locks are taken, so settling an older provision
// cannot wait on another writer of the account. SQLite has no locks; its
// single connection already serialises transactions.
func (t *gormTx) lock() error {
	if !t.isPostgres() {
		return nil
	}
	return t.db.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", t.accountID).Error
}

func (t *gormTx) LatestEntry(_ context.Context) (models.LedgerEntry, bool, error) {
	return latestEntry(t.db, t.accountID)
}

func (t *gormTx) GetEntry(_ context.Context, id int64) (models.LedgerEntry, error) {
	return getEntry(t.db, id)
}

func (t *gormTx) EntryExists(_ context.Context, idempotencyKey string) (bool, error) {
	var count int64
	err := t.db.Model(&EntryModel{}).
		Where("idempotency_key = ?", idempotencyKey).
		Limit(1).
		Count(&count).Error
	return count > 0, err
}

func (t *gormTx) InsertEntry(_ context.Context, entry *models.LedgerEntry) (bool, error) {
	if !entry.Reason.Valid() {
		return false, fmt.Errorf("gormstore: invalid entry reason %q", entry.Reason)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	row, err := entryModelFromDomain(entry)
	if err != nil {
		return false, err
	}
	row.CreatedAt = row.CreatedAt.UTC()

	result := t.db.
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(row)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	entry.ID = row.ID
	return true, nil
}

func (t *gormTx) SetReconciliationStatus(_ context.Context, id int64, status models.ReconciliationStatus) error {
	result := t.db.Model(&EntryModel{}).
		Where("id = ? AND reason = ?", id, string(models.ReasonProvision)).
		Update("reconciliation_status", string(status))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func getEntry(db *gorm.DB, id int64) (models.LedgerEntry, error) {
	var row EntryModel
	if err := db.Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.LedgerEntry{}, storage.ErrNotFound
		}
		return models.LedgerEntry{}, err
	}
	return row.ToDomain()
}

func latestEntry(db *gorm.DB, accountID string) (models.LedgerEntry, bool, error) {
	var row EntryModel
	err := db.Where("account_id = ?", accountID).
		Order("created_at DESC, id DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.LedgerEntry{}, false, nil
	}
	if err != nil {
		return models.LedgerEntry{}, false, err
	}
	e, err := row.ToDomain()
	return e, err == nil, err
}

func toDomain(rows []EntryModel) ([]models.LedgerEntry, error) {
	entries := make([]models.LedgerEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.ToDomain()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

var _ interfaces.LedgerStore = (*Store)(nil)
