package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	interfaces "github.com/sheikh-saqib/usage-ledger/internal/interfaces"
	"github.com/sheikh-saqib/usage-ledger/internal/models"
	"github.com/sheikh-saqib/usage-ledger/internal/storage"
)

const entryColumns = `id, account_id, amount, balance_after, reason, transaction_id,
	idempotency_key, reconciliation_status, metadata, created_at`

const (
	advisoryLockQuery = `SELECT pg_advisory_xact_lock(hashtext($1))`

	latestEntryQuery = `SELECT ` + entryColumns + ` FROM ledger_entries WHERE account_id = $1
	ORDER BY created_at DESC, id DESC LIMIT 1`

	entryByIDQuery = `SELECT ` + entryColumns + ` FROM ledger_entries WHERE id = $1`

	entriesSinceQuery = `SELECT ` + entryColumns + ` FROM ledger_entries WHERE account_id = $1 AND created_at >= $2
	ORDER BY created_at, id`

	pendingQuery = `SELECT ` + entryColumns + ` FROM ledger_entries
	WHERE reason = 'provision' AND reconciliation_status = 'pending' AND created_at < $1
	ORDER BY created_at, id`

	entryExistsQuery = `SELECT 1 FROM ledger_entries WHERE idempotency_key = $1 LIMIT 1`

	insertEntryQuery = `INSERT INTO ledger_entries (account_id, amount, balance_after, reason, transaction_id,
	idempotency_key, reconciliation_status, metadata, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (idempotency_key) DO NOTHING
	RETURNING id`

	setStatusQuery = `UPDATE ledger_entries SET reconciliation_status = $2
	WHERE id = $1 AND reason = 'provision'`

	insertAlertQuery = `INSERT INTO threshold_alerts (account_id, alert_type, period, balance_at_alert, limit_at_alert, created_at)
	VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (account_id, alert_type, period) DO NOTHING`

	alertsQuery = `SELECT account_id, alert_type, period, balance_at_alert, limit_at_alert, created_at
	FROM threshold_alerts WHERE account_id = $1 AND period = $2 ORDER BY alert_type DESC`
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresLedgerStore keeps the ledger in PostgreSQL. The account lock is a
// transaction-scoped advisory lock keyed by the account id.
type PostgresLedgerStore struct {
	db *sql.DB
}

func NewPostgresLedgerStore(db *sql.DB) *PostgresLedgerStore {
	return &PostgresLedgerStore{
		db: db,
	}
}

// WithAccountLock runs fn inside one database transaction that holds the
// account lock from the start.
func (p *PostgresLedgerStore) WithAccountLock(ctx context.Context, accountID string, fn func(tx interfaces.LedgerTx) error) (err error) {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			dbTx.Rollback()
		}
	}()

	tx := &postgresTx{tx: dbTx, accountID: accountID}
	if err = tx.lock(ctx); err != nil {
		return fmt.Errorf("lock account %s: %w", accountID, err)
	}
	if err = fn(tx); err != nil {
		return err
	}
	if err = dbTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *PostgresLedgerStore) GetEntry(ctx context.Context, id int64) (models.LedgerEntry, error) {
	return getEntry(ctx, p.db, id)
}

func (p *PostgresLedgerStore) LatestEntry(ctx context.Context, accountID string) (models.LedgerEntry, bool, error) {
	return latestEntry(ctx, p.db, accountID)
}

func (p *PostgresLedgerStore) GetEntriesByAccount(ctx context.Context, accountID string) ([]models.LedgerEntry, error) {
	return p.GetEntriesSince(ctx, accountID, time.Time{})
}

func (p *PostgresLedgerStore) GetEntriesSince(ctx context.Context, accountID string, since time.Time) ([]models.LedgerEntry, error) {
	rows, err := p.db.QueryContext(ctx, entriesSinceQuery, accountID, since)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (p *PostgresLedgerStore) ListPendingProvisions(ctx context.Context, createdBefore time.Time) ([]models.LedgerEntry, error) {
	rows, err := p.db.QueryContext(ctx, pendingQuery, createdBefore)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (p *PostgresLedgerStore) InsertAlertIfAbsent(ctx context.Context, alert models.ThresholdAlert) (bool, error) {
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	res, err := p.db.ExecContext(ctx, insertAlertQuery,
		alert.AccountID, string(alert.AlertType), alert.Period,
		alert.BalanceAtAlert, alert.LimitAtAlert, alert.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresLedgerStore) GetAlerts(ctx context.Context, accountID, period string) ([]models.ThresholdAlert, error) {
	rows, err := p.db.QueryContext(ctx, alertsQuery, accountID, period)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []models.ThresholdAlert
	for rows.Next() {
		var a models.ThresholdAlert
		var alertType string
		if err := rows.Scan(&a.AccountID, &alertType, &a.Period, &a.BalanceAtAlert, &a.LimitAtAlert, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.AlertType = models.AlertType(alertType)
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return alerts, nil
}

// postgresTx is the LedgerTx handed to WithAccountLock callbacks.
type postgresTx struct {
	tx        *sql.Tx
	accountID string
}

// lock serialises writers of one account. No row locks are held, so an
// UPDATE of an older provision row can never wait on another account writer.
// Each statement after the lock sees every entry committed before it.
func (t *postgresTx) lock(ctx context.Context) error {
	_, err := t.tx.ExecContext(ctx, advisoryLockQuery, t.accountID)
	return err
}

func (t *postgresTx) LatestEntry(ctx context.Context) (models.LedgerEntry, bool, error) {
	return latestEntry(ctx, t.tx, t.accountID)
}

func (t *postgresTx) GetEntry(ctx context.Context, id int64) (models.LedgerEntry, error) {
	return getEntry(ctx, t.tx, id)
}

func (t *postgresTx) EntryExists(ctx context.Context, idempotencyKey string) (bool, error) {
	var exists int
	err := t.tx.QueryRowContext(ctx, entryExistsQuery, idempotencyKey).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *postgresTx) InsertEntry(ctx context.Context, entry *models.LedgerEntry) (bool, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	metadata, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return false, err
	}

	var id int64
	err = t.tx.QueryRowContext(ctx, insertEntryQuery,
		entry.AccountID, entry.Amount, entry.BalanceAfter, string(entry.Reason), entry.TransactionID,
		entry.IdempotencyKey, string(entry.ReconciliationStatus), metadata, entry.CreatedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	entry.ID = id
	return true, nil
}

func (t *postgresTx) SetReconciliationStatus(ctx context.Context, id int64, status models.ReconciliationStatus) error {
	res, err := t.tx.ExecContext(ctx, setStatusQuery, id, string(status))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func getEntry(ctx context.Context, q querier, id int64) (models.LedgerEntry, error) {
	e, err := scanEntry(q.QueryRowContext(ctx, entryByIDQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.LedgerEntry{}, storage.ErrNotFound
	}
	return e, err
}

func latestEntry(ctx context.Context, q querier, accountID string) (models.LedgerEntry, bool, error) {
	e, err := scanEntry(q.QueryRowContext(ctx, latestEntryQuery, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.LedgerEntry{}, false, nil
	}
	if err != nil {
		return models.LedgerEntry{}, false, err
	}
	return e, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (models.LedgerEntry, error) {
	var (
		e        models.LedgerEntry
		reason   string
		status   string
		metadata []byte
	)
	err := row.Scan(
		&e.ID,
		&e.AccountID,
		&e.Amount,
		&e.BalanceAfter,
		&reason,
		&e.TransactionID,
		&e.IdempotencyKey,
		&status,
		&metadata,
		&e.CreatedAt,
	)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	e.Reason = models.Reason(reason)
	e.ReconciliationStatus = models.ReconciliationStatus(status)
	if e.Metadata, err = decodeMetadata(metadata); err != nil {
		return models.LedgerEntry{}, fmt.Errorf("entry %d metadata: %w", e.ID, err)
	}
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]models.LedgerEntry, error) {
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// encodeMetadata returns JSON text; lib/pq would send a []byte as bytea.
func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeMetadata(raw []byte) (map[string]string, error) {
	if len(raw) == 0 || string(raw) == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

var _ interfaces.LedgerStore = (*PostgresLedgerStore)(nil)
