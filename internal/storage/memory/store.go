package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	interfaces "github.com/sheikh-saqib/usage-ledger/internal/interfaces"
	"github.com/sheikh-saqib/usage-ledger/internal/models"
	"github.com/sheikh-saqib/usage-ledger/internal/storage"
)

// MemoryLedgerStore is an in-process LedgerStore. A per-account mutex plays
// the role of the database account lock, so it is only correct when every
// operation on an account goes through one process.
type MemoryLedgerStore struct {
	mu      sync.RWMutex // protects everything below
	entries []models.LedgerEntry
	byID    map[int64]int    // entry id -> index in entries
	keys    map[string]int64 // idempotency key -> entry id
	alerts  map[alertKey]models.ThresholdAlert
	nextID  int64

	muMap map[string]*sync.Mutex // one lock per account
	mapMu sync.Mutex             // protects muMap

	now func() time.Time
}

type alertKey struct {
	accountID string
	alertType models.AlertType
	period    string
}

// Option configures a MemoryLedgerStore.
type Option func(*MemoryLedgerStore)

// WithClock overrides the timestamp source for new entries.
func WithClock(now func() time.Time) Option {
	return func(m *MemoryLedgerStore) { m.now = now }
}

// NewMemoryLedgerStore creates an empty store.
func NewMemoryLedgerStore(opts ...Option) *MemoryLedgerStore {
	m := &MemoryLedgerStore{
		entries: make([]models.LedgerEntry, 0),
		byID:    make(map[int64]int),
		keys:    make(map[string]int64),
		alerts:  make(map[alertKey]models.ThresholdAlert),
		muMap:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryLedgerStore) getAccountLock(accountID string) *sync.Mutex {
	m.mapMu.Lock()
	defer m.mapMu.Unlock()

	if _, exists := m.muMap[accountID]; !exists {
		m.muMap[accountID] = &sync.Mutex{}
	}
	return m.muMap[accountID]
}

// WithAccountLock serialises fn against every other locked operation on the
// same account. Writes are staged and applied only if fn succeeds.
func (m *MemoryLedgerStore) WithAccountLock(ctx context.Context, accountID string, fn func(tx interfaces.LedgerTx) error) error {
	lock := m.getAccountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		store:     m,
		accountID: accountID,
		statuses:  make(map[int64]models.ReconciliationStatus),
	}
	if err := fn(tx); err != nil {
		return err
	}
	m.commit(tx)
	return nil
}

func (m *MemoryLedgerStore) commit(tx *memoryTx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range tx.staged {
		m.byID[e.ID] = len(m.entries)
		m.keys[e.IdempotencyKey] = e.ID
		m.entries = append(m.entries, e)
	}
	for id, status := range tx.statuses {
		if idx, ok := m.byID[id]; ok {
			m.entries[idx].ReconciliationStatus = status
		}
	}
}

func (m *MemoryLedgerStore) GetEntry(_ context.Context, id int64) (models.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.byID[id]
	if !ok {
		return models.LedgerEntry{}, storage.ErrNotFound
	}
	return cloneEntry(m.entries[idx]), nil
}

func (m *MemoryLedgerStore) LatestEntry(_ context.Context, accountID string) (models.LedgerEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.latestLocked(accountID)
	return e, ok, nil
}

func (m *MemoryLedgerStore) latestLocked(accountID string) (models.LedgerEntry, bool) {
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].AccountID == accountID {
			return cloneEntry(m.entries[i]), true
		}
	}
	return models.LedgerEntry{}, false
}

func (m *MemoryLedgerStore) GetEntriesByAccount(ctx context.Context, accountID string) ([]models.LedgerEntry, error) {
	return m.GetEntriesSince(ctx, accountID, time.Time{})
}

func (m *MemoryLedgerStore) GetEntriesSince(_ context.Context, accountID string, since time.Time) ([]models.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.LedgerEntry
	for _, e := range m.entries {
		if e.AccountID == accountID && !e.CreatedAt.Before(since) {
			result = append(result, cloneEntry(e))
		}
	}
	return result, nil
}

func (m *MemoryLedgerStore) ListPendingProvisions(_ context.Context, createdBefore time.Time) ([]models.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.LedgerEntry
	for _, e := range m.entries {
		if e.Reason == models.ReasonProvision &&
			e.ReconciliationStatus == models.StatusPending &&
			e.CreatedAt.Before(createdBefore) {
			result = append(result, cloneEntry(e))
		}
	}
	return result, nil
}

func (m *MemoryLedgerStore) InsertAlertIfAbsent(_ context.Context, alert models.ThresholdAlert) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := alertKey{alert.AccountID, alert.AlertType, alert.Period}
	if _, exists := m.alerts[key]; exists {
		return false, nil
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = m.now()
	}
	m.alerts[key] = alert
	return true, nil
}

func (m *MemoryLedgerStore) GetAlerts(_ context.Context, accountID, period string) ([]models.ThresholdAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.ThresholdAlert
	for _, t := range []models.AlertType{models.Alert80Percent, models.Alert100Percent} {
		if a, ok := m.alerts[alertKey{accountID, t, period}]; ok {
			result = append(result, a)
		}
	}
	return result, nil
}

// memoryTx stages writes made under an account lock.
type memoryTx struct {
	store     *MemoryLedgerStore
	accountID string
	staged    []models.LedgerEntry
	statuses  map[int64]models.ReconciliationStatus
}

func (t *memoryTx) LatestEntry(_ context.Context) (models.LedgerEntry, bool, error) {
	if n := len(t.staged); n > 0 {
		return t.withStatus(cloneEntry(t.staged[n-1])), true, nil
	}
	t.store.mu.RLock()
	e, ok := t.store.latestLocked(t.accountID)
	t.store.mu.RUnlock()
	return t.withStatus(e), ok, nil
}

func (t *memoryTx) GetEntry(ctx context.Context, id int64) (models.LedgerEntry, error) {
	for _, e := range t.staged {
		if e.ID == id {
			return t.withStatus(cloneEntry(e)), nil
		}
	}
	e, err := t.store.GetEntry(ctx, id)
	if err != nil {
		return models.LedgerEntry{}, err
	}
	return t.withStatus(e), nil
}

func (t *memoryTx) EntryExists(_ context.Context, idempotencyKey string) (bool, error) {
	for _, e := range t.staged {
		if e.IdempotencyKey == idempotencyKey {
			return true, nil
		}
	}
	t.store.mu.RLock()
	_, exists := t.store.keys[idempotencyKey]
	t.store.mu.RUnlock()
	return exists, nil
}

func (t *memoryTx) InsertEntry(ctx context.Context, entry *models.LedgerEntry) (bool, error) {
	if !entry.Reason.Valid() {
		return false, fmt.Errorf("memory: invalid entry reason %q", entry.Reason)
	}
	exists, err := t.EntryExists(ctx, entry.IdempotencyKey)
	if err != nil || exists {
		return false, err
	}

	t.store.mu.Lock()
	t.store.nextID++
	entry.ID = t.store.nextID
	t.store.mu.Unlock()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.store.now()
	}
	t.staged = append(t.staged, cloneEntry(*entry))
	return true, nil
}

func (t *memoryTx) SetReconciliationStatus(ctx context.Context, id int64, status models.ReconciliationStatus) error {
	if _, err := t.GetEntry(ctx, id); err != nil {
		return err
	}
	t.statuses[id] = status
	return nil
}

func (t *memoryTx) withStatus(e models.LedgerEntry) models.LedgerEntry {
	if status, ok := t.statuses[e.ID]; ok {
		e.ReconciliationStatus = status
	}
	return e
}

func cloneEntry(e models.LedgerEntry) models.LedgerEntry {
	if e.Metadata != nil {
		e.Metadata = maps.Clone(e.Metadata)
	}
	return e
}

// Compile-time check: ensure MemoryLedgerStore implements LedgerStore interface
var _ interfaces.LedgerStore = (*MemoryLedgerStore)(nil)
