package models

import (
	"fmt"
	"time"
)

// Reason tags why a ledger entry changed the balance.
type Reason string

const (
	ReasonInitialGrant             Reason = "initial_grant"
	ReasonMonthlyGrant             Reason = "monthly_grant"
	ReasonProvision                Reason = "provision"
	ReasonReconciliationAdjustment Reason = "reconciliation_adjustment"
	ReasonProvisionRollback        Reason = "provision_rollback"
)

// Valid reports whether r is one of the known reasons.
func (r Reason) Valid() bool {
	switch r {
	case ReasonInitialGrant, ReasonMonthlyGrant, ReasonProvision,
		ReasonReconciliationAdjustment, ReasonProvisionRollback:
		return true
	}
	return false
}

// IsGrant reports whether the entry credits the account from its plan.
func (r Reason) IsGrant() bool {
	return r == ReasonInitialGrant || r == ReasonMonthlyGrant
}

// ReconciliationStatus is only set on provision entries.
type ReconciliationStatus string

const (
	StatusNone       ReconciliationStatus = ""
	StatusPending    ReconciliationStatus = "pending"
	StatusConfirmed  ReconciliationStatus = "confirmed"
	StatusRolledBack ReconciliationStatus = "rolled_back"
)

// Terminal reports whether no further transition is allowed.
func (s ReconciliationStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusRolledBack
}

// LedgerEntry is one immutable balance-changing record for an account.
// Only ReconciliationStatus of a provision entry ever changes after insert.
type LedgerEntry struct {
	ID                   int64                `json:"id"`
	AccountID            string               `json:"account_id"`
	Amount               int64                `json:"amount"` // negative = debit
	BalanceAfter         int64                `json:"balance_after"`
	Reason               Reason               `json:"reason"`
	TransactionID        string               `json:"transaction_id,omitempty"`
	IdempotencyKey       string               `json:"idempotency_key"`
	ReconciliationStatus ReconciliationStatus `json:"reconciliation_status,omitempty"`
	Metadata             map[string]string    `json:"metadata,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
}

// BalanceBefore is the balance the entry was applied to.
func (e LedgerEntry) BalanceBefore() int64 {
	return e.BalanceAfter - e.Amount
}

// Units returns the absolute amount of the entry.
func (e LedgerEntry) Units() int64 {
	if e.Amount < 0 {
		return -e.Amount
	}
	return e.Amount
}

// Idempotency keys. Each logical operation gets one deterministic key.

func ProvisionKey(transactionID string) string { return "provision-" + transactionID }

func ReconcileKey(transactionID string) string { return "reconcile-" + transactionID }

func RollbackKey(transactionID string) string { return "rollback-" + transactionID }

// GrantKey builds grant-<account>-<reason>-<yyyy-mm>.
func GrantKey(accountID string, reason Reason, period string) string {
	return fmt.Sprintf("grant-%s-%s-%s", accountID, reason, period)
}
