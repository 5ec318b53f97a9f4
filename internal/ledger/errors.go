package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors returned by ledger operations.
var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrProvisionNotFound   = errors.New("ledger: provision not found")
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrUnknownPlan         = errors.New("ledger: unknown plan tier")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrProvisionSettled    = errors.New("ledger: provision already settled")
	ErrChainBroken         = errors.New("ledger: balance chain broken")
)

// InsufficientBalanceError carries the numbers behind a refused provision.
type InsufficientBalanceError struct {
	AccountID string
	Available int64
	Required  int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("ledger: insufficient balance for account %s: available %d, required %d",
		e.AccountID, e.Available, e.Required)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// ChainBreakError reports the first entry whose balance_after does not follow
// from its predecessor.
type ChainBreakError struct {
	AccountID string
	EntryID   int64
	Expected  int64
	Actual    int64
}

func (e *ChainBreakError) Error() string {
	return fmt.Sprintf("ledger: balance chain broken for account %s at entry %d: expected %d, got %d",
		e.AccountID, e.EntryID, e.Expected, e.Actual)
}

func (e *ChainBreakError) Is(target error) bool {
	return target == ErrChainBroken
}

// IsRetryable reports whether retrying the same call may succeed. Domain
// errors are deterministic; anything else is treated as a storage failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, domain := range []error{
		ErrInsufficientBalance,
		ErrProvisionNotFound,
		ErrAccountNotFound,
		ErrUnknownPlan,
		ErrInvalidAmount,
		ErrProvisionSettled,
		ErrChainBroken,
		context.Canceled,
	} {
		if errors.Is(err, domain) {
			return false
		}
	}
	return true
}

// UserMessage is the text a caller should show an end user for err.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientBalance):
		return "You have used your advisor allowance for this period. Upgrade your plan or wait for the monthly reset."
	default:
		return "Something went wrong. Please try again."
	}
}
