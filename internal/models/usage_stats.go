package models

import "github.com/shopspring/decimal"

// UsageStats summarises an account's consumption in the current period.
type UsageStats struct {
	AccountID         string          `json:"account_id"`
	Period            string          `json:"period"`
	CurrentBalance    int64           `json:"current_balance"`
	MonthlyLimit      int64           `json:"monthly_limit"`
	UsedThisPeriod    int64           `json:"used_this_period"`
	RolloverAmount    int64           `json:"rollover_amount"`
	UsagePercent      decimal.Decimal `json:"usage_percent"`
	PendingProvisions int             `json:"pending_provisions"`
}
