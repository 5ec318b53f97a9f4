package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// ThresholdCrossedTopic is where threshold notifications are published.
const ThresholdCrossedTopic = "ledger.threshold_crossed"

// ThresholdCrossed is emitted once per inserted threshold alert row.
type ThresholdCrossed struct {
	AccountID    string          `json:"account_id"`
	AlertType    string          `json:"alert_type"`
	Period       string          `json:"period"`
	Balance      int64           `json:"balance"`
	MonthlyLimit int64           `json:"monthly_limit"`
	UsagePercent decimal.Decimal `json:"usage_percent"`
	OccurredAt   time.Time       `json:"occurred_at"`
}
