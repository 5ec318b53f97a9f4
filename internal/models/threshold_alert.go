package models

import "time"

// AlertType names a usage threshold.
type AlertType string

const (
	Alert80Percent  AlertType = "80_percent"
	Alert100Percent AlertType = "100_percent"
)

// ThresholdAlert records that an account crossed a threshold in a billing
// period. At most one exists per (AccountID, AlertType, Period).
type ThresholdAlert struct {
	AccountID      string    `json:"account_id"`
	AlertType      AlertType `json:"alert_type"`
	Period         string    `json:"period"`
	BalanceAtAlert int64     `json:"balance_at_alert"`
	LimitAtAlert   int64     `json:"limit_at_alert"`
	CreatedAt      time.Time `json:"created_at"`
}

// PeriodKey returns the calendar-month key (yyyy-mm) of t in UTC.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// PeriodStart returns midnight UTC on the first day of t's month.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
