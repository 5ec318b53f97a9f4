package ledger

import (
	"context"
	"fmt"

	"github.com/sheikh-saqib/usage-ledger/internal/models"
	"github.com/sheikh-saqib/usage-ledger/internal/models/events"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var (
	eightyPercent  = decimal.NewFromInt(80)
	hundredPercent = decimal.NewFromInt(100)
)

// usagePercent is (limit - balance) / limit * 100. A balance above the limit
// (carried-over units) gives a negative figure.
func usagePercent(limit, balance int64) decimal.Decimal {
	if limit <= 0 {
		return decimal.Zero
	}
	used := decimal.NewFromInt(limit - balance)
	return used.Mul(hundredPercent).Div(decimal.NewFromInt(limit))
}

// CheckAndAlert records threshold alerts for the current billing period.
// Each alert type is raised at most once per account and period. A failure
// to publish the notification is logged and does not fail the call; a
// failure to record the alert does.
func (l *Ledger) CheckAndAlert(ctx context.Context, accountID string, currentBalance int64) error {
	limit, _, err := l.monthlyLimit(ctx, accountID)
	if err != nil {
		return err
	}
	pct := usagePercent(limit, currentBalance)
	period := models.PeriodKey(l.now())

	// 80% also fires when the balance jumps straight past zero, so a single
	// large reconciliation still produces both alerts.
	if pct.GreaterThanOrEqual(eightyPercent) {
		if err := l.raiseAlert(ctx, models.Alert80Percent, accountID, period, currentBalance, limit, pct); err != nil {
			return err
		}
	}
	if currentBalance <= 0 {
		if err := l.raiseAlert(ctx, models.Alert100Percent, accountID, period, currentBalance, limit, pct); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) raiseAlert(ctx context.Context, alertType models.AlertType, accountID, period string, balance, limit int64, pct decimal.Decimal) error {
	inserted, err := l.store.InsertAlertIfAbsent(ctx, models.ThresholdAlert{
		AccountID:      accountID,
		AlertType:      alertType,
		Period:         period,
		BalanceAtAlert: balance,
		LimitAtAlert:   limit,
		CreatedAt:      l.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("ledger: record %s alert for %s: %w", alertType, accountID, err)
	}
	if !inserted {
		return nil
	}

	l.metrics.alerts.Add(ctx, 1, attrs(attribute.String("type", string(alertType))))
	l.logger.Info("usage threshold crossed",
		zap.String("account_id", accountID),
		zap.String("alert_type", string(alertType)),
		zap.String("period", period),
		zap.Int64("balance", balance),
		zap.Int64("limit", limit),
		zap.String("usage_percent", pct.StringFixed(2)),
	)

	if l.publisher == nil {
		return nil
	}
	event := events.ThresholdCrossed{
		AccountID:    accountID,
		AlertType:    string(alertType),
		Period:       period,
		Balance:      balance,
		MonthlyLimit: limit,
		UsagePercent: pct.Round(2),
		OccurredAt:   l.now().UTC(),
	}
	if err := l.publisher.Publish(ctx, events.ThresholdCrossedTopic, accountID, event); err != nil {
		l.logger.Warn("threshold notification not sent",
			zap.String("account_id", accountID),
			zap.String("alert_type", string(alertType)),
			zap.Error(err),
		)
	}
	return nil
}
