package ledger

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the ledger's counters.
type Metrics struct {
	provisions      metric.Int64Counter
	reconciliations metric.Int64Counter
	rollbacks       metric.Int64Counter
	alerts          metric.Int64Counter
	grants          metric.Int64Counter
	unitsConsumed   metric.Int64Counter
}

// NewMetrics creates the ledger counters on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	counters := []struct {
		dst         *metric.Int64Counter
		name        string
		description string
		unit        string
	}{
		{&m.provisions, "ledger_provisions_total", "Provision attempts by result", "{provisions}"},
		{&m.reconciliations, "ledger_reconciliations_total", "Provisions settled at actual cost", "{reconciliations}"},
		{&m.rollbacks, "ledger_rollbacks_total", "Provisions refunded in full", "{rollbacks}"},
		{&m.alerts, "ledger_threshold_alerts_total", "Threshold alert rows inserted by type", "{alerts}"},
		{&m.grants, "ledger_grants_total", "Monthly grant attempts by outcome", "{grants}"},
		{&m.unitsConsumed, "ledger_units_consumed_total", "Actual units reported at reconciliation", "{units}"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name,
			metric.WithDescription(c.description),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create counter %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

// NoopMetrics returns counters that record nothing.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter("ledger")) //nolint:errcheck // noop meter never fails
	return m
}

func attrs(kv ...attribute.KeyValue) metric.AddOption {
	return metric.WithAttributes(kv...)
}
