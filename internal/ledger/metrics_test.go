package ledger

import (
	"context"
	"testing"

	"github.com/sheikh-saqib/usage-ledger/internal/accounts"
	"github.com/sheikh-saqib/usage-ledger/internal/plans"
	"github.com/sheikh-saqib/usage-ledger/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string][]metricdata.DataPoint[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := make(map[string][]metricdata.DataPoint[int64])
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				sums[m.Name] = sum.DataPoints
			}
		}
	}
	return sums
}

func valueWith(points []metricdata.DataPoint[int64], kv attribute.KeyValue) int64 {
	for _, p := range points {
		if v, ok := p.Attributes.Value(kv.Key); ok && v.Emit() == kv.Value.Emit() {
			return p.Value
		}
	}
	return 0
}

func TestMetrics_RecordsLedgerOperations(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewMetrics(provider.Meter("ledger-test"))
	require.NoError(t, err)

	clock := &testClock{now: march}
	l := NewLedger(
		memory.NewMemoryLedgerStore(),
		accounts.NewStaticDirectory(map[string]string{"acct-a": "tierA"}),
		plans.DefaultLimits(),
		WithMetrics(metrics),
		WithClock(clock.Now),
	)
	ctx := context.Background()

	res, err := l.Provision(ctx, "acct-a", 850, nil)
	require.NoError(t, err)
	require.NoError(t, l.Reconcile(ctx, res.ProvisionID, res.TransactionID, 820, nil))
	// A retried reconcile appends nothing and must not be counted again.
	require.NoError(t, l.Reconcile(ctx, res.ProvisionID, res.TransactionID, 820, nil))
	_, err = l.Provision(ctx, "acct-a", 500, nil)
	require.Error(t, err)
	res, err = l.Provision(ctx, "acct-a", 10, nil)
	require.NoError(t, err)
	require.NoError(t, l.Rollback(ctx, res.ProvisionID, res.TransactionID, "timeout"))
	require.NoError(t, l.Rollback(ctx, res.ProvisionID, res.TransactionID, "timeout"))

	sums := collectSums(t, reader)
	assert.Equal(t, int64(2), valueWith(sums["ledger_provisions_total"], attribute.String("result", "ok")))
	assert.Equal(t, int64(1), valueWith(sums["ledger_provisions_total"], attribute.String("result", "insufficient")))
	require.Len(t, sums["ledger_reconciliations_total"], 1)
	assert.Equal(t, int64(1), sums["ledger_reconciliations_total"][0].Value)
	require.Len(t, sums["ledger_units_consumed_total"], 1)
	assert.Equal(t, int64(820), sums["ledger_units_consumed_total"][0].Value)
	require.Len(t, sums["ledger_rollbacks_total"], 1)
	assert.Equal(t, int64(1), sums["ledger_rollbacks_total"][0].Value)
	assert.Equal(t, int64(1), valueWith(sums["ledger_threshold_alerts_total"], attribute.String("type", "80_percent")))
}

func TestNoopMetrics(t *testing.T) {
	m := NoopMetrics()
	require.NotNil(t, m)
	assert.NotPanics(t, func() {
		m.provisions.Add(context.Background(), 1)
	})
}
