package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sheikh-saqib/usage-ledger/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeJobs struct {
	mu       sync.Mutex
	grants   []time.Time
	sweeps   []time.Duration
	grantErr error
}

func (f *fakeJobs) GrantAllMonthly(_ context.Context, period time.Time) ([]ledger.GrantResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants = append(f.grants, period)
	return []ledger.GrantResult{{AccountID: "acct-1", Applied: len(f.grants) == 1}}, f.grantErr
}

func (f *fakeJobs) SweepAbandoned(_ context.Context, olderThan time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps = append(f.sweeps, olderThan)
	return 0, nil
}

func (f *fakeJobs) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.grants), len(f.sweeps)
}

func TestScheduler_RunsEnabledJobs(t *testing.T) {
	jobs := &fakeJobs{}
	s := New(Config{
		GrantEnabled:     true,
		GrantInterval:    10 * time.Millisecond,
		SweepEnabled:     true,
		SweepInterval:    10 * time.Millisecond,
		ProvisionTimeout: time.Hour,
	}, jobs, jobs, zap.NewNop())

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()), "second start is a no-op")

	assert.Eventually(t, func() bool {
		grants, sweeps := jobs.counts()
		return grants >= 2 && sweeps >= 2
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx), "second stop is a no-op")

	grants, sweeps := jobs.counts()
	time.Sleep(30 * time.Millisecond)
	afterGrants, afterSweeps := jobs.counts()
	assert.Equal(t, grants, afterGrants)
	assert.Equal(t, sweeps, afterSweeps)

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	assert.Equal(t, time.Hour, jobs.sweeps[0])
}

func TestScheduler_SweepDisabled(t *testing.T) {
	jobs := &fakeJobs{}
	s := New(Config{
		GrantEnabled:  true,
		GrantInterval: time.Hour,
	}, jobs, jobs, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool {
		grants, _ := jobs.counts()
		return grants == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	_, sweeps := jobs.counts()
	assert.Zero(t, sweeps)
}

func TestScheduler_LogsGrantFailures(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	jobs := &fakeJobs{grantErr: errors.New("account acct-2: ledger: unknown plan tier")}
	s := New(Config{}, jobs, nil, zap.New(core))
	s.now = func() time.Time { return time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC) }

	s.runGrant(context.Background())

	entries := logs.FilterMessage("monthly grant run had failures").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, 1, entries[0].ContextMap()["applied"])
	assert.Equal(t, time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC), jobs.grants[0])
}
