// Package scheduler runs the ledger's periodic jobs: the monthly grant
// rollover and the optional abandoned-provision sweep.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sheikh-saqib/usage-ledger/internal/ledger"
	"go.uber.org/zap"
)

// Granter applies the monthly grant to every account.
type Granter interface {
	GrantAllMonthly(ctx context.Context, period time.Time) ([]ledger.GrantResult, error)
}

// Sweeper rolls back provisions left pending too long.
type Sweeper interface {
	SweepAbandoned(ctx context.Context, olderThan time.Duration) (int, error)
}

// Config holds scheduler configuration
type Config struct {
	GrantEnabled     bool
	GrantInterval    time.Duration
	SweepEnabled     bool
	SweepInterval    time.Duration
	ProvisionTimeout time.Duration
}

// Scheduler runs the enabled jobs on their own tickers. The grant job is
// idempotent per month, so running it more often than monthly only keeps
// the rollover close to the month boundary.
type Scheduler struct {
	config  Config
	granter Granter
	sweeper Sweeper
	logger  *zap.Logger
	now     func() time.Time

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// New creates a scheduler. sweeper may be nil when sweeping is disabled.
func New(config Config, granter Granter, sweeper Sweeper, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		config:  config,
		granter: granter,
		sweeper: sweeper,
		logger:  logger,
		now:     time.Now,
	}
}

// Start launches the job loops. Each enabled job also runs once immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return nil
	}
	s.isRunning = true

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.config.GrantEnabled && s.granter != nil {
		s.wg.Add(1)
		go s.loop(ctx, "monthly_grant", s.config.GrantInterval, s.runGrant)
	}
	if s.config.SweepEnabled && s.sweeper != nil {
		s.wg.Add(1)
		go s.loop(ctx, "abandoned_sweep", s.config.SweepInterval, s.runSweep)
	}

	s.logger.Info("Scheduler started",
		zap.Bool("grant_enabled", s.config.GrantEnabled),
		zap.Duration("grant_interval", s.config.GrantInterval),
		zap.Bool("sweep_enabled", s.config.SweepEnabled),
		zap.Duration("sweep_interval", s.config.SweepInterval),
	)
	return nil
}

// Stop cancels the loops and waits for running jobs, up to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, job func(context.Context)) {
	defer s.wg.Done()

	job(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("job loop exiting", zap.String("job", name))
			return
		case <-ticker.C:
			job(ctx)
		}
	}
}

func (s *Scheduler) runGrant(ctx context.Context) {
	period := s.now().UTC()
	results, err := s.granter.GrantAllMonthly(ctx, period)

	applied := 0
	for _, r := range results {
		if r.Applied {
			applied++
		}
	}
	if err != nil {
		s.logger.Error("monthly grant run had failures",
			zap.Time("period", period),
			zap.Int("applied", applied),
			zap.Error(err),
		)
		return
	}
	if applied > 0 {
		s.logger.Info("monthly grants applied",
			zap.Time("period", period),
			zap.Int("applied", applied),
			zap.Int("accounts", len(results)),
		)
	}
}

func (s *Scheduler) runSweep(ctx context.Context) {
	swept, err := s.sweeper.SweepAbandoned(ctx, s.config.ProvisionTimeout)
	if err != nil {
		s.logger.Error("abandoned provision sweep failed",
			zap.Int("swept", swept),
			zap.Error(err),
		)
	}
}
