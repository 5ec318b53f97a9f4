package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sheikh-saqib/usage-ledger/internal/accounts"
	"github.com/sheikh-saqib/usage-ledger/internal/config"
	"github.com/sheikh-saqib/usage-ledger/internal/events/kafka"
	"github.com/sheikh-saqib/usage-ledger/internal/events/logpub"
	interfaces "github.com/sheikh-saqib/usage-ledger/internal/interfaces"
	"github.com/sheikh-saqib/usage-ledger/internal/ledger"
	"github.com/sheikh-saqib/usage-ledger/internal/logger"
	"github.com/sheikh-saqib/usage-ledger/internal/storage/gormstore"
	"github.com/sheikh-saqib/usage-ledger/internal/storage/memory"
	"github.com/sheikh-saqib/usage-ledger/internal/storage/postgres"
	"github.com/sheikh-saqib/usage-ledger/internal/telemetry"
	"go.uber.org/zap"
)

// app is the wired ledger for one command invocation.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	ledger   *ledger.Ledger
	registry interfaces.AccountRegistry

	closers []func(context.Context) error
}

// newApp wires storage, events and telemetry from cfg.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	zlog, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zlog = zlog.With(zap.String("app", cfg.App.Name), zap.String("env", cfg.App.Env))

	a := &app{cfg: cfg, log: zlog}
	a.onClose(func(context.Context) error {
		_ = zlog.Sync()
		return nil
	})

	store, err := a.openStore(ctx)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	meters, err := telemetry.NewMeterProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		ServiceName:    cfg.Telemetry.ServiceName,
		ExportInterval: cfg.Telemetry.ExportInterval,
	}, zlog)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.onClose(meters.Shutdown)

	metrics, err := ledger.NewMetrics(meters.Meter("github.com/sheikh-saqib/usage-ledger/internal/ledger"))
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("failed to create ledger metrics: %w", err)
	}

	a.ledger = ledger.NewLedger(store, a.registry, cfg.Plans,
		ledger.WithLogger(zlog.Named("ledger")),
		ledger.WithPublisher(a.newPublisher()),
		ledger.WithMetrics(metrics),
	)
	return a, nil
}

// openStore opens the configured backend and sets a.registry to the account
// directory that lives next to it.
func (a *app) openStore(ctx context.Context) (interfaces.LedgerStore, error) {
	dbCfg := a.cfg.Database

	switch dbCfg.Driver {
	case config.DriverMemory:
		a.registry = accounts.NewStaticDirectory(a.cfg.Accounts)
		return memory.NewMemoryLedgerStore(), nil

	case config.DriverPostgres:
		db, err := postgres.Open(ctx, dbCfg.DSN, postgres.PoolConfig{
			MaxOpenConns:    dbCfg.MaxOpenConns,
			MaxIdleConns:    dbCfg.MaxIdleConns,
			ConnMaxLifetime: dbCfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return db.Close() })
		if dbCfg.AutoMigrate {
			if err := postgres.Migrate(db); err != nil {
				return nil, err
			}
		}
		a.registry = postgres.NewAccountDirectory(db)
		a.log.Info("Connected to PostgreSQL", zap.String("driver", dbCfg.Driver))
		return postgres.NewPostgresLedgerStore(db), nil

	case config.DriverGormPostgres, config.DriverSQLite:
		dialect := "sqlite"
		if dbCfg.Driver == config.DriverGormPostgres {
			dialect = "postgres"
		}
		db, err := gormstore.Open(gormstore.Config{
			Driver:       dialect,
			DSN:          dbCfg.DSN,
			MaxOpenConns: dbCfg.MaxOpenConns,
		})
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		})
		if dbCfg.AutoMigrate {
			if err := gormstore.AutoMigrate(db); err != nil {
				return nil, fmt.Errorf("failed to migrate database: %w", err)
			}
		}
		a.registry = gormstore.NewAccountDirectory(db)
		a.log.Info("Connected to database", zap.String("driver", dbCfg.Driver))
		return gormstore.New(db), nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", dbCfg.Driver)
}

func (a *app) newPublisher() interfaces.EventPublisher {
	if !a.cfg.Kafka.Enabled {
		return logpub.NewPublisher(a.log.Named("events"))
	}
	var opts []kafka.Option
	if a.cfg.Kafka.Topic != "" {
		opts = append(opts, kafka.WithTopic(a.cfg.Kafka.Topic))
	}
	p := kafka.NewPublisher(a.cfg.Kafka.Brokers, opts...)
	a.onClose(func(context.Context) error { return p.Close() })
	a.log.Info("Publishing threshold events to Kafka", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return p
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// close runs the closers in reverse order.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
