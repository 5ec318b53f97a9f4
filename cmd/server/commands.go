package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sheikh-saqib/usage-ledger/internal/config"
	"github.com/sheikh-saqib/usage-ledger/internal/ledger"
	"github.com/sheikh-saqib/usage-ledger/internal/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type rootOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "usage-ledger",
		Short: "Metered usage ledger",
		Long: `usage-ledger keeps an append-only ledger of plan grants and metered
consumption per account. Work is reserved with provision, settled with
reconcile or rollback, and replenished by the monthly grant.`,
		Version:       fmt.Sprintf("%s (commit %s)", Version, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "",
		"config file (default is ./config.yaml or ./config/config.yaml)")

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newAccountCmd(opts),
		newProvisionCmd(opts),
		newReconcileCmd(opts),
		newRollbackCmd(opts),
		newGrantCmd(opts),
		newBalanceCmd(opts),
		newStatsCmd(opts),
		newEntriesCmd(opts),
		newAuditCmd(opts),
		newSweepCmd(opts),
	)
	return root
}

// run loads configuration, lets adjust tweak it, wires the app and calls fn.
// The app is closed when fn returns.
func (o *rootOptions) run(cmd *cobra.Command, adjust func(*config.Config), fn func(context.Context, *app) error) error {
	return o.start(cmd, adjust, false, fn)
}

// runDurable is run for one-shot commands whose effect must outlive the
// process. The memory driver starts empty on every invocation, so it is refused.
func (o *rootOptions) runDurable(cmd *cobra.Command, fn func(context.Context, *app) error) error {
	return o.start(cmd, nil, true, fn)
}

func (o *rootOptions) start(cmd *cobra.Command, adjust func(*config.Config), durable bool, fn func(context.Context, *app) error) error {
	ctx := cmd.Context()

	cfg, err := config.Load(o.configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if adjust != nil {
		adjust(cfg)
	}
	if durable && cfg.Database.Driver == config.DriverMemory {
		return fmt.Errorf("command %q needs a database driver: the memory driver keeps no state between invocations (set database.driver)",
			cmd.CommandPath())
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	return errors.Join(runErr, a.close(context.WithoutCancel(ctx)))
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the grant and sweep jobs until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, nil, func(ctx context.Context, a *app) error {
				sc := a.cfg.Scheduler
				sched := scheduler.New(scheduler.Config{
					GrantEnabled:     sc.GrantEnabled,
					GrantInterval:    sc.GrantInterval,
					SweepEnabled:     sc.SweepEnabled,
					SweepInterval:    sc.SweepInterval,
					ProvisionTimeout: sc.ProvisionTimeout,
				}, a.ledger, a.ledger, a.log.Named("scheduler"))

				if err := sched.Start(ctx); err != nil {
					return fmt.Errorf("failed to start scheduler: %w", err)
				}
				a.log.Info("Usage ledger running",
					zap.String("version", Version),
					zap.String("driver", a.cfg.Database.Driver),
				)

				<-ctx.Done()
				a.log.Info("Shutting down...")

				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				defer cancel()
				return sched.Stop(stopCtx)
			})
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			force := func(cfg *config.Config) { cfg.Database.AutoMigrate = true }
			return opts.run(cmd, force, func(_ context.Context, a *app) error {
				if a.cfg.Database.Driver == config.DriverMemory {
					fmt.Fprintln(cmd.OutOrStdout(), "memory driver has no schema")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", a.cfg.Database.Driver)
				return nil
			})
		},
	}
}

func newAccountCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage the account directory",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <account-id> <plan-tier>",
			Short: "Assign a plan tier to an account",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.runDurable(cmd, func(ctx context.Context, a *app) error {
					accountID, tier := args[0], args[1]
					if _, ok := a.cfg.Plans.MonthlyGrant(tier); !ok {
						return fmt.Errorf("%w: %s", ledger.ErrUnknownPlan, tier)
					}
					if err := a.registry.SetPlanTier(ctx, accountID, tier); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", accountID, tier)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List known accounts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.runDurable(cmd, func(ctx context.Context, a *app) error {
					ids, err := a.registry.ListAccounts(ctx)
					if err != nil {
						return err
					}
					for _, id := range ids {
						tier, err := a.registry.PlanTier(ctx, id)
						if err != nil {
							return err
						}
						fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, tier)
					}
					return nil
				})
			},
		},
	)
	return cmd
}

func newProvisionCmd(opts *rootOptions) *cobra.Command {
	var metadata map[string]string
	cmd := &cobra.Command{
		Use:   "provision <account-id> <estimated-units>",
		Short: "Reserve units for a unit of work",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			units, err := parseUnits(args[1])
			if err != nil {
				return err
			}
			return opts.runDurable(cmd, func(ctx context.Context, a *app) error {
				res, err := a.ledger.Provision(ctx, args[0], units, metadata)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "provision_id=%d transaction_id=%s balance_after=%d\n",
					res.ProvisionID, res.TransactionID, res.BalanceAfter)
				return nil
			})
		},
	}
	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "metadata stored on the provision entry (key=value)")
	return cmd
}

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	var detail map[string]string
	cmd := &cobra.Command{
		Use:   "reconcile <provision-id> <transaction-id> <actual-units>",
		Short: "Settle a provision against the units actually used",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			provisionID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid provision id %q", args[0])
			}
			actual, err := parseUnits(args[2])
			if err != nil {
				return err
			}
			return opts.runDurable(cmd, func(ctx context.Context, a *app) error {
				if err := a.ledger.Reconcile(ctx, provisionID, args[1], actual, detail); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "provision %d confirmed\n", provisionID)
				return nil
			})
		},
	}
	cmd.Flags().StringToStringVar(&detail, "detail", nil, "usage detail stored on the adjustment (key=value)")
	return cmd
}

func newRollbackCmd(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "rollback <provision-id> <transaction-id>",
		Short: "Refund a provision whose work failed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provisionID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid provision id %q", args[0])
			}
			return opts.runDurable(cmd, func(ctx context.Context, a *app) error {
				if err := a.ledger.Rollback(ctx, provisionID, args[1], reason); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "provision %d rolled back\n", provisionID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "error", "cancelled", "error recorded on the refund entry")
	return cmd
}

func newGrantCmd(opts *rootOptions) *cobra.Command {
	var (
		period    string
		accountID string
	)
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Apply the monthly grant for a period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			at := time.Now().UTC()
			if period != "" {
				p, err := time.Parse("2006-01", period)
				if err != nil {
					return fmt.Errorf("invalid period %q, want YYYY-MM", period)
				}
				at = p
			}
			return opts.runDurable(cmd, func(ctx context.Context, a *app) error {
				if accountID != "" {
					res, err := a.ledger.GrantMonthly(ctx, accountID, at)
					if err != nil {
						return err
					}
					printGrant(cmd, res)
					return nil
				}
				results, err := a.ledger.GrantAllMonthly(ctx, at)
				for _, res := range results {
					printGrant(cmd, res)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&period, "period", "", "billing period as YYYY-MM (default current month)")
	cmd.Flags().StringVar(&accountID, "account", "", "grant a single account instead of all")
	return cmd
}

func printGrant(cmd *cobra.Command, res ledger.GrantResult) {
	status := "skipped"
	if res.Applied {
		status = "applied"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\tbalance_after=%d\n", res.AccountID, res.Period, status, res.BalanceAfter)
}

func newBalanceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <account-id>",
		Short: "Print an account's current balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.runDurable(cmd, func(ctx context.Context, a *app) error {
				balance, err := a.ledger.GetBalance(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), balance)
				return nil
			})
		},
	}
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <account-id>",
		Short: "Print usage statistics for the current period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.runDurable(cmd, func(ctx context.Context, a *app) error {
				stats, err := a.ledger.GetUsageStats(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	}
}

func newEntriesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "entries <account-id>",
		Short: "Print an account's ledger entries, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.runDurable(cmd, func(ctx context.Context, a *app) error {
				entries, err := a.ledger.GetEntries(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, entries)
			})
		},
	}
}

func newAuditCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <account-id>",
		Short: "Verify an account's balance chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.runDurable(cmd, func(ctx context.Context, a *app) error {
				if err := a.ledger.Audit(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: chain ok\n", args[0])
				return nil
			})
		},
	}
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Roll back provisions left pending too long",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.runDurable(cmd, func(ctx context.Context, a *app) error {
				age := olderThan
				if age == 0 {
					age = a.cfg.Scheduler.ProvisionTimeout
				}
				swept, err := a.ledger.SweepAbandoned(ctx, age)
				fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d provisions\n", swept)
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age after which a pending provision is abandoned (default scheduler.provision_timeout)")
	return cmd
}

func parseUnits(s string) (int64, error) {
	units, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid unit count %q", s)
	}
	return units, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
