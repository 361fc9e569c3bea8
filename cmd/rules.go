package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"famsync/internal/display"
	"famsync/internal/engine"
	"famsync/internal/model"
)

func newRulesCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and change per-module sync rules",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List the effective rule of every module",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.withEngine(cmd, func(_ context.Context, svc *engine.Service, p *display.Printer) error {
					return p.Rules(svc.SyncRules())
				})
			},
		},
		&cobra.Command{
			Use:   "get <module>",
			Short: "Show the effective rule of a module",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.withEngine(cmd, func(_ context.Context, svc *engine.Service, p *display.Printer) error {
					return p.Rules(map[string]model.SyncRule{args[0]: svc.GetSyncRule(args[0])})
				})
			},
		},
		newRulesSetCommand(opts),
		&cobra.Command{
			Use:   "reset <module>",
			Short: "Drop a module's persisted override",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.withEngine(cmd, func(ctx context.Context, svc *engine.Service, p *display.Printer) error {
					if err := svc.ResetSyncRule(ctx, args[0]); err != nil {
						return err
					}
					p.Success("Reset sync rule for %s", args[0])
					return nil
				})
			},
		},
	)
	return cmd
}

func newRulesSetCommand(opts *globalOptions) *cobra.Command {
	var (
		strategy   string
		policy     string
		interval   int
		compress   bool
		encrypt    bool
		maxRetries int
		backoff    string
	)
	cmd := &cobra.Command{
		Use:   "set <module>",
		Short: "Change a module's rule; unset flags keep their current value",
		Example: `  famsync rules set tasks --policy smart_merge --interval 5
  famsync rules set goals --strategy manual`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			module := args[0]
			return opts.withEngine(cmd, func(ctx context.Context, svc *engine.Service, p *display.Printer) error {
				rule := svc.GetSyncRule(module)
				f := cmd.Flags()
				if f.Changed("strategy") {
					rule.Strategy = model.Strategy(strategy)
				}
				if f.Changed("policy") {
					rule.ConflictPolicy = model.Policy(policy)
				}
				if f.Changed("interval") {
					rule.IntervalMinutes = interval
				}
				if f.Changed("compress") {
					rule.Compress = compress
				}
				if f.Changed("encrypt") {
					rule.EncryptRequired = encrypt
				}
				if f.Changed("max-retries") {
					rule.MaxRetries = maxRetries
				}
				if f.Changed("backoff") {
					rule.Backoff = model.BackoffKind(backoff)
				}
				if err := svc.SetSyncRule(ctx, module, rule); err != nil {
					return err
				}
				p.Success("Updated sync rule for %s", module)
				return p.Rules(map[string]model.SyncRule{module: svc.GetSyncRule(module)})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&strategy, "strategy", "", "full, incremental, manual or realtime")
	f.StringVar(&policy, "policy", "", "last_write_wins, ask_user, smart_merge or reject")
	f.IntVar(&interval, "interval", 0, "minimum minutes between automatic syncs")
	f.BoolVar(&compress, "compress", true, "compress the module in backups")
	f.BoolVar(&encrypt, "encrypt", false, "require encryption for the module")
	f.IntVar(&maxRetries, "max-retries", 0, "upload attempts before a module is given up")
	f.StringVar(&backoff, "backoff", "", "linear, exponential or fixed")
	return cmd
}
