package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"famsync/internal/display"
	"famsync/internal/engine"
	apperrors "famsync/internal/errors"
	"famsync/internal/model"
)

func newSyncCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the family's modules with the remote store",
	}
	cmd.AddCommand(
		newSyncStartCommand(opts),
		newSyncStatusCommand(opts),
		newSyncHistoryCommand(opts),
		newSyncCancelCommand(opts),
	)
	return cmd
}

func newSyncStartCommand(opts *globalOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run a sync now and wait for it to finish",
		Long: `Run a sync now and wait for it to finish.

Without --force, modules whose rule interval has not elapsed and modules with
the manual strategy are skipped. When the remote store is unreachable the run
completes offline and local changes are deferred to the next sync.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.requireUser(); err != nil {
				return err
			}
			return opts.withEngine(cmd, func(ctx context.Context, svc *engine.Service, p *display.Printer) error {
				run, err := svc.StartSync(ctx, opts.familyID, opts.userID, force)
				if apperrors.IsNoOp(err) {
					p.Warning("A sync is already running for family %s", opts.familyID)
					return nil
				}
				if run != nil {
					if perr := p.Run(run); perr != nil {
						return perr
					}
				}
				if err != nil {
					return fmt.Errorf("sync failed: %w", err)
				}
				if run.ConflictCount > 0 {
					p.Warning("%d conflict(s) need a decision: famsync conflicts list --family %s", run.ConflictCount, opts.familyID)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "sync every module regardless of strategy and interval")
	return cmd
}

func newSyncStatusCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show a sync run, or the family's latest run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				if err := opts.requireFamily(); err != nil {
					return err
				}
			}
			return opts.withEngine(cmd, func(ctx context.Context, svc *engine.Service, p *display.Printer) error {
				run, err := latestOrNamedRun(ctx, svc, opts.familyID, args)
				if err != nil {
					return err
				}
				return p.Run(run)
			})
		},
	}
}

func latestOrNamedRun(ctx context.Context, svc *engine.Service, familyID string, args []string) (*model.SyncRun, error) {
	if len(args) == 1 {
		return svc.GetSyncRun(ctx, args[0])
	}
	runs, err := svc.ListSyncRuns(ctx, familyID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, apperrors.NewNotFoundError("sync run", "latest for "+familyID)
	}
	return runs[0], nil
}

func newSyncHistoryCommand(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the family's sync runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.requireFamily(); err != nil {
				return err
			}
			return opts.withEngine(cmd, func(ctx context.Context, svc *engine.Service, p *display.Printer) error {
				runs, err := svc.ListSyncRuns(ctx, opts.familyID)
				if err != nil {
					return err
				}
				if limit > 0 && len(runs) > limit {
					runs = runs[:limit]
				}
				return p.Runs(runs)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list (0 lists all)")
	return cmd
}

func newSyncCancelCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a pending or running sync",
		Long: `Cancel a pending or running sync.

A run left running by a process that exited is marked cancelled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, func(ctx context.Context, svc *engine.Service, p *display.Printer) error {
				if err := svc.CancelSync(ctx, args[0]); err != nil {
					return err
				}
				p.Success("Cancelled sync run %s", args[0])
				return nil
			})
		},
	}
}
