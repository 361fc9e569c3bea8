package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"famsync/internal/confirmation"
	"famsync/internal/display"
	"famsync/internal/engine"
	"famsync/internal/model"
	"famsync/internal/restore"
)

func newBackupCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, list, restore and prune family backups",
		Long: `Create, list, restore and prune family backups.

A backup is an immutable snapshot of the family's modules. The payload is
compressed (none, gzip, lz4, zstd), optionally encrypted with AES-256-GCM and
protected by a SHA-256 checksum that is verified on every load.

Examples:
  # Back up tasks and goals only, without uploading
  famsync backup create --family fam1 --user alice --modules tasks,goals

  # Restore a backup, merging it with the live data
  famsync backup restore backup-20260101-120000-abcd1234 --strategy merge

  # Show what retention would delete
  famsync backup prune --family fam1 --dry-run`,
	}
	cmd.AddCommand(
		newBackupCreateCommand(opts),
		newBackupListCommand(opts),
		newBackupShowCommand(opts),
		newBackupDeleteCommand(opts),
		newBackupPruneCommand(opts),
		newBackupRestoreCommand(opts),
	)
	return cmd
}

func newBackupCreateCommand(opts *globalOptions) *cobra.Command {
	var (
		modules     []string
		compression string
		noCompress  bool
		encrypt     bool
		upload      bool
		deviceID    string
		deviceClass string
		appVersion  string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new backup",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.requireUser(); err != nil {
				return err
			}
			bo := engine.BackupOptions{Modules: modules}
			bo.Compress = !noCompress
			bo.Compression = model.CompressionType(compression)
			bo.Encrypt = encrypt
			bo.UploadRemote = upload
			bo.DeviceMeta = model.DeviceMeta{DeviceID: deviceID, DeviceClass: deviceClass, AppVersion: appVersion}

			return opts.withEngine(cmd, func(ctx context.Context, svc *engine.Service, p *display.Printer) error {
				p.Info("Creating backup for family %s...", opts.familyID)
				b, err := svc.CreateBackup(ctx, opts.familyID, opts.userID, bo)
				if err != nil {
					return fmt.Errorf("backup creation failed: %w", err)
				}
				p.Success("Backup created successfully: %s", b.ID)
				return p.Backup(b)
			})
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&modules, "modules", nil, "modules to include (default: every registered module)")
	f.StringVar(&compression, "compression", "", "compression type override (none, gzip, lz4, zstd)")
	f.BoolVar(&noCompress, "no-compress", false, "store the payload uncompressed")
	f.BoolVar(&encrypt, "encrypt", false, "encrypt the payload (requires a configured key)")
	f.BoolVar(&upload, "upload", false, "upload the backup to the remote store")
	f.StringVar(&deviceID, "device-id", "", "device id recorded in the backup")
	f.StringVar(&deviceClass, "device-class", "cli", "device class recorded in the backup")
	f.StringVar(&appVersion, "app-version", version, "app version recorded in the backup")
	return cmd
}

func newBackupListCommand(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the family's backups, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.requireFamily(); err != nil {
				return err
			}
			return opts.withEngine(cmd, func(ctx context.Context, svc *engine.Service, p *display.Printer) error {
				list, err := svc.ListBackups(ctx, opts.familyID)
				if err != nil {
					return fmt.Errorf("failed to list backups: %w", err)
				}
				if limit > 0 && len(list) > limit {
					list = list[:limit]
				}
				return p.Backups(list)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of backups to list (0 lists all)")
	return cmd
}

func newBackupShowCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <backup-id>",
		Short: "Load and verify a backup, then show its modules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, func(ctx context.Context, svc *engine.Service, p *display.Printer) error {
				b, err := svc.LoadBackup(ctx, args[0])
				if err != nil {
					return err
				}
				return p.Backup(b)
			})
		},
	}
}

func newBackupDeleteCommand(opts *globalOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <backup-id>",
		Short: "Delete a backup and its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, func(ctx context.Context, svc *engine.Service, p *display.Printer) error {
				ok, err := opts.confirm(cmd, confirmation.Action{
					Title:       "Delete backup " + args[0],
					Destructive: true,
					Summary:     []string{"The catalog entry, the local payload and the remote copy are removed."},
				}, yes)
				if err != nil || !ok {
					return err
				}
				if err := svc.DeleteBackup(ctx, args[0]); err != nil {
					return err
				}
				p.Success("Deleted backup %s", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func newBackupPruneCommand(opts *globalOptions) *cobra.Command {
	var (
		dryRun bool
		yes    bool
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Apply the retention policy to the family's backups",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.requireFamily(); err != nil {
				return err
			}
			return opts.withEngine(cmd, func(ctx context.Context, svc *engine.Service, p *display.Printer) error {
				plan, err := svc.EnforceRetention(ctx, opts.familyID, true)
				if err != nil {
					return err
				}
				if dryRun || len(plan.DeletedIDs) == 0 {
					return p.Retention(plan, true)
				}

				ok, err := opts.confirm(cmd, confirmation.Action{
					Title:       "Prune backups of family " + opts.familyID,
					Destructive: true,
					Summary:     []string{fmt.Sprintf("%d backup(s) deleted, %d kept", len(plan.DeletedIDs), plan.Kept)},
					Details:     plan.DeletedIDs,
				}, yes)
				if err != nil || !ok {
					return err
				}
				res, err := svc.EnforceRetention(ctx, opts.familyID, false)
				if err != nil {
					return err
				}
				return p.Retention(res, false)
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be deleted without deleting")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func newBackupRestoreCommand(opts *globalOptions) *cobra.Command {
	var (
		modules  []string
		strategy string
		yes      bool
	)
	cmd := &cobra.Command{
		Use:   "restore <backup-id>",
		Short: "Restore a backup into the live data",
		Long: `Restore a backup into the live data.

Strategies:
  replace   overwrite live modules with the backup (default)
  merge     union records and fields, preferring backup values
  ask_user  union records but keep differing live values and raise conflicts

A failure part way through rolls already restored modules back.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ro := restore.Options{Modules: modules, Strategy: restore.MergeStrategy(strategy)}
			return opts.withEngine(cmd, func(ctx context.Context, svc *engine.Service, p *display.Printer) error {
				b, err := svc.LoadBackup(ctx, args[0])
				if err != nil {
					return err
				}
				ok, err := opts.confirm(cmd, restoreAction(b, ro), yes)
				if err != nil || !ok {
					return err
				}
				ok, err = svc.RestoreBackup(ctx, args[0], ro)
				if err != nil {
					return fmt.Errorf("restore failed: %w", err)
				}
				if !ok {
					return fmt.Errorf("restore of %s did not complete", args[0])
				}
				p.Success("Restored backup %s", args[0])
				if ro.Strategy == restore.StrategyAskUser {
					p.Info("Review differing records with: famsync conflicts list --family %s", b.FamilyID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&modules, "modules", nil, "modules to restore (default: every module in the backup)")
	cmd.Flags().StringVar(&strategy, "strategy", string(restore.StrategyReplace), "merge strategy (replace, merge, ask_user)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func restoreAction(b *model.Backup, ro restore.Options) confirmation.Action {
	strategy := ro.Strategy
	if strategy == "" {
		strategy = restore.StrategyReplace
	}
	wanted := make(map[string]bool, len(ro.Modules))
	for _, m := range ro.Modules {
		wanted[m] = true
	}
	var details []string
	for _, m := range b.Modules {
		if len(wanted) > 0 && !wanted[m.Module] {
			continue
		}
		details = append(details, fmt.Sprintf("%s (%d records)", m.Module, m.RecordCount))
	}
	return confirmation.Action{
		Title:       "Restore backup " + b.ID,
		Destructive: strategy == restore.StrategyReplace,
		Summary: []string{
			"Family:   " + b.FamilyID,
			"Created:  " + b.CreatedTime().UTC().Format(time.RFC3339),
			"Strategy: " + string(strategy),
			fmt.Sprintf("Modules:  %d", len(details)),
		},
		Details: details,
	}
}
