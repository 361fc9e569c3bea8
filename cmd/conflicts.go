package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"famsync/internal/display"
	"famsync/internal/engine"
	apperrors "famsync/internal/errors"
	"famsync/internal/model"
)

func newConflictsCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conflicts",
		Aliases: []string{"conflict"},
		Short:   "List and resolve record conflicts",
	}
	cmd.AddCommand(newConflictsListCommand(opts), newConflictsResolveCommand(opts))
	return cmd
}

func newConflictsListCommand(opts *globalOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conflicts awaiting a decision",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.requireFamily(); err != nil {
				return err
			}
			return opts.withEngine(cmd, func(ctx context.Context, svc *engine.Service, p *display.Printer) error {
				list, err := svc.ListConflicts(ctx, opts.familyID, !all)
				if err != nil {
					return err
				}
				return p.Conflicts(list)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved conflicts")
	return cmd
}

func newConflictsResolveCommand(opts *globalOptions) *cobra.Command {
	var (
		resolution string
		mergedFile string
	)
	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a conflict",
		Long: `Resolve a conflict by keeping one side or supplying a merged record.

The merged record is a JSON document ({"id": ..., "fields": {...}}); use "-"
to read it from stdin. A conflict can be resolved only once.

Examples:
  famsync conflicts resolve c-123 --resolution keep_remote --user alice
  famsync conflicts resolve c-123 --merged merged.json --user alice`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.userID == "" {
				return apperrors.NewValidationError("a user id is required (--user or FAMSYNC_USER_ID)", nil)
			}
			var merged *model.Record
			if mergedFile != "" {
				rec, err := readRecord(cmd.InOrStdin(), mergedFile)
				if err != nil {
					return err
				}
				merged = rec
			} else {
				switch model.Resolution(resolution) {
				case model.ResolutionKeepLocal, model.ResolutionKeepRemote:
				default:
					return apperrors.NewValidationError(fmt.Sprintf("resolution must be keep_local or keep_remote, got %q", resolution), nil)
				}
			}

			return opts.withEngine(cmd, func(ctx context.Context, svc *engine.Service, p *display.Printer) error {
				var err error
				if merged != nil {
					_, err = svc.ResolveConflictMerged(ctx, args[0], merged, opts.userID)
				} else {
					_, err = svc.ResolveConflict(ctx, args[0], model.Resolution(resolution), opts.userID)
				}
				if err != nil {
					return err
				}
				p.Success("Resolved conflict %s", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&resolution, "resolution", "", "keep_local or keep_remote")
	cmd.Flags().StringVar(&mergedFile, "merged", "", "JSON file holding the merged record (- for stdin)")
	cmd.MarkFlagsMutuallyExclusive("resolution", "merged")
	cmd.MarkFlagsOneRequired("resolution", "merged")
	return cmd
}

func readRecord(stdin io.Reader, path string) (*model.Record, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read merged record: %w", err)
	}
	var rec model.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, apperrors.NewValidationError("merged record is not valid JSON", err)
	}
	return &rec, nil
}
