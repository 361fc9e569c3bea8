package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"famsync/internal/config"
	"famsync/internal/confirmation"
	"famsync/internal/datasource"
	"famsync/internal/display"
	"famsync/internal/engine"
	apperrors "famsync/internal/errors"
	"famsync/internal/logging"
)

// Version information (set by main package)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
	goVersion = "unknown"
)

// SetVersionInfo sets the version information from build flags
func SetVersionInfo(v, bt, gc, gv string) {
	version = v
	buildTime = bt
	gitCommit = gc
	goVersion = gv
}

// globalOptions holds the persistent flags shared by every subcommand
type globalOptions struct {
	cfgFile    string
	familyID   string
	userID     string
	output     string
	theme      string
	tableStyle string
	noColor    bool
	verbose    bool
	quiet      bool

	loader *config.Loader
	// cfg is the configuration the last openEngine call resolved
	cfg *config.Config
}

// Execute runs the root command and exits non-zero on failure
func Execute() {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) && appErr.UserMessage != "" {
			fmt.Fprintln(root.ErrOrStderr(), appErr.UserMessage)
		}
		os.Exit(1)
	}
}

// NewRootCommand builds the famsync command tree
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{loader: config.NewLoader(viper.New())}

	root := &cobra.Command{
		Use:   "famsync",
		Short: "Backup and synchronization engine for family data",
		Long: `famsync keeps a family's data modules (tasks, goals, rewards, ...) backed up
and synchronized across devices through a shared remote store.

Backups are compressed, optionally encrypted, checksummed snapshots kept in a
local blob store and mirrored to S3, Azure, GCS or a directory. Sync runs
diff local modules against the remote copy and resolve conflicts with the
per-module policy: last_write_wins, ask_user, smart_merge or reject.

Examples:
  # Take a backup of every module and upload it
  famsync backup create --family fam1 --user alice --upload

  # Synchronize now, then look for conflicts that need a decision
  famsync sync start --family fam1 --user alice
  famsync conflicts list --family fam1

  # Run the scheduler with a status endpoint
  famsync serve --family fam1 --user alice --listen :9090`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.verbose && opts.quiet {
				return fmt.Errorf("--verbose and --quiet flags are mutually exclusive")
			}
			if _, err := display.ParseFormat(opts.output); err != nil {
				return err
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.cfgFile, "config", "", "config file (default is ./famsync.yaml or $HOME/.famsync.yaml)")
	pf.StringVarP(&opts.familyID, "family", "f", os.Getenv("FAMSYNC_FAMILY_ID"), "family id")
	pf.StringVarP(&opts.userID, "user", "u", os.Getenv("FAMSYNC_USER_ID"), "acting user id")
	pf.StringVarP(&opts.output, "output", "o", "table", "output format (table, json, yaml)")
	pf.StringVar(&opts.theme, "theme", "dark", "color theme (dark, light, plain, auto)")
	pf.StringVar(&opts.tableStyle, "table-style", "default", "table style (default, rounded, compact)")
	pf.BoolVar(&opts.noColor, "no-color", false, "disable color output")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose logging")
	pf.BoolVarP(&opts.quiet, "quiet", "q", false, "suppress non-error output")
	pf.String("data-dir", "", "data directory for blobs, state and module files")
	pf.String("log-level", "", "log level (quiet, normal, verbose, debug)")
	pf.String("log-format", "", "log format (text, json)")
	pf.String("log-file", "", "also write logs to this file")
	pf.String("state-driver", "", "state store driver (memory, sqlite, mysql)")
	pf.String("remote-provider", "", "remote store provider (local, s3, azure, gcs)")

	v := opts.loader.Viper()
	_ = v.BindPFlag("storage.data_dir", pf.Lookup("data-dir"))
	_ = v.BindPFlag("logging.level", pf.Lookup("log-level"))
	_ = v.BindPFlag("logging.format", pf.Lookup("log-format"))
	_ = v.BindPFlag("logging.file", pf.Lookup("log-file"))
	_ = v.BindPFlag("state.driver", pf.Lookup("state-driver"))
	_ = v.BindPFlag("remote.provider", pf.Lookup("remote-provider"))

	root.AddCommand(
		newBackupCommand(opts),
		newSyncCommand(opts),
		newConflictsCommand(opts),
		newRulesCommand(opts),
		newRemoteCommand(opts),
		newServeCommand(opts),
		newConfigCommand(opts),
		newVersionCommand(),
	)
	return root
}

// loadConfig resolves configuration and applies --verbose / --quiet
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := o.loader.Load(o.cfgFile)
	if err != nil {
		return nil, err
	}
	switch {
	case o.verbose:
		cfg.Logging.Level = string(logging.LogLevelVerbose)
	case o.quiet:
		cfg.Logging.Level = string(logging.LogLevelQuiet)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// printer renders results for cmd
func (o *globalOptions) printer(cmd *cobra.Command) *display.Printer {
	format, _ := display.ParseFormat(o.output)
	return display.NewPrinter(display.Options{
		Writer:     cmd.OutOrStdout(),
		Format:     format,
		Theme:      o.theme,
		TableStyle: o.tableStyle,
		NoColor:    o.noColor,
		Quiet:      o.quiet,
	})
}

// openEngine builds the engine over the file data source in the data directory
func (o *globalOptions) openEngine(ctx context.Context, logOut io.Writer) (*engine.Service, *config.Config, *logging.Logger, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	lc := cfg.LoggerConfig()
	if logOut != nil {
		lc.Output = logOut
	}
	logger, err := logging.NewLogger(lc)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	if used := o.loader.ConfigFileUsed(); used != "" {
		logger.WithField("config", used).Debug("Using config file")
	}

	source, err := datasource.NewFileSource(cfg.Storage.SourceDir())
	if err != nil {
		return nil, nil, nil, err
	}
	svc, err := engine.NewFromConfig(ctx, cfg, source, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize engine: %w", err)
	}
	o.cfg = cfg
	return svc, cfg, logger, nil
}

// withEngine opens the engine for the duration of fn
func (o *globalOptions) withEngine(cmd *cobra.Command, fn func(ctx context.Context, svc *engine.Service, p *display.Printer) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, _, _, err := o.openEngine(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc, o.printer(cmd))
}

// confirm prompts on stderr so structured stdout stays parseable
func (o *globalOptions) confirm(cmd *cobra.Command, action confirmation.Action, autoApprove bool) (bool, error) {
	colors := display.NewColorSystem(display.ThemeByName(o.theme), cmd.ErrOrStderr(), !o.noColor)
	return confirmation.NewConfirmationService(cmd.InOrStdin(), cmd.ErrOrStderr(), colors).Confirm(action, autoApprove)
}

func (o *globalOptions) requireFamily() error {
	if o.familyID == "" {
		return apperrors.NewValidationError("a family id is required (--family or FAMSYNC_FAMILY_ID)", nil)
	}
	return nil
}

func (o *globalOptions) requireUser() error {
	if err := o.requireFamily(); err != nil {
		return err
	}
	if o.userID == "" {
		return apperrors.NewValidationError("a user id is required (--user or FAMSYNC_USER_ID)", nil)
	}
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "famsync version %s\n", version)
			fmt.Fprintf(out, "Build time: %s\n", buildTime)
			fmt.Fprintf(out, "Git commit: %s\n", gitCommit)
			fmt.Fprintf(out, "Go version: %s\n", goVersion)
		},
	}
}
