package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	apperrors "famsync/internal/errors"
	"famsync/internal/httpapi"
	"famsync/internal/scheduler"
)

const (
	serverReadTimeout     = 10 * time.Second
	serverWriteTimeout    = 15 * time.Second
	serverIdleTimeout     = 60 * time.Second
	serverShutdownTimeout = 15 * time.Second
)

func newServeCommand(opts *globalOptions) *cobra.Command {
	var (
		families   []string
		listen     string
		withBackup bool
		priority   int
		delay      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the automatic sync scheduler until interrupted",
		Long: `Run the automatic sync scheduler until SIGINT or SIGTERM.

Each family is queued for a recurring sync. After every completed sync a
backup is taken and the retention policy applied when --with-backup is set.
With --listen, a read-only status API is served:

  GET /health, /readiness, /version, /metrics
  GET /v1/schedule, /v1/runs/{runID}
  GET /v1/families/{familyID}/backups|runs|conflicts`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.familyID != "" {
				families = append([]string{opts.familyID}, families...)
			}
			if len(families) == 0 {
				return apperrors.NewValidationError("at least one family is required (--family or --families)", nil)
			}
			if opts.userID == "" {
				return apperrors.NewValidationError("a user id is required (--user or FAMSYNC_USER_ID)", nil)
			}

			shutdown := apperrors.NewGracefulShutdownHandler()
			ctx := shutdown.Start(cmd.Context())
			defer shutdown.Stop()

			svc, _, logger, err := opts.openEngine(ctx, cmd.ErrOrStderr())
			if err != nil {
				shutdown.Shutdown()
				return err
			}
			shutdown.RegisterShutdownFunc(svc.Close)

			dueAt := time.Now().Add(delay)
			for _, fid := range families {
				if _, err := svc.ScheduleAutomatic(fid, opts.userID, dueAt, priority, scheduler.ScheduleOptions{
					WithBackup: withBackup,
					Recurring:  true,
				}); err != nil {
					shutdown.Shutdown()
					return fmt.Errorf("failed to schedule family %s: %w", fid, err)
				}
			}
			svc.StartScheduler(ctx)

			p := opts.printer(cmd)
			if listen != "" {
				reg := prometheus.NewRegistry()
				reg.MustRegister(svc.Metrics(), collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

				server := &http.Server{
					Addr:         listen,
					Handler:      httpapi.NewRouter(svc, reg, version, logger),
					ReadTimeout:  serverReadTimeout,
					WriteTimeout: serverWriteTimeout,
					IdleTimeout:  serverIdleTimeout,
				}
				shutdown.RegisterShutdownFunc(func() error {
					sctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
					defer cancel()
					return server.Shutdown(sctx)
				})
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.WithField("addr", listen).WithError(err).Error("Status server failed")
					}
				}()
				p.Info("Status API listening on %s", listen)
			}

			p.Success("Scheduler running for %d family(ies); press Ctrl+C to stop", len(families))
			<-ctx.Done()
			shutdown.WaitForShutdown()
			p.Info("Scheduler stopped")
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&families, "families", nil, "additional family ids to schedule")
	f.StringVar(&listen, "listen", "", "address for the status API (empty disables it)")
	f.BoolVar(&withBackup, "with-backup", true, "take a backup after each completed sync")
	f.IntVar(&priority, "priority", -1, "queue priority (negative uses the configured default)")
	f.DurationVar(&delay, "delay", 0, "wait before the first sync")
	return cmd
}
