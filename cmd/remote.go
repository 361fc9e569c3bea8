package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"famsync/internal/display"
	"famsync/internal/engine"
)

type remoteStatus struct {
	Provider string `json:"provider" yaml:"provider"`
	Online   bool   `json:"online" yaml:"online"`
	Latency  string `json:"latency" yaml:"latency"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

func newRemoteCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Inspect the remote store",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Probe the configured remote store",
		Long: `Probe the configured remote store with a health check under the
configured timeout. Exits non-zero when the store is unreachable.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withEngine(cmd, func(ctx context.Context, svc *engine.Service, p *display.Printer) error {
				provider := string(opts.cfg.Remote.Provider)
				if provider == "" {
					provider = "none"
				}
				start := time.Now()
				err := svc.CheckRemote(ctx)
				st := remoteStatus{Provider: provider, Online: err == nil, Latency: time.Since(start).Round(time.Millisecond).String()}
				if err != nil {
					st.Error = err.Error()
				}
				if done, serr := p.Structured(st); done {
					if serr != nil {
						return serr
					}
					return err
				}
				if err != nil {
					p.Error("Remote store %s is unreachable: %v", provider, err)
					return fmt.Errorf("remote check failed")
				}
				p.Success("Remote store %s is reachable (%s)", provider, st.Latency)
				return nil
			})
		},
	})
	return cmd
}
