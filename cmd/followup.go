package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func followupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "followup",
		Short: "Funnel follow-up operations",
	}
	cmd.AddCommand(followupRunCmd())
	return cmd
}

// followupRunCmd triggers one sweep out of band, optionally scoped to a
// single tenant.
func followupRunCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one follow-up sweep now",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfigAndLogging()
			if err != nil {
				slog.Error("failed to load config", "error", err)
				os.Exit(1)
			}
			c, err := buildCore(cfg, logSink())
			if err != nil {
				slog.Error("failed to wire core", "error", err)
				os.Exit(1)
			}
			defer c.orch.Close()

			c.sched.Tick(context.Background(), tenant)
			slog.Info("sweep finished", "tenant", tenant)
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "limit the sweep to one tenant id")
	return cmd
}
