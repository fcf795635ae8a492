package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"signout/internal/app"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, dispatcher and ledger jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			wire, err := app.NewWire(ctx, cfg, log, reg)
			if err != nil {
				return err
			}
			defer wire.Close()

			log.Info("starting signoutd",
				"app_id", cfg.App.ID,
				"transport", cfg.Dispatch.Transport,
				"peers", len(cfg.Peers),
				"redis", cfg.Redis.URL != "",
				"postgres", cfg.Postgres.URL != "",
			)
			if err := wire.Run(ctx); err != nil {
				return err
			}
			log.Info("signoutd stopped")
			return nil
		},
	}
}
