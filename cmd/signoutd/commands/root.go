package commands

import (
	"log/slog"

	"github.com/spf13/cobra"

	"signout/internal/platform/config"
	"signout/internal/platform/logger"
)

var (
	configPath string
	cfg        *config.Config
	log        *slog.Logger
)

func Execute() error {
	root := &cobra.Command{
		Use:           "signoutd",
		Short:         "Federated sign-out coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
			log = logger.New(cfg.Log.Level, cfg.Log.Format)
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (SIGNOUT_* variables override it)")

	root.AddCommand(serveCmd(), ledgerCmd())
	err := root.Execute()
	if err != nil {
		if log == nil {
			log = logger.New("error", "text")
		}
		log.Error("command failed", "error", err)
	}
	return err
}
