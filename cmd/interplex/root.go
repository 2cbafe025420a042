package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/interplex/internal/config"
)

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

type globals struct {
	configPath string
	cfg        config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:           "interplex",
		Short:         "Interpreter process coordinator",
		Long:          "interplex launches interpreter worker processes per group, routes paragraph execution to them and recovers them after a restart.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.New(), g.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			g.cfg = cfg
			g.logger = config.NewLogger(os.Stderr, cfg.LogLevel)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to a TOML config file")

	rootCmd.AddCommand(
		newServeCmd(g),
		newRecoverCmd(g),
	)
	return rootCmd
}
