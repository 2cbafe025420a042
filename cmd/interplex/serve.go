package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/interplex/internal/api"
)

const stopWorkersTimeout = 30 * time.Second

func newServeCmd(g *globals) *cobra.Command {
	var stopWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator HTTP API",
		Long:  "serve reattaches to workers recorded in the recovery store, then serves the coordinator API until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := g.logger
			logger.Info("interplex: starting",
				"listen_addr", g.cfg.ListenAddr,
				"launcher", g.cfg.Launcher.Kind,
				"recovery_backend", g.cfg.Recovery.Backend,
				"recovery_path", g.cfg.Recovery.Path,
			)

			a, err := wireApp(g.cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Error("close app", "error", err)
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, err := a.manager.Recover(ctx)
			if err != nil {
				return fmt.Errorf("recover workers: %w", err)
			}
			logger.Info("recovery complete",
				"reattached", len(report.Reattached),
				"discarded", len(report.Discarded),
			)

			srv := api.NewServer(g.cfg.ListenAddr, a.manager, logger)
			runErr := srv.Run(ctx)

			if stopWorkers {
				stopCtx, cancel := context.WithTimeout(context.Background(), stopWorkersTimeout)
				for _, p := range a.manager.Processes() {
					if err := a.manager.CloseGroup(stopCtx, p.GroupID); err != nil {
						logger.Warn("close group", "group_id", p.GroupID, "error", err)
					}
				}
				a.stopAll(stopCtx)
				cancel()
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&stopWorkers, "stop-workers", false, "stop every worker on exit instead of leaving them for recovery")
	return cmd
}
