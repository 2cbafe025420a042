package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/interplex/internal/config"
	"github.com/seantiz/interplex/internal/interpreter"
	"github.com/seantiz/interplex/internal/interpreter/shell"
	"github.com/seantiz/interplex/internal/worker"
)

const shutdownTimeout = 10 * time.Second

type options struct {
	listen      string
	group       string
	vsockPort   uint32
	coordinator string
	logLevel    string
}

func newRootCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:           "interplex-worker",
		Short:         "Interpreter group worker",
		SilenceUsage:  true,
		SilenceErrors: false,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.listen, "listen", "127.0.0.1:0", "TCP address to serve RPC on")
	f.StringVar(&o.group, "group", os.Getenv("INTERPLEX_WORKER_GROUP"), "interpreter group hosted by this worker")
	f.Uint32Var(&o.vsockPort, "vsock-port", 0, "serve on this vsock port instead of TCP")
	f.StringVar(&o.coordinator, "coordinator", "", "coordinator base URL for remote resource lookups")
	f.StringVar(&o.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	return cmd
}

func registry() *interpreter.Registry {
	reg := interpreter.NewRegistry()
	reg.Register(shell.ClassName, shell.New)
	return reg
}

func run(ctx context.Context, o options) error {
	logger := config.NewLogger(os.Stderr, config.ParseLogLevel(o.logLevel)).With("group_id", o.group)
	worker.SetupInit(logger)

	cfg := worker.Config{GroupID: o.group}
	if o.coordinator != "" {
		cfg.Connector = worker.NewHTTPConnector(o.coordinator, nil)
	}
	srv := worker.NewServer(cfg, registry(), logger)

	l, err := worker.Listen(o.listen, o.vsockPort)
	if err != nil {
		return err
	}
	if err := srv.Start(l); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-srv.Done():
		// Stopped by the shutdown RPC or the idle timeout.
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
