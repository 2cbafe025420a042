package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/seantiz/interplex/internal/config"
	"github.com/seantiz/interplex/internal/coordinator"
	"github.com/seantiz/interplex/internal/launcher"
	"github.com/seantiz/interplex/internal/launcher/firecracker"
	"github.com/seantiz/interplex/internal/recovery"
	"github.com/seantiz/interplex/internal/worker"
)

type app struct {
	manager *coordinator.Manager
	storage recovery.Storage
	stopAll func(context.Context)
}

func openStorage(cfg config.Config) (recovery.Storage, error) {
	switch cfg.Recovery.Backend {
	case config.RecoverySQLite:
		s, err := recovery.NewSQLiteStore(cfg.Recovery.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite recovery store: %w", err)
		}
		return s, nil
	case config.RecoveryFile:
		s, err := recovery.NewFileStore(cfg.Recovery.Path)
		if err != nil {
			return nil, fmt.Errorf("open file recovery store: %w", err)
		}
		return s, nil
	default:
		return recovery.NoopStorage{}, nil
	}
}

// coordinatorURL is the address workers use to reach the resources API.
func coordinatorURL(cfg config.Config, host string) (string, error) {
	if cfg.AdvertiseURL != "" {
		return cfg.AdvertiseURL, nil
	}
	listenHost, port, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return "", fmt.Errorf("parse %s %q: %w", config.KeyListenAddr, cfg.ListenAddr, err)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("parse %s %q: port %q", config.KeyListenAddr, cfg.ListenAddr, port)
	}
	if host == "" {
		host = listenHost
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

func wireApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	storage, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}

	reg := launcher.NewRegistry()
	var (
		url     string
		stopAll func(context.Context)
	)
	switch cfg.Launcher.Kind {
	case config.LauncherFirecracker:
		if url, err = coordinatorURL(cfg, firecracker.DefaultGateway); err != nil {
			storage.Close()
			return nil, err
		}
		fc, err := firecracker.New(firecracker.ConfigFrom(cfg, url), logger.With("launcher", firecracker.Name))
		if err != nil {
			storage.Close()
			return nil, fmt.Errorf("create firecracker launcher: %w", err)
		}
		if err := fc.Network().WriteConfList(); err != nil {
			storage.Close()
			return nil, fmt.Errorf("write cni config: %w", err)
		}
		if err := fc.Verify(); err != nil {
			storage.Close()
			return nil, err
		}
		reg.Register(fc)
		stopAll = fc.StopAll
	default:
		if url, err = coordinatorURL(cfg, cfg.Launcher.WorkerHost); err != nil {
			storage.Close()
			return nil, err
		}
		local := launcher.NewLocal(launcher.LocalConfig{
			WorkerBin:      cfg.Launcher.WorkerBin,
			Host:           cfg.Launcher.WorkerHost,
			CoordinatorURL: url,
		}, logger.With("launcher", launcher.LocalName))
		reg.Register(local)
		stopAll = local.StopAll
	}

	props := map[string]string{worker.PropCoordinatorURL: url}
	if cfg.Worker.IdleTimeout > 0 {
		props[worker.PropIdleTimeout] = cfg.Worker.IdleTimeout.String()
	}

	m := coordinator.NewManager(coordinator.Config{
		Launchers:        reg,
		Storage:          storage,
		ConnectTimeout:   cfg.Launcher.ConnectTimeout,
		ConnectPoolSize:  cfg.Launcher.ConnectPoolSize,
		WorkerProperties: props,
	}, logger.With("component", "coordinator"))

	return &app{
		manager: m,
		storage: storage,
		stopAll: stopAll,
	}, nil
}

// Close releases client connections and the recovery store. Workers keep
// running so that the next start can reattach to them.
func (a *app) Close() error {
	a.manager.Close()
	return a.storage.Close()
}
