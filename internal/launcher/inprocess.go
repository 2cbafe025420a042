package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/seantiz/interplex/internal/interpreter"
	"github.com/seantiz/interplex/internal/recovery"
	"github.com/seantiz/interplex/internal/resource"
	"github.com/seantiz/interplex/internal/worker"
)

// InProcessName is the name of the in-process launcher.
const InProcessName = "inprocess"

// InProcess runs workers as goroutines of the current process, each on its
// own loopback listener. The RPC path is the same as for a child process.
type InProcess struct {
	registry  *interpreter.Registry
	connector resource.Connector
	logger    *slog.Logger

	mu      sync.Mutex
	servers map[string]*worker.Server
}

// NewInProcess creates an in-process launcher serving the interpreters in
// reg. connector may be nil.
func NewInProcess(reg *interpreter.Registry, connector resource.Connector, logger *slog.Logger) *InProcess {
	return &InProcess{
		registry:  reg,
		connector: connector,
		logger:    logger,
		servers:   make(map[string]*worker.Server),
	}
}

// Name implements Launcher.
func (l *InProcess) Name() string { return InProcessName }

// Launch implements Launcher.
func (l *InProcess) Launch(ctx context.Context, req Request) (Endpoint, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if srv, ok := l.servers[req.GroupID]; ok && srv.IsRunning() {
		ObserveLaunch(InProcessName, OutcomeReused, 0)
		return l.endpoint(srv), nil
	}

	start := time.Now()
	srv := worker.NewServer(worker.Config{GroupID: req.GroupID, Connector: l.connector}, l.registry,
		l.logger.With("group_id", req.GroupID))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		ObserveLaunch(InProcessName, OutcomeFailed, 0)
		return Endpoint{}, fmt.Errorf("%w %s: %w", ErrLaunch, req.GroupID, err)
	}
	if err := srv.Start(ln); err != nil {
		ObserveLaunch(InProcessName, OutcomeFailed, 0)
		return Endpoint{}, fmt.Errorf("%w %s: %w", ErrLaunch, req.GroupID, err)
	}

	ep := l.endpoint(srv)
	timeout := req.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := WaitReady(ctx, ep.Dialer(), timeout); err != nil {
		_ = srv.Shutdown(context.Background())
		ObserveLaunch(InProcessName, OutcomeFailed, 0)
		return Endpoint{}, fmt.Errorf("%w %s: %w", ErrLaunch, req.GroupID, err)
	}

	l.servers[req.GroupID] = srv
	ObserveLaunch(InProcessName, OutcomeStarted, time.Since(start).Seconds())
	l.logger.Info("worker launched", "group_id", req.GroupID, "endpoint", ep.String())
	return ep, nil
}

func (l *InProcess) endpoint(srv *worker.Server) Endpoint {
	return Endpoint{
		Host:      "127.0.0.1",
		Port:      srv.Port(),
		Transport: recovery.TransportTCP,
		Launcher:  InProcessName,
	}
}

// Stop implements Launcher.
func (l *InProcess) Stop(ctx context.Context, groupID string) error {
	l.mu.Lock()
	srv, ok := l.servers[groupID]
	delete(l.servers, groupID)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Server returns the worker hosting groupID, if any.
func (l *InProcess) Server(groupID string) (*worker.Server, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	srv, ok := l.servers[groupID]
	return srv, ok
}
