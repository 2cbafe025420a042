package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/seantiz/interplex/internal/config"
	"github.com/seantiz/interplex/internal/interpreter"
	"github.com/seantiz/interplex/internal/resource"
	"github.com/seantiz/interplex/internal/rpc"
	"github.com/seantiz/interplex/internal/scheduler"
)

// Server states.
const (
	StateStopped  = "STOPPED"
	StateStarting = "STARTING"
	StateRunning  = "RUNNING"
	StateStopping = "STOPPING"
)

// Properties understood by Init.
const (
	PropIdleTimeout    = "worker.idle_timeout"
	PropIdleCheck      = "worker.idle_check_interval"
	PropCoordinatorURL = "worker.coordinator_url"
)

const shutdownTimeout = 10 * time.Second

var (
	// ErrNotInitialized is returned for interpreter calls before Init.
	ErrNotInitialized = errors.New("worker not initialized")

	// ErrGroupMismatch is returned when createInterpreter names a group other
	// than the one this worker hosts.
	ErrGroupMismatch = errors.New("worker hosts a different interpreter group")
)

// Config holds construction-time settings for a Server.
type Config struct {
	// GroupID is the group this worker hosts. When empty the first
	// createInterpreter call decides it.
	GroupID string

	// Connector reaches the resource pools of other workers. When nil and
	// the worker.coordinator_url property is set, Init builds an HTTP one.
	Connector resource.Connector
}

// Server is the RPC endpoint of one worker process.
type Server struct {
	cfg      Config
	registry *interpreter.Registry
	logger   *slog.Logger
	outputs  *OutputBroker

	mu       sync.Mutex
	state    string
	listener net.Listener
	rpcSrv   *rpc.Server
	port     int
	done     chan struct{}

	// Shared worker state built by Init.
	initMu     sync.Mutex
	props      interpreter.Properties
	lifecycle  LifecycleManager
	pool       *resource.Pool
	resources  *resource.DistributedPool
	schedulers *scheduler.Factory
	group      *interpreter.Group
}

// NewServer creates a stopped, uninitialized server.
func NewServer(cfg Config, reg *interpreter.Registry, logger *slog.Logger) *Server {
	done := make(chan struct{})
	close(done)
	return &Server{
		cfg:      cfg,
		registry: reg,
		logger:   logger,
		outputs:  NewOutputBroker(),
		state:    StateStopped,
		done:     done,
	}
}

// Init builds the shared worker state from props. It is independent of Start
// and Shutdown. A second call is a no-op.
func (s *Server) Init(props map[string]string) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.props != nil {
		s.logger.Debug("worker already initialized")
		return nil
	}

	p := make(interpreter.Properties, len(props))
	for k, v := range props {
		p[k] = v
	}

	var lm LifecycleManager = NullLifecycleManager{}
	if raw := p.Get(PropIdleTimeout, ""); raw != "" {
		timeout, err := config.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("init: %s: %w", PropIdleTimeout, err)
		}
		var interval time.Duration
		if raw := p.Get(PropIdleCheck, ""); raw != "" {
			if interval, err = config.ParseDuration(raw); err != nil {
				return fmt.Errorf("init: %s: %w", PropIdleCheck, err)
			}
		}
		if timeout > 0 {
			lm = NewTimeoutLifecycleManager(timeout, interval, s.logger)
		}
	}

	connector := s.cfg.Connector
	if connector == nil {
		if url := p.Get(PropCoordinatorURL, ""); url != "" {
			connector = NewHTTPConnector(url, nil)
		}
	}

	s.props = p
	s.lifecycle = lm
	s.schedulers = scheduler.NewFactory(s.logger)
	if s.cfg.GroupID != "" {
		s.buildGroupLocked(s.cfg.GroupID, connector)
	} else {
		s.cfg.Connector = connector
	}

	s.mu.Lock()
	running := s.state == StateRunning
	s.mu.Unlock()
	if running {
		lm.ProcessStarted(s.shutdownAsync)
	}

	s.logger.Info("worker initialized", "group_id", s.cfg.GroupID, "lifecycle", fmt.Sprintf("%T", lm))
	return nil
}

func (s *Server) buildGroupLocked(groupID string, connector resource.Connector) {
	s.pool = resource.NewPool(groupID)
	s.resources = resource.NewDistributedPool(s.pool, connector)
	s.group = interpreter.NewGroup(groupID, s.registry, s.schedulers, s.resources, s.logger.With("group_id", groupID))
	s.cfg.GroupID = groupID
}

// groupFor returns the hosted group, creating it for groupID on first use.
func (s *Server) groupFor(groupID string) (*interpreter.Group, error) {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.props == nil {
		return nil, ErrNotInitialized
	}
	if s.group == nil {
		if groupID == "" {
			return nil, fmt.Errorf("create group: empty group id")
		}
		s.buildGroupLocked(groupID, s.cfg.Connector)
	}
	if groupID != "" && groupID != s.group.ID() {
		return nil, fmt.Errorf("%w: have %q, got %q", ErrGroupMismatch, s.group.ID(), groupID)
	}
	return s.group, nil
}

// GroupID returns the id of the hosted group, or "" while it is undecided.
func (s *Server) GroupID() string {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	return s.cfg.GroupID
}

// Group returns the hosted interpreter group, or nil before the first
// createInterpreter.
func (s *Server) Group() *interpreter.Group {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	return s.group
}

// Outputs returns the broker holding per-paragraph output.
func (s *Server) Outputs() *OutputBroker { return s.outputs }

// Schedulers returns the scheduler factory, or nil before Init.
func (s *Server) Schedulers() *scheduler.Factory {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	return s.schedulers
}

// Pool returns the worker's local resource pool, or nil before the group
// exists.
func (s *Server) Pool() *resource.Pool {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	return s.pool
}

func (s *Server) lifecycleManager() LifecycleManager {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.lifecycle == nil {
		return NullLifecycleManager{}
	}
	return s.lifecycle
}

// Listen opens a TCP listener on addr, or a vsock listener on vsockPort when
// it is non-zero.
func Listen(addr string, vsockPort uint32) (net.Listener, error) {
	if vsockPort != 0 {
		l, err := vsock.Listen(vsockPort, nil)
		if err != nil {
			return nil, fmt.Errorf("listen vsock port %d: %w", vsockPort, err)
		}
		return l, nil
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return l, nil
}

// Start begins serving on l. Calling Start on a server that is not stopped
// is a no-op and closes l.
func (s *Server) Start(l net.Listener) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		l.Close()
		return nil
	}
	s.state = StateStarting
	s.listener = l
	s.port = listenerPort(l)
	s.rpcSrv = rpc.NewServer(s, s.logger)
	s.done = make(chan struct{})
	srv := s.rpcSrv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, rpc.ErrServerClosed) {
			s.logger.Error("rpc serve failed", "error", err)
			s.shutdownAsync()
		}
	}()

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	s.initMu.Lock()
	lm := s.lifecycle
	s.initMu.Unlock()
	if lm != nil {
		lm.ProcessStarted(s.shutdownAsync)
	}

	s.logger.Info("worker started", "addr", l.Addr().String(), "port", s.port)
	return nil
}

func listenerPort(l net.Listener) int {
	switch a := l.Addr().(type) {
	case *net.TCPAddr:
		return a.Port
	case *vsock.Addr:
		return int(a.Port)
	default:
		return 0
	}
}

// Shutdown closes every interpreter, stops the listener and moves the server
// to STOPPED. Calling it on a server that is not running is a no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	srv := s.rpcSrv
	done := s.done
	s.mu.Unlock()

	s.logger.Info("worker shutting down")

	var errs []error
	if g := s.Group(); g != nil {
		if err := g.CloseAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close interpreters: %w", err))
		}
	}
	s.lifecycleManager().ProcessStopped()
	if err := srv.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close rpc server: %w", err))
	}

	s.mu.Lock()
	s.state = StateStopped
	s.rpcSrv = nil
	s.listener = nil
	s.mu.Unlock()
	close(done)

	s.logger.Info("worker stopped")
	return errors.Join(errs...)
}

func (s *Server) shutdownAsync() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		s.logger.Error("worker shutdown failed", "error", err)
	}
}

// Done is closed when the server reaches STOPPED after running.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// State returns the server state.
func (s *Server) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsRunning reports whether the server is in the RUNNING state.
func (s *Server) IsRunning() bool {
	return s.State() == StateRunning
}

// Port returns the port the server listens on, or 0.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}
