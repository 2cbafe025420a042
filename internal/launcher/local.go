package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/seantiz/interplex/internal/recovery"
)

// LocalName is the name of the local launcher.
const LocalName = "local"

const stopTimeout = 5 * time.Second

// LocalConfig configures the local launcher.
type LocalConfig struct {
	// WorkerBin is the interplex-worker binary.
	WorkerBin string
	// Host is the address workers bind to and are reached at.
	Host string
	// CoordinatorURL is passed to workers for remote resource lookups.
	CoordinatorURL string
	// LogDir receives one log file per worker. Empty discards worker output.
	LogDir string
}

type localProcess struct {
	cmd      *exec.Cmd
	endpoint Endpoint
	exited   chan struct{}
}

func (p *localProcess) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Local starts workers as child processes on this host.
type Local struct {
	cfg    LocalConfig
	logger *slog.Logger

	// inflight collapses concurrent launches of one group. mu is never held
	// while a worker starts, so other groups launch and stop independently.
	inflight singleflight.Group

	mu       sync.Mutex
	procs    map[string]*localProcess
	starting map[string]*localProcess
}

// NewLocal creates a local launcher.
func NewLocal(cfg LocalConfig, logger *slog.Logger) *Local {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	return &Local{
		cfg:      cfg,
		logger:   logger,
		procs:    make(map[string]*localProcess),
		starting: make(map[string]*localProcess),
	}
}

// Name implements Launcher.
func (l *Local) Name() string { return LocalName }

// Launch starts the worker binary for req.GroupID and waits until it answers
// isRunning.
func (l *Local) Launch(ctx context.Context, req Request) (Endpoint, error) {
	ep, err, _ := l.inflight.Do(req.GroupID, func() (any, error) {
		return l.launch(ctx, req)
	})
	if err != nil {
		return Endpoint{}, err
	}
	return ep.(Endpoint), nil
}

func (l *Local) launch(ctx context.Context, req Request) (Endpoint, error) {
	l.mu.Lock()
	p, ok := l.procs[req.GroupID]
	l.mu.Unlock()
	if ok && p.alive() {
		ObserveLaunch(LocalName, OutcomeReused, 0)
		return p.endpoint, nil
	}

	start := time.Now()
	ep, p, err := l.start(ctx, req)
	if err != nil {
		ObserveLaunch(LocalName, OutcomeFailed, 0)
		return Endpoint{}, fmt.Errorf("%w %s: %w", ErrLaunch, req.GroupID, err)
	}
	ObserveLaunch(LocalName, OutcomeStarted, time.Since(start).Seconds())

	l.logger.Info("worker launched",
		"group_id", req.GroupID,
		"pid", p.cmd.Process.Pid,
		"endpoint", ep.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return ep, nil
}

func (l *Local) start(ctx context.Context, req Request) (Endpoint, *localProcess, error) {
	port, err := FreePort(l.cfg.Host)
	if err != nil {
		return Endpoint{}, nil, err
	}
	ep := Endpoint{
		Host:      l.cfg.Host,
		Port:      port,
		Transport: recovery.TransportTCP,
		Launcher:  LocalName,
	}

	args := []string{
		"--listen", ep.Addr(),
		"--group", req.GroupID,
	}
	if l.cfg.CoordinatorURL != "" {
		args = append(args, "--coordinator", l.cfg.CoordinatorURL)
	}

	// The worker outlives the launch call, so it is not bound to ctx.
	cmd := exec.Command(l.cfg.WorkerBin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), "INTERPLEX_WORKER_GROUP="+req.GroupID)
	if l.cfg.LogDir != "" {
		if err := os.MkdirAll(l.cfg.LogDir, 0o755); err != nil {
			return Endpoint{}, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(l.cfg.LogDir+"/"+req.GroupID+".log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return Endpoint{}, nil, fmt.Errorf("open worker log: %w", err)
		}
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return Endpoint{}, nil, fmt.Errorf("start %s: %w", l.cfg.WorkerBin, err)
	}

	p := &localProcess{cmd: cmd, endpoint: ep, exited: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		close(p.exited)
		l.logger.Info("worker exited", "group_id", req.GroupID, "pid", cmd.Process.Pid, "error", err)
	}()

	// A Stop during startup finds the worker here and terminates it.
	l.mu.Lock()
	l.starting[req.GroupID] = p
	l.mu.Unlock()
	ready := false
	defer func() {
		l.mu.Lock()
		if l.starting[req.GroupID] == p {
			delete(l.starting, req.GroupID)
			if ready {
				l.procs[req.GroupID] = p
			}
		}
		l.mu.Unlock()
	}()

	timeout := req.ConnectTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	readyCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.exited:
			cancel()
		case <-readyCtx.Done():
		}
	}()

	if err := WaitReady(readyCtx, ep.Dialer(), timeout); err != nil {
		terminate(cmd, p.exited)
		if !p.alive() && ctx.Err() == nil {
			return Endpoint{}, nil, errors.New("worker exited before becoming ready")
		}
		return Endpoint{}, nil, err
	}
	ready = true
	return ep, p, nil
}

// Stop terminates the worker for groupID, including one that is still
// starting.
func (l *Local) Stop(_ context.Context, groupID string) error {
	l.mu.Lock()
	p, ok := l.procs[groupID]
	if !ok {
		p, ok = l.starting[groupID]
	}
	delete(l.procs, groupID)
	delete(l.starting, groupID)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	terminate(p.cmd, p.exited)
	l.logger.Info("worker stopped", "group_id", groupID)
	return nil
}

// Running reports whether the worker for groupID is alive.
func (l *Local) Running(groupID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.procs[groupID]
	return ok && p.alive()
}

// StopAll terminates every worker started by this launcher.
func (l *Local) StopAll(ctx context.Context) {
	l.mu.Lock()
	ids := make([]string, 0, len(l.procs))
	for id := range l.procs {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	for _, id := range ids {
		_ = l.Stop(ctx, id)
	}
}

// terminate sends SIGTERM to the process group and SIGKILL if it has not
// exited within stopTimeout.
func terminate(cmd *exec.Cmd, exited <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	select {
	case <-exited:
	case <-time.After(stopTimeout):
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		<-exited
	}
}
