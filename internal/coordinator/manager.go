package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/interplex/internal/launcher"
	"github.com/seantiz/interplex/internal/model"
	"github.com/seantiz/interplex/internal/recovery"
	"github.com/seantiz/interplex/internal/resource"
	"github.com/seantiz/interplex/internal/rpc"
)

const (
	checkTimeout    = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Config configures a Manager.
type Config struct {
	Launchers *launcher.Registry
	// Launcher names the launcher for new workers. Empty uses the registry
	// default.
	Launcher string
	Storage  recovery.Storage

	ConnectTimeout  time.Duration
	ConnectPoolSize int

	// WorkerProperties are sent to every worker on init.
	WorkerProperties map[string]string
}

type interpreterKey struct {
	sessionID string
	className string
}

type interpreterSpec struct {
	props map[string]string
	user  string
}

// groupState is guarded by mu, held across launches. current mirrors proc
// for readers that must not wait on a launch.
type groupState struct {
	mu       sync.Mutex
	req      launcher.Request
	known    bool
	proc     *RemoteProcess
	launched string
	created  map[interpreterKey]interpreterSpec
	order    []interpreterKey

	current atomic.Pointer[RemoteProcess]
}

func (g *groupState) setProc(p *RemoteProcess) {
	g.proc = p
	g.current.Store(p)
}

// Manager owns the worker process of every interpreter group.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	groups map[string]*groupState
}

// NewManager creates a manager. A nil Storage keeps no recovery entries.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.Storage == nil {
		cfg.Storage = recovery.NoopStorage{}
	}
	if cfg.ConnectPoolSize < 1 {
		cfg.ConnectPoolSize = rpc.DefaultPoolSize
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = time.Minute
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		groups: make(map[string]*groupState),
	}
}

func (m *Manager) group(groupID string) *groupState {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		g = &groupState{created: make(map[interpreterKey]interpreterSpec)}
		m.groups[groupID] = g
	}
	return g
}

// GetOrLaunch returns the live worker for req.GroupID, launching one when
// there is none or the previous one was lost.
func (m *Manager) GetOrLaunch(ctx context.Context, req launcher.Request) (*RemoteProcess, error) {
	if req.GroupID == "" {
		return nil, errors.New("get or launch: empty group id")
	}
	g := m.group(req.GroupID)
	g.mu.Lock()
	defer g.mu.Unlock()

	g.req = req
	g.known = true
	return m.ensureLocked(ctx, req.GroupID, g)
}

// ensureLocked brings up a worker for the group if needed and replays the
// interpreters created on the previous one.
func (m *Manager) ensureLocked(ctx context.Context, groupID string, g *groupState) (*RemoteProcess, error) {
	if g.proc != nil && g.proc.Alive() {
		return g.proc, nil
	}
	if !g.known {
		return nil, fmt.Errorf("group %q: %w", groupID, ErrProcessNotFound)
	}

	if old := g.proc; old != nil {
		m.logger.Info("relaunching worker", "group_id", groupID, "previous_state", old.State())
		old.closeClient()
		m.stopWorker(ctx, g.launched, groupID)
		g.setProc(nil)
		liveProcesses.Dec()
	}

	p, err := m.launch(ctx, g.req)
	if err != nil {
		return nil, err
	}
	g.setProc(p)
	g.launched = p.Endpoint().Launcher
	liveProcesses.Inc()

	for _, key := range g.order {
		spec := g.created[key]
		if err := p.CreateInterpreter(ctx, key.sessionID, key.className, spec.props, spec.user); err != nil {
			return nil, fmt.Errorf("recreate %s/%s: %w", key.sessionID, key.className, err)
		}
	}
	return p, nil
}

func (m *Manager) launch(ctx context.Context, req launcher.Request) (*RemoteProcess, error) {
	p := newProcess(req.GroupID, req.SessionScope, m.logger)
	if err := p.transition(model.ProcessLaunching); err != nil {
		return nil, err
	}

	l, err := m.cfg.Launchers.Resolve(m.cfg.Launcher)
	if err != nil {
		_ = p.transition(model.ProcessFailed)
		return nil, fmt.Errorf("%w: %w", ErrInterpreterUnavailable, err)
	}

	if req.ConnectTimeout <= 0 {
		req.ConnectTimeout = m.cfg.ConnectTimeout
	}
	if req.ConnectPoolSize < 1 {
		req.ConnectPoolSize = m.cfg.ConnectPoolSize
	}

	ep, err := l.Launch(ctx, req)
	if err != nil {
		_ = p.transition(model.ProcessFailed)
		m.logger.Error("worker launch failed", "group_id", req.GroupID, "launcher", l.Name(), "error", err)
		return nil, fmt.Errorf("%w: %w", ErrInterpreterUnavailable, err)
	}

	client := rpc.NewClient(ep.Dialer(), req.ConnectPoolSize)
	props := make(map[string]string, len(m.cfg.WorkerProperties)+len(req.Properties))
	maps.Copy(props, m.cfg.WorkerProperties)
	maps.Copy(props, req.Properties)
	if err := client.Call(ctx, rpc.MethodInit, rpc.InitParams{Properties: props}, nil); err != nil {
		client.Close()
		_ = p.transition(model.ProcessFailed)
		if stopErr := l.Stop(context.Background(), req.GroupID); stopErr != nil {
			m.logger.Warn("stop worker after failed init", "group_id", req.GroupID, "error", stopErr)
		}
		return nil, fmt.Errorf("%w: init worker: %w", ErrInterpreterUnavailable, err)
	}

	p.attach(ep, client)
	if err := p.transition(model.ProcessConnected); err != nil {
		client.Close()
		return nil, err
	}

	if err := m.cfg.Storage.Persist(ctx, ep.Entry(req.GroupID, req.SessionScope)); err != nil {
		m.logger.Warn("persist recovery entry", "group_id", req.GroupID, "error", err)
	}
	m.logger.Info("worker connected", "group_id", req.GroupID, "endpoint", ep.String())
	return p, nil
}

// Process returns the live worker for groupID. A group whose worker was lost
// is relaunched and its interpreters recreated.
func (m *Manager) Process(ctx context.Context, groupID string) (*RemoteProcess, error) {
	m.mu.Lock()
	g, ok := m.groups[groupID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("group %q: %w", groupID, ErrProcessNotFound)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return m.ensureLocked(ctx, groupID, g)
}

// CreateInterpreter launches the group's worker if needed and creates
// className in sessionID on it. The interpreter is recreated if the worker
// is later relaunched.
func (m *Manager) CreateInterpreter(ctx context.Context, req launcher.Request, sessionID, className string, props map[string]string, user string) (*RemoteProcess, error) {
	if req.GroupID == "" {
		return nil, errors.New("create interpreter: empty group id")
	}
	g := m.group(req.GroupID)
	g.mu.Lock()
	defer g.mu.Unlock()

	g.req = req
	g.known = true
	p, err := m.ensureLocked(ctx, req.GroupID, g)
	if err != nil {
		return nil, err
	}
	if err := p.CreateInterpreter(ctx, sessionID, className, props, user); err != nil {
		return nil, err
	}

	// Recorded under the same lock as the create so a relaunch cannot miss it.
	key := interpreterKey{sessionID: sessionID, className: className}
	if _, ok := g.created[key]; !ok {
		g.order = append(g.order, key)
	}
	g.created[key] = interpreterSpec{props: props, user: user}
	return p, nil
}

// CloseInterpreter closes one interpreter and forgets it for replay.
func (m *Manager) CloseInterpreter(ctx context.Context, groupID, sessionID, className string) error {
	m.mu.Lock()
	g, ok := m.groups[groupID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("group %q: %w", groupID, ErrProcessNotFound)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	p, err := m.ensureLocked(ctx, groupID, g)
	if err != nil {
		return err
	}
	if err := p.Close(ctx, sessionID, className); err != nil {
		return err
	}

	key := interpreterKey{sessionID: sessionID, className: className}
	delete(g.created, key)
	g.order = slices.DeleteFunc(g.order, func(k interpreterKey) bool { return k == key })
	return nil
}

// CloseGroup shuts the group's worker down, stops it through its launcher
// and removes its recovery entry.
func (m *Manager) CloseGroup(ctx context.Context, groupID string) error {
	m.mu.Lock()
	g, ok := m.groups[groupID]
	delete(m.groups, groupID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("group %q: %w", groupID, ErrProcessNotFound)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if p := g.proc; p != nil {
		if p.Alive() {
			_ = p.transition(model.ProcessStopping)
			callCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			if err := p.rpcClient().Call(callCtx, rpc.MethodShutdown, struct{}{}, nil); err != nil {
				m.logger.Warn("worker shutdown call failed", "group_id", groupID, "error", err)
			}
			cancel()
			_ = p.transition(model.ProcessStopped)
		}
		p.closeClient()
		liveProcesses.Dec()
	}
	m.stopWorker(ctx, g.launched, groupID)

	if err := m.cfg.Storage.Remove(ctx, groupID); err != nil && !errors.Is(err, recovery.ErrNotFound) {
		return fmt.Errorf("remove recovery entry %s: %w", groupID, err)
	}
	m.logger.Info("group closed", "group_id", groupID)
	return nil
}

func (m *Manager) stopWorker(ctx context.Context, launcherName, groupID string) {
	if launcherName == "" {
		return
	}
	l, err := m.cfg.Launchers.Resolve(launcherName)
	if err != nil {
		m.logger.Debug("no launcher to stop worker", "group_id", groupID, "launcher", launcherName)
		return
	}
	if err := l.Stop(ctx, groupID); err != nil {
		m.logger.Warn("stop worker", "group_id", groupID, "launcher", launcherName, "error", err)
	}
}

// Processes returns a snapshot of every tracked process, sorted by group.
func (m *Manager) Processes() []ProcessInfo {
	m.mu.Lock()
	groups := make([]*groupState, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, g)
	}
	m.mu.Unlock()

	out := make([]ProcessInfo, 0, len(groups))
	for _, g := range groups {
		if p := g.current.Load(); p != nil {
			out = append(out, p.Info())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

// RecoverReport lists the outcome of Recover.
type RecoverReport struct {
	Reattached []string `json:"reattached"`
	Discarded  []string `json:"discarded"`
}

// Recover reattaches to every stored worker that still answers isRunning for
// the recorded group and discards the rest. The launcher is not involved.
func (m *Manager) Recover(ctx context.Context) (RecoverReport, error) {
	var report RecoverReport
	entries, err := m.cfg.Storage.List(ctx)
	if err != nil {
		return report, fmt.Errorf("list recovery entries: %w", err)
	}

	for _, e := range entries {
		ep := launcher.EndpointFromEntry(e)
		client := rpc.NewClient(ep.Dialer(), m.cfg.ConnectPoolSize)
		if err := CheckWorker(ctx, client, e.GroupID); err != nil {
			client.Close()
			if err := m.cfg.Storage.Remove(ctx, e.GroupID); err != nil && !errors.Is(err, recovery.ErrNotFound) {
				m.logger.Warn("remove stale recovery entry", "group_id", e.GroupID, "error", err)
			}
			recoveredTotal.WithLabelValues(recoveredDiscarded).Inc()
			report.Discarded = append(report.Discarded, e.GroupID)
			m.logger.Info("discarded stale worker", "group_id", e.GroupID, "endpoint", ep.String(), "reason", err)
			continue
		}

		p := newProcess(e.GroupID, e.SessionID, m.logger)
		p.recovered = true
		p.attach(ep, client)
		if err := p.transition(model.ProcessConnected); err != nil {
			client.Close()
			return report, err
		}

		g := m.group(e.GroupID)
		g.mu.Lock()
		if g.proc != nil {
			g.proc.closeClient()
		} else {
			liveProcesses.Inc()
		}
		g.setProc(p)
		g.launched = ep.Launcher
		g.known = true
		g.req = launcher.Request{GroupID: e.GroupID, SessionScope: e.SessionID}
		g.mu.Unlock()

		recoveredTotal.WithLabelValues(recoveredReattached).Inc()
		report.Reattached = append(report.Reattached, e.GroupID)
		m.logger.Info("reattached worker", "group_id", e.GroupID, "endpoint", ep.String())
	}
	return report, nil
}

// CheckWorker calls isRunning on the worker behind client with a short
// timeout. It fails when the worker does not answer, reports it is not
// running, or hosts a group other than groupID. A worker that has not yet
// learned its group is accepted.
func CheckWorker(ctx context.Context, client *rpc.Client, groupID string) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	st, err := client.Status(ctx)
	if err != nil {
		return err
	}
	if !st.Running {
		return ErrWorkerNotRunning
	}
	if st.GroupID != "" && groupID != "" && st.GroupID != groupID {
		return fmt.Errorf("%w: hosts %q", ErrWorkerGroupMismatch, st.GroupID)
	}
	return nil
}

// GetAllResources fans getAllResources out over every live worker except the
// one whose pool is exclude. Workers that fail to answer are skipped.
func (m *Manager) GetAllResources(ctx context.Context, exclude string) (resource.Set, error) {
	m.mu.Lock()
	var procs []*RemoteProcess
	for id, g := range m.groups {
		if p := g.current.Load(); id != exclude && p != nil && p.Alive() {
			procs = append(procs, p)
		}
	}
	m.mu.Unlock()

	results := make([]resource.Set, len(procs))
	var wg sync.WaitGroup
	for i, p := range procs {
		wg.Go(func() {
			set, err := p.Resources(ctx)
			if err != nil {
				m.logger.Warn("fetch worker resources", "group_id", p.GroupID(), "error", err)
				return
			}
			results[i] = set
		})
	}
	wg.Wait()

	var all resource.Set
	for _, set := range results {
		all.AddAll(set)
	}
	if all == nil {
		all = resource.Set{}
	}
	return all, nil
}

// Close drops every RPC client without stopping workers, so a later
// coordinator can reattach to them.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		if p := g.current.Load(); p != nil {
			p.closeClient()
		}
	}
}
