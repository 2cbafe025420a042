package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/interplex/internal/interpreter"
	"github.com/seantiz/interplex/internal/launcher"
	"github.com/seantiz/interplex/internal/model"
	"github.com/seantiz/interplex/internal/resource"
	"github.com/seantiz/interplex/internal/rpc"
)

var (
	// ErrInterpreterUnavailable is returned when no worker could be brought
	// up for a group. It is not retried automatically.
	ErrInterpreterUnavailable = errors.New("interpreter unavailable")

	// ErrConnectivityLost marks calls that failed because the worker stopped
	// answering.
	ErrConnectivityLost = errors.New("connectivity to worker lost")

	// ErrProcessNotFound is returned for groups without a tracked process.
	ErrProcessNotFound = errors.New("process not found")

	// ErrInvalidTransition is returned for a state change the process state
	// machine does not allow.
	ErrInvalidTransition = errors.New("invalid process state transition")

	// ErrWorkerNotRunning is returned by CheckWorker for a worker that
	// answers but is shutting down.
	ErrWorkerNotRunning = errors.New("worker not running")

	// ErrWorkerGroupMismatch is returned by CheckWorker when the endpoint
	// now hosts a different interpreter group.
	ErrWorkerGroupMismatch = errors.New("worker hosts a different group")
)

// ProcessInfo is a snapshot of a RemoteProcess.
type ProcessInfo struct {
	ID        string            `json:"id"`
	GroupID   string            `json:"group_id"`
	SessionID string            `json:"session_id"`
	State     string            `json:"state"`
	Endpoint  launcher.Endpoint `json:"endpoint"`
	Recovered bool              `json:"recovered"`
	StartedAt time.Time         `json:"started_at"`
}

// RemoteProcess is the coordinator's handle on one worker.
type RemoteProcess struct {
	id        string
	groupID   string
	sessionID string
	logger    *slog.Logger

	mu        sync.Mutex
	state     string
	endpoint  launcher.Endpoint
	client    *rpc.Client
	recovered bool
	startedAt time.Time
}

func newProcess(groupID, sessionID string, logger *slog.Logger) *RemoteProcess {
	id := model.NewID()
	return &RemoteProcess{
		id:        id,
		groupID:   groupID,
		sessionID: sessionID,
		state:     model.ProcessRequested,
		startedAt: time.Now().UTC(),
		logger:    logger.With("group_id", groupID, "process_id", id),
	}
}

// GroupID returns the interpreter group the worker hosts.
func (p *RemoteProcess) GroupID() string { return p.groupID }

// State returns the current process state.
func (p *RemoteProcess) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Alive reports whether calls may be sent to the worker.
func (p *RemoteProcess) Alive() bool {
	switch p.State() {
	case model.ProcessConnected, model.ProcessRunning:
		return true
	}
	return false
}

// Endpoint returns where the worker is reached.
func (p *RemoteProcess) Endpoint() launcher.Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endpoint
}

// Info returns a snapshot of the process.
func (p *RemoteProcess) Info() ProcessInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProcessInfo{
		ID:        p.id,
		GroupID:   p.groupID,
		SessionID: p.sessionID,
		State:     p.state,
		Endpoint:  p.endpoint,
		Recovered: p.recovered,
		StartedAt: p.startedAt,
	}
}

func (p *RemoteProcess) transition(to string) error {
	p.mu.Lock()
	from := p.state
	if !model.ValidProcessTransition(from, to) {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	p.state = to
	p.mu.Unlock()

	processTransitions.WithLabelValues(to).Inc()
	p.logger.Debug("process state changed", "from", from, "to", to)
	return nil
}

func (p *RemoteProcess) attach(ep launcher.Endpoint, client *rpc.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoint = ep
	p.client = client
}

func (p *RemoteProcess) rpcClient() *rpc.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

func (p *RemoteProcess) closeClient() {
	if c := p.rpcClient(); c != nil {
		c.Close()
	}
}

// call sends one RPC. A transport failure moves the process to LOST and is
// reported as ErrConnectivityLost.
func (p *RemoteProcess) call(ctx context.Context, method string, params, result any) error {
	c := p.rpcClient()
	if c == nil || !p.Alive() {
		return fmt.Errorf("%s on %s process: %w", method, p.State(), ErrConnectivityLost)
	}
	err := c.Call(ctx, method, params, result)
	if err == nil {
		return nil
	}
	if errors.Is(err, rpc.ErrTransport) && ctx.Err() == nil {
		p.markLost(err)
		return fmt.Errorf("%w: %w", ErrConnectivityLost, err)
	}
	return err
}

func (p *RemoteProcess) markLost(cause error) {
	if err := p.transition(model.ProcessLost); err != nil {
		return
	}
	p.logger.Warn("worker lost", "error", cause)
}

// CreateInterpreter creates className in sessionID on the worker.
func (p *RemoteProcess) CreateInterpreter(ctx context.Context, sessionID, className string, props map[string]string, user string) error {
	return p.call(ctx, rpc.MethodCreateInterpreter, rpc.CreateInterpreterParams{
		GroupID:    p.groupID,
		SessionID:  sessionID,
		ClassName:  className,
		Properties: props,
		User:       user,
	}, nil)
}

// Interpret runs code and blocks until the job ends. Connectivity loss is
// returned as an ERROR result alongside an error wrapping
// ErrConnectivityLost.
func (p *RemoteProcess) Interpret(ctx context.Context, sessionID, className, code string, ic rpc.Context) (rpc.InterpretResult, error) {
	var res rpc.InterpretResult
	err := p.call(ctx, rpc.MethodInterpret, rpc.InterpretParams{
		SessionID: sessionID,
		ClassName: className,
		Code:      code,
		Context:   ic,
	}, &res)
	if errors.Is(err, ErrConnectivityLost) {
		return rpc.InterpretResult{
			Code:     model.CodeError,
			Messages: []rpc.Message{{Type: interpreter.TypeText, Data: err.Error()}},
		}, err
	}
	if err != nil {
		return rpc.InterpretResult{}, err
	}
	if p.State() == model.ProcessConnected {
		_ = p.transition(model.ProcessRunning)
	}
	return res, nil
}

// Cancel asks the worker to cancel the job for ic.ParagraphID.
func (p *RemoteProcess) Cancel(ctx context.Context, sessionID, className string, ic rpc.Context) error {
	return p.call(ctx, rpc.MethodCancel, rpc.TargetParams{SessionID: sessionID, ClassName: className, Context: &ic}, nil)
}

// Progress returns the progress of the running job, 0-100.
func (p *RemoteProcess) Progress(ctx context.Context, sessionID, className string, ic rpc.Context) (int, error) {
	var res rpc.ProgressResult
	err := p.call(ctx, rpc.MethodGetProgress, rpc.TargetParams{SessionID: sessionID, ClassName: className, Context: &ic}, &res)
	return res.Progress, err
}

// FormType returns the interpreter's form type.
func (p *RemoteProcess) FormType(ctx context.Context, sessionID, className string) (string, error) {
	var res rpc.FormTypeResult
	err := p.call(ctx, rpc.MethodGetFormType, rpc.TargetParams{SessionID: sessionID, ClassName: className}, &res)
	return res.FormType, err
}

// Output reads a paragraph's output from offset on, letting the worker hold
// the call up to wait for new data.
func (p *RemoteProcess) Output(ctx context.Context, paragraphID string, offset int, wait time.Duration) (rpc.OutputResult, error) {
	var res rpc.OutputResult
	err := p.call(ctx, rpc.MethodGetOutput, rpc.OutputParams{
		ParagraphID: paragraphID,
		Offset:      offset,
		WaitMillis:  int(wait / time.Millisecond),
	}, &res)
	return res, err
}

// Close closes one interpreter on the worker.
func (p *RemoteProcess) Close(ctx context.Context, sessionID, className string) error {
	return p.call(ctx, rpc.MethodClose, rpc.TargetParams{SessionID: sessionID, ClassName: className}, nil)
}

// Resources returns every resource in the worker's pool.
func (p *RemoteProcess) Resources(ctx context.Context) (resource.Set, error) {
	var res rpc.ResourcesResult
	if err := p.call(ctx, rpc.MethodGetAllResources, struct{}{}, &res); err != nil {
		return nil, err
	}
	return res.Resources, nil
}

// Resource returns one resource from the worker's pool.
func (p *RemoteProcess) Resource(ctx context.Context, name string) (resource.Resource, bool, error) {
	var res rpc.ResourceResult
	if err := p.call(ctx, rpc.MethodGetResource, rpc.ResourceParams{Name: name}, &res); err != nil {
		return resource.Resource{}, false, err
	}
	return res.Resource, res.Found, nil
}

// RemoveResource deletes one resource from the worker's pool.
func (p *RemoteProcess) RemoveResource(ctx context.Context, name string) (bool, error) {
	var res rpc.ResourceResult
	if err := p.call(ctx, rpc.MethodRemoveResource, rpc.ResourceParams{Name: name}, &res); err != nil {
		return false, err
	}
	return res.Found, nil
}
