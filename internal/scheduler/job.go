package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/seantiz/interplex/internal/model"
)

// RunFunc is the body of a job. It should return promptly once ctx is done,
// but nothing forces it to.
type RunFunc func(ctx context.Context) (any, error)

// Job is one queued unit of work with a single terminal outcome.
type Job struct {
	id    string
	run   RunFunc
	abort func()

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu              sync.Mutex
	status          string
	result          any
	err             error
	cancelRequested bool
	submittedAt     time.Time
	startedAt       time.Time
	finishedAt      time.Time
}

// NewJob creates a pending job. abort, if non-nil, is invoked when the job is
// cancelled while running; it is the interpreter's cooperative cancel hook.
// An empty id is replaced by a generated one.
func NewJob(id string, run RunFunc, abort func()) *Job {
	if id == "" {
		id = model.NewID()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Job{
		id:     id,
		run:    run,
		abort:  abort,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		status: model.StatusPending,
	}
}

// ID returns the job id.
func (j *Job) ID() string { return j.id }

// Status returns the current status.
func (j *Job) Status() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Done is closed once the job reaches a terminal status.
func (j *Job) Done() <-chan struct{} { return j.done }

// Result returns the value and error produced by the run function. Both are
// zero until the job is terminal.
func (j *Job) Result() (any, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, j.err
}

// CancelRequested reports whether Cancel was called while the job was running.
func (j *Job) CancelRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelRequested
}

// Wait blocks until the job is terminal or ctx is done.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Duration returns how long the job ran. Zero if it never started.
func (j *Job) Duration() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.startedAt.IsZero() {
		return 0
	}
	end := j.finishedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(j.startedAt)
}

// transition moves the job to status. Caller holds j.mu.
func (j *Job) transition(to string) bool {
	if !model.ValidTransition(j.status, to) {
		return false
	}
	j.status = to
	if model.IsTerminal(to) {
		j.finishedAt = time.Now()
		j.cancel()
		close(j.done)
	}
	return true
}

// start moves a pending job to running. It returns false if the job was
// cancelled while queued.
func (j *Job) start() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.transition(model.StatusRunning) {
		return false
	}
	j.startedAt = time.Now()
	return true
}

// execute runs the job body and records its outcome. Panics raised by the
// body are converted into an ERROR outcome.
func (j *Job) execute() {
	var (
		res any
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job %s panicked: %v\n%s", j.id, r, debug.Stack())
			}
		}()
		res, err = j.run(j.ctx)
	}()
	j.finish(res, err)
}

func (j *Job) finish(res any, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.result = res
	j.err = err

	switch {
	case j.cancelRequested && err != nil:
		j.transition(model.StatusCancelled)
	case err != nil:
		j.transition(model.StatusError)
	default:
		// A cancelled job whose body ignored the signal completes normally.
		j.transition(model.StatusFinished)
	}
}

// requestCancel cancels a pending job outright or signals a running one.
// It reports whether the job was still live.
func (j *Job) requestCancel() bool {
	j.mu.Lock()
	switch j.status {
	case model.StatusPending:
		j.transition(model.StatusCancelled)
		j.mu.Unlock()
		return true
	case model.StatusRunning:
		if j.cancelRequested {
			j.mu.Unlock()
			return true
		}
		j.cancelRequested = true
		j.mu.Unlock()
	default:
		j.mu.Unlock()
		return false
	}

	if j.abort != nil {
		j.abort()
	}
	j.cancel()
	return true
}
