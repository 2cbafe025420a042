package interpreter

import (
	"context"
	"fmt"
	"sync"

	"github.com/seantiz/interplex/internal/model"
	"github.com/seantiz/interplex/internal/scheduler"
)

// Open-state constants.
const (
	StateUnopened = "unopened"
	StateOpening  = "opening"
	StateOpened   = "opened"
	StateClosed   = "closed"
)

// LazyInterpreter wraps an adapter with its open-state and its scheduler. The
// adapter is opened on first use from inside a scheduler job.
type LazyInterpreter struct {
	className string
	sessionID string
	inner     Interpreter
	sched     *scheduler.Scheduler

	openMu sync.Mutex

	mu        sync.Mutex
	state     string
	wasOpened bool
}

func newLazy(className, sessionID string, inner Interpreter, sched *scheduler.Scheduler) *LazyInterpreter {
	return &LazyInterpreter{
		className: className,
		sessionID: sessionID,
		inner:     inner,
		sched:     sched,
		state:     StateUnopened,
	}
}

// ClassName returns the class name the interpreter was created with.
func (l *LazyInterpreter) ClassName() string { return l.className }

// SessionID returns the owning session id.
func (l *LazyInterpreter) SessionID() string { return l.sessionID }

// Inner returns the wrapped adapter.
func (l *LazyInterpreter) Inner() Interpreter { return l.inner }

// Scheduler returns the interpreter's scheduler.
func (l *LazyInterpreter) Scheduler() *scheduler.Scheduler { return l.sched }

// State returns the open-state.
func (l *LazyInterpreter) State() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Opened reports whether Open has completed successfully.
func (l *LazyInterpreter) Opened() bool { return l.State() == StateOpened }

// Closed reports whether the interpreter has been closed.
func (l *LazyInterpreter) Closed() bool { return l.State() == StateClosed }

// Open opens the adapter once. Concurrent callers serialize on the
// interpreter lock; a failed open leaves the interpreter unopened.
func (l *LazyInterpreter) Open(ctx context.Context) error {
	l.openMu.Lock()
	defer l.openMu.Unlock()

	l.mu.Lock()
	switch l.state {
	case StateOpened:
		l.mu.Unlock()
		return nil
	case StateClosed:
		l.mu.Unlock()
		return fmt.Errorf("open %s: interpreter closed", l.className)
	}
	l.state = StateOpening
	l.mu.Unlock()

	err := l.inner.Open(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		// Destroyed while opening.
		if err == nil {
			_ = l.inner.Close()
		}
		return fmt.Errorf("open %s: interpreter closed", l.className)
	}
	if err != nil {
		l.state = StateUnopened
		return fmt.Errorf("open %s: %w", l.className, err)
	}
	l.state = StateOpened
	l.wasOpened = true
	return nil
}

// Interpret opens the adapter if needed and runs code. It must be called from
// a scheduler job. Output written to ic.Out precedes the returned messages.
func (l *LazyInterpreter) Interpret(ctx context.Context, code string, ic *Context) (*Result, error) {
	if err := l.Open(ctx); err != nil {
		return nil, err
	}
	if ic.Out == nil {
		ic.Out = NewOutput()
	}
	res, err := l.inner.Interpret(ctx, code, ic)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &Result{Code: model.CodeSuccess}
	}
	merged := &Result{Code: res.Code}
	merged.Messages = append(ic.Out.Messages(), res.Messages...)
	return merged, nil
}

// Cancel forwards to the adapter when it has ever been opened, so a job that
// is still running while the interpreter closes can be signalled.
func (l *LazyInterpreter) Cancel(ic *Context) error {
	l.mu.Lock()
	opened := l.wasOpened
	l.mu.Unlock()
	if !opened {
		return nil
	}
	return l.inner.Cancel(ic)
}

// Progress forwards to the adapter when it has been opened.
func (l *LazyInterpreter) Progress(ic *Context) (int, error) {
	if !l.Opened() {
		return 0, nil
	}
	p, err := l.inner.Progress(ic)
	if err != nil {
		return 0, err
	}
	return min(max(p, 0), 100), nil
}

// FormType forwards to the adapter.
func (l *LazyInterpreter) FormType() string {
	ft := l.inner.FormType()
	if ft == "" {
		return model.FormNone
	}
	return ft
}

// Close closes an opened interpreter and its scheduler and reports whether it
// did so. Closing an interpreter that was never opened is a no-op.
func (l *LazyInterpreter) Close() (bool, error) {
	l.mu.Lock()
	if l.state != StateOpened {
		l.mu.Unlock()
		return false, nil
	}
	l.state = StateClosed
	l.mu.Unlock()

	l.sched.Close()
	if err := l.inner.Close(); err != nil {
		return true, fmt.Errorf("close %s: %w", l.className, err)
	}
	return true, nil
}

// destroy closes the interpreter whatever its state, including the scheduler
// of an interpreter that never opened.
func (l *LazyInterpreter) destroy() error {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return nil
	}
	opened := l.state == StateOpened
	l.state = StateClosed
	l.mu.Unlock()

	l.sched.Close()
	if opened {
		if err := l.inner.Close(); err != nil {
			return fmt.Errorf("close %s: %w", l.className, err)
		}
	}
	return nil
}
