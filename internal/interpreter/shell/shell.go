// Package shell is an interpreter adapter that runs paragraphs with sh -c.
package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/seantiz/interplex/internal/interpreter"
	"github.com/seantiz/interplex/internal/model"
	"github.com/seantiz/interplex/internal/scheduler"
)

// ClassName is the registry key of the shell adapter.
const ClassName = "shell"

// Property keys.
const (
	PropTimeout     = "shell.command.timeout"
	PropConcurrency = "shell.concurrency"
	PropWorkDir     = "shell.working.directory"
)

const defaultTimeout = 60 * time.Second

// Interpreter runs code through /bin/sh.
type Interpreter struct {
	timeout     time.Duration
	concurrency int
	workDir     string
	logger      *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New is the interpreter.Factory for the shell adapter.
func New(props interpreter.Properties, env interpreter.Env) (interpreter.Interpreter, error) {
	timeout := defaultTimeout
	if v := props.Get(PropTimeout, ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", PropTimeout, err)
		}
		timeout = d
	}
	concurrency := 1
	if v := props.Get(PropConcurrency, ""); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &concurrency); err != nil {
			return nil, fmt.Errorf("parse %s: %w", PropConcurrency, err)
		}
	}
	return &Interpreter{
		timeout:     timeout,
		concurrency: concurrency,
		workDir:     props.Get(PropWorkDir, ""),
		logger:      env.Logger,
		running:     make(map[string]context.CancelFunc),
	}, nil
}

// Open is a no-op; every paragraph spawns its own shell.
func (s *Interpreter) Open(context.Context) error { return nil }

// Interpret runs code and streams its combined output into ic.Out.
func (s *Interpreter) Interpret(ctx context.Context, code string, ic *interpreter.Context) (*interpreter.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key := ic.ParagraphID
	s.mu.Lock()
	s.running[key] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, key)
		s.mu.Unlock()
	}()

	cmd := exec.CommandContext(ctx, "sh", "-c", code)
	cmd.Dir = s.workDir
	cmd.Stdout = ic.Out
	cmd.Stderr = ic.Out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the whole process group so children of sh die too.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	err := cmd.Run()
	switch {
	case err == nil:
		return &interpreter.Result{Code: model.CodeSuccess}, nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return interpreter.Error(fmt.Sprintf("command timed out after %s", s.timeout)), nil
	case ctx.Err() != nil:
		return interpreter.Error("command cancelled"), ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return interpreter.Error(fmt.Sprintf("exit status %d", exitErr.ExitCode())), nil
	}
	return nil, fmt.Errorf("run shell: %w", err)
}

// Cancel kills the command running for ic's paragraph.
func (s *Interpreter) Cancel(ic *interpreter.Context) error {
	s.mu.Lock()
	cancel, ok := s.running[ic.ParagraphID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Progress is not tracked for shell commands.
func (s *Interpreter) Progress(*interpreter.Context) (int, error) { return 0, nil }

// FormType reports simple forms.
func (s *Interpreter) FormType() string { return model.FormSimple }

// SchedulerPolicy runs paragraphs concurrently when shell.concurrency > 1.
func (s *Interpreter) SchedulerPolicy() scheduler.Policy {
	if s.concurrency > 1 {
		return scheduler.Parallel(s.concurrency)
	}
	return scheduler.FIFO()
}

// Close kills any command still running.
func (s *Interpreter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.running {
		cancel()
	}
	return nil
}
