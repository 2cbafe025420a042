package worker

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// LifecycleManager decides when a worker process should exit on its own.
type LifecycleManager interface {
	// ProcessStarted is called once the server is running. shutdown stops it.
	ProcessStarted(shutdown func())
	// InterpreterUsed is called on every interpreter call.
	InterpreterUsed()
	// ProcessStopped is called when the server stops.
	ProcessStopped()
}

// NullLifecycleManager never shuts the worker down.
type NullLifecycleManager struct{}

func (NullLifecycleManager) ProcessStarted(func()) {}
func (NullLifecycleManager) InterpreterUsed()      {}
func (NullLifecycleManager) ProcessStopped()       {}

// TimeoutLifecycleManager shuts the worker down after a period without
// interpreter calls. The idle check runs on a ticker.
type TimeoutLifecycleManager struct {
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger

	lastUsed atomic.Int64

	mu   sync.Mutex
	stop chan struct{}
}

// NewTimeoutLifecycleManager creates an idle-timeout manager. A non-positive
// interval defaults to a tenth of the timeout, at least 10ms.
func NewTimeoutLifecycleManager(timeout, interval time.Duration, logger *slog.Logger) *TimeoutLifecycleManager {
	if interval <= 0 {
		interval = max(timeout/10, 10*time.Millisecond)
	}
	m := &TimeoutLifecycleManager{
		timeout:  timeout,
		interval: interval,
		logger:   logger,
	}
	m.lastUsed.Store(time.Now().UnixNano())
	return m
}

// ProcessStarted starts the idle check.
func (m *TimeoutLifecycleManager) ProcessStarted(shutdown func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.lastUsed.Store(time.Now().UnixNano())

	stop := m.stop
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				idle := time.Since(time.Unix(0, m.lastUsed.Load()))
				if idle >= m.timeout {
					m.logger.Info("worker idle, shutting down", "idle", idle.String(), "timeout", m.timeout.String())
					go shutdown()
					return
				}
			}
		}
	}()
}

// InterpreterUsed records activity.
func (m *TimeoutLifecycleManager) InterpreterUsed() {
	m.lastUsed.Store(time.Now().UnixNano())
}

// ProcessStopped stops the idle check.
func (m *TimeoutLifecycleManager) ProcessStopped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
}
