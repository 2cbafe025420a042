package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Factory creates schedulers and tracks them by name so callers can ask
// whether a named scheduler still has live goroutines.
type Factory struct {
	logger *slog.Logger

	mu         sync.Mutex
	schedulers map[string]*Scheduler
}

// NewFactory creates an empty factory.
func NewFactory(logger *slog.Logger) *Factory {
	return &Factory{
		logger:     logger,
		schedulers: make(map[string]*Scheduler),
	}
}

// Create returns the live scheduler registered under name, or starts a new
// one with policy.
func (f *Factory) Create(name string, policy Policy) *Scheduler {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.schedulers[name]; ok && s.Running() {
		return s
	}
	s := New(name, policy, f.logger)
	f.schedulers[name] = s
	go func() {
		<-s.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.schedulers[name] == s {
			delete(f.schedulers, name)
		}
	}()
	return s
}

// Live reports whether a scheduler with this name still has running goroutines.
func (f *Factory) Live(name string) bool {
	f.mu.Lock()
	s, ok := f.schedulers[name]
	f.mu.Unlock()
	return ok && s.Running()
}

// Names returns the names of all live schedulers, sorted.
func (f *Factory) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.schedulers))
	for name, s := range f.schedulers {
		if s.Running() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// CloseAll closes every scheduler and waits for them to stop or ctx to end.
func (f *Factory) CloseAll(ctx context.Context) error {
	f.mu.Lock()
	all := make([]*Scheduler, 0, len(f.schedulers))
	for _, s := range f.schedulers {
		all = append(all, s)
	}
	f.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	for _, s := range all {
		if err := s.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
