package launcher

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the configured launchers by name.
type Registry struct {
	mu        sync.RWMutex
	launchers map[string]Launcher
	fallback  string
}

// NewRegistry creates an empty registry. The first registered launcher
// becomes the default.
func NewRegistry() *Registry {
	return &Registry{
		launchers: make(map[string]Launcher),
	}
}

// Register adds l under its name.
func (r *Registry) Register(l Launcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fallback == "" {
		r.fallback = l.Name()
	}
	r.launchers[l.Name()] = l
}

// SetDefault selects the launcher used when none is named.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.launchers[name]; !ok {
		return fmt.Errorf("launcher %q is not registered", name)
	}
	r.fallback = name
	return nil
}

// Resolve returns the launcher called name, or the default when name is
// empty.
func (r *Registry) Resolve(name string) (Launcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.fallback
	}
	l, ok := r.launchers[name]
	if !ok {
		return nil, fmt.Errorf("launcher %q is not registered", name)
	}
	return l, nil
}

// Names returns registered launcher names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.launchers))
	for name := range r.launchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
