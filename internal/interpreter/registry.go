package interpreter

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownClass is returned when no factory is registered for a class name.
var ErrUnknownClass = errors.New("interpreter class not registered")

// Factory constructs an interpreter instance.
type Factory func(props Properties, env Env) (Interpreter, error)

// Registry maps interpreter class names to factories. It is populated once at
// startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under className, replacing any previous one.
func (r *Registry) Register(className string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[className] = f
}

// Resolve returns the factory for className.
func (r *Registry) Resolve(className string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[className]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, className)
	}
	return f, nil
}

// List returns the registered class names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
