package executor

import (
	"fmt"
	"sync"
)

// Registry manages executor registration and lookup by name
type Registry struct {
	mu          sync.RWMutex
	executors   map[string]Executor
	order       []string
	defaultName string
}

// NewRegistry creates a new executor registry
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]Executor),
	}
}

// Register adds an executor to the registry. The first one registered becomes the default.
func (r *Registry) Register(exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := exec.Name()
	if _, exists := r.executors[name]; !exists {
		r.order = append(r.order, name)
	}
	r.executors[name] = exec
	if r.defaultName == "" {
		r.defaultName = name
	}
}

// SetDefault picks the executor used for workloads that do not name one
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.executors[name]; !ok {
		return fmt.Errorf("%w: %s", ErrExecutorNotFound, name)
	}
	r.defaultName = name
	return nil
}

// Get retrieves an executor by name; an empty name means the default executor
func (r *Registry) Get(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.defaultName
	}
	exec, ok := r.executors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrExecutorNotFound, name)
	}
	return exec, nil
}

// Has checks if an executor is registered under name
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.executors[name]
	return ok
}

// Default returns the default executor name
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

// Names returns all registered executor names in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// All returns all registered executors in registration order
func (r *Registry) All() []Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Executor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.executors[name])
	}
	return out
}
