package runner

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the configured runners by adapter name. Runners are
// constructed explicitly at startup and registered once; sessions look them
// up by the adapter recorded on the session.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		runners: make(map[string]Runner),
	}
}

// Register adds a runner under its Name. Registering the same name twice is
// a configuration bug and returns an error.
func (r *Registry) Register(runner Runner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := runner.Name()
	if _, exists := r.runners[name]; exists {
		return fmt.Errorf("adapter %q already registered", name)
	}
	r.runners[name] = runner
	return nil
}

// Get returns the runner registered under name.
func (r *Registry) Get(name string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAdapter, name)
	}
	return runner, nil
}

// Names returns the registered adapter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.runners))
	for name := range r.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
