package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the adapters compiled into this binary and tracks which
// one is active. Registration is in-process only; there is no plugin
// loading.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	active   Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its name. Registering the same name
// twice is a programming error.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.adapters[a.Name()]; dup {
		return fmt.Errorf("adapter %q already registered", a.Name())
	}
	r.adapters[a.Name()] = a
	return nil
}

// Names lists registered adapters, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Activate selects the adapter for this host. Only one adapter is active
// at a time; activating a second adapter whose kernel subsystem collides
// with the active one fails with a coexistence error.
func (r *Registry) Activate(name string) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, NewError(KindUnavailable, name, "activate",
			fmt.Errorf("no such adapter (have %v)", r.namesLocked()))
	}
	if r.active != nil && r.active.Name() != name {
		if r.active.Subsystem() == a.Subsystem() {
			return nil, NewError(KindCoexistence, name, "activate",
				fmt.Errorf("adapter %q already drives kernel subsystem %q",
					r.active.Name(), a.Subsystem()))
		}
		return nil, NewError(KindCoexistence, name, "activate",
			fmt.Errorf("adapter %q is already active", r.active.Name()))
	}
	r.active = a
	return a, nil
}

// Active returns the active adapter, or nil.
func (r *Registry) Active() Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Deactivate clears the active adapter (shutdown path).
func (r *Registry) Deactivate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = nil
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
