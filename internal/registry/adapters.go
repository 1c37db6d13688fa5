package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"conductor/internal/logging"
)

// InvokeFunc executes one adapter call. Implementations route through the
// sandbox runner; generated source is never linked into the host process.
type InvokeFunc func(ctx context.Context, operation string, params map[string]any) (any, error)

// Adapter is a loaded, installed module ready to serve calls.
type Adapter struct {
	ModuleID     string
	Capabilities []string
	Invoke       InvokeFunc
}

// AdapterRegistry holds the adapters loaded at install time. Uninstall and
// disable remove the entry; queries see a point-in-time snapshot.
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[string]*Adapter
}

// NewAdapterRegistry returns an empty registry.
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{adapters: make(map[string]*Adapter)}
}

// Load registers an adapter under its module id, replacing any previous
// entry for the same id.
func (r *AdapterRegistry) Load(a *Adapter) error {
	if a == nil || a.ModuleID == "" {
		return fmt.Errorf("adapter must carry a module id")
	}
	if a.Invoke == nil {
		return fmt.Errorf("adapter %s has no invoke function", a.ModuleID)
	}
	r.mu.Lock()
	r.adapters[a.ModuleID] = a
	r.mu.Unlock()
	logging.Get(logging.CategoryRegistry).Debug("loaded adapter %s (capabilities: %v)", a.ModuleID, a.Capabilities)
	return nil
}

// Unload removes an adapter. Reports whether it was present.
func (r *AdapterRegistry) Unload(moduleID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.adapters[moduleID]
	delete(r.adapters, moduleID)
	return ok
}

// Get returns the adapter for a module id.
func (r *AdapterRegistry) Get(moduleID string) (*Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[moduleID]
	return a, ok
}

// ByCapability returns the module ids of every adapter advertising the
// capability, sorted for deterministic iteration.
func (r *AdapterRegistry) ByCapability(capability string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, a := range r.adapters {
		for _, c := range a.Capabilities {
			if c == capability {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// List returns all loaded module ids, sorted.
func (r *AdapterRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of loaded adapters.
func (r *AdapterRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}
