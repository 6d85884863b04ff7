package plugins

import (
	"fmt"
	"sort"
	"sync"

	"etl-engine/internal/common/errors"
)

// Registry is a thread-safe catalog of plugin factories keyed by name.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a plugin factory. Registering a name twice is an error so
// misconfigured deployments fail at startup rather than at run time.
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("plugin already registered: %s", name)
	}
	r.factories[name] = factory
	return nil
}

// Get returns a fresh plugin instance for the given name.
func (r *Registry) Get(name string) (Plugin, error) {
	r.mu.RLock()
	factory, found := r.factories[name]
	r.mu.RUnlock()

	if !found {
		return nil, errors.NotFoundError(fmt.Sprintf("plugin %q", name))
	}
	return factory(), nil
}

// Has reports whether a plugin name is registered. Used at definition save
// time to reject steps bound to unknown plugins.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, found := r.factories[name]
	return found
}

// Names returns the registered plugin names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
