// Package registry maps thread keys to the definitions the engine runs.
//
// A Registry is an explicit value; nothing registers itself globally.
// Factories are invoked on every Get so each execution can receive a fresh
// Definition (and fresh reactor state where that matters, such as scripted
// reactors in tests).
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/threadmesh/engine"
)

// ErrUnknownThread is returned by Get for keys that were never registered.
var ErrUnknownThread = errors.New("unknown thread")

// Factory builds the Definition for one execution.
type Factory func() (*engine.Definition, error)

// Static returns a Factory that always hands out def.
func Static(def *engine.Definition) Factory {
	return func() (*engine.Definition, error) { return def, nil }
}

// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under key. Registering a key twice is an error.
func (r *Registry) Register(key string, f Factory) error {
	if key == "" {
		return errors.New("registry: key is required")
	}
	if f == nil {
		return fmt.Errorf("registry: factory for %q is nil", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("registry: thread %q already registered", key)
	}
	r.factories[key] = f
	return nil
}

// MustRegister is Register for static setup code.
func (r *Registry) MustRegister(key string, f Factory) {
	if err := r.Register(key, f); err != nil {
		panic(err)
	}
}

// Has reports whether key is registered.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[key]
	return ok
}

// Get builds the definition registered under key. The definition's Key is
// filled in when the factory left it empty.
func (r *Registry) Get(key string) (*engine.Definition, error) {
	r.mu.RLock()
	f, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownThread, key)
	}

	def, err := f()
	if err != nil {
		return nil, fmt.Errorf("registry: build thread %q: %w", key, err)
	}
	if def == nil {
		return nil, fmt.Errorf("registry: factory for %q returned no definition", key)
	}
	if def.Key == "" {
		def.Key = key
	}
	return def, nil
}

// List returns the registered keys in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
