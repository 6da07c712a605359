package hook

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/hyperengineering/tablestage/internal/pipeline"
)

// Registry holds hooks in registration order. Resolution results are
// memoised per type and dropped whenever the set of hooks changes.
type Registry struct {
	mu    sync.RWMutex
	hooks []Hook

	materializeCache map[reflect.Type]Hook
	retrieveCache    map[reflect.Type]Hook
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		materializeCache: make(map[reflect.Type]Hook),
		retrieveCache:    make(map[reflect.Type]Hook),
	}
}

// Register appends h unless one of requirements is false. It reports
// whether h was added. Registration order is resolution priority.
// Panics if a hook with the same name is already registered.
func (r *Registry) Register(h Hook, requirements ...bool) bool {
	for _, ok := range requirements {
		if !ok {
			return false
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.hooks {
		if existing.Name() == h.Name() {
			panic("hook already registered: " + h.Name())
		}
	}
	r.hooks = append(r.hooks, h)
	r.invalidate()
	return true
}

// Unregister removes the hook named name. It reports whether a hook was
// removed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, h := range r.hooks {
		if h.Name() == name {
			r.hooks = append(r.hooks[:i:i], r.hooks[i+1:]...)
			r.invalidate()
			return true
		}
	}
	return false
}

// invalidate drops both resolution caches. Callers must hold r.mu.
func (r *Registry) invalidate() {
	r.materializeCache = make(map[reflect.Type]Hook)
	r.retrieveCache = make(map[reflect.Type]Hook)
}

// ResolveForMaterialize returns the first hook that can store payloads of
// type t.
func (r *Registry) ResolveForMaterialize(t reflect.Type) (Hook, error) {
	return r.resolve(t, func(r *Registry) map[reflect.Type]Hook { return r.materializeCache }, Hook.CanMaterialize)
}

// ResolveForRetrieve returns the first hook that can load tables as t.
func (r *Registry) ResolveForRetrieve(t reflect.Type) (Hook, error) {
	return r.resolve(t, func(r *Registry) map[reflect.Type]Hook { return r.retrieveCache }, Hook.CanRetrieve)
}

func (r *Registry) resolve(t reflect.Type, cache func(*Registry) map[reflect.Type]Hook, accepts func(Hook, reflect.Type) bool) (Hook, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil type", pipeline.ErrUnsupportedType)
	}

	// Fast path: memoised
	r.mu.RLock()
	if h, ok := cache(r)[t]; ok {
		r.mu.RUnlock()
		return h, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	c := cache(r)
	if h, ok := c[t]; ok {
		return h, nil
	}
	for _, h := range r.hooks {
		if accepts(h, t) {
			c[t] = h
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", pipeline.ErrUnsupportedType, t)
}

// Names returns the registered hook names in priority order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.hooks))
	for i, h := range r.hooks {
		names[i] = h.Name()
	}
	return names
}

// defaultRegistry is the process-wide registry used by the CLI. The
// pointer never changes.
var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
// Hooks should be registered early in main(), before any flow runs.
func Default() *Registry { return defaultRegistry }

// Register adds h to the process-wide registry.
func Register(h Hook, requirements ...bool) bool {
	return defaultRegistry.Register(h, requirements...)
}

// Unregister removes the named hook from the process-wide registry.
func Unregister(name string) bool {
	return defaultRegistry.Unregister(name)
}

// Reset clears the process-wide registry in place. Only for testing.
func Reset() {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	defaultRegistry.hooks = nil
	defaultRegistry.invalidate()
}
