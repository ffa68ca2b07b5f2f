// Package scope maps scope keys to lazily created instances. A Registry is
// built once at startup and passed to its consumers; there is no package
// level instance cache.
package scope

import (
	"fmt"
	"sort"
	"sync"
)

// Factory creates the instance for a scope key.
type Factory[T any] func(key string) (T, error)

// Registry holds at most one instance of T per scope key.
type Registry[T any] struct {
	mu        sync.RWMutex
	instances map[string]T
	factory   Factory[T]
}

// NewRegistry creates a registry that builds instances with factory.
func NewRegistry[T any](factory Factory[T]) *Registry[T] {
	return &Registry[T]{
		instances: make(map[string]T),
		factory:   factory,
	}
}

// Get returns the instance for key, creating it on first use. A factory
// error is returned and nothing is cached, so the next Get retries.
func (r *Registry[T]) Get(key string) (T, error) {
	r.mu.RLock()
	inst, ok := r.instances[key]
	r.mu.RUnlock()
	if ok {
		return inst, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[key]; ok {
		return inst, nil
	}
	inst, err := r.factory(key)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("scope %q: %w", key, err)
	}
	r.instances[key] = inst
	return inst, nil
}

// Lookup returns the instance for key without creating it.
func (r *Registry[T]) Lookup(key string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[key]
	return inst, ok
}

// Set installs inst for key, replacing any existing instance.
func (r *Registry[T]) Set(key string, inst T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[key] = inst
}

// Keys returns the keys with a live instance, sorted.
func (r *Registry[T]) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.instances))
	for k := range r.instances {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Each calls fn for every live instance in key order.
func (r *Registry[T]) Each(fn func(key string, inst T)) {
	for _, k := range r.Keys() {
		if inst, ok := r.Lookup(k); ok {
			fn(k, inst)
		}
	}
}
