// Package syncx provides extended synchronization primitives
package syncx

import "sync"

// Registry is a keyed set guarded by an RWMutex. The zero value is not
// usable; call NewRegistry.
type Registry[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
}

// NewRegistry creates an empty registry.
func NewRegistry[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{items: make(map[K]V)}
}

// Add stores v under k and returns the new size.
func (r *Registry[K, V]) Add(k K, v V) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[k] = v
	return len(r.items)
}

// Remove deletes k, reporting whether it was present.
func (r *Registry[K, V]) Remove(k K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.items[k]
	delete(r.items, k)
	return ok
}

// Get returns the value stored under k.
func (r *Registry[K, V]) Get(k K) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[k]
	return v, ok
}

// Len returns the number of entries.
func (r *Registry[K, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Snapshot copies the values out so callers can iterate without the lock.
func (r *Registry[K, V]) Snapshot() []V {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]V, 0, len(r.items))
	for _, v := range r.items {
		out = append(out, v)
	}
	return out
}

// Drain removes and returns every value.
func (r *Registry[K, V]) Drain() []V {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]V, 0, len(r.items))
	for k, v := range r.items {
		out = append(out, v)
		delete(r.items, k)
	}
	return out
}
