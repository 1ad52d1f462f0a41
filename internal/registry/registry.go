// Package registry keeps the live resources of a connection, keyed by an
// id that is assigned in registration order.
package registry

import (
	"maps"
	"slices"
	"sync"
)

type Entry[T any] struct {
	ID    uint64
	Value T
}

// Registry is safe for concurrent use.
type Registry[T any] struct {
	mu     sync.Mutex
	nextID uint64
	items  map[uint64]T
}

func New[T any]() *Registry[T] {
	return &Registry[T]{items: make(map[uint64]T)}
}

// Reserve returns a fresh id without registering anything under it.
// Ids increase monotonically and are never reused.
func (r *Registry[T]) Reserve() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

// Put registers v under an id returned by Reserve.
func (r *Registry[T]) Put(id uint64, v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[id] = v
}

// Remove deregisters id. It reports whether id was registered.
func (r *Registry[T]) Remove(id uint64) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.items[id]
	delete(r.items, id)
	return v, ok
}

func (r *Registry[T]) Contains(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.items[id]
	return ok
}

func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Snapshot returns the registered entries in registration order.
func (r *Registry[T]) Snapshot() []Entry[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Drain removes every entry and returns them in registration order.
func (r *Registry[T]) Drain() []Entry[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.snapshotLocked()
	clear(r.items)
	return entries
}

func (r *Registry[T]) snapshotLocked() []Entry[T] {
	ids := slices.Sorted(maps.Keys(r.items))
	entries := make([]Entry[T], 0, len(ids))
	for _, id := range ids {
		entries = append(entries, Entry[T]{ID: id, Value: r.items[id]})
	}
	return entries
}
