// Package registry implements the client's singleton registry
// (SPEC_FULL §4.12): one instance per (databaseName, collectionName),
// with concurrent construction attempts collapsed into a single
// in-flight call. Grounded on SPEC_FULL §2's pick of
// golang.org/x/sync/singleflight (seen as a direct dependency in the
// retrieval pack's tonimelisma-onedrive-go and AleutianAI/AleutianFOSS)
// rather than hand-rolling the condition-variable wait spec.md §9
// describes.
package registry

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry holds at most one instance of T per (database, collection)
// key. Zero value is not usable; use New.
type Registry[T any] struct {
	group singleflight.Group

	mu        sync.RWMutex
	instances map[string]T
}

// New returns an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{instances: make(map[string]T)}
}

func key(database, collection string) string {
	return database + "\x00" + collection
}

// Get returns the existing instance for (database, collection), or
// builds one via construct if absent. Concurrent callers for the same
// key share one in-flight construct call and all receive the same
// resolved instance.
func (r *Registry[T]) Get(database, collection string, construct func() (T, error)) (T, error) {
	k := key(database, collection)

	r.mu.RLock()
	existing, ok := r.instances[k]
	r.mu.RUnlock()
	if ok {
		return existing, nil
	}

	v, err, _ := r.group.Do(k, func() (interface{}, error) {
		r.mu.RLock()
		existing, ok := r.instances[k]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}
		inst, err := construct()
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.instances[k] = inst
		r.mu.Unlock()
		return inst, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Remove evicts the instance for (database, collection), if any.
func (r *Registry[T]) Remove(database, collection string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, key(database, collection))
}

// Clear drops every registered instance. Testing only, per spec.md §4.12.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances = make(map[string]T)
}
