package ident

import (
	"context"
	"sync"
)

// Registry is the in-memory UsedIDStore: an explicitly constructed,
// mutex-guarded set rather than process-global state. It is suitable for
// single-instance deployments and tests; multi-instance deployments use
// the Valkey-backed store instead.
type Registry struct {
	mu   sync.Mutex
	used map[string]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{used: make(map[string]struct{})}
}

// MarkUsed claims id, returning false if it was already claimed.
func (r *Registry) MarkUsed(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.used[id]; ok {
		return false, nil
	}
	r.used[id] = struct{}{}
	return true, nil
}

// Release returns id to the free pool.
func (r *Registry) Release(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.used, id)
	return nil
}

// InUse reports whether id is claimed.
func (r *Registry) InUse(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.used[id]
	return ok, nil
}

// Count returns the number of claimed IDs.
func (r *Registry) Count(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.used)), nil
}

// Clear drops all claimed IDs.
func (r *Registry) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.used = make(map[string]struct{})
	return nil
}

// Compile-time check that Registry implements UsedIDStore
var _ UsedIDStore = (*Registry)(nil)
