package shutdown

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"photorestore/core"
)

type cleanupEntry struct {
	name     string
	fn       core.ShutdownFunc
	priority int // lower runs first
}

// Registry holds cleanup functions run once during shutdown.
//
// Priorities used by the CLI:
//   - 10: model host connection
//   - 20: run history writer and database
//   - 40: partial output files
//   - 90: logger sync
type Registry struct {
	mu      sync.Mutex
	entries []cleanupEntry
	closed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a cleanup function. Registration after Shutdown is ignored.
func (r *Registry) Register(name string, priority int, fn core.ShutdownFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.entries = append(r.entries, cleanupEntry{name: name, fn: fn, priority: priority})
}

// sorted returns a priority-ordered copy. Equal priorities keep
// registration order.
func (r *Registry) sorted() []cleanupEntry {
	out := make([]cleanupEntry, len(r.entries))
	copy(out, r.entries)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].priority < out[j].priority
	})
	return out
}

// Shutdown runs every cleanup function in priority order, even if some
// fail, and returns the failures. Only the first call does anything.
func (r *Registry) Shutdown(ctx context.Context) []error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.sorted()
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		}
	}
	return errs
}

// Names returns registered names in execution order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	entries := r.sorted()
	r.mu.Unlock()

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return names
}

// Count returns the number of registered functions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
