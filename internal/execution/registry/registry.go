// Package registry holds name-keyed capability registries resolved when a
// plan is compiled.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/animus-labs/hypershard/internal/domain"
)

// Registry maps policy names to implementations of one capability.
type Registry[T any] struct {
	kind  string
	mu    sync.RWMutex
	items map[string]T
}

func New[T any](kind string) *Registry[T] {
	return &Registry[T]{kind: kind, items: make(map[string]T)}
}

// Kind names the capability, e.g. "partitioner".
func (r *Registry[T]) Kind() string {
	return r.kind
}

// Register adds an implementation. Names are unique per registry.
func (r *Registry[T]) Register(name string, impl T) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%s name is required", r.kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[name]; exists {
		return fmt.Errorf("%s %q already registered", r.kind, name)
	}
	r.items[name] = impl
	return nil
}

// MustRegister is Register for package-level wiring of built-ins.
func (r *Registry[T]) MustRegister(name string, impl T) {
	if err := r.Register(name, impl); err != nil {
		panic(err)
	}
}

// Get resolves a name or fails with *domain.UnknownPolicyError.
func (r *Registry[T]) Get(name string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	impl, ok := r.items[strings.TrimSpace(name)]
	if !ok {
		var zero T
		return zero, &domain.UnknownPolicyError{Kind: r.kind, Name: name}
	}
	return impl, nil
}

// Names returns the registered names in sorted order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.items))
	for name := range r.items {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
