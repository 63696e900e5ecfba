// Package provider maps provider names to connection factory builders
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.flowcatalyst.tech/connector/internal/jms"
)

var ErrUnknownProvider = errors.New("unknown provider")

// Builder creates a connection factory from descriptor properties
type Builder func(ctx context.Context, props map[string]string) (jms.ConnectionFactory, error)

// Registry holds the builders known to the process
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds or replaces the builder for name
func (r *Registry) Register(name string, b Builder) *Registry {
	r.mu.Lock()
	r.builders[name] = b
	r.mu.Unlock()
	return r
}

// Build creates a factory with the builder registered under name
func (r *Registry) Build(ctx context.Context, name string, props map[string]string) (jms.ConnectionFactory, error) {
	r.mu.RLock()
	b, ok := r.builders[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	f, err := b(ctx, props)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s connection factory: %w", name, err)
	}
	return f, nil
}

// Names returns the registered provider names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for n := range r.builders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
