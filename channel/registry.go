// Package channel manages the set of enabled transport adapters. Capability
// gating happens here, once at startup: the broadcaster never special-cases
// a channel by name.
package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/manycast/manycast/core"
	"github.com/manycast/manycast/logger"
)

// Registry holds the enabled channel adapters. An adapter whose IsSupported
// reports false in this environment is skipped at registration and never
// consulted again.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]core.Adapter
	order    []string
	logger   logger.Interface
}

// NewRegistry creates an empty registry.
func NewRegistry(log logger.Interface) *Registry {
	if log == nil {
		log = logger.Discard
	}
	return &Registry{
		adapters: make(map[string]core.Adapter),
		logger:   log,
	}
}

// Register adds an adapter to the enabled set. Unsupported adapters are
// dropped silently apart from a log line; duplicate names are an error.
func (r *Registry) Register(adapter core.Adapter) error {
	name := adapter.Name()
	if !adapter.IsSupported() {
		r.logger.Info(context.Background(), "channel not supported in this environment, skipping", "channel", name)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("channel %s already registered", name)
	}
	r.adapters[name] = adapter
	r.order = append(r.order, name)
	r.logger.Info(context.Background(), "channel registered",
		"channel", name, "endpoints", len(adapter.Endpoints()))
	return nil
}

// Get returns the enabled adapter with the given name.
func (r *Registry) Get(name string) (core.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, exists := r.adapters[name]
	return adapter, exists
}

// Enabled returns the enabled adapters in registration order.
func (r *Registry) Enabled() []core.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapters := make([]core.Adapter, 0, len(r.order))
	for _, name := range r.order {
		adapters = append(adapters, r.adapters[name])
	}
	return adapters
}

// Names returns the enabled channel names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Shutdown shuts down every enabled adapter, returning the first error.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, name := range r.order {
		if err := r.adapters[name].Shutdown(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shutdown channel %s: %w", name, err)
		}
	}
	return firstErr
}
