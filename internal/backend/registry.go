package backend

import (
	"fmt"
	"slices"
	"sync"

	"github.com/vyrodovalexey/avalb/internal/observability"
)

// Registry holds the registered backends in registration order.
type Registry struct {
	backends map[string]*Backend
	order    []*Backend
	mu       sync.RWMutex
	logger   observability.Logger
}

// NewRegistry creates a new backend registry.
func NewRegistry(logger observability.Logger) *Registry {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Registry{
		backends: make(map[string]*Backend),
		logger:   logger,
	}
}

// Register adds a backend.
func (r *Registry) Register(b *Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[b.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrBackendExists, b.ID())
	}

	r.backends[b.ID()] = b
	r.order = append(r.order, b)
	r.logger.Info("registered backend",
		observability.String("backend", b.ID()),
		observability.String("address", b.Address()),
		observability.Int("weight", b.Weight()),
	)

	return nil
}

// Deregister removes a backend and returns it.
func (r *Registry) Deregister(id string) (*Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, exists := r.backends[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotFound, id)
	}

	delete(r.backends, id)
	r.order = slices.DeleteFunc(r.order, func(x *Backend) bool { return x == b })
	r.logger.Info("deregistered backend",
		observability.String("backend", id),
	)

	return b, nil
}

// Get returns a backend by id.
func (r *Registry) Get(id string) (*Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, exists := r.backends[id]
	return b, exists
}

// All returns every backend in registration order.
func (r *Registry) All() []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.order)
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.order)
}

// Eligible returns the backends that are healthy and whose circuit admits
// traffic, in registration order. The registry lock is released before any
// backend state is consulted.
func (r *Registry) Eligible() []*Backend {
	all := r.All()

	eligible := all[:0]
	for _, b := range all {
		if b.Eligible() {
			eligible = append(eligible, b)
		}
	}
	return eligible
}
