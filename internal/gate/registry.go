package gate

import (
	"context"
	"fmt"
	"sync"
)

// Registry holds every gate of the process in registration order
type Registry struct {
	mu    sync.RWMutex
	gates map[string]*Gate
	order []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		gates: make(map[string]*Gate),
	}
}

// Register adds a gate
func (r *Registry) Register(g *Gate) error {
	if g == nil {
		return fmt.Errorf("cannot register nil gate")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.gates[g.Name()]; exists {
		return fmt.Errorf("gate %s already registered", g.Name())
	}
	r.gates[g.Name()] = g
	r.order = append(r.order, g.Name())
	return nil
}

// Get retrieves a gate by capability name
func (r *Registry) Get(name string) (*Gate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.gates[name]
	return g, ok
}

// List returns all gates in registration order
func (r *Registry) List() []*Gate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	gates := make([]*Gate, 0, len(r.order))
	for _, name := range r.order {
		gates = append(gates, r.gates[name])
	}
	return gates
}

// Count returns the number of registered gates
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.gates)
}

// ResetAll drops every gate's cached license decision
func (r *Registry) ResetAll() {
	for _, g := range r.List() {
		g.ResetLicenseCache()
	}
}

// EmitAll re-publishes every gate's mode signals
func (r *Registry) EmitAll(ctx context.Context) {
	for _, g := range r.List() {
		g.EmitModeSignals(ctx)
	}
}
