package adapter

import "fmt"

// Registry is a lookup table of known adapters, built once at startup by
// the orchestrator lifecycle and consulted by the router and worker pool.
type Registry struct {
	byID  map[string]Adapter
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Adapter)}
}

// Register adds an adapter to the registry, preserving registration order
// for ListPlanningCapable.
func (r *Registry) Register(a Adapter) {
	if _, exists := r.byID[a.ID()]; !exists {
		r.order = append(r.order, a.ID())
	}
	r.byID[a.ID()] = a
}

// Get looks up an adapter by id.
func (r *Registry) Get(id string) (Adapter, bool) {
	a, ok := r.byID[id]
	return a, ok
}

// MustGet looks up an adapter by id, returning an error instead of panicking
// when it is unknown.
func (r *Registry) MustGet(id string) (Adapter, error) {
	a, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("adapter: unknown agent id %q", id)
	}
	return a, nil
}

// IDs returns every registered adapter id, in registration order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}

// ListPlanningCapable returns every registered adapter whose capabilities
// advertise planning support, in registration order.
func (r *Registry) ListPlanningCapable() []Adapter {
	var out []Adapter
	for _, id := range r.order {
		a := r.byID[id]
		if a.GetCapabilities().SupportsPlanning {
			out = append(out, a)
		}
	}
	return out
}
