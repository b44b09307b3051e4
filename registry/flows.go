// Package registry provides the process-wide flow registry and the
// routine template registry used by the DSL builder and snapshot
// restore.
package registry

import (
	"sync"

	"github.com/pithecene-io/sluice/flow"
	"github.com/pithecene-io/sluice/types"
)

// FlowRegistry maps flow ids to flow instances.
type FlowRegistry struct {
	mu    sync.RWMutex
	flows map[string]*flow.Flow
}

// NewFlowRegistry creates an empty registry.
func NewFlowRegistry() *FlowRegistry {
	return &FlowRegistry{flows: make(map[string]*flow.Flow)}
}

// defaultFlows is the process-wide registry.
var defaultFlows = NewFlowRegistry()

// Flows returns the process-wide flow registry.
func Flows() *FlowRegistry { return defaultFlows }

// Register adds a flow under its id. Duplicate names are an error.
func (r *FlowRegistry) Register(f *flow.Flow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.flows[f.ID()]; exists {
		return types.Errorf(types.ErrorKindValidation, "flow %q already registered", f.ID())
	}
	r.flows[f.ID()] = f
	return nil
}

// Get returns the flow registered under id, nil when absent.
func (r *FlowRegistry) Get(id string) *flow.Flow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.flows[id]
}

// Remove unregisters a flow.
func (r *FlowRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.flows, id)
	r.mu.Unlock()
}

// List returns all registered flows.
func (r *FlowRegistry) List() []*flow.Flow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*flow.Flow, 0, len(r.flows))
	for _, f := range r.flows {
		out = append(out, f)
	}
	return out
}
