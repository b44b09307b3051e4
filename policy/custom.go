package policy

import (
	"fmt"

	"github.com/pithecene-io/sluice/flow"
	"github.com/pithecene-io/sluice/job"
)

// PredicateFunc is a user activation predicate. It decides whether to
// activate and chooses what to consume from the slots. It runs under
// the routine's policy lock and must not block.
type PredicateFunc func(slots map[string]*flow.Slot, jobCtx *job.Context) (flow.Decision, error)

// Custom wraps a user predicate under a stable name so flows using it
// survive serialization. The name must be registered with RegisterCustom
// before a snapshot referencing it can be restored.
type Custom struct {
	name string
	fn   PredicateFunc
}

// NewCustom creates a custom policy with a stable name.
func NewCustom(name string, fn PredicateFunc) (*Custom, error) {
	if name == "" {
		return nil, fmt.Errorf("custom policy: name is required")
	}
	if fn == nil {
		return nil, fmt.Errorf("custom policy %q: predicate is required", name)
	}
	return &Custom{name: name, fn: fn}, nil
}

// Name returns the policy's stable name.
func (p *Custom) Name() string { return p.name }

// Evaluate delegates to the user predicate.
func (p *Custom) Evaluate(slots map[string]*flow.Slot, jobCtx *job.Context) (flow.Decision, error) {
	return p.fn(slots, jobCtx)
}

var _ flow.Policy = (*Custom)(nil)
