package policy

import (
	"github.com/pithecene-io/sluice/flow"
	"github.com/pithecene-io/sluice/job"
)

// Immediate activates as soon as any slot holds at least one unconsumed
// point, consuming everything unconsumed from that slot and leaving the
// others untouched. Slots are checked in lexical name order.
type Immediate struct{}

// NewImmediate creates an immediate policy.
func NewImmediate() *Immediate { return &Immediate{} }

// Name returns the registered policy name.
func (p *Immediate) Name() string { return NameImmediate }

// Evaluate consumes all unconsumed points from the first non-empty slot.
func (p *Immediate) Evaluate(slots map[string]*flow.Slot, _ *job.Context) (flow.Decision, error) {
	for _, name := range sortedSlotNames(slots) {
		s := slots[name]
		if s.UnconsumedCount() == 0 {
			continue
		}
		values := s.ConsumeAllNew()
		if len(values) == 0 {
			continue
		}
		return flow.Decision{
			Activate: true,
			Consumed: map[string][]any{name: values},
		}, nil
	}
	return flow.Decision{}, nil
}

var _ flow.Policy = (*Immediate)(nil)
