package policy

import (
	"github.com/pithecene-io/sluice/flow"
	"github.com/pithecene-io/sluice/job"
)

// AllSlotsReady activates only when every declared slot holds at least
// one unconsumed point, consuming everything unconsumed from every
// slot. The usual choice for fan-in merge routines.
type AllSlotsReady struct{}

// NewAllSlotsReady creates an all-slots-ready policy.
func NewAllSlotsReady() *AllSlotsReady { return &AllSlotsReady{} }

// Name returns the registered policy name.
func (p *AllSlotsReady) Name() string { return NameAllSlotsReady }

// Evaluate drains every slot once all of them are non-empty.
func (p *AllSlotsReady) Evaluate(slots map[string]*flow.Slot, _ *job.Context) (flow.Decision, error) {
	if len(slots) == 0 {
		return flow.Decision{}, nil
	}
	for _, s := range slots {
		if s.UnconsumedCount() == 0 {
			return flow.Decision{}, nil
		}
	}

	consumed := make(map[string][]any, len(slots))
	for _, name := range sortedSlotNames(slots) {
		consumed[name] = slots[name].ConsumeAllNew()
	}
	return flow.Decision{Activate: true, Consumed: consumed}, nil
}

var _ flow.Policy = (*AllSlotsReady)(nil)
