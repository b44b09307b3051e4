package policy

import (
	"fmt"

	"github.com/pithecene-io/sluice/flow"
	"github.com/pithecene-io/sluice/job"
)

// BatchSize activates once the watched slot holds at least N unconsumed
// points, consuming exactly the first N. Remaining points stay queued
// until a further push brings the count back to at least N.
type BatchSize struct {
	n    int
	slot string
}

// NewBatchSize creates a batch policy watching the given slot.
func NewBatchSize(n int, slot string) (*BatchSize, error) {
	if n <= 0 {
		return nil, fmt.Errorf("batch_size: n must be positive, got %d", n)
	}
	if slot == "" {
		return nil, fmt.Errorf("batch_size: slot is required")
	}
	return &BatchSize{n: n, slot: slot}, nil
}

// Name returns the registered policy name.
func (p *BatchSize) Name() string { return NameBatchSize }

// Params returns the serialisable policy parameters.
func (p *BatchSize) Params() map[string]any {
	return map[string]any{"n": p.n, "slot": p.slot}
}

// Evaluate consumes the first n points when the watched slot is full enough.
func (p *BatchSize) Evaluate(slots map[string]*flow.Slot, _ *job.Context) (flow.Decision, error) {
	s := slots[p.slot]
	if s == nil {
		return flow.Decision{}, fmt.Errorf("batch_size: unknown slot %q", p.slot)
	}
	if s.UnconsumedCount() < p.n {
		return flow.Decision{}, nil
	}
	values := s.ConsumeN(p.n)
	return flow.Decision{
		Activate: true,
		Consumed: map[string][]any{p.slot: values},
		Message:  fmt.Sprintf("batch of %d", len(values)),
	}, nil
}

var _ flow.Policy = (*BatchSize)(nil)
