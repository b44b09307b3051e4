package policy

import (
	"fmt"

	"github.com/pithecene-io/sluice/flow"
	"github.com/pithecene-io/sluice/job"
)

// Watermark activates once the watched slot's unconsumed count reaches
// the threshold, consuming everything unconsumed. Unlike BatchSize it
// drains the whole backlog, not a fixed prefix.
type Watermark struct {
	threshold int
	slot      string
}

// NewWatermark creates a watermark policy watching the given slot.
func NewWatermark(threshold int, slot string) (*Watermark, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("watermark: threshold must be positive, got %d", threshold)
	}
	if slot == "" {
		return nil, fmt.Errorf("watermark: slot is required")
	}
	return &Watermark{threshold: threshold, slot: slot}, nil
}

// Name returns the registered policy name.
func (p *Watermark) Name() string { return NameWatermark }

// Params returns the serialisable policy parameters.
func (p *Watermark) Params() map[string]any {
	return map[string]any{"threshold": p.threshold, "slot": p.slot}
}

// Evaluate drains the watched slot once the threshold is reached.
func (p *Watermark) Evaluate(slots map[string]*flow.Slot, _ *job.Context) (flow.Decision, error) {
	s := slots[p.slot]
	if s == nil {
		return flow.Decision{}, fmt.Errorf("watermark: unknown slot %q", p.slot)
	}
	if s.UnconsumedCount() < p.threshold {
		return flow.Decision{}, nil
	}
	values := s.ConsumeAllNew()
	return flow.Decision{
		Activate: true,
		Consumed: map[string][]any{p.slot: values},
		Message:  fmt.Sprintf("watermark %d reached with %d points", p.threshold, len(values)),
	}, nil
}

var _ flow.Policy = (*Watermark)(nil)
