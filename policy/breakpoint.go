package policy

import (
	"github.com/pithecene-io/sluice/flow"
	"github.com/pithecene-io/sluice/job"
)

// HitFunc is invoked after each breakpoint capture. The breakpoint
// engine uses it to count hits.
type HitFunc func(jobCtx *job.Context, captured map[string][]any)

// Breakpoint never activates. On every check it drains all slots; when
// anything was drained it writes the drained data under the job's debug
// data for the routine, overwriting any previous capture: the latest
// captured state wins. A check that drains nothing leaves the previous
// capture in place and records no hit.
//
// Installing a breakpoint is a policy swap, so the routine's logic is
// suppressed while the breakpoint is armed and inbound data is captured
// instead of accumulating in bounded queues.
type Breakpoint struct {
	routineID string
	onHit     HitFunc
}

// NewBreakpoint creates a breakpoint policy capturing for routineID.
// onHit may be nil.
func NewBreakpoint(routineID string, onHit HitFunc) *Breakpoint {
	return &Breakpoint{routineID: routineID, onHit: onHit}
}

// Name returns the registered policy name.
func (p *Breakpoint) Name() string { return NameBreakpoint }

// RoutineID returns the routine this breakpoint captures for.
func (p *Breakpoint) RoutineID() string { return p.routineID }

// Evaluate drains every slot into the job's debug buffer and declines
// activation.
func (p *Breakpoint) Evaluate(slots map[string]*flow.Slot, jobCtx *job.Context) (flow.Decision, error) {
	captured := make(map[string][]any, len(slots))
	drained := false
	for _, name := range sortedSlotNames(slots) {
		values := slots[name].ConsumeAllNew()
		captured[name] = values
		if len(values) > 0 {
			drained = true
		}
	}

	if jobCtx != nil && drained {
		jobCtx.SetDebugData(p.routineID, captured)
		if p.onHit != nil {
			p.onHit(jobCtx, captured)
		}
	}
	return flow.Decision{}, nil
}

var _ flow.Policy = (*Breakpoint)(nil)
