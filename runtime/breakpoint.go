package runtime

import (
	"sync"

	"github.com/google/uuid"

	"github.com/pithecene-io/sluice/flow"
	"github.com/pithecene-io/sluice/job"
	"github.com/pithecene-io/sluice/policy"
	"github.com/pithecene-io/sluice/types"
)

// Breakpoint is one armed routine-level breakpoint.
type Breakpoint struct {
	ID        string `json:"breakpoint_id"`
	FlowID    string `json:"flow_id"`
	JobID     string `json:"job_id"`
	RoutineID string `json:"routine_id"`
	Enabled   bool   `json:"enabled"`

	mu       sync.Mutex
	hitCount int64
	saved    flow.Policy
}

// HitCount returns how many captures this breakpoint has recorded.
func (b *Breakpoint) HitCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hitCount
}

func (b *Breakpoint) recordHit() {
	b.mu.Lock()
	b.hitCount++
	b.mu.Unlock()
}

// BreakpointEngine installs and removes routine-level breakpoints by
// policy swap: the routine's activation policy is replaced with one
// that drains slots into the job's debug buffer and never activates.
// The swap runs under the routine's policy lock, so an in-flight
// activation check sees either the old policy in full or the new one.
//
// Breakpoints target whole routines. Because the swap is on the
// routine, a shared-flow routine is suppressed for every job while the
// breakpoint is armed; per-job flow instances are the recommended
// setup when that matters. Hit counting is scoped to the armed job.
type BreakpointEngine struct {
	rt *Runtime

	mu  sync.Mutex
	bps map[string]*Breakpoint // key: jobID + "/" + routineID
}

func newBreakpointEngine(rt *Runtime) *BreakpointEngine {
	return &BreakpointEngine{rt: rt, bps: make(map[string]*Breakpoint)}
}

func bpKey(jobID, routineID string) string { return jobID + "/" + routineID }

// Install arms a breakpoint on (job, routine). At most one enabled
// breakpoint per pair; installing over an armed one is an error.
func (e *BreakpointEngine) Install(flowID, jobID, routineID string) (*Breakpoint, error) {
	f := e.rt.Flow(flowID)
	if f == nil {
		return nil, types.Errorf(types.ErrorKindState, "flow %q not registered", flowID)
	}
	r := f.Routine(routineID)
	if r == nil {
		return nil, types.Errorf(types.ErrorKindValidation, "flow %q has no routine %q", flowID, routineID)
	}
	// The job need not exist yet: breakpoints may be armed before the
	// first post that creates the job under an external id.
	e.mu.Lock()
	defer e.mu.Unlock()
	key := bpKey(jobID, routineID)
	if existing := e.bps[key]; existing != nil && existing.Enabled {
		return nil, types.Errorf(types.ErrorKindState, "breakpoint already armed on job %q routine %q", jobID, routineID)
	}

	bp := &Breakpoint{
		ID:        uuid.NewString(),
		FlowID:    flowID,
		JobID:     jobID,
		RoutineID: routineID,
		Enabled:   true,
	}

	capture := policy.NewBreakpoint(routineID, func(jobCtx *job.Context, _ map[string][]any) {
		if jobCtx.JobID() == jobID {
			bp.recordHit()
			e.rt.metrics.IncBreakpointHit()
		}
	})
	bp.saved = r.SwapPolicy(capture)
	e.bps[key] = bp
	return bp, nil
}

// Remove disarms the breakpoint and restores the saved policy, falling
// back to immediate when none was set.
func (e *BreakpointEngine) Remove(jobID, routineID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := bpKey(jobID, routineID)
	bp := e.bps[key]
	if bp == nil || !bp.Enabled {
		return types.Errorf(types.ErrorKindState, "no breakpoint armed on job %q routine %q", jobID, routineID)
	}

	f := e.rt.Flow(bp.FlowID)
	if f != nil {
		if r := f.Routine(routineID); r != nil {
			restored := bp.saved
			if restored == nil {
				restored = policy.NewImmediate()
			}
			r.SetPolicy(restored)
		}
	}

	bp.Enabled = false
	delete(e.bps, key)
	return nil
}

// Get returns the armed breakpoint for (job, routine), nil when none.
func (e *BreakpointEngine) Get(jobID, routineID string) *Breakpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bps[bpKey(jobID, routineID)]
}

// ForJob returns all armed breakpoints of a job.
func (e *BreakpointEngine) ForJob(jobID string) []*Breakpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Breakpoint
	for _, bp := range e.bps {
		if bp.JobID == jobID {
			out = append(out, bp)
		}
	}
	return out
}
