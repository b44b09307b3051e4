package flow

import (
	"errors"

	"github.com/pithecene-io/sluice/job"
	"github.com/pithecene-io/sluice/state"
)

// Decision is an activation policy's verdict for one check.
type Decision struct {
	// Activate is true when the routine should run.
	Activate bool
	// Consumed maps slot names to the values consumed for this
	// activation, in arrival order.
	Consumed map[string][]any
	// Message is an arbitrary policy note passed through to the logic.
	Message any
}

// Policy decides whether a routine activates and what slot data it
// consumes. Evaluate runs synchronously from the dispatcher under the
// routine's policy lock; it must not block.
//
// A policy that returns Activate=false may still have side effects on
// the slots (the breakpoint policy drains them).
type Policy interface {
	// Name is the stable registered identifier used for serialization.
	Name() string
	// Evaluate inspects the routine's slots and the job context.
	Evaluate(slots map[string]*Slot, jobCtx *job.Context) (Decision, error)
}

// Logic is a routine's computation. It receives one activation and may
// emit further events through it. Logic runs on a worker goroutine; at
// most one activation per (routine, job) runs at a time.
type Logic func(act *Activation) error

// ErrNoEmitter is returned by Activation.Emit outside a dispatched run.
var ErrNoEmitter = errors.New("activation has no emitter")

// Activation carries everything a routine's logic sees for one run.
type Activation struct {
	// RoutineID is the id of the activating routine.
	RoutineID string
	// Data maps slot names to consumed values, already merged per each
	// slot's merge strategy.
	Data map[string][]any
	// Message is the policy message from the activating decision.
	Message any
	// Job is the per-job context.
	Job *job.Context
	// State is the long-lived worker state.
	State *state.WorkerState
	// Config is the routine's config map.
	Config map[string]any

	emit func(event string, params map[string]any) error
}

// NewActivation builds an activation. The emitter is invoked by Emit;
// the runtime installs one that buffers slot-push tasks until the
// activation returns successfully.
func NewActivation(routineID string, data map[string][]any, message any, jobCtx *job.Context, ws *state.WorkerState, config map[string]any, emitter func(event string, params map[string]any) error) *Activation {
	return &Activation{
		RoutineID: routineID,
		Data:      data,
		Message:   message,
		Job:       jobCtx,
		State:     ws,
		Config:    config,
		emit:      emitter,
	}
}

// Emit emits on the named event of the activating routine. Emission is
// non-blocking and never runs target logic before this activation
// returns. Emissions from one activation reach the queue in code order.
func (a *Activation) Emit(event string, params map[string]any) error {
	if a.emit == nil {
		return ErrNoEmitter
	}
	return a.emit(event, params)
}

// First returns the first consumed value for slot, nil when the slot
// consumed nothing. Convenience for single-value slots.
func (a *Activation) First(slot string) any {
	vals := a.Data[slot]
	if len(vals) == 0 {
		return nil
	}
	return vals[0]
}
