package flow

import (
	"sync"
	"time"

	"github.com/pithecene-io/sluice/job"
	"github.com/pithecene-io/sluice/types"
)

// ErrorMode selects how a routine failure is handled.
type ErrorMode string

const (
	// ErrorStop surfaces the error and fails the job.
	ErrorStop ErrorMode = "stop"
	// ErrorContinue logs, discards the activation's effects, proceeds.
	ErrorContinue ErrorMode = "continue"
	// ErrorSkip is continue plus dropping the routine's pending
	// unconsumed data for this activation.
	ErrorSkip ErrorMode = "skip"
	// ErrorRetry re-runs the activation with exponential delay.
	ErrorRetry ErrorMode = "retry"
)

// ErrorPolicy configures failure handling for a routine or a flow.
type ErrorPolicy struct {
	Mode ErrorMode `msgpack:"mode" json:"mode"`
	// MaxRetries bounds retry attempts (retry mode only).
	MaxRetries int `msgpack:"max_retries,omitempty" json:"max_retries,omitempty"`
	// Delay is the first retry delay (retry mode only).
	Delay time.Duration `msgpack:"delay,omitempty" json:"delay,omitempty"`
	// Backoff multiplies the delay per attempt (retry mode only,
	// default 2.0).
	Backoff float64 `msgpack:"backoff,omitempty" json:"backoff,omitempty"`
	// OnExhausted is the fall-through mode once retries exhaust
	// (default stop).
	OnExhausted ErrorMode `msgpack:"on_exhausted,omitempty" json:"on_exhausted,omitempty"`
}

// Stats are a routine's read-only counters.
type Stats struct {
	Activations     int64
	Errors          int64
	LastActivatedAt time.Time
}

// Routine encapsulates slots, events, user logic and an activation
// policy. A routine instance belongs to at most one flow. Routines hold
// no per-job data; per-job data flows via job.Context, per-worker data
// via state.WorkerState.
type Routine struct {
	id    string
	class string

	mu        sync.RWMutex
	slots     map[string]*Slot
	slotOrder []string
	events    map[string]*Event
	evtOrder  []string
	logic     Logic
	logicName string
	errPolicy *ErrorPolicy
	config    map[string]any

	// policyMu guards the activation policy pointer. The dispatcher
	// evaluates under this lock so a concurrent swap (breakpoints)
	// cannot interleave with a check.
	policyMu sync.Mutex
	policy   Policy

	statsMu sync.Mutex
	stats   Stats
}

// NewRoutine creates an empty routine with the given id.
func NewRoutine(id string) *Routine {
	return &Routine{
		id:     id,
		slots:  make(map[string]*Slot),
		events: make(map[string]*Event),
		config: make(map[string]any),
	}
}

// ID returns the routine id, unique within a flow.
func (r *Routine) ID() string { return r.id }

// SetClass records the template class this routine was built from.
// Set by the DSL builder; empty for hand-built routines.
func (r *Routine) SetClass(class string) {
	r.mu.Lock()
	r.class = class
	r.mu.Unlock()
}

// Class returns the template class, empty for hand-built routines.
func (r *Routine) Class() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.class
}

// AddSlot declares an input slot. Slot names are unique per routine.
func (r *Routine) AddSlot(name string, cfg SlotConfig) error {
	if cfg.Merge != "" && !cfg.Merge.Valid() {
		return types.Errorf(types.ErrorKindValidation, "routine %s: slot %q: unknown merge strategy %q", r.id, name, cfg.Merge)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.slots[name]; exists {
		return types.Errorf(types.ErrorKindValidation, "routine %s: duplicate slot %q", r.id, name)
	}
	r.slots[name] = newSlot(name, r.id, cfg)
	r.slotOrder = append(r.slotOrder, name)
	return nil
}

// AddEvent declares an output event. Event names are unique per routine.
func (r *Routine) AddEvent(name string, params []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.events[name]; exists {
		return types.Errorf(types.ErrorKindValidation, "routine %s: duplicate event %q", r.id, name)
	}
	r.events[name] = newEvent(name, r.id, params)
	r.evtOrder = append(r.evtOrder, name)
	return nil
}

// Slot returns the named slot, nil when absent.
func (r *Routine) Slot(name string) *Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slots[name]
}

// Slots returns the slot map keyed by name. The map is a copy; the
// slots themselves are shared.
func (r *Routine) Slots() map[string]*Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Slot, len(r.slots))
	for k, v := range r.slots {
		out[k] = v
	}
	return out
}

// SlotNames returns slot names in declaration order.
func (r *Routine) SlotNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.slotOrder))
	copy(out, r.slotOrder)
	return out
}

// Event returns the named event, nil when absent.
func (r *Routine) Event(name string) *Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.events[name]
}

// EventNames returns event names in declaration order.
func (r *Routine) EventNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.evtOrder))
	copy(out, r.evtOrder)
	return out
}

// SetLogic installs the routine's computation. Must be set before the
// routine can activate.
func (r *Routine) SetLogic(logic Logic) {
	r.mu.Lock()
	r.logic = logic
	r.mu.Unlock()
}

// SetNamedLogic installs the computation under a stable name, so flows
// using it survive serialization. The name must be resolvable through
// the logic registry when a snapshot referencing it is restored.
func (r *Routine) SetNamedLogic(name string, logic Logic) {
	r.mu.Lock()
	r.logic = logic
	r.logicName = name
	r.mu.Unlock()
}

// Logic returns the installed computation, nil when unset.
func (r *Routine) Logic() Logic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.logic
}

// LogicName returns the stable logic name, empty for anonymous logic.
func (r *Routine) LogicName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.logicName
}

// SetPolicy installs the activation policy.
func (r *Routine) SetPolicy(p Policy) {
	r.policyMu.Lock()
	r.policy = p
	r.policyMu.Unlock()
}

// Policy returns the current activation policy.
func (r *Routine) Policy() Policy {
	r.policyMu.Lock()
	defer r.policyMu.Unlock()
	return r.policy
}

// SwapPolicy atomically replaces the policy and returns the previous
// one. Used by the breakpoint engine.
func (r *Routine) SwapPolicy(p Policy) Policy {
	r.policyMu.Lock()
	defer r.policyMu.Unlock()
	old := r.policy
	r.policy = p
	return old
}

// EvaluatePolicy runs the current policy under the policy lock. The
// pointer is re-read inside the lock, so a swap concurrent with a
// pending check always sees either the old policy in full or the new
// one in full.
func (r *Routine) EvaluatePolicy(jobCtx *job.Context) (Decision, error) {
	r.policyMu.Lock()
	defer r.policyMu.Unlock()
	p := r.policy
	if p == nil {
		return Decision{}, types.Errorf(types.ErrorKindState, "routine %s: no activation policy set", r.id)
	}
	dec, err := p.Evaluate(r.Slots(), jobCtx)
	if err != nil {
		return Decision{}, types.NewError(types.ErrorKindPolicy, r.id, err)
	}
	return dec, nil
}

// SetErrorPolicy installs the routine-level error policy. Nil means
// defer to the flow-level policy, then the default stop.
func (r *Routine) SetErrorPolicy(p *ErrorPolicy) {
	r.mu.Lock()
	r.errPolicy = p
	r.mu.Unlock()
}

// ErrorPolicy returns the routine-level error policy, nil when unset.
func (r *Routine) ErrorPolicy() *ErrorPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.errPolicy
}

// SetConfig replaces the routine's config map.
func (r *Routine) SetConfig(config map[string]any) {
	r.mu.Lock()
	r.config = make(map[string]any, len(config))
	for k, v := range config {
		r.config[k] = v
	}
	r.mu.Unlock()
}

// Config returns a copy of the routine's config map.
func (r *Routine) Config() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.config))
	for k, v := range r.config {
		out[k] = v
	}
	return out
}

// Stats returns the routine's counters.
func (r *Routine) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

// RecordActivation bumps the activation counter. Called by the runner.
func (r *Routine) RecordActivation() {
	r.statsMu.Lock()
	r.stats.Activations++
	r.stats.LastActivatedAt = time.Now()
	r.statsMu.Unlock()
}

// RecordError bumps the error counter. Called by the runner.
func (r *Routine) RecordError() {
	r.statsMu.Lock()
	r.stats.Errors++
	r.statsMu.Unlock()
}

// Ready reports whether the routine can activate: logic and policy set.
func (r *Routine) Ready() error {
	if r.Logic() == nil {
		return types.Errorf(types.ErrorKindState, "routine %s: logic not set", r.id)
	}
	if r.Policy() == nil {
		return types.Errorf(types.ErrorKindState, "routine %s: activation policy not set", r.id)
	}
	return nil
}
