// Package flow models the static graph executed by the runtime:
// routines wired by connections from events to slots.
//
// A flow is built once, registered under its id, and treated as
// immutable for execution. Mutation during execution is permitted but
// serialised under a flow-level read-write lock and not recommended.
package flow

import (
	"fmt"
	"sync"
	"time"

	"github.com/pithecene-io/sluice/types"
)

// Issue is one validation finding. Fatal issues make the flow
// unexecutable; non-fatal issues (cycle reports) are informational,
// since events are asynchronous and cycles are permitted at runtime.
type Issue struct {
	Fatal   bool
	Message string
}

func (i Issue) String() string {
	if i.Fatal {
		return "error: " + i.Message
	}
	return "warning: " + i.Message
}

// Flow is a static graph of routines and connections.
type Flow struct {
	id string

	mu        sync.RWMutex
	routines  map[string]*Routine
	order     []string
	conns     []*Connection
	errPolicy *ErrorPolicy
	timeout   time.Duration
}

// New creates an empty flow.
func New(id string) *Flow {
	return &Flow{
		id:       id,
		routines: make(map[string]*Routine),
	}
}

// ID returns the flow id.
func (f *Flow) ID() string { return f.id }

// AddRoutine adds a routine to the flow. Routine ids are unique within
// a flow.
func (f *Flow) AddRoutine(r *Routine) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.routines[r.ID()]; exists {
		return types.Errorf(types.ErrorKindValidation, "flow %s: duplicate routine %q", f.id, r.ID())
	}
	f.routines[r.ID()] = r
	f.order = append(f.order, r.ID())
	return nil
}

// Routine returns the routine with the given id, nil when absent.
func (f *Flow) Routine(id string) *Routine {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.routines[id]
}

// RoutineIDs returns routine ids in insertion order.
func (f *Flow) RoutineIDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// Routines returns the routines in insertion order.
func (f *Flow) Routines() []*Routine {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Routine, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.routines[id])
	}
	return out
}

// Connect wires source routine's event to target routine's slot. Both
// endpoints must already exist on routines added to this flow.
func (f *Flow) Connect(sourceRoutine, sourceEvent, targetRoutine, targetSlot string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	src := f.routines[sourceRoutine]
	if src == nil {
		return types.Errorf(types.ErrorKindValidation, "flow %s: connect: unknown source routine %q", f.id, sourceRoutine)
	}
	evt := src.Event(sourceEvent)
	if evt == nil {
		return types.Errorf(types.ErrorKindValidation, "flow %s: connect: routine %q has no event %q", f.id, sourceRoutine, sourceEvent)
	}
	tgt := f.routines[targetRoutine]
	if tgt == nil {
		return types.Errorf(types.ErrorKindValidation, "flow %s: connect: unknown target routine %q", f.id, targetRoutine)
	}
	if tgt.Slot(targetSlot) == nil {
		return types.Errorf(types.ErrorKindValidation, "flow %s: connect: routine %q has no slot %q", f.id, targetRoutine, targetSlot)
	}

	conn := &Connection{
		SourceRoutine: sourceRoutine,
		SourceEvent:   sourceEvent,
		TargetRoutine: targetRoutine,
		TargetSlot:    targetSlot,
	}
	f.conns = append(f.conns, conn)
	evt.addConnection(conn)
	return nil
}

// Connections returns all connections in creation order.
func (f *Flow) Connections() []*Connection {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*Connection, len(f.conns))
	copy(out, f.conns)
	return out
}

// SetErrorPolicy installs the flow-level fallback error policy.
func (f *Flow) SetErrorPolicy(p *ErrorPolicy) {
	f.mu.Lock()
	f.errPolicy = p
	f.mu.Unlock()
}

// ErrorPolicy returns the flow-level error policy, nil when unset.
func (f *Flow) ErrorPolicy() *ErrorPolicy {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.errPolicy
}

// SetExecutionTimeout sets the per-job cooperative deadline. Zero
// disables the deadline.
func (f *Flow) SetExecutionTimeout(d time.Duration) {
	f.mu.Lock()
	f.timeout = d
	f.mu.Unlock()
}

// ExecutionTimeout returns the per-job deadline, zero when disabled.
func (f *Flow) ExecutionTimeout() time.Duration {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.timeout
}

// Validate checks the graph and returns all findings. Fatal findings:
// dangling connection endpoints, routines missing logic or policy.
// Cycles are reported as non-fatal: events are enqueued, not called, so
// cyclic graphs execute correctly under fairness.
func (f *Flow) Validate() []Issue {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var issues []Issue

	for _, id := range f.order {
		r := f.routines[id]
		if r.Logic() == nil {
			issues = append(issues, Issue{Fatal: true, Message: fmt.Sprintf("routine %q: logic not set", id)})
		}
		if r.Policy() == nil {
			issues = append(issues, Issue{Fatal: true, Message: fmt.Sprintf("routine %q: activation policy not set", id)})
		}
	}

	for _, c := range f.conns {
		src := f.routines[c.SourceRoutine]
		if src == nil {
			issues = append(issues, Issue{Fatal: true, Message: fmt.Sprintf("connection %s: unknown source routine", c)})
			continue
		}
		if src.Event(c.SourceEvent) == nil {
			issues = append(issues, Issue{Fatal: true, Message: fmt.Sprintf("connection %s: unknown source event", c)})
		}
		tgt := f.routines[c.TargetRoutine]
		if tgt == nil {
			issues = append(issues, Issue{Fatal: true, Message: fmt.Sprintf("connection %s: unknown target routine", c)})
			continue
		}
		if tgt.Slot(c.TargetSlot) == nil {
			issues = append(issues, Issue{Fatal: true, Message: fmt.Sprintf("connection %s: unknown target slot", c)})
		}
	}

	for _, cycle := range f.findCyclesLocked() {
		issues = append(issues, Issue{Message: fmt.Sprintf("cycle: %v (permitted; events are asynchronous)", cycle)})
	}

	return issues
}

// Valid reports whether the flow has no fatal issues.
func (f *Flow) Valid() bool {
	for _, issue := range f.Validate() {
		if issue.Fatal {
			return false
		}
	}
	return true
}

// findCyclesLocked reports routine-level cycles via recursive DFS.
func (f *Flow) findCyclesLocked() [][]string {
	adj := make(map[string][]string)
	for _, c := range f.conns {
		adj[c.SourceRoutine] = append(adj[c.SourceRoutine], c.TargetRoutine)
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	color := make(map[string]int)
	var cycles [][]string
	var stack []string

	var visit func(node string)
	visit = func(node string) {
		color[node] = visiting
		stack = append(stack, node)
		for _, next := range adj[node] {
			switch color[next] {
			case unvisited:
				visit(next)
			case visiting:
				// Found a back edge; extract the cycle from the stack.
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						cycle := make([]string, len(stack)-i)
						copy(cycle, stack[i:])
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[node] = done
	}

	for _, id := range f.order {
		if color[id] == unvisited {
			visit(id)
		}
	}
	return cycles
}
