package flow

import (
	"fmt"

	"github.com/pithecene-io/sluice/types"
)

// Event is a named output port. Emitting through an event never calls
// target logic synchronously: the runtime turns each emission into one
// slot-push task per outgoing connection.
type Event struct {
	name      string
	routineID string
	params    []string
	conns     []*Connection
}

func newEvent(name, routineID string, params []string) *Event {
	return &Event{name: name, routineID: routineID, params: params}
}

// Name returns the event name.
func (e *Event) Name() string { return e.name }

// RoutineID returns the id of the owning routine.
func (e *Event) RoutineID() string { return e.routineID }

// Params returns the declared output parameter names. Advisory: payload
// construction nils missing params and rejects undeclared ones.
func (e *Event) Params() []string {
	out := make([]string, len(e.params))
	copy(out, e.params)
	return out
}

// Connections returns the outgoing connections.
func (e *Event) Connections() []*Connection {
	out := make([]*Connection, len(e.conns))
	copy(out, e.conns)
	return out
}

func (e *Event) addConnection(c *Connection) {
	e.conns = append(e.conns, c)
}

// BuildPayload constructs the emission payload from declared params.
// Missing declared params are present with a nil value; undeclared
// params are an error. With no declared params the given map passes
// through verbatim.
func (e *Event) BuildPayload(params map[string]any) (map[string]any, error) {
	if len(e.params) == 0 {
		out := make(map[string]any, len(params))
		for k, v := range params {
			out[k] = v
		}
		return out, nil
	}

	declared := make(map[string]bool, len(e.params))
	for _, p := range e.params {
		declared[p] = true
	}
	for k := range params {
		if !declared[k] {
			return nil, types.NewError(types.ErrorKindValidation, e.routineID,
				fmt.Errorf("event %q: unexpected param %q", e.name, k))
		}
	}

	out := make(map[string]any, len(e.params))
	for _, p := range e.params {
		out[p] = params[p] // missing params yield nil
	}
	return out, nil
}

// Connection wires one event to one slot. Both endpoints must exist on
// routines already added to the flow; Flow.Connect validates this.
type Connection struct {
	SourceRoutine string `msgpack:"source_routine" json:"source_routine"`
	SourceEvent   string `msgpack:"source_event" json:"source_event"`
	TargetRoutine string `msgpack:"target_routine" json:"target_routine"`
	TargetSlot    string `msgpack:"target_slot" json:"target_slot"`
}

// String renders the connection as source.event -> target.slot.
func (c *Connection) String() string {
	return fmt.Sprintf("%s.%s -> %s.%s", c.SourceRoutine, c.SourceEvent, c.TargetRoutine, c.TargetSlot)
}
