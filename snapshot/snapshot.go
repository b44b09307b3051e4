// Package snapshot serialises flows and job state with msgpack.
//
// Snapshots carry structure and queued data, not code: activation
// policies are stored as registered name plus parameters, logic as a
// registered name. Restoring resolves both through the registries, so
// non-serialisable handles (connections, locks) must be re-materialised
// from configuration by the registered constructors.
//
// Encoding is deterministic: struct fields encode in declaration order
// and map keys are sorted, so re-serialising a restored value yields
// byte-equal output.
package snapshot

import (
	"bytes"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/pithecene-io/sluice/flow"
	"github.com/pithecene-io/sluice/job"
	"github.com/pithecene-io/sluice/policy"
	"github.com/pithecene-io/sluice/registry"
	"github.com/pithecene-io/sluice/types"
)

// SlotSnapshot is the serialisable form of one slot, including its
// queued points so delivered-but-unconsumed data survives a restore.
type SlotSnapshot struct {
	Name           string              `msgpack:"name"`
	Merge          types.MergeStrategy `msgpack:"merge"`
	MaxQueueLength int                 `msgpack:"max_queue_length"`
	Watermark      int                 `msgpack:"watermark"`
	Points         []flow.DataPoint    `msgpack:"points,omitempty"`
}

// EventSnapshot is the serialisable form of one event declaration.
type EventSnapshot struct {
	Name   string   `msgpack:"name"`
	Params []string `msgpack:"params,omitempty"`
}

// RoutineSnapshot is the serialisable form of one routine.
type RoutineSnapshot struct {
	ID           string            `msgpack:"id"`
	LogicName    string            `msgpack:"logic"`
	PolicyName   string            `msgpack:"policy"`
	PolicyParams map[string]any    `msgpack:"policy_params,omitempty"`
	ErrorPolicy  *flow.ErrorPolicy `msgpack:"error_policy,omitempty"`
	Config       map[string]any    `msgpack:"config,omitempty"`
	Slots        []SlotSnapshot    `msgpack:"slots"`
	Events       []EventSnapshot   `msgpack:"events"`
}

// FlowSnapshot is the serialisable form of a flow.
type FlowSnapshot struct {
	FlowID           string            `msgpack:"flow_id"`
	Routines         []RoutineSnapshot `msgpack:"routines"`
	Connections      []flow.Connection `msgpack:"connections"`
	ErrorPolicy      *flow.ErrorPolicy `msgpack:"error_policy,omitempty"`
	ExecutionTimeout time.Duration     `msgpack:"execution_timeout,omitempty"`
}

// CaptureFlow builds a snapshot of the flow's structure and queued
// slot data. Routines under an armed breakpoint snapshot the swapped
// breakpoint policy, which is not restorable; disarm breakpoints
// before capturing.
func CaptureFlow(f *flow.Flow) (*FlowSnapshot, error) {
	snap := &FlowSnapshot{
		FlowID:           f.ID(),
		ErrorPolicy:      f.ErrorPolicy(),
		ExecutionTimeout: f.ExecutionTimeout(),
	}

	for _, r := range f.Routines() {
		pol := r.Policy()
		if pol == nil {
			return nil, types.Errorf(types.ErrorKindSerialization, "routine %q: no activation policy to snapshot", r.ID())
		}
		rs := RoutineSnapshot{
			ID:           r.ID(),
			LogicName:    r.LogicName(),
			PolicyName:   pol.Name(),
			PolicyParams: policy.ParamsOf(pol),
			ErrorPolicy:  r.ErrorPolicy(),
			Config:       r.Config(),
		}
		if rs.LogicName == "" {
			return nil, types.Errorf(types.ErrorKindSerialization, "routine %q: logic has no registered name", r.ID())
		}
		for _, name := range r.SlotNames() {
			s := r.Slot(name)
			rs.Slots = append(rs.Slots, SlotSnapshot{
				Name:           name,
				Merge:          s.Merge(),
				MaxQueueLength: s.MaxQueueLength(),
				Watermark:      s.Watermark(),
				Points:         s.PointsSnapshot(),
			})
		}
		for _, name := range r.EventNames() {
			evt := r.Event(name)
			rs.Events = append(rs.Events, EventSnapshot{Name: name, Params: evt.Params()})
		}
		snap.Routines = append(snap.Routines, rs)
	}

	for _, c := range f.Connections() {
		snap.Connections = append(snap.Connections, *c)
	}
	return snap, nil
}

// BuildFlow reconstructs a flow from a snapshot, resolving policies
// and logic through the registries.
func BuildFlow(snap *FlowSnapshot) (*flow.Flow, error) {
	f := flow.New(snap.FlowID)
	f.SetErrorPolicy(snap.ErrorPolicy)
	f.SetExecutionTimeout(snap.ExecutionTimeout)

	for _, rs := range snap.Routines {
		r := flow.NewRoutine(rs.ID)
		logic := registry.Logic(rs.LogicName)
		if logic == nil {
			return nil, types.Errorf(types.ErrorKindSerialization, "routine %q: logic %q not registered", rs.ID, rs.LogicName)
		}
		r.SetNamedLogic(rs.LogicName, logic)

		pol, err := policy.Build(rs.PolicyName, rs.PolicyParams)
		if err != nil {
			return nil, types.NewError(types.ErrorKindSerialization, rs.ID, err)
		}
		r.SetPolicy(pol)
		r.SetErrorPolicy(rs.ErrorPolicy)
		if len(rs.Config) > 0 {
			r.SetConfig(rs.Config)
		}

		for _, ss := range rs.Slots {
			if err := r.AddSlot(ss.Name, flow.SlotConfig{
				Merge:          ss.Merge,
				MaxQueueLength: ss.MaxQueueLength,
				Watermark:      ss.Watermark,
			}); err != nil {
				return nil, err
			}
			if len(ss.Points) > 0 {
				r.Slot(ss.Name).RestorePoints(ss.Points)
			}
		}
		for _, es := range rs.Events {
			if err := r.AddEvent(es.Name, es.Params); err != nil {
				return nil, err
			}
		}
		if err := f.AddRoutine(r); err != nil {
			return nil, err
		}
	}

	for _, c := range snap.Connections {
		if err := f.Connect(c.SourceRoutine, c.SourceEvent, c.TargetRoutine, c.TargetSlot); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// EncodeFlow serialises a flow to msgpack bytes.
func EncodeFlow(f *flow.Flow) ([]byte, error) {
	snap, err := CaptureFlow(f)
	if err != nil {
		return nil, err
	}
	return encode(snap)
}

// DecodeFlow deserialises msgpack bytes back into a flow.
func DecodeFlow(data []byte) (*flow.Flow, error) {
	var snap FlowSnapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, types.NewError(types.ErrorKindSerialization, "", err)
	}
	return BuildFlow(&snap)
}

// EncodeJob serialises a job context to msgpack bytes.
func EncodeJob(c *job.Context) ([]byte, error) {
	return encode(c.ToSnapshot())
}

// DecodeJob deserialises msgpack bytes back into a job context.
func DecodeJob(data []byte) (*job.Context, error) {
	var snap job.Snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, types.NewError(types.ErrorKindSerialization, "", err)
	}
	return job.FromSnapshot(&snap), nil
}

// encode marshals with sorted map keys for byte-stable output.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, types.NewError(types.ErrorKindSerialization, "", err)
	}
	return buf.Bytes(), nil
}
