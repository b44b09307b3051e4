package job

import (
	"sort"
	"time"

	"github.com/pithecene-io/sluice/types"
)

// Snapshot is the serialisable form of a job context.
// Field order and the sorted debug keys keep re-serialisation
// deterministic.
type Snapshot struct {
	JobID       string             `msgpack:"job_id" json:"job_id"`
	WorkerID    string             `msgpack:"worker_id" json:"worker_id"`
	FlowID      string             `msgpack:"flow_id" json:"flow_id"`
	Status      types.JobStatus    `msgpack:"status" json:"status"`
	CreatedAt   time.Time          `msgpack:"created_at" json:"created_at"`
	CompletedAt time.Time          `msgpack:"completed_at,omitempty" json:"completed_at,omitempty"`
	Metadata    map[string]any     `msgpack:"metadata,omitempty" json:"metadata,omitempty"`
	Data        map[string]any     `msgpack:"data,omitempty" json:"data,omitempty"`
	Trace       []types.TraceEntry `msgpack:"trace,omitempty" json:"trace,omitempty"`
	Debug       []DebugEntry       `msgpack:"debug,omitempty" json:"debug,omitempty"`
	Error       string             `msgpack:"error,omitempty" json:"error,omitempty"`
	ErrRoutine  string             `msgpack:"error_routine,omitempty" json:"error_routine,omitempty"`
}

// DebugEntry pairs a routine id with its breakpoint capture.
type DebugEntry struct {
	RoutineID string        `msgpack:"routine_id" json:"routine_id"`
	Capture   *DebugCapture `msgpack:"capture" json:"capture"`
}

// ToSnapshot captures the job context's serialisable state.
func (c *Context) ToSnapshot() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := &Snapshot{
		JobID:       c.jobID,
		WorkerID:    c.workerID,
		FlowID:      c.flowID,
		Status:      c.status,
		CreatedAt:   c.createdAt,
		CompletedAt: c.completedAt,
		Error:       c.err,
		ErrRoutine:  c.errRoutine,
	}
	if len(c.metadata) > 0 {
		snap.Metadata = make(map[string]any, len(c.metadata))
		for k, v := range c.metadata {
			snap.Metadata[k] = v
		}
	}
	if len(c.data) > 0 {
		snap.Data = make(map[string]any, len(c.data))
		for k, v := range c.data {
			snap.Data[k] = v
		}
	}
	if len(c.trace) > 0 {
		snap.Trace = make([]types.TraceEntry, len(c.trace))
		copy(snap.Trace, c.trace)
	}
	if len(c.debug) > 0 {
		ids := make([]string, 0, len(c.debug))
		for id := range c.debug {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			snap.Debug = append(snap.Debug, DebugEntry{RoutineID: id, Capture: c.debug[id]})
		}
	}
	return snap
}

// FromSnapshot rebuilds a job context from a snapshot.
// The pending counter starts at zero: in-flight tasks are not part of a
// snapshot, only delivered-but-unconsumed slot data is (on the flow side).
func FromSnapshot(snap *Snapshot) *Context {
	c := &Context{
		jobID:       snap.JobID,
		workerID:    snap.WorkerID,
		flowID:      snap.FlowID,
		status:      snap.Status,
		createdAt:   snap.CreatedAt,
		completedAt: snap.CompletedAt,
		metadata:    make(map[string]any, len(snap.Metadata)),
		data:        make(map[string]any, len(snap.Data)),
		debug:       make(map[string]*DebugCapture, len(snap.Debug)),
		err:         snap.Error,
		errRoutine:  snap.ErrRoutine,
	}
	for k, v := range snap.Metadata {
		c.metadata[k] = v
	}
	for k, v := range snap.Data {
		c.data[k] = v
	}
	if len(snap.Trace) > 0 {
		c.trace = make([]types.TraceEntry, len(snap.Trace))
		copy(c.trace, snap.Trace)
	}
	for _, e := range snap.Debug {
		c.debug[e.RoutineID] = e.Capture
	}
	return c
}
