// Package job holds per-job ephemeral execution context.
//
// A Context lives for one logical request: it is created by the runtime's
// post API, mutated by the single activation currently running for each of
// its routines, and destroyed (or garbage collected) once it reaches a
// terminal status.
package job

import (
	"sync"
	"time"

	"github.com/pithecene-io/sluice/types"
)

// DebugCapture is the slot data captured by a breakpoint policy for one
// routine. The latest capture wins; earlier captures are overwritten.
type DebugCapture struct {
	SlotData   map[string][]any `json:"slot_data" msgpack:"slot_data"`
	CapturedAt time.Time        `json:"captured_at" msgpack:"captured_at"`
}

// Context is the per-job ephemeral state.
// All mutators are safe for concurrent use; the dispatcher serialises
// status transitions under the context's lock.
type Context struct {
	jobID    string
	workerID string
	flowID   string

	mu          sync.Mutex
	status      types.JobStatus
	createdAt   time.Time
	completedAt time.Time
	deadline    time.Time
	paused      bool
	metadata    map[string]any
	data        map[string]any
	trace       []types.TraceEntry
	debug       map[string]*DebugCapture
	err         string
	errRoutine  string
	idleSince   time.Time

	// pending counts queue tasks and in-flight work referencing this job.
	// The dispatcher transitions the job to idle when it reaches zero.
	pending int
}

// NewContext creates a pending job context.
// Metadata is copied; a nil map is allowed.
func NewContext(jobID, workerID, flowID string, metadata map[string]any) *Context {
	md := make(map[string]any, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return &Context{
		jobID:     jobID,
		workerID:  workerID,
		flowID:    flowID,
		status:    types.JobStatusPending,
		createdAt: time.Now(),
		metadata:  md,
		data:      make(map[string]any),
		debug:     make(map[string]*DebugCapture),
	}
}

// JobID returns the job's unique id.
func (c *Context) JobID() string { return c.jobID }

// WorkerID returns the id of the runtime that owns this job.
func (c *Context) WorkerID() string { return c.workerID }

// FlowID returns the flow this job executes.
func (c *Context) FlowID() string { return c.flowID }

// CreatedAt returns the job creation time.
func (c *Context) CreatedAt() time.Time { return c.createdAt }

// CompletedAt returns the completion time, zero if the job is not terminal.
func (c *Context) CompletedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completedAt
}

// Status returns the current job status.
func (c *Context) Status() types.JobStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Metadata returns a copy of the job metadata.
func (c *Context) Metadata() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

// GetData returns the value stored under key.
func (c *Context) GetData(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

// SetData stores a value under key.
func (c *Context) SetData(key string, value any) {
	c.mu.Lock()
	c.data[key] = value
	c.mu.Unlock()
}

// Data returns a copy of the job's data map.
func (c *Context) Data() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

// Trace appends a trace entry.
func (c *Context) Trace(routineID, action, details string) {
	c.mu.Lock()
	c.trace = append(c.trace, types.TraceEntry{
		Timestamp: time.Now(),
		RoutineID: routineID,
		Action:    action,
		Details:   details,
	})
	c.mu.Unlock()
}

// TraceLog returns a copy of the recorded trace entries.
func (c *Context) TraceLog() []types.TraceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.TraceEntry, len(c.trace))
	copy(out, c.trace)
	return out
}

// Err returns the final error message and the routine it is attributed
// to. Both are empty unless the job failed.
func (c *Context) Err() (message, routineID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err, c.errRoutine
}

// SetDebugData overwrites the breakpoint capture for routineID.
func (c *Context) SetDebugData(routineID string, slotData map[string][]any) {
	c.mu.Lock()
	c.debug[routineID] = &DebugCapture{SlotData: slotData, CapturedAt: time.Now()}
	c.mu.Unlock()
}

// DebugData returns the breakpoint capture for routineID, or nil.
func (c *Context) DebugData(routineID string) *DebugCapture {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.debug[routineID]
}

// AllDebugData returns a copy of the capture map.
func (c *Context) AllDebugData() map[string]*DebugCapture {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*DebugCapture, len(c.debug))
	for k, v := range c.debug {
		out[k] = v
	}
	return out
}

// SetDeadline sets the cooperative execution deadline.
func (c *Context) SetDeadline(d time.Time) {
	c.mu.Lock()
	c.deadline = d
	c.mu.Unlock()
}

// Deadline returns the execution deadline, zero if none is set.
func (c *Context) Deadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline
}

// Pause marks the job paused. Tasks for a paused job are deferred by
// the dispatcher until Resume.
func (c *Context) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume clears the paused flag.
func (c *Context) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// Paused reports whether the job is paused.
func (c *Context) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// MarkRunning transitions pending or idle to running. Returns false if
// the job is terminal and cannot be revived.
func (c *Context) MarkRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.IsTerminal() {
		return false
	}
	c.status = types.JobStatusRunning
	c.idleSince = time.Time{}
	return true
}

// IdleSince returns when the job last transitioned to idle, zero if it
// is not idle.
func (c *Context) IdleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idleSince
}

// Complete transitions the job to a terminal status. err may be nil for
// completed. Returns false if the job is already terminal.
func (c *Context) Complete(status types.JobStatus, err error, routineID string) bool {
	if !status.IsTerminal() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.IsTerminal() {
		return false
	}
	c.status = status
	c.completedAt = time.Now()
	if err != nil {
		c.err = err.Error()
		c.errRoutine = routineID
	}
	return true
}

// IncPending records a newly enqueued task referencing this job.
func (c *Context) IncPending() {
	c.mu.Lock()
	c.pending++
	c.mu.Unlock()
}

// DecPending records a finished task. When the count reaches zero and
// the job is still running, the job transitions to idle and the method
// returns true.
func (c *Context) DecPending() (idle bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending > 0 {
		c.pending--
	}
	if c.pending == 0 && c.status == types.JobStatusRunning {
		c.status = types.JobStatusIdle
		c.idleSince = time.Now()
		return true
	}
	return false
}

// Pending returns the number of outstanding tasks referencing this job.
func (c *Context) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}
