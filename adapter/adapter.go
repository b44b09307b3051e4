// Package adapter defines the integration boundary for downstream
// systems interested in job completion.
//
// Adapters subscribe to the runtime's completion notifications and
// publish them onward. The embedding application owns adapter
// lifecycle; the engine core has no dependency on any adapter.
package adapter

import (
	"context"
	"time"

	"github.com/pithecene-io/sluice/job"
)

// JobCompletedEvent is the payload published when a job reaches a
// terminal status.
type JobCompletedEvent struct {
	EventType   string    `json:"event_type"` // always "job_completed"
	JobID       string    `json:"job_id"`
	WorkerID    string    `json:"worker_id"`
	FlowID      string    `json:"flow_id"`
	Status      string    `json:"status"` // completed or failed
	Error       string    `json:"error,omitempty"`
	ErrRoutine  string    `json:"error_routine,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMs  int64     `json:"duration_ms"`
	TraceLen    int       `json:"trace_len"`
}

// NewJobCompletedEvent builds the event payload from a terminal job.
func NewJobCompletedEvent(jobCtx *job.Context) *JobCompletedEvent {
	errMsg, errRoutine := jobCtx.Err()
	completed := jobCtx.CompletedAt()
	return &JobCompletedEvent{
		EventType:   "job_completed",
		JobID:       jobCtx.JobID(),
		WorkerID:    jobCtx.WorkerID(),
		FlowID:      jobCtx.FlowID(),
		Status:      string(jobCtx.Status()),
		Error:       errMsg,
		ErrRoutine:  errRoutine,
		CreatedAt:   jobCtx.CreatedAt(),
		CompletedAt: completed,
		DurationMs:  completed.Sub(jobCtx.CreatedAt()).Milliseconds(),
		TraceLen:    len(jobCtx.TraceLog()),
	}
}

// Adapter publishes job completion events to a downstream system.
// Implementations must be safe for concurrent use.
type Adapter interface {
	// Publish sends a job completion event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *JobCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}
