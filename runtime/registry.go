package runtime

import (
	"sync"
	"time"

	"github.com/pithecene-io/sluice/job"
	"github.com/pithecene-io/sluice/types"
)

// jobRegistry owns the job contexts of one runtime.
type jobRegistry struct {
	mu   sync.RWMutex
	jobs map[string]*job.Context
}

func newJobRegistry() *jobRegistry {
	return &jobRegistry{jobs: make(map[string]*job.Context)}
}

func (r *jobRegistry) add(c *job.Context) {
	r.mu.Lock()
	r.jobs[c.JobID()] = c
	r.mu.Unlock()
}

func (r *jobRegistry) get(jobID string) *job.Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobs[jobID]
}

func (r *jobRegistry) remove(jobID string) {
	r.mu.Lock()
	delete(r.jobs, jobID)
	r.mu.Unlock()
}

func (r *jobRegistry) all() []*job.Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*job.Context, 0, len(r.jobs))
	for _, c := range r.jobs {
		out = append(out, c)
	}
	return out
}

// anyRunning reports whether any job is in the running status.
func (r *jobRegistry) anyRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.jobs {
		if c.Status() == types.JobStatusRunning {
			return true
		}
	}
	return false
}

// activeCount counts pending and running jobs for the active_jobs gauge.
func (r *jobRegistry) activeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.jobs {
		switch c.Status() {
		case types.JobStatusPending, types.JobStatusRunning:
			n++
		}
	}
	return n
}

// sweepIdle removes idle jobs whose idle period exceeds ttl and
// terminal jobs older than ttl. Returns the removed job ids.
func (r *jobRegistry) sweepIdle(ttl time.Duration, now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, c := range r.jobs {
		switch c.Status() {
		case types.JobStatusIdle:
			if since := c.IdleSince(); !since.IsZero() && now.Sub(since) >= ttl {
				delete(r.jobs, id)
				removed = append(removed, id)
			}
		case types.JobStatusCompleted, types.JobStatusFailed:
			if done := c.CompletedAt(); !done.IsZero() && now.Sub(done) >= ttl {
				delete(r.jobs, id)
				removed = append(removed, id)
			}
		}
	}
	return removed
}
