// Package runtime owns the dispatch fabric: the event queue, the
// worker pool, the job registry, the breakpoint engine, and the
// external post API.
//
// Data flow: Post enqueues a slot-push task; the dispatcher delivers
// the payload into the target slot and schedules one activation check;
// the routine's policy either declines or consumes slot data; the
// routine's logic runs on a worker goroutine; emissions inside the
// logic enqueue further slot-push tasks without blocking; the loop
// continues until no task remains and no routine can activate.
package runtime

import (
	"errors"
	"fmt"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/sluice/flow"
	"github.com/pithecene-io/sluice/job"
	"github.com/pithecene-io/sluice/log"
	"github.com/pithecene-io/sluice/metrics"
	"github.com/pithecene-io/sluice/state"
	"github.com/pithecene-io/sluice/types"
)

// DefaultFairnessK bounds consecutive activation runs per routine
// before the dispatcher yields to other ready routines.
const DefaultFairnessK = 4

// DefaultIdleJobTTL is how long idle and terminal jobs are retained
// before the janitor removes them.
const DefaultIdleJobTTL = time.Hour

// Config configures a Runtime.
type Config struct {
	// WorkerID identifies this runtime. Generated when empty.
	WorkerID string
	// PoolSize is the worker goroutine count (default: logical CPUs).
	PoolSize int
	// FairnessK bounds consecutive activations per routine (default 4).
	FairnessK int
	// IdleJobTTL is the janitor retention for idle/terminal jobs
	// (default 1h). Negative disables the janitor.
	IdleJobTTL time.Duration
	// Logger is the structured logger. Nop when nil.
	Logger *log.Logger
	// Metrics is the metrics sink. May be nil; all recording is nil-safe.
	Metrics *metrics.Metrics
	// Hooks is the execution observation interface. NullHooks when nil.
	Hooks ExecutionHooks
}

// CompletionListener is notified once per job reaching a terminal
// status. Adapters publishing job completion subscribe here.
type CompletionListener func(jobCtx *job.Context)

// Runtime is the process-wide engine owning the worker pool, the event
// queue, the job registry, worker state and the breakpoint engine.
type Runtime struct {
	cfg     Config
	logger  *log.Logger
	metrics *metrics.Metrics
	hooks   ExecutionHooks

	queue *taskQueue
	runCh chan *task
	jobs  *jobRegistry
	ws    *state.WorkerState
	bps   *BreakpointEngine

	flowsMu sync.RWMutex
	flows   map[string]*flow.Flow
	started map[string]bool

	// fairness bookkeeping
	fairMu      sync.Mutex
	lastRunKey  string
	consecutive int

	// per-(flow,routine,job) activation serialisation
	actMu   sync.Mutex
	actLock map[string]*sync.Mutex

	// deferred tasks of paused jobs
	deferMu  sync.Mutex
	deferred map[string][]*task

	// completion notification
	doneMu    sync.Mutex
	notified  map[string]bool
	listeners []CompletionListener

	accepting bool
	acceptMu  sync.RWMutex

	wg          sync.WaitGroup
	janitorStop chan struct{}
	stopOnce    sync.Once
}

// New creates a runtime and starts its worker pool.
func New(cfg Config) *Runtime {
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = goruntime.NumCPU()
	}
	if cfg.FairnessK <= 0 {
		cfg.FairnessK = DefaultFairnessK
	}
	if cfg.IdleJobTTL == 0 {
		cfg.IdleJobTTL = DefaultIdleJobTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Nop()
	}
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = NullHooks{}
	}

	rt := &Runtime{
		cfg:         cfg,
		logger:      logger,
		metrics:     cfg.Metrics,
		hooks:       hooks,
		queue:       newTaskQueue(),
		runCh:       make(chan *task, cfg.PoolSize),
		jobs:        newJobRegistry(),
		ws:          state.NewWorkerState(cfg.WorkerID, ""),
		flows:       make(map[string]*flow.Flow),
		started:     make(map[string]bool),
		actLock:     make(map[string]*sync.Mutex),
		deferred:    make(map[string][]*task),
		notified:    make(map[string]bool),
		accepting:   true,
		janitorStop: make(chan struct{}),
	}
	rt.bps = newBreakpointEngine(rt)

	rt.ws.SetStatus(state.WorkerRunning)
	rt.wg.Add(1)
	go rt.dispatchLoop()
	for i := 0; i < cfg.PoolSize; i++ {
		rt.wg.Add(1)
		go rt.runWorker()
	}
	if cfg.IdleJobTTL > 0 {
		go rt.janitorLoop()
	}
	return rt
}

// WorkerID returns this runtime's id.
func (rt *Runtime) WorkerID() string { return rt.cfg.WorkerID }

// WorkerState returns the runtime's long-lived keyed state.
func (rt *Runtime) WorkerState() *state.WorkerState { return rt.ws }

// Breakpoints returns the breakpoint engine.
func (rt *Runtime) Breakpoints() *BreakpointEngine { return rt.bps }

// SetHooks replaces the execution hooks. Intended for wiring monitoring
// after construction; swapping hooks mid-execution affects only
// subsequent dispatches.
func (rt *Runtime) SetHooks(h ExecutionHooks) {
	if h == nil {
		h = NullHooks{}
	}
	rt.hooks = h
}

// AddCompletionListener subscribes to terminal job transitions.
func (rt *Runtime) AddCompletionListener(l CompletionListener) {
	rt.doneMu.Lock()
	rt.listeners = append(rt.listeners, l)
	rt.doneMu.Unlock()
}

// RegisterFlow adds a flow to the runtime. Duplicate ids are an error.
func (rt *Runtime) RegisterFlow(f *flow.Flow) error {
	rt.flowsMu.Lock()
	defer rt.flowsMu.Unlock()
	if _, exists := rt.flows[f.ID()]; exists {
		return types.Errorf(types.ErrorKindState, "flow %q already registered", f.ID())
	}
	rt.flows[f.ID()] = f
	return nil
}

// RemoveFlow unregisters a flow. Jobs already running keep their
// reference until they finish.
func (rt *Runtime) RemoveFlow(flowID string) {
	rt.flowsMu.Lock()
	delete(rt.flows, flowID)
	delete(rt.started, flowID)
	rt.flowsMu.Unlock()
}

// Flow returns a registered flow, nil when absent.
func (rt *Runtime) Flow(flowID string) *flow.Flow {
	rt.flowsMu.RLock()
	defer rt.flowsMu.RUnlock()
	return rt.flows[flowID]
}

// Flows returns all registered flows.
func (rt *Runtime) Flows() []*flow.Flow {
	rt.flowsMu.RLock()
	defer rt.flowsMu.RUnlock()
	out := make([]*flow.Flow, 0, len(rt.flows))
	for _, f := range rt.flows {
		out = append(out, f)
	}
	return out
}

// Exec validates a registered flow and marks it executable. Posting to
// a flow that has not been exec'd is a state error.
func (rt *Runtime) Exec(flowID string) error {
	rt.flowsMu.Lock()
	defer rt.flowsMu.Unlock()
	f := rt.flows[flowID]
	if f == nil {
		return types.Errorf(types.ErrorKindState, "flow %q not registered", flowID)
	}
	for _, issue := range f.Validate() {
		if issue.Fatal {
			return types.Errorf(types.ErrorKindValidation, "flow %q: %s", flowID, issue.Message)
		}
	}
	rt.started[flowID] = true
	return nil
}

// Executing reports whether a flow has been exec'd.
func (rt *Runtime) Executing(flowID string) bool {
	rt.flowsMu.RLock()
	defer rt.flowsMu.RUnlock()
	return rt.started[flowID]
}

// Post delivers a payload to a routine's slot, creating a new job or
// reviving an idle one when metadata carries "job_id". The call is
// non-blocking; it returns once the slot-push task is enqueued.
func (rt *Runtime) Post(flowID, routineID, slotName string, payload any, metadata map[string]any) (workerID, jobID string, err error) {
	rt.acceptMu.RLock()
	accepting := rt.accepting
	rt.acceptMu.RUnlock()
	if !accepting {
		return "", "", types.Errorf(types.ErrorKindState, "runtime is shut down")
	}

	rt.flowsMu.RLock()
	f := rt.flows[flowID]
	started := rt.started[flowID]
	rt.flowsMu.RUnlock()
	if f == nil {
		return "", "", types.Errorf(types.ErrorKindState, "flow %q not registered", flowID)
	}
	if !started {
		return "", "", types.Errorf(types.ErrorKindState, "flow %q not executing; call Exec first", flowID)
	}
	r := f.Routine(routineID)
	if r == nil {
		return "", "", types.Errorf(types.ErrorKindValidation, "flow %q has no routine %q", flowID, routineID)
	}
	if r.Slot(slotName) == nil {
		return "", "", types.Errorf(types.ErrorKindValidation, "routine %q has no slot %q", routineID, slotName)
	}

	jobCtx, err := rt.resolveJob(f, metadata)
	if err != nil {
		return "", "", err
	}

	allow, replacement := rt.hooks.OnSlotBeforeEnqueue(flowID, routineID, slotName, payload, jobCtx.JobID())
	if !allow {
		return rt.cfg.WorkerID, jobCtx.JobID(), nil
	}
	if replacement != nil {
		payload = replacement
	}

	rt.enqueue(jobCtx, &task{
		kind:      taskSlotPush,
		flowID:    flowID,
		routineID: routineID,
		slotName:  slotName,
		payload:   payload,
		jobID:     jobCtx.JobID(),
	})
	rt.metrics.IncPost()
	rt.metrics.SetActiveJobs(rt.jobs.activeCount())
	return rt.cfg.WorkerID, jobCtx.JobID(), nil
}

// resolveJob revives the job named in metadata, creates one under that
// id when unknown, or creates a fresh job otherwise.
func (rt *Runtime) resolveJob(f *flow.Flow, metadata map[string]any) (*job.Context, error) {
	jobID, _ := metadata["job_id"].(string)
	if jobID != "" {
		if existing := rt.jobs.get(jobID); existing != nil {
			if !existing.MarkRunning() {
				return nil, types.Errorf(types.ErrorKindState, "job %q is %s and cannot be revived", jobID, existing.Status())
			}
			return existing, nil
		}
	} else {
		jobID = uuid.NewString()
	}

	jobCtx := job.NewContext(jobID, rt.cfg.WorkerID, f.ID(), metadata)
	if timeout := f.ExecutionTimeout(); timeout > 0 {
		jobCtx.SetDeadline(time.Now().Add(timeout))
	}
	jobCtx.MarkRunning()
	rt.jobs.add(jobCtx)
	return jobCtx, nil
}

// Job returns a job context by id, nil when unknown.
func (rt *Runtime) Job(jobID string) *job.Context {
	return rt.jobs.get(jobID)
}

// Jobs returns all retained job contexts.
func (rt *Runtime) Jobs() []*job.Context {
	return rt.jobs.all()
}

// PauseJob defers all further task dispatch for the job until resume.
func (rt *Runtime) PauseJob(jobID string) error {
	jobCtx := rt.jobs.get(jobID)
	if jobCtx == nil {
		return types.Errorf(types.ErrorKindState, "job %q not found", jobID)
	}
	jobCtx.Pause()
	return nil
}

// ResumeJob re-enqueues the job's deferred tasks.
func (rt *Runtime) ResumeJob(jobID string) error {
	jobCtx := rt.jobs.get(jobID)
	if jobCtx == nil {
		return types.Errorf(types.ErrorKindState, "job %q not found", jobID)
	}
	jobCtx.Resume()

	rt.deferMu.Lock()
	tasks := rt.deferred[jobID]
	delete(rt.deferred, jobID)
	rt.deferMu.Unlock()

	for _, t := range tasks {
		// Pending was never decremented while deferred.
		if !rt.queue.Push(t) {
			jobCtx.DecPending()
		}
	}
	rt.metrics.SetQueueDepth(rt.queue.Len())
	return nil
}

// CancelJob fails the job and drops its deferred tasks. Queued tasks
// are discarded as the dispatcher encounters them.
func (rt *Runtime) CancelJob(jobID string) error {
	jobCtx := rt.jobs.get(jobID)
	if jobCtx == nil {
		return types.Errorf(types.ErrorKindState, "job %q not found", jobID)
	}
	jobCtx.Complete(types.JobStatusFailed, errors.New("canceled"), "")

	rt.deferMu.Lock()
	tasks := rt.deferred[jobID]
	delete(rt.deferred, jobID)
	rt.deferMu.Unlock()
	for range tasks {
		jobCtx.DecPending()
	}

	rt.finalizeIfTerminal(jobCtx)
	return nil
}

// WaitUntilIdle blocks until no job is running and the queue is empty,
// or the timeout elapses. Returns whether quiescence was reached.
func (rt *Runtime) WaitUntilIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if rt.queue.Len() == 0 && !rt.jobs.anyRunning() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// Shutdown stops accepting posts and stops the pool. Graceful shutdown
// drains in-flight work first; otherwise queued tasks are discarded.
// Running user logic is never force-killed.
func (rt *Runtime) Shutdown(graceful bool) {
	rt.acceptMu.Lock()
	rt.accepting = false
	rt.acceptMu.Unlock()

	rt.stopOnce.Do(func() { close(rt.janitorStop) })

	if graceful {
		rt.WaitUntilIdle(30 * time.Second)
	} else {
		for _, t := range rt.queue.Drain() {
			if jobCtx := rt.jobs.get(t.jobID); jobCtx != nil {
				jobCtx.DecPending()
			}
		}
	}
	rt.queue.Close()
	rt.wg.Wait()
	rt.ws.SetStatus(state.WorkerStopped)
}

// QueueDepth returns the number of queued tasks.
func (rt *Runtime) QueueDepth() int { return rt.queue.Len() }

// enqueue tracks the task against its job and pushes it.
func (rt *Runtime) enqueue(jobCtx *job.Context, t *task) {
	jobCtx.IncPending()
	if !rt.queue.Push(t) {
		jobCtx.DecPending()
		return
	}
	rt.metrics.SetQueueDepth(rt.queue.Len())
}

// finalizeIfTerminal notifies completion listeners exactly once per
// terminal job.
func (rt *Runtime) finalizeIfTerminal(jobCtx *job.Context) {
	if !jobCtx.Status().IsTerminal() {
		return
	}
	rt.doneMu.Lock()
	if rt.notified[jobCtx.JobID()] {
		rt.doneMu.Unlock()
		return
	}
	rt.notified[jobCtx.JobID()] = true
	listeners := append([]CompletionListener(nil), rt.listeners...)
	rt.doneMu.Unlock()

	rt.metrics.SetActiveJobs(rt.jobs.activeCount())
	for _, l := range listeners {
		l(jobCtx)
	}
}

// janitorLoop sweeps idle and terminal jobs past the retention TTL.
func (rt *Runtime) janitorLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rt.janitorStop:
			return
		case now := <-ticker.C:
			removed := rt.jobs.sweepIdle(rt.cfg.IdleJobTTL, now)
			if len(removed) > 0 {
				rt.logger.Info("swept expired jobs", map[string]any{"count": len(removed)})
				rt.doneMu.Lock()
				for _, id := range removed {
					delete(rt.notified, id)
				}
				rt.doneMu.Unlock()
			}
		}
	}
}

// activationLock returns the mutex serialising activations for one
// (flow, routine, job) triple.
func (rt *Runtime) activationLock(flowID, routineID, jobID string) *sync.Mutex {
	key := fmt.Sprintf("%s/%s/%s", flowID, routineID, jobID)
	rt.actMu.Lock()
	defer rt.actMu.Unlock()
	mu, ok := rt.actLock[key]
	if !ok {
		mu = &sync.Mutex{}
		rt.actLock[key] = mu
	}
	return mu
}

// deferTask parks a paused job's task until resume.
func (rt *Runtime) deferTask(t *task) {
	rt.deferMu.Lock()
	rt.deferred[t.jobID] = append(rt.deferred[t.jobID], t)
	rt.deferMu.Unlock()
}
