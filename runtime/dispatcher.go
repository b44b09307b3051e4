package runtime

import (
	"math"
	"time"

	"github.com/pithecene-io/sluice/flow"
	"github.com/pithecene-io/sluice/job"
	"github.com/pithecene-io/sluice/types"
)

// dispatchLoop is the single dispatcher goroutine. It pops tasks FIFO,
// handles cheap tasks (slot-push, activation-check) inline, and hands
// activation runs to the worker pool. One dispatcher delivering every
// push is what makes per-slot arrival order equal push order.
func (rt *Runtime) dispatchLoop() {
	defer rt.wg.Done()
	defer close(rt.runCh)
	for {
		t, ok := rt.queue.Pop()
		if !ok {
			return
		}
		rt.metrics.SetQueueDepth(rt.queue.Len())
		rt.dispatch(t)
	}
}

// runWorker executes activation runs handed off by the dispatcher.
// User logic occupies the worker for as long as it takes; the pool
// should be sized accordingly.
func (rt *Runtime) runWorker() {
	defer rt.wg.Done()
	for t := range rt.runCh {
		rt.executeRun(t)
	}
}

// dispatch routes one task. Pending bookkeeping: every queued task was
// counted by enqueue; exactly one of the exits below must decrement it
// (finish), keep it (defer, yield-requeue), or pass that duty on (run
// handoff).
func (rt *Runtime) dispatch(t *task) {
	jobCtx, f, ok := rt.admitTask(t)
	if !ok {
		return
	}

	switch t.kind {
	case taskSlotPush:
		rt.handleSlotPush(f, t, jobCtx)
	case taskActivationCheck:
		rt.handleActivationCheck(f, t, jobCtx)
	case taskActivationRun:
		if rt.shouldYield(t) {
			// Fairness: rotate this routine's run to the queue tail so
			// siblings with pending work get a turn. Pending count is
			// unchanged; the task is still owed to the job.
			rt.queue.Push(t)
			return
		}
		// Blocks when every worker is busy; backpressure on the
		// dispatcher is the bounded wait of §5.
		rt.runCh <- t
		return
	}
	rt.finishTask(jobCtx)
}

// executeRun processes one activation run on a pool worker.
func (rt *Runtime) executeRun(t *task) {
	jobCtx, f, ok := rt.admitTask(t)
	if !ok {
		return
	}
	rt.handleActivationRun(f, t, jobCtx)
	rt.finishTask(jobCtx)
}

// admitTask applies the shared preconditions: known job, not terminal,
// not paused, deadline not expired, flow still registered. Returns
// ok=false when the task was settled here.
func (rt *Runtime) admitTask(t *task) (*job.Context, *flow.Flow, bool) {
	jobCtx := rt.jobs.get(t.jobID)
	if jobCtx == nil {
		return nil, nil, false
	}

	if jobCtx.Status().IsTerminal() {
		rt.finishTask(jobCtx)
		return nil, nil, false
	}

	if jobCtx.Paused() {
		rt.deferTask(t)
		return nil, nil, false
	}

	if deadline := jobCtx.Deadline(); !deadline.IsZero() && time.Now().After(deadline) {
		jobCtx.Complete(types.JobStatusFailed,
			types.Errorf(types.ErrorKindTimeout, "job exceeded execution timeout"), "")
		rt.finishTask(jobCtx)
		return nil, nil, false
	}

	f := rt.Flow(t.flowID)
	if f == nil {
		// The flow was removed while tasks were in flight.
		rt.finishTask(jobCtx)
		return nil, nil, false
	}
	return jobCtx, f, true
}

// finishTask settles a task against its job and detects the idle
// transition: no queued or in-flight work referencing the job means
// the dispatcher has nothing left for it.
func (rt *Runtime) finishTask(jobCtx *job.Context) {
	if jobCtx.DecPending() {
		rt.metrics.SetActiveJobs(rt.jobs.activeCount())
	}
	rt.finalizeIfTerminal(jobCtx)
}

// shouldYield applies the fairness rule: no routine may execute more
// than K consecutive activation runs while other tasks wait.
func (rt *Runtime) shouldYield(t *task) bool {
	key := t.flowID + "/" + t.routineID
	rt.fairMu.Lock()
	defer rt.fairMu.Unlock()

	if key == rt.lastRunKey && rt.consecutive >= rt.cfg.FairnessK && rt.queue.Len() > 0 {
		rt.consecutive = 0
		return true
	}
	if key == rt.lastRunKey {
		rt.consecutive++
	} else {
		rt.lastRunKey = key
		rt.consecutive = 1
	}
	return false
}

// handleSlotPush delivers a payload into the target slot and schedules
// exactly one activation check for the routine.
func (rt *Runtime) handleSlotPush(f *flow.Flow, t *task, jobCtx *job.Context) {
	r := f.Routine(t.routineID)
	if r == nil {
		rt.handleError(f, nil, t, jobCtx,
			types.Errorf(types.ErrorKindValidation, "flow %q has no routine %q", t.flowID, t.routineID))
		return
	}
	s := r.Slot(t.slotName)
	if s == nil {
		rt.handleError(f, r, t, jobCtx,
			types.Errorf(types.ErrorKindValidation, "routine %q has no slot %q", t.routineID, t.slotName))
		return
	}

	if err := s.Push(t.payload); err != nil {
		rt.handleError(f, r, t, jobCtx, err)
		return
	}

	rt.enqueue(jobCtx, &task{
		kind:      taskActivationCheck,
		flowID:    t.flowID,
		routineID: t.routineID,
		jobID:     t.jobID,
	})
}

// handleActivationCheck consults the routine's activation policy and,
// on a positive decision, dispatches an activation run carrying the
// consumed data. Checks are cheap and re-entrant; the policy runs
// under the routine's policy lock.
func (rt *Runtime) handleActivationCheck(f *flow.Flow, t *task, jobCtx *job.Context) {
	r := f.Routine(t.routineID)
	if r == nil {
		return
	}
	if err := r.Ready(); err != nil {
		rt.handleError(f, r, t, jobCtx, err)
		return
	}

	dec, err := r.EvaluatePolicy(jobCtx)
	if err != nil {
		rt.handleError(f, r, t, jobCtx, err)
		return
	}
	if !dec.Activate {
		return
	}

	rt.enqueue(jobCtx, &task{
		kind:      taskActivationRun,
		flowID:    t.flowID,
		routineID: t.routineID,
		jobID:     t.jobID,
		consumed:  dec.Consumed,
		message:   dec.Message,
	})
}

// emission is one buffered emit awaiting flush.
type emission struct {
	event   *flow.Event
	payload map[string]any
}

// handleActivationRun executes routine logic for one activation. At
// most one activation per (routine, job) runs at a time. Emissions are
// buffered and flushed only after the logic returns successfully, so a
// failed activation's effects are discarded and targets never observe
// them before the activation returns.
func (rt *Runtime) handleActivationRun(f *flow.Flow, t *task, jobCtx *job.Context) {
	r := f.Routine(t.routineID)
	if r == nil {
		return
	}

	mu := rt.activationLock(t.flowID, t.routineID, t.jobID)
	mu.Lock()
	defer mu.Unlock()

	if jobCtx.Status().IsTerminal() {
		return
	}

	merged, err := rt.applyMerge(r, t.consumed)
	if err != nil {
		rt.handleError(f, r, t, jobCtx, err)
		return
	}

	var emitted []emission
	emitter := func(event string, params map[string]any) error {
		evt := r.Event(event)
		if evt == nil {
			return types.Errorf(types.ErrorKindLogic, "routine %q has no event %q", t.routineID, event)
		}
		payload, err := evt.BuildPayload(params)
		if err != nil {
			return err
		}
		emitted = append(emitted, emission{event: evt, payload: payload})
		return nil
	}

	act := flow.NewActivation(r.ID(), merged, t.message, jobCtx, rt.ws, r.Config(), emitter)

	rt.hooks.OnActivationStart(t.flowID, t.routineID, t.jobID, t.consumed, t.message)
	r.RecordActivation()
	start := time.Now()

	runErr := runLogic(r.Logic(), act)
	duration := time.Since(start)

	if runErr == nil {
		rt.flushEmissions(t, jobCtx, emitted)
	}

	if runErr != nil {
		r.RecordError()
		rt.metrics.ObserveActivation("error", duration)
		rt.hooks.OnActivationEnd(t.flowID, t.routineID, t.jobID, runErr)
		rt.handleError(f, r, t, jobCtx, runErr)
		return
	}

	rt.metrics.ObserveActivation("ok", duration)
	rt.hooks.OnActivationEnd(t.flowID, t.routineID, t.jobID, nil)
	rt.finalizeIfTerminal(jobCtx)
}

// runLogic invokes user logic, converting panics into logic errors.
func runLogic(logic flow.Logic, act *flow.Activation) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = types.Errorf(types.ErrorKindLogic, "panic in routine logic: %v", rec)
		}
	}()
	if err := logic(act); err != nil {
		if types.KindOf(err) != "" {
			return err
		}
		return types.NewError(types.ErrorKindLogic, act.RoutineID, err)
	}
	return nil
}

// flushEmissions turns buffered emits into slot-push tasks, in code
// order, one per outgoing connection.
func (rt *Runtime) flushEmissions(t *task, jobCtx *job.Context, emitted []emission) {
	for _, em := range emitted {
		rt.hooks.OnEmit(t.flowID, t.routineID, em.event.Name(), em.payload, t.jobID)
		for _, conn := range em.event.Connections() {
			payload := any(em.payload)
			allow, replacement := rt.hooks.OnSlotBeforeEnqueue(t.flowID, conn.TargetRoutine, conn.TargetSlot, payload, t.jobID)
			if !allow {
				continue
			}
			if replacement != nil {
				payload = replacement
			}
			rt.enqueue(jobCtx, &task{
				kind:      taskSlotPush,
				flowID:    t.flowID,
				routineID: conn.TargetRoutine,
				slotName:  conn.TargetSlot,
				payload:   payload,
				jobID:     t.jobID,
			})
		}
	}
}

// applyMerge presents consumed slot data per each slot's merge
// strategy: override keeps the newest value, append passes the list
// through, accumulate folds into worker state under a reserved key.
func (rt *Runtime) applyMerge(r *flow.Routine, consumed map[string][]any) (map[string][]any, error) {
	merged := make(map[string][]any, len(consumed))
	for slotName, values := range consumed {
		s := r.Slot(slotName)
		if s == nil {
			return nil, types.Errorf(types.ErrorKindState, "routine %q: consumed data for unknown slot %q", r.ID(), slotName)
		}
		switch s.Merge() {
		case types.MergeOverride:
			if len(values) > 0 {
				merged[slotName] = []any{values[len(values)-1]}
			} else {
				merged[slotName] = nil
			}
		case types.MergeAccumulate:
			merged[slotName] = rt.ws.Accumulate(r.ID(), slotName, values)
		default: // append
			merged[slotName] = values
		}
	}
	return merged, nil
}

// resolveErrorPolicy looks up the effective error policy for a routine:
// routine-level, then flow-level, then stop.
func resolveErrorPolicy(f *flow.Flow, r *flow.Routine) *flow.ErrorPolicy {
	if r != nil {
		if p := r.ErrorPolicy(); p != nil {
			return p
		}
	}
	if f != nil {
		if p := f.ErrorPolicy(); p != nil {
			return p
		}
	}
	return &flow.ErrorPolicy{Mode: flow.ErrorStop}
}

// handleError routes a user-reachable error (logic, policy, slot)
// through the error-handler chain. Dispatcher-internal errors never
// reach this path.
func (rt *Runtime) handleError(f *flow.Flow, r *flow.Routine, t *task, jobCtx *job.Context, err error) {
	pol := resolveErrorPolicy(f, r)
	rt.applyErrorMode(pol, pol.Mode, f, r, t, jobCtx, err)
}

func (rt *Runtime) applyErrorMode(pol *flow.ErrorPolicy, mode flow.ErrorMode, f *flow.Flow, r *flow.Routine, t *task, jobCtx *job.Context, err error) {
	routineID := t.routineID
	logger := rt.logger.WithJob(t.jobID)

	switch mode {
	case flow.ErrorContinue:
		logger.Warn("activation error swallowed", map[string]any{
			"routine": routineID, "error": err.Error(),
		})

	case flow.ErrorSkip:
		logger.Warn("activation error; dropping pending slot data", map[string]any{
			"routine": routineID, "error": err.Error(),
		})
		if r != nil {
			for _, s := range r.Slots() {
				s.ConsumeAllNew()
			}
		}

	case flow.ErrorRetry:
		if t.kind == taskActivationRun && t.attempt < pol.MaxRetries {
			rt.scheduleRetry(pol, t, jobCtx)
			return
		}
		next := pol.OnExhausted
		if next == "" || next == flow.ErrorRetry {
			next = flow.ErrorStop
		}
		rt.applyErrorMode(pol, next, f, r, t, jobCtx, err)

	default: // stop
		logger.Error("activation failed; job failed", map[string]any{
			"routine": routineID, "error": err.Error(),
		})
		jobCtx.Complete(types.JobStatusFailed, err, routineID)
		rt.finalizeIfTerminal(jobCtx)
	}
}

// scheduleRetry re-enqueues the same activation-run task after an
// exponential delay. The retry is counted against the job's pending
// work immediately so the job cannot go idle while a retry is armed.
func (rt *Runtime) scheduleRetry(pol *flow.ErrorPolicy, t *task, jobCtx *job.Context) {
	backoff := pol.Backoff
	if backoff <= 0 {
		backoff = 2.0
	}
	delay := time.Duration(float64(pol.Delay) * math.Pow(backoff, float64(t.attempt)))

	retry := *t
	retry.attempt = t.attempt + 1

	rt.metrics.ObserveActivation("retried", 0)
	rt.logger.WithJob(t.jobID).Info("retry scheduled", map[string]any{
		"routine": t.routineID,
		"attempt": retry.attempt,
		"delay":   delay.String(),
	})

	jobCtx.IncPending()
	time.AfterFunc(delay, func() {
		if !rt.queue.Push(&retry) {
			jobCtx.DecPending()
			return
		}
		rt.metrics.SetQueueDepth(rt.queue.Len())
	})
}
