package runtime_test

import (
	"errors"
	"testing"
	"time"

	"github.com/pithecene-io/sluice/flow"
	"github.com/pithecene-io/sluice/job"
	"github.com/pithecene-io/sluice/policy"
	"github.com/pithecene-io/sluice/runtime"
	"github.com/pithecene-io/sluice/types"
)

// singleRoutineFlow builds a flow with one immediate routine whose
// logic is supplied by the caller.
func singleRoutineFlow(t *testing.T, flowID, routineID string, logic flow.Logic) *flow.Flow {
	t.Helper()
	f := flow.New(flowID)
	r := flow.NewRoutine(routineID)
	if err := r.AddSlot("input", flow.SlotConfig{}); err != nil {
		t.Fatal(err)
	}
	r.SetLogic(logic)
	r.SetPolicy(policy.NewImmediate())
	if err := f.AddRoutine(r); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestPost_UnknownEndpoints(t *testing.T) {
	rt := newRuntime(t)
	f := singleRoutineFlow(t, "known", "r", func(*flow.Activation) error { return nil })
	startFlow(t, rt, f)

	if _, _, err := rt.Post("missing", "r", "input", nil, nil); err == nil {
		t.Error("expected error for unknown flow")
	}
	if _, _, err := rt.Post("known", "missing", "input", nil, nil); err == nil {
		t.Error("expected error for unknown routine")
	}
	if _, _, err := rt.Post("known", "r", "missing", nil, nil); err == nil {
		t.Error("expected error for unknown slot")
	}
}

func TestPost_RequiresExec(t *testing.T) {
	rt := newRuntime(t)
	f := singleRoutineFlow(t, "lazy", "r", func(*flow.Activation) error { return nil })
	if err := rt.RegisterFlow(f); err != nil {
		t.Fatal(err)
	}
	if _, _, err := rt.Post("lazy", "r", "input", nil, nil); err == nil {
		t.Error("expected error posting before Exec")
	}
}

func TestExec_RejectsInvalidFlow(t *testing.T) {
	rt := newRuntime(t)
	f := flow.New("broken")
	if err := f.AddRoutine(flow.NewRoutine("bare")); err != nil {
		t.Fatal(err)
	}
	if err := rt.RegisterFlow(f); err != nil {
		t.Fatal(err)
	}
	err := rt.Exec("broken")
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !types.IsKind(err, types.ErrorKindValidation) {
		t.Errorf("expected validation kind, got %v", err)
	}
}

func TestJobCompleteFromLogic(t *testing.T) {
	rt := newRuntime(t)
	f := singleRoutineFlow(t, "completing", "r", func(act *flow.Activation) error {
		act.Job.Complete(types.JobStatusCompleted, nil, "")
		return nil
	})
	startFlow(t, rt, f)

	jobID := post(t, rt, "completing", "r", "input", "go", nil)
	waitIdle(t, rt)

	if status := rt.Job(jobID).Status(); status != types.JobStatusCompleted {
		t.Errorf("expected completed, got %s", status)
	}
	// Completed jobs do not revive.
	if _, _, err := rt.Post("completing", "r", "input", "again", map[string]any{"job_id": jobID}); err == nil {
		t.Error("expected revive of completed job to fail")
	}
}

func TestIdleJobRevives(t *testing.T) {
	rt := newRuntime(t)
	runs := &collector{}
	f := singleRoutineFlow(t, "revivable", "r", func(act *flow.Activation) error {
		runs.add(act.First("input"))
		return nil
	})
	startFlow(t, rt, f)

	jobID := post(t, rt, "revivable", "r", "input", 1, nil)
	waitIdle(t, rt)
	if status := rt.Job(jobID).Status(); status != types.JobStatusIdle {
		t.Fatalf("expected idle, got %s", status)
	}

	got := post(t, rt, "revivable", "r", "input", 2, map[string]any{"job_id": jobID})
	if got != jobID {
		t.Fatalf("expected same job id, got %s", got)
	}
	waitIdle(t, rt)

	if vals := runs.snapshot(); len(vals) != 2 {
		t.Errorf("expected 2 activations across revival, got %v", vals)
	}
	if status := rt.Job(jobID).Status(); status != types.JobStatusIdle {
		t.Errorf("expected idle after revival, got %s", status)
	}
}

func TestSlotOverflowFailsJob(t *testing.T) {
	rt := newRuntime(t)
	f := flow.New("overflowing")
	r := flow.NewRoutine("tight")
	if err := r.AddSlot("input", flow.SlotConfig{MaxQueueLength: 1}); err != nil {
		t.Fatal(err)
	}
	r.SetLogic(func(*flow.Activation) error { return nil })
	// neverPolicy declines every check, so the slot stays full.
	r.SetPolicy(neverPolicy{})
	if err := f.AddRoutine(r); err != nil {
		t.Fatal(err)
	}
	startFlow(t, rt, f)

	jobMeta := map[string]any{"job_id": "overflow-job"}
	post(t, rt, "overflowing", "tight", "input", 1, jobMeta)
	post(t, rt, "overflowing", "tight", "input", 2, jobMeta)
	waitIdle(t, rt)

	jobCtx := rt.Job("overflow-job")
	if status := jobCtx.Status(); status != types.JobStatusFailed {
		t.Fatalf("expected failed, got %s", status)
	}
	msg, _ := jobCtx.Err()
	if msg == "" {
		t.Error("expected an overflow error message")
	}
}

func TestExecutionTimeout(t *testing.T) {
	rt := newRuntime(t)
	f := singleRoutineFlow(t, "slow", "r", func(act *flow.Activation) error {
		time.Sleep(200 * time.Millisecond)
		// Keep the job busy past its deadline.
		return act.Emit("loop", nil)
	})
	// Self-loop so work continues until the deadline trips.
	r := f.Routine("r")
	if err := r.AddEvent("loop", nil); err != nil {
		t.Fatal(err)
	}
	if err := f.Connect("r", "loop", "r", "input"); err != nil {
		t.Fatal(err)
	}
	f.SetExecutionTimeout(100 * time.Millisecond)
	startFlow(t, rt, f)

	jobID := post(t, rt, "slow", "r", "input", "go", nil)
	waitIdle(t, rt)

	jobCtx := rt.Job(jobID)
	if status := jobCtx.Status(); status != types.JobStatusFailed {
		t.Fatalf("expected failed on timeout, got %s", status)
	}
	msg, _ := jobCtx.Err()
	if msg == "" {
		t.Error("expected timeout error message")
	}
}

func TestPauseResume(t *testing.T) {
	rt := newRuntime(t)
	runs := &collector{}
	f := singleRoutineFlow(t, "pausable", "r", func(act *flow.Activation) error {
		runs.add(act.First("input"))
		return nil
	})
	startFlow(t, rt, f)

	jobID := post(t, rt, "pausable", "r", "input", 1, nil)
	waitIdle(t, rt)
	if err := rt.PauseJob(jobID); err != nil {
		t.Fatal(err)
	}

	post(t, rt, "pausable", "r", "input", 2, map[string]any{"job_id": jobID})
	time.Sleep(50 * time.Millisecond)
	if vals := runs.snapshot(); len(vals) != 1 {
		t.Fatalf("paused job must not run, saw %v", vals)
	}

	if err := rt.ResumeJob(jobID); err != nil {
		t.Fatal(err)
	}
	waitIdle(t, rt)
	if vals := runs.snapshot(); len(vals) != 2 {
		t.Errorf("expected deferred task to run after resume, saw %v", vals)
	}
}

func TestCancelJob(t *testing.T) {
	rt := newRuntime(t)
	f := singleRoutineFlow(t, "cancellable", "r", func(*flow.Activation) error { return nil })
	startFlow(t, rt, f)

	jobID := post(t, rt, "cancellable", "r", "input", 1, nil)
	waitIdle(t, rt)
	if err := rt.CancelJob(jobID); err != nil {
		t.Fatal(err)
	}
	if status := rt.Job(jobID).Status(); status != types.JobStatusFailed {
		t.Errorf("expected failed after cancel, got %s", status)
	}
}

func TestErrorModeContinue(t *testing.T) {
	rt := newRuntime(t)
	f := singleRoutineFlow(t, "tolerant", "r", func(*flow.Activation) error {
		return errors.New("swallowed")
	})
	f.Routine("r").SetErrorPolicy(&flow.ErrorPolicy{Mode: flow.ErrorContinue})
	startFlow(t, rt, f)

	jobID := post(t, rt, "tolerant", "r", "input", 1, nil)
	waitIdle(t, rt)

	if status := rt.Job(jobID).Status(); status == types.JobStatusFailed {
		t.Errorf("continue must swallow errors, job is %s", status)
	}
	if stats := f.Routine("r").Stats(); stats.Errors != 1 {
		t.Errorf("expected 1 recorded error, got %d", stats.Errors)
	}
}

func TestErrorModeFlowLevelFallback(t *testing.T) {
	rt := newRuntime(t)
	f := singleRoutineFlow(t, "fallback", "r", func(*flow.Activation) error {
		return errors.New("boom")
	})
	f.SetErrorPolicy(&flow.ErrorPolicy{Mode: flow.ErrorContinue})
	startFlow(t, rt, f)

	jobID := post(t, rt, "fallback", "r", "input", 1, nil)
	waitIdle(t, rt)

	if status := rt.Job(jobID).Status(); status == types.JobStatusFailed {
		t.Errorf("flow-level continue should apply, job is %s", status)
	}
}

func TestErrorModeDefaultStops(t *testing.T) {
	rt := newRuntime(t)
	f := singleRoutineFlow(t, "strict", "r", func(*flow.Activation) error {
		return errors.New("fatal")
	})
	startFlow(t, rt, f)

	jobID := post(t, rt, "strict", "r", "input", 1, nil)
	waitIdle(t, rt)

	jobCtx := rt.Job(jobID)
	if status := jobCtx.Status(); status != types.JobStatusFailed {
		t.Fatalf("default policy must stop, got %s", status)
	}
	msg, routineID := jobCtx.Err()
	if msg == "" || routineID != "r" {
		t.Errorf("failure must carry message and routine: %q %q", msg, routineID)
	}
}

func TestPanicInLogicIsLogicError(t *testing.T) {
	rt := newRuntime(t)
	f := singleRoutineFlow(t, "panicky", "r", func(*flow.Activation) error {
		panic("kaboom")
	})
	startFlow(t, rt, f)

	jobID := post(t, rt, "panicky", "r", "input", 1, nil)
	waitIdle(t, rt)

	jobCtx := rt.Job(jobID)
	if status := jobCtx.Status(); status != types.JobStatusFailed {
		t.Fatalf("expected failed, got %s", status)
	}
	msg, _ := jobCtx.Err()
	if msg == "" {
		t.Error("expected panic message in job error")
	}
}

// TestEmitOrdering checks that emissions from one activation arrive at
// the target slot in code order.
func TestEmitOrdering(t *testing.T) {
	rt := newRuntime(t)
	f := flow.New("ordered")
	received := &collector{}

	src := flow.NewRoutine("src")
	_ = src.AddSlot("trigger", flow.SlotConfig{})
	_ = src.AddEvent("out", nil)
	src.SetLogic(func(act *flow.Activation) error {
		for i := 1; i <= 5; i++ {
			if err := act.Emit("out", map[string]any{"n": i}); err != nil {
				return err
			}
		}
		return nil
	})
	src.SetPolicy(policy.NewImmediate())

	dst := flow.NewRoutine("dst")
	_ = dst.AddSlot("in", flow.SlotConfig{})
	dst.SetLogic(func(act *flow.Activation) error {
		for _, v := range act.Data["in"] {
			received.add(v.(map[string]any)["n"])
		}
		return nil
	})
	dst.SetPolicy(policy.NewImmediate())

	_ = f.AddRoutine(src)
	_ = f.AddRoutine(dst)
	if err := f.Connect("src", "out", "dst", "in"); err != nil {
		t.Fatal(err)
	}
	startFlow(t, rt, f)

	post(t, rt, "ordered", "src", "trigger", "go", nil)
	waitIdle(t, rt)

	got := received.snapshot()
	if len(got) != 5 {
		t.Fatalf("expected 5 values, got %v", got)
	}
	for i, v := range got {
		if v != i+1 {
			t.Fatalf("out of order delivery: %v", got)
		}
	}
}

// TestFailedActivationDiscardsEmits checks that a failing activation's
// emissions never reach downstream slots.
func TestFailedActivationDiscardsEmits(t *testing.T) {
	rt := newRuntime(t)
	f := flow.New("discarding")
	received := &collector{}

	src := flow.NewRoutine("src")
	_ = src.AddSlot("trigger", flow.SlotConfig{})
	_ = src.AddEvent("out", nil)
	src.SetLogic(func(act *flow.Activation) error {
		if err := act.Emit("out", map[string]any{"n": 1}); err != nil {
			return err
		}
		return errors.New("after emit")
	})
	src.SetPolicy(policy.NewImmediate())
	src.SetErrorPolicy(&flow.ErrorPolicy{Mode: flow.ErrorContinue})

	dst := flow.NewRoutine("dst")
	_ = dst.AddSlot("in", flow.SlotConfig{})
	dst.SetLogic(func(act *flow.Activation) error {
		received.add(act.Data["in"]...)
		return nil
	})
	dst.SetPolicy(policy.NewImmediate())

	_ = f.AddRoutine(src)
	_ = f.AddRoutine(dst)
	if err := f.Connect("src", "out", "dst", "in"); err != nil {
		t.Fatal(err)
	}
	startFlow(t, rt, f)

	post(t, rt, "discarding", "src", "trigger", "go", nil)
	waitIdle(t, rt)

	if got := received.snapshot(); len(got) != 0 {
		t.Errorf("failed activation's emits must be discarded, saw %v", got)
	}
}

// TestMergeStrategies checks override presentation; accumulate is
// covered by TestMergeAccumulate.
func TestMergeStrategies(t *testing.T) {
	rt := newRuntime(t)
	f := flow.New("merging")
	seen := &collector{}

	r := flow.NewRoutine("merger")
	if err := r.AddSlot("latest", flow.SlotConfig{Merge: types.MergeOverride}); err != nil {
		t.Fatal(err)
	}
	// batch_size(3) so several values are consumed at once.
	pol, err := policy.NewBatchSize(3, "latest")
	if err != nil {
		t.Fatal(err)
	}
	r.SetPolicy(pol)
	r.SetLogic(func(act *flow.Activation) error {
		seen.add(act.Data["latest"])
		return nil
	})
	if err := f.AddRoutine(r); err != nil {
		t.Fatal(err)
	}
	startFlow(t, rt, f)

	jobMeta := map[string]any{"job_id": "merge-job"}
	for i := 1; i <= 3; i++ {
		post(t, rt, "merging", "merger", "latest", i, jobMeta)
	}
	waitIdle(t, rt)

	got := seen.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 activation, got %d", len(got))
	}
	// Override: only the most recent of the 3 consumed values.
	vals := got[0].([]any)
	if len(vals) != 1 || vals[0] != 3 {
		t.Errorf("override should present only the newest value, got %v", vals)
	}
}

func TestMergeAccumulate(t *testing.T) {
	rt := newRuntime(t)
	f := flow.New("accumulating")
	seen := &collector{}

	r := flow.NewRoutine("acc")
	if err := r.AddSlot("input", flow.SlotConfig{Merge: types.MergeAccumulate}); err != nil {
		t.Fatal(err)
	}
	r.SetPolicy(policy.NewImmediate())
	r.SetLogic(func(act *flow.Activation) error {
		seen.add(len(act.Data["input"]))
		return nil
	})
	if err := f.AddRoutine(r); err != nil {
		t.Fatal(err)
	}
	startFlow(t, rt, f)

	jobMeta := map[string]any{"job_id": "acc-job"}
	for i := 1; i <= 3; i++ {
		post(t, rt, "accumulating", "acc", "input", i, jobMeta)
		waitIdle(t, rt)
	}

	got := seen.snapshot()
	if len(got) != 3 {
		t.Fatalf("expected 3 activations, got %d", len(got))
	}
	// The accumulator grows across activations: 1, then 2, then 3.
	for i, n := range got {
		if n != i+1 {
			t.Errorf("activation %d: expected accumulator size %d, got %v", i, i+1, n)
		}
	}
}

func TestShutdownRejectsPosts(t *testing.T) {
	rt := runtime.New(runtime.Config{PoolSize: 2})
	f := singleRoutineFlow(t, "closing", "r", func(*flow.Activation) error { return nil })
	startFlow(t, rt, f)

	rt.Shutdown(true)
	if _, _, err := rt.Post("closing", "r", "input", nil, nil); err == nil {
		t.Error("expected post after shutdown to fail")
	}
}

func TestWaitUntilIdleTimeout(t *testing.T) {
	rt := newRuntime(t)
	block := make(chan struct{})
	f := singleRoutineFlow(t, "blocking", "r", func(*flow.Activation) error {
		<-block
		return nil
	})
	startFlow(t, rt, f)

	post(t, rt, "blocking", "r", "input", 1, nil)
	if rt.WaitUntilIdle(100 * time.Millisecond) {
		t.Error("expected timeout while logic blocks")
	}
	close(block)
	waitIdle(t, rt)
}

// neverPolicy declines every check without consuming.
type neverPolicy struct{}

func (neverPolicy) Name() string { return "never" }
func (neverPolicy) Evaluate(map[string]*flow.Slot, *job.Context) (flow.Decision, error) {
	return flow.Decision{}, nil
}
