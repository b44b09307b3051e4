package runtime

// ExecutionHooks is the thin observation interface consumed by
// monitoring, adapters and debugging surfaces. The core has no
// dependency on any concrete monitoring implementation; the null
// implementation is the default.
//
// Hook implementations run inline on dispatcher goroutines and must be
// fast and non-blocking.
type ExecutionHooks interface {
	// OnSlotBeforeEnqueue runs before a slot-push task is enqueued.
	// Returning allow=false drops the delivery. A non-nil replacement
	// substitutes the payload.
	OnSlotBeforeEnqueue(flowID, routineID, slot string, payload any, jobID string) (allow bool, replacement any)

	// OnActivationStart runs before routine logic executes.
	OnActivationStart(flowID, routineID, jobID string, consumed map[string][]any, message any)

	// OnActivationEnd runs after routine logic returns. err is nil on
	// success and the logic error otherwise; it runs before the error
	// policy is applied, so errors later swallowed by continue/skip are
	// still reported here.
	OnActivationEnd(flowID, routineID, jobID string, err error)

	// OnEmit runs for each emission flushed from a completed activation.
	OnEmit(flowID, routineID, event string, payload map[string]any, jobID string)
}

// NullHooks is the default no-op hook implementation.
type NullHooks struct{}

func (NullHooks) OnSlotBeforeEnqueue(_, _, _ string, payload any, _ string) (bool, any) {
	return true, nil
}
func (NullHooks) OnActivationStart(_, _, _ string, _ map[string][]any, _ any) {}
func (NullHooks) OnActivationEnd(_, _, _ string, _ error)                     {}
func (NullHooks) OnEmit(_, _, _ string, _ map[string]any, _ string)           {}

var _ ExecutionHooks = NullHooks{}

// TraceHooks records activation lifecycle into the job trace log. This
// is the monitoring implementation used by the HTTP surface; it lives
// behind the hook interface so the dispatcher stays observer-agnostic.
type TraceHooks struct {
	rt *Runtime
}

// NewTraceHooks creates trace-recording hooks bound to a runtime.
func NewTraceHooks(rt *Runtime) *TraceHooks {
	return &TraceHooks{rt: rt}
}

func (h *TraceHooks) OnSlotBeforeEnqueue(_, _, _ string, payload any, _ string) (bool, any) {
	return true, nil
}

func (h *TraceHooks) OnActivationStart(_, routineID, jobID string, consumed map[string][]any, _ any) {
	if jobCtx := h.rt.Job(jobID); jobCtx != nil {
		jobCtx.Trace(routineID, "activation_start", "")
	}
}

func (h *TraceHooks) OnActivationEnd(_, routineID, jobID string, err error) {
	jobCtx := h.rt.Job(jobID)
	if jobCtx == nil {
		return
	}
	if err != nil {
		jobCtx.Trace(routineID, "activation_error", err.Error())
		return
	}
	jobCtx.Trace(routineID, "activation_end", "")
}

func (h *TraceHooks) OnEmit(_, routineID, event string, _ map[string]any, jobID string) {
	if jobCtx := h.rt.Job(jobID); jobCtx != nil {
		jobCtx.Trace(routineID, "emit", event)
	}
}

var _ ExecutionHooks = (*TraceHooks)(nil)
