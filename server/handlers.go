package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pithecene-io/sluice/dsl"
	"github.com/pithecene-io/sluice/flow"
	"github.com/pithecene-io/sluice/job"
	"github.com/pithecene-io/sluice/types"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func statusFor(err error) int {
	switch types.KindOf(err) {
	case types.ErrorKindValidation:
		return http.StatusBadRequest
	case types.ErrorKindState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// flowView is the JSON shape of a flow summary.
type flowView struct {
	FlowID    string   `json:"flow_id"`
	Routines  []string `json:"routines"`
	Conns     int      `json:"connections"`
	Executing bool     `json:"executing"`
}

func (s *Service) flowView(f *flow.Flow) flowView {
	return flowView{
		FlowID:    f.ID(),
		Routines:  f.RoutineIDs(),
		Conns:     len(f.Connections()),
		Executing: s.rt.Executing(f.ID()),
	}
}

func (s *Service) listFlows(w http.ResponseWriter, _ *http.Request) {
	flows := s.rt.Flows()
	out := make([]flowView, 0, len(flows))
	for _, f := range flows {
		out = append(out, s.flowView(f))
	}
	writeJSON(w, http.StatusOK, out)
}

// createFlow builds a flow from a DSL document (YAML by default, JSON
// when the content type says so), registers it and starts execution.
func (s *Service) createFlow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var def *dsl.Definition
	if strings.Contains(r.Header.Get("Content-Type"), "json") {
		def, err = dsl.ParseJSON(body)
	} else {
		def, err = dsl.ParseYAML(body)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	f, err := def.Build()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := s.rt.RegisterFlow(f); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := s.rt.Exec(f.ID()); err != nil {
		s.rt.RemoveFlow(f.ID())
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, s.flowView(f))
}

func (s *Service) getFlow(w http.ResponseWriter, r *http.Request) {
	f := s.rt.Flow(r.PathValue("flow_id"))
	if f == nil {
		writeError(w, http.StatusNotFound, types.Errorf(types.ErrorKindState, "flow not found"))
		return
	}
	writeJSON(w, http.StatusOK, s.flowView(f))
}

func (s *Service) deleteFlow(w http.ResponseWriter, r *http.Request) {
	flowID := r.PathValue("flow_id")
	if s.rt.Flow(flowID) == nil {
		writeError(w, http.StatusNotFound, types.Errorf(types.ErrorKindState, "flow not found"))
		return
	}
	s.rt.RemoveFlow(flowID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) validateFlow(w http.ResponseWriter, r *http.Request) {
	f := s.rt.Flow(r.PathValue("flow_id"))
	if f == nil {
		writeError(w, http.StatusNotFound, types.Errorf(types.ErrorKindState, "flow not found"))
		return
	}
	issues := f.Validate()
	out := make([]map[string]any, 0, len(issues))
	for _, issue := range issues {
		out = append(out, map[string]any{"fatal": issue.Fatal, "message": issue.Message})
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": f.Valid(), "issues": out})
}

func (s *Service) exportFlowDSL(w http.ResponseWriter, r *http.Request) {
	f := s.rt.Flow(r.PathValue("flow_id"))
	if f == nil {
		writeError(w, http.StatusNotFound, types.Errorf(types.ErrorKindState, "flow not found"))
		return
	}

	def := dsl.Export(f)
	switch r.URL.Query().Get("format") {
	case "json":
		data, err := def.MarshalJSONBytes()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	default:
		data, err := def.MarshalYAMLBytes()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(data)
	}
}

// jobView is the JSON shape of a job.
type jobView struct {
	JobID       string             `json:"job_id"`
	WorkerID    string             `json:"worker_id"`
	FlowID      string             `json:"flow_id"`
	Status      string             `json:"status"`
	Paused      bool               `json:"paused,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Error       string             `json:"error,omitempty"`
	ErrRoutine  string             `json:"error_routine,omitempty"`
	Trace       []types.TraceEntry `json:"trace,omitempty"`
}

func jobViewOf(c *job.Context, withTrace bool) jobView {
	errMsg, errRoutine := c.Err()
	v := jobView{
		JobID:      c.JobID(),
		WorkerID:   c.WorkerID(),
		FlowID:     c.FlowID(),
		Status:     string(c.Status()),
		Paused:     c.Paused(),
		CreatedAt:  c.CreatedAt(),
		Error:      errMsg,
		ErrRoutine: errRoutine,
	}
	if done := c.CompletedAt(); !done.IsZero() {
		v.CompletedAt = &done
	}
	if withTrace {
		v.Trace = c.TraceLog()
	}
	return v
}

// createJobRequest is the POST /api/jobs body.
type createJobRequest struct {
	FlowID         string         `json:"flow_id"`
	EntryRoutineID string         `json:"entry_routine_id"`
	EntrySlot      string         `json:"entry_slot"`
	EntryParams    map[string]any `json:"entry_params"`
	Timeout        string         `json:"timeout,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (s *Service) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	f := s.rt.Flow(req.FlowID)
	if f == nil {
		writeError(w, http.StatusNotFound, types.Errorf(types.ErrorKindState, "flow %q not found", req.FlowID))
		return
	}
	entrySlot := req.EntrySlot
	if entrySlot == "" {
		// Default to the entry routine's first declared slot.
		if entry := f.Routine(req.EntryRoutineID); entry != nil {
			if names := entry.SlotNames(); len(names) > 0 {
				entrySlot = names[0]
			}
		}
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		f.SetExecutionTimeout(d)
	}

	workerID, jobID, err := s.rt.Post(req.FlowID, req.EntryRoutineID, entrySlot, req.EntryParams, req.Metadata)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"worker_id": workerID,
		"job_id":    jobID,
	})
}

func (s *Service) listJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.rt.Jobs()
	out := make([]jobView, 0, len(jobs))
	for _, c := range jobs {
		out = append(out, jobViewOf(c, false))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) getJob(w http.ResponseWriter, r *http.Request) {
	c := s.rt.Job(r.PathValue("job_id"))
	if c == nil {
		writeError(w, http.StatusNotFound, types.Errorf(types.ErrorKindState, "job not found"))
		return
	}
	writeJSON(w, http.StatusOK, jobViewOf(c, true))
}

func (s *Service) pauseJob(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.PauseJob(r.PathValue("job_id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) resumeJob(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.ResumeJob(r.PathValue("job_id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CancelJob(r.PathValue("job_id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// breakpointRequest is the POST .../breakpoints body. Only routine
// breakpoints are supported.
type breakpointRequest struct {
	Type      string `json:"type"`
	RoutineID string `json:"routine_id"`
	Enabled   bool   `json:"enabled"`
}

func (s *Service) setBreakpoint(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	var req breakpointRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Type != "" && req.Type != "routine" {
		writeError(w, http.StatusBadRequest, types.Errorf(types.ErrorKindValidation, "unsupported breakpoint type %q", req.Type))
		return
	}

	c := s.rt.Job(jobID)
	if c == nil {
		writeError(w, http.StatusNotFound, types.Errorf(types.ErrorKindState, "job not found"))
		return
	}

	if !req.Enabled {
		if err := s.rt.Breakpoints().Remove(jobID, req.RoutineID); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	bp, err := s.rt.Breakpoints().Install(c.FlowID(), jobID, req.RoutineID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"breakpoint_id": bp.ID,
		"job_id":        bp.JobID,
		"routine_id":    bp.RoutineID,
		"enabled":       bp.Enabled,
	})
}

func (s *Service) listBreakpoints(w http.ResponseWriter, r *http.Request) {
	bps := s.rt.Breakpoints().ForJob(r.PathValue("job_id"))
	out := make([]map[string]any, 0, len(bps))
	for _, bp := range bps {
		out = append(out, map[string]any{
			"breakpoint_id": bp.ID,
			"routine_id":    bp.RoutineID,
			"enabled":       bp.Enabled,
			"hit_count":     bp.HitCount(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) debugData(w http.ResponseWriter, r *http.Request) {
	c := s.rt.Job(r.PathValue("job_id"))
	if c == nil {
		writeError(w, http.StatusNotFound, types.Errorf(types.ErrorKindState, "job not found"))
		return
	}

	if routineID := r.URL.Query().Get("routine_id"); routineID != "" {
		capture := c.DebugData(routineID)
		if capture == nil {
			writeError(w, http.StatusNotFound, types.Errorf(types.ErrorKindState, "no capture for routine %q", routineID))
			return
		}
		writeJSON(w, http.StatusOK, capture)
		return
	}
	writeJSON(w, http.StatusOK, c.AllDebugData())
}
