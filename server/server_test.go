package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/sluice/flow"
	"github.com/pithecene-io/sluice/log"
	"github.com/pithecene-io/sluice/metrics"
	"github.com/pithecene-io/sluice/policy"
	"github.com/pithecene-io/sluice/registry"
	"github.com/pithecene-io/sluice/runtime"
	"github.com/pithecene-io/sluice/server"
	"github.com/pithecene-io/sluice/types"
)

func init() {
	registry.MustRegisterTemplate("server_test_worker", func(id string, config map[string]any) (*flow.Routine, error) {
		r := flow.NewRoutine(id)
		if err := r.AddSlot("input", flow.SlotConfig{}); err != nil {
			return nil, err
		}
		if err := r.AddEvent("out", nil); err != nil {
			return nil, err
		}
		r.SetNamedLogic("server_test_worker", func(*flow.Activation) error { return nil })
		r.SetPolicy(policy.NewImmediate())
		return r, nil
	})
}

type fixture struct {
	rt  *runtime.Runtime
	srv *server.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rt := runtime.New(runtime.Config{PoolSize: 2, Logger: log.Nop()})
	t.Cleanup(func() { rt.Shutdown(false) })
	srv := server.New(rt, server.Config{
		Addr:            ":0",
		MonitorInterval: 10 * time.Millisecond,
		Metrics:         metrics.New(),
	})
	return &fixture{rt: rt, srv: srv}
}

func (fx *fixture) do(t *testing.T, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	fx.srv.Handler().ServeHTTP(rec, req)
	return rec
}

const flowDoc = `
flow_id: api-flow
routines:
  worker:
    class: server_test_worker
connections: []
`

func (fx *fixture) createFlow(t *testing.T) {
	t.Helper()
	rec := fx.do(t, http.MethodPost, "/api/flows", "application/yaml", []byte(flowDoc))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create flow: %d %s", rec.Code, rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	fx := newFixture(t)
	rec := fx.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestFlowLifecycle(t *testing.T) {
	fx := newFixture(t)
	fx.createFlow(t)

	// List shows the flow as executing.
	rec := fx.do(t, http.MethodGet, "/api/flows", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var flows []map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &flows)
	if len(flows) != 1 || flows[0]["flow_id"] != "api-flow" || flows[0]["executing"] != true {
		t.Fatalf("unexpected list: %v", flows)
	}

	// Get, validate, export.
	if rec := fx.do(t, http.MethodGet, "/api/flows/api-flow", "", nil); rec.Code != http.StatusOK {
		t.Errorf("get: %d", rec.Code)
	}
	rec = fx.do(t, http.MethodPost, "/api/flows/api-flow/validate", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"valid":true`) {
		t.Errorf("validate: %d %s", rec.Code, rec.Body.String())
	}
	rec = fx.do(t, http.MethodGet, "/api/flows/api-flow/dsl?format=json", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "server_test_worker") {
		t.Errorf("dsl export: %d %s", rec.Code, rec.Body.String())
	}
	rec = fx.do(t, http.MethodGet, "/api/flows/api-flow/dsl", "", nil)
	if ct := rec.Header().Get("Content-Type"); ct != "application/yaml" {
		t.Errorf("expected yaml export, got %s", ct)
	}

	// Duplicate create conflicts.
	rec = fx.do(t, http.MethodPost, "/api/flows", "application/yaml", []byte(flowDoc))
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate create: %d", rec.Code)
	}

	// Delete.
	if rec := fx.do(t, http.MethodDelete, "/api/flows/api-flow", "", nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete: %d", rec.Code)
	}
	if rec := fx.do(t, http.MethodGet, "/api/flows/api-flow", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: %d", rec.Code)
	}
}

func TestCreateFlowBadDoc(t *testing.T) {
	fx := newFixture(t)
	rec := fx.do(t, http.MethodPost, "/api/flows", "application/yaml", []byte("routines: {}"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestJobLifecycle(t *testing.T) {
	fx := newFixture(t)
	fx.createFlow(t)

	body, _ := json.Marshal(map[string]any{
		"flow_id":          "api-flow",
		"entry_routine_id": "worker",
		"entry_params":     map[string]any{"n": 1},
	})
	rec := fx.do(t, http.MethodPost, "/api/jobs", "application/json", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create job: %d %s", rec.Code, rec.Body.String())
	}
	var created map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	jobID, _ := created["job_id"].(string)
	if jobID == "" {
		t.Fatalf("no job id: %v", created)
	}

	if !fx.rt.WaitUntilIdle(5 * time.Second) {
		t.Fatal("job did not finish")
	}

	rec = fx.do(t, http.MethodGet, "/api/jobs/"+jobID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get job: %d", rec.Code)
	}
	var view map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &view)
	if view["status"] != string(types.JobStatusIdle) {
		t.Errorf("expected idle, got %v", view["status"])
	}

	rec = fx.do(t, http.MethodGet, "/api/jobs", "", nil)
	var jobs []map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &jobs)
	if len(jobs) != 1 {
		t.Errorf("expected 1 job listed, got %d", len(jobs))
	}

	// Pause, resume, cancel.
	if rec := fx.do(t, http.MethodPost, "/api/jobs/"+jobID+"/pause", "", nil); rec.Code != http.StatusNoContent {
		t.Errorf("pause: %d", rec.Code)
	}
	if rec := fx.do(t, http.MethodPost, "/api/jobs/"+jobID+"/resume", "", nil); rec.Code != http.StatusNoContent {
		t.Errorf("resume: %d", rec.Code)
	}
	if rec := fx.do(t, http.MethodPost, "/api/jobs/"+jobID+"/cancel", "", nil); rec.Code != http.StatusNoContent {
		t.Errorf("cancel: %d", rec.Code)
	}
	rec = fx.do(t, http.MethodGet, "/api/jobs/"+jobID, "", nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &view)
	if view["status"] != string(types.JobStatusFailed) {
		t.Errorf("expected failed after cancel, got %v", view["status"])
	}
}

func TestJobNotFound(t *testing.T) {
	fx := newFixture(t)
	if rec := fx.do(t, http.MethodGet, "/api/jobs/ghost", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := fx.do(t, http.MethodPost, "/api/jobs/ghost/pause", "", nil); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for unknown job pause, got %d", rec.Code)
	}
}

func TestBreakpointEndpoints(t *testing.T) {
	fx := newFixture(t)
	fx.createFlow(t)

	// Create a job so breakpoints have a target.
	body, _ := json.Marshal(map[string]any{
		"flow_id":          "api-flow",
		"entry_routine_id": "worker",
		"entry_params":     map[string]any{},
	})
	rec := fx.do(t, http.MethodPost, "/api/jobs", "application/json", body)
	var created map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	jobID := created["job_id"].(string)
	fx.rt.WaitUntilIdle(5 * time.Second)

	// Arm.
	bpBody, _ := json.Marshal(map[string]any{"type": "routine", "routine_id": "worker", "enabled": true})
	rec = fx.do(t, http.MethodPost, "/api/jobs/"+jobID+"/breakpoints", "application/json", bpBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("arm breakpoint: %d %s", rec.Code, rec.Body.String())
	}

	// Post more data: captured, not executed.
	rec = fx.do(t, http.MethodPost, "/api/jobs", "application/json", mustJSON(t, map[string]any{
		"flow_id":          "api-flow",
		"entry_routine_id": "worker",
		"entry_params":     map[string]any{"n": 2},
		"metadata":         map[string]any{"job_id": jobID},
	}))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("post under breakpoint: %d", rec.Code)
	}
	fx.rt.WaitUntilIdle(5 * time.Second)

	rec = fx.do(t, http.MethodGet, "/api/jobs/"+jobID+"/debug/data?routine_id=worker", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("debug data: %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "slot_data") {
		t.Errorf("expected capture payload, got %s", rec.Body.String())
	}

	rec = fx.do(t, http.MethodGet, "/api/jobs/"+jobID+"/breakpoints", "", nil)
	var bps []map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &bps)
	if len(bps) != 1 || bps[0]["routine_id"] != "worker" {
		t.Fatalf("unexpected breakpoints: %v", bps)
	}
	if hits, _ := bps[0]["hit_count"].(float64); hits < 1 {
		t.Errorf("expected hit count >= 1, got %v", bps[0]["hit_count"])
	}

	// Unsupported type rejected.
	badBody, _ := json.Marshal(map[string]any{"type": "slot", "routine_id": "worker", "enabled": true})
	if rec := fx.do(t, http.MethodPost, "/api/jobs/"+jobID+"/breakpoints", "application/json", badBody); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for slot breakpoint, got %d", rec.Code)
	}

	// Disarm.
	offBody, _ := json.Marshal(map[string]any{"type": "routine", "routine_id": "worker", "enabled": false})
	if rec := fx.do(t, http.MethodPost, "/api/jobs/"+jobID+"/breakpoints", "application/json", offBody); rec.Code != http.StatusNoContent {
		t.Errorf("disarm: %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	fx := newFixture(t)
	rec := fx.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sluice_") {
		t.Errorf("expected sluice metrics, got: %.200s", rec.Body.String())
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
