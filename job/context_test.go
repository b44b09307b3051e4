package job

import (
	"errors"
	"testing"

	"github.com/pithecene-io/sluice/types"
)

func TestContext_StatusTransitions(t *testing.T) {
	c := NewContext("j1", "w1", "f1", nil)
	if c.Status() != types.JobStatusPending {
		t.Fatalf("expected pending, got %s", c.Status())
	}

	if !c.MarkRunning() {
		t.Fatal("pending -> running should succeed")
	}
	if c.Status() != types.JobStatusRunning {
		t.Fatalf("expected running, got %s", c.Status())
	}

	// No pending work: running -> idle.
	c.IncPending()
	if idle := c.DecPending(); !idle {
		t.Fatal("expected idle transition at zero pending")
	}
	if c.Status() != types.JobStatusIdle {
		t.Fatalf("expected idle, got %s", c.Status())
	}
	if c.IdleSince().IsZero() {
		t.Error("expected idle timestamp")
	}

	// Idle revives.
	if !c.MarkRunning() {
		t.Fatal("idle -> running should succeed")
	}
	if !c.IdleSince().IsZero() {
		t.Error("revive should clear the idle timestamp")
	}

	// Terminal is final.
	if !c.Complete(types.JobStatusCompleted, nil, "") {
		t.Fatal("running -> completed should succeed")
	}
	if c.MarkRunning() {
		t.Error("completed job must not revive")
	}
	if c.Complete(types.JobStatusFailed, errors.New("late"), "") {
		t.Error("terminal status must not change")
	}
	if c.CompletedAt().IsZero() {
		t.Error("expected completion timestamp")
	}
}

func TestContext_CompleteRequiresTerminalStatus(t *testing.T) {
	c := NewContext("j1", "w1", "f1", nil)
	if c.Complete(types.JobStatusRunning, nil, "") {
		t.Error("non-terminal status must be rejected")
	}
}

func TestContext_FailureCarriesErrorAndRoutine(t *testing.T) {
	c := NewContext("j1", "w1", "f1", nil)
	c.MarkRunning()
	c.Complete(types.JobStatusFailed, errors.New("logic exploded"), "transform")

	msg, routineID := c.Err()
	if msg != "logic exploded" {
		t.Errorf("expected error message, got %q", msg)
	}
	if routineID != "transform" {
		t.Errorf("expected routine transform, got %q", routineID)
	}
}

func TestContext_DataAndMetadata(t *testing.T) {
	c := NewContext("j1", "w1", "f1", map[string]any{"origin": "test"})

	md := c.Metadata()
	if md["origin"] != "test" {
		t.Errorf("expected metadata origin, got %v", md)
	}
	// Metadata returns a copy.
	md["origin"] = "mutated"
	if c.Metadata()["origin"] != "test" {
		t.Error("metadata copy leaked")
	}

	c.SetData("count", 5)
	v, ok := c.GetData("count")
	if !ok || v != 5 {
		t.Errorf("expected count 5, got %v (ok=%v)", v, ok)
	}
	if _, ok := c.GetData("missing"); ok {
		t.Error("missing key should report absent")
	}
}

func TestContext_Trace(t *testing.T) {
	c := NewContext("j1", "w1", "f1", nil)
	c.Trace("extract", "activation_start", "")
	c.Trace("extract", "emit", "raw_data")

	entries := c.TraceLog()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[1].Action != "emit" || entries[1].Details != "raw_data" {
		t.Errorf("unexpected entry: %+v", entries[1])
	}
}

func TestContext_PauseResume(t *testing.T) {
	c := NewContext("j1", "w1", "f1", nil)
	if c.Paused() {
		t.Fatal("new job should not be paused")
	}
	c.Pause()
	if !c.Paused() {
		t.Fatal("expected paused")
	}
	c.Resume()
	if c.Paused() {
		t.Fatal("expected resumed")
	}
}

func TestContext_SnapshotRoundTrip(t *testing.T) {
	c := NewContext("j1", "w1", "f1", map[string]any{"k": "v"})
	c.MarkRunning()
	c.SetData("x", int64(1))
	c.Trace("r1", "activation_start", "")
	c.SetDebugData("r1", map[string][]any{"in": {int64(1), int64(2)}})
	c.Complete(types.JobStatusFailed, errors.New("boom"), "r1")

	restored := FromSnapshot(c.ToSnapshot())

	if restored.JobID() != "j1" || restored.FlowID() != "f1" {
		t.Errorf("identity lost: %s/%s", restored.JobID(), restored.FlowID())
	}
	if restored.Status() != types.JobStatusFailed {
		t.Errorf("expected failed, got %s", restored.Status())
	}
	msg, routineID := restored.Err()
	if msg != "boom" || routineID != "r1" {
		t.Errorf("error lost: %q %q", msg, routineID)
	}
	if v, _ := restored.GetData("x"); v != int64(1) {
		t.Errorf("data lost: %v", v)
	}
	if len(restored.TraceLog()) != 1 {
		t.Errorf("trace lost: %d entries", len(restored.TraceLog()))
	}
	capture := restored.DebugData("r1")
	if capture == nil || len(capture.SlotData["in"]) != 2 {
		t.Errorf("debug capture lost: %+v", capture)
	}
	if restored.Pending() != 0 {
		t.Errorf("pending must reset on restore, got %d", restored.Pending())
	}
}
