package snapshot_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/pithecene-io/sluice/flow"
	"github.com/pithecene-io/sluice/job"
	"github.com/pithecene-io/sluice/policy"
	"github.com/pithecene-io/sluice/registry"
	"github.com/pithecene-io/sluice/snapshot"
	"github.com/pithecene-io/sluice/types"
)

func init() {
	registry.MustRegisterLogic("snapshot_test_noop", func(*flow.Activation) error { return nil })
}

func buildFlow(t *testing.T) *flow.Flow {
	t.Helper()
	f := flow.New("pipeline")
	f.SetExecutionTimeout(30 * time.Second)
	f.SetErrorPolicy(&flow.ErrorPolicy{Mode: flow.ErrorContinue})

	src := flow.NewRoutine("src")
	if err := src.AddSlot("trigger", flow.SlotConfig{Merge: types.MergeOverride, MaxQueueLength: 50, Watermark: 5}); err != nil {
		t.Fatal(err)
	}
	if err := src.AddEvent("out", []string{"value"}); err != nil {
		t.Fatal(err)
	}
	src.SetNamedLogic("snapshot_test_noop", registry.Logic("snapshot_test_noop"))
	src.SetPolicy(policy.NewImmediate())
	src.SetConfig(map[string]any{"region": "eu", "limit": int64(9)})

	dst := flow.NewRoutine("dst")
	if err := dst.AddSlot("in", flow.SlotConfig{}); err != nil {
		t.Fatal(err)
	}
	dst.SetNamedLogic("snapshot_test_noop", registry.Logic("snapshot_test_noop"))
	pol, err := policy.NewBatchSize(4, "in")
	if err != nil {
		t.Fatal(err)
	}
	dst.SetPolicy(pol)
	dst.SetErrorPolicy(&flow.ErrorPolicy{Mode: flow.ErrorRetry, MaxRetries: 2, Delay: time.Second})

	if err := f.AddRoutine(src); err != nil {
		t.Fatal(err)
	}
	if err := f.AddRoutine(dst); err != nil {
		t.Fatal(err)
	}
	if err := f.Connect("src", "out", "dst", "in"); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestFlowRoundTrip(t *testing.T) {
	f := buildFlow(t)
	// Queue some data so point restore is exercised.
	if err := f.Routine("dst").Slot("in").Push(map[string]any{"value": int64(1)}); err != nil {
		t.Fatal(err)
	}

	data, err := snapshot.EncodeFlow(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	restored, err := snapshot.DecodeFlow(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if restored.ID() != "pipeline" {
		t.Errorf("flow id lost: %s", restored.ID())
	}
	if restored.ExecutionTimeout() != 30*time.Second {
		t.Errorf("timeout lost: %s", restored.ExecutionTimeout())
	}
	if p := restored.ErrorPolicy(); p == nil || p.Mode != flow.ErrorContinue {
		t.Errorf("flow error policy lost: %+v", p)
	}

	src := restored.Routine("src")
	if src == nil {
		t.Fatal("src routine lost")
	}
	slot := src.Slot("trigger")
	if slot.Merge() != types.MergeOverride || slot.MaxQueueLength() != 50 || slot.Watermark() != 5 {
		t.Errorf("slot config lost: %s/%d/%d", slot.Merge(), slot.MaxQueueLength(), slot.Watermark())
	}
	if src.Policy().Name() != policy.NameImmediate {
		t.Errorf("policy lost: %s", src.Policy().Name())
	}
	if cfg := src.Config(); cfg["region"] != "eu" {
		t.Errorf("config lost: %v", cfg)
	}

	dst := restored.Routine("dst")
	if dst.Policy().Name() != policy.NameBatchSize {
		t.Errorf("batch policy lost: %s", dst.Policy().Name())
	}
	if p := dst.ErrorPolicy(); p == nil || p.Mode != flow.ErrorRetry || p.MaxRetries != 2 {
		t.Errorf("routine error policy lost: %+v", p)
	}
	if got := dst.Slot("in").UnconsumedCount(); got != 1 {
		t.Errorf("queued point lost: %d unconsumed", got)
	}

	if len(restored.Connections()) != 1 {
		t.Errorf("connections lost: %d", len(restored.Connections()))
	}
	if restored.Routine("src").Event("out") == nil {
		t.Error("event lost")
	}
}

func TestFlowReserializeByteEqual(t *testing.T) {
	f := buildFlow(t)

	first, err := snapshot.EncodeFlow(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	restored, err := snapshot.DecodeFlow(first)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	second, err := snapshot.EncodeFlow(restored)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Error("re-serialising a restored flow must be byte-equal")
	}
}

func TestFlowSnapshotRejectsAnonymousLogic(t *testing.T) {
	f := flow.New("anon")
	r := flow.NewRoutine("r")
	if err := r.AddSlot("in", flow.SlotConfig{}); err != nil {
		t.Fatal(err)
	}
	r.SetLogic(func(*flow.Activation) error { return nil }) // no name
	r.SetPolicy(policy.NewImmediate())
	if err := f.AddRoutine(r); err != nil {
		t.Fatal(err)
	}

	_, err := snapshot.EncodeFlow(f)
	if err == nil {
		t.Fatal("expected error for anonymous logic")
	}
	if !types.IsKind(err, types.ErrorKindSerialization) {
		t.Errorf("expected serialization kind, got %v", err)
	}
}

func TestDecodeFlowUnknownLogic(t *testing.T) {
	f := flow.New("ghost")
	r := flow.NewRoutine("r")
	if err := r.AddSlot("in", flow.SlotConfig{}); err != nil {
		t.Fatal(err)
	}
	// Name something deliberately unregistered.
	r.SetNamedLogic("not_registered_anywhere", func(*flow.Activation) error { return nil })
	r.SetPolicy(policy.NewImmediate())
	if err := f.AddRoutine(r); err != nil {
		t.Fatal(err)
	}

	data, err := snapshot.EncodeFlow(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := snapshot.DecodeFlow(data); err == nil {
		t.Fatal("expected unknown logic error on decode")
	}
}

func TestJobRoundTrip(t *testing.T) {
	c := job.NewContext("j1", "w1", "f1", map[string]any{"source": "api"})
	c.MarkRunning()
	c.SetData("progress", int64(42))
	c.Trace("r1", "activation_start", "")
	c.SetDebugData("r1", map[string][]any{"in": {"captured"}})
	c.Complete(types.JobStatusCompleted, nil, "")

	data, err := snapshot.EncodeJob(c)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	restored, err := snapshot.DecodeJob(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if restored.JobID() != "j1" || restored.Status() != types.JobStatusCompleted {
		t.Errorf("identity or status lost: %s %s", restored.JobID(), restored.Status())
	}
	if v, _ := restored.GetData("progress"); v != int64(42) {
		t.Errorf("data lost: %v", v)
	}

	// Byte-equal law holds for job state too.
	second, err := snapshot.EncodeJob(restored)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if !bytes.Equal(data, second) {
		t.Error("re-serialising a restored job must be byte-equal")
	}
}
