package api

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// recordingObserver counts callback invocations.
type recordingObserver struct {
	NoopObserver
	started, completed, failed, stepsDone int
}

func (r *recordingObserver) OnInstanceStart(ctx context.Context, inst *WorkflowInstance)  { r.started++ }
func (r *recordingObserver) OnInstanceCompleted(ctx context.Context, inst *WorkflowInstance) {
	r.completed++
}
func (r *recordingObserver) OnInstanceFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	r.failed++
}
func (r *recordingObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step StepDefinition, err error, d time.Duration) {
	r.stepsDone++
}

func TestBasicMetricsSnapshot(t *testing.T) {
	ctx := context.Background()
	m := &BasicMetrics{}
	inst := &WorkflowInstance{ID: "i-1", DefinitionID: "d-1"}
	step := StepDefinition{ID: "s-1", Kind: KindTask}

	m.OnInstanceStart(ctx, inst)
	m.OnInstanceStart(ctx, inst)
	m.OnInstanceStart(ctx, inst)
	m.OnInstanceCompleted(ctx, inst)
	m.OnInstanceFailed(ctx, inst, errors.New("boom"))

	m.OnStepCompleted(ctx, inst, step, nil, 100*time.Millisecond)
	m.OnStepCompleted(ctx, inst, step, nil, 300*time.Millisecond)
	// Failed steps are excluded from the duration aggregate.
	m.OnStepCompleted(ctx, inst, step, errors.New("boom"), time.Hour)

	snap := m.Snapshot()
	if snap.InstancesStarted != 3 || snap.InstancesCompleted != 1 || snap.InstancesFailed != 1 {
		t.Fatalf("instance counters: %+v", snap)
	}
	if snap.ActiveInstances != 1 {
		t.Errorf("ActiveInstances = %d, want 1", snap.ActiveInstances)
	}
	if snap.StepsCompleted != 2 {
		t.Errorf("StepsCompleted = %d, want 2", snap.StepsCompleted)
	}
	if snap.AvgStepDuration != 200*time.Millisecond {
		t.Errorf("AvgStepDuration = %v, want 200ms", snap.AvgStepDuration)
	}
}

func TestCompositeObserverFansOut(t *testing.T) {
	ctx := context.Background()
	a := &recordingObserver{}
	b := &recordingObserver{}

	obs := NewCompositeObserver(a, nil, b)
	inst := &WorkflowInstance{ID: "i-1"}

	obs.OnInstanceStart(ctx, inst)
	obs.OnInstanceCompleted(ctx, inst)
	obs.OnStepCompleted(ctx, inst, StepDefinition{}, nil, time.Millisecond)

	for name, r := range map[string]*recordingObserver{"a": a, "b": b} {
		if r.started != 1 || r.completed != 1 || r.stepsDone != 1 {
			t.Errorf("observer %s: %+v", name, r)
		}
	}
}

func TestCompositeObserverCollapses(t *testing.T) {
	if _, ok := NewCompositeObserver().(NoopObserver); !ok {
		t.Error("no observers should collapse to NoopObserver")
	}
	if _, ok := NewCompositeObserver(nil, nil).(NoopObserver); !ok {
		t.Error("all-nil observers should collapse to NoopObserver")
	}

	single := &recordingObserver{}
	if got := NewCompositeObserver(nil, single); got != single {
		t.Error("a single observer should be returned as-is")
	}
}

func TestLoggingObserverWritesStructuredRecords(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	obs := NewLoggingObserver(logger)
	inst := &WorkflowInstance{ID: "i-1", DefinitionID: "d-1"}
	step := StepDefinition{ID: "s-1", Name: "charge", Kind: KindServiceCall}

	obs.OnInstanceStart(ctx, inst)
	obs.OnStepStart(ctx, inst, step)
	obs.OnStepCompleted(ctx, inst, step, nil, 5*time.Millisecond)
	obs.OnStepCompleted(ctx, inst, step, errors.New("declined"), time.Millisecond)
	obs.OnInstanceFailed(ctx, inst, errors.New("declined"))

	out := buf.String()
	for _, want := range []string{"instance_start", "step_start", "step_completed", "instance_failed", "instance_id=i-1", "step=charge", "declined"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
	if !strings.Contains(out, "level=ERROR") {
		t.Errorf("failures should log at error level:\n%s", out)
	}
}
