package engine

import (
	"context"
	"testing"
	"time"

	"github.com/mkarlsen/stepflow/pkg/api"
)

func userTaskStep(id string, order int) api.StepDefinition {
	return api.StepDefinition{ID: id, Name: id, Kind: api.KindUserTask, Order: order}
}

func timerStep(id string, order int, wait string) api.StepDefinition {
	return api.StepDefinition{
		ID: id, Name: id, Kind: api.KindTimer, Order: order,
		Config: map[string]any{api.ConfigKeyWaitDuration: wait},
	}
}

func TestUserTaskParksAndCompletes(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	calls, exec := countingExecutor(map[string]any{"archived": true})
	registerNamed(t, eng, "archive", exec)

	def := deployDef(t, eng,
		startStep(),
		userTaskStep("approve", 1),
		taskStep("archive", 2, "archive"),
		endStep(3),
	)

	inst, err := eng.Start(ctx, def.ID, map[string]any{"amount": 250})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if inst.Status != api.StatusWaiting {
		t.Fatalf("status = %s, want WAITING at the user task", inst.Status)
	}
	if inst.Wait == nil || inst.Wait.Kind != api.WaitUserTask || inst.Wait.StepID != "approve" {
		t.Fatalf("wait state = %+v, want USER_TASK on approve", inst.Wait)
	}
	if calls.Load() != 0 {
		t.Fatal("steps after the user task must not run before completion")
	}

	// A WAITING instance never advances spontaneously.
	again, err := eng.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if again.Status != api.StatusWaiting {
		t.Fatalf("status drifted to %s without a signal", again.Status)
	}

	done, err := eng.CompleteUserTask(ctx, inst.ID, map[string]any{"approved": true})
	if err != nil {
		t.Fatalf("CompleteUserTask failed: %v", err)
	}
	if done.Status != api.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", done.Status)
	}
	if done.Context["approved"] != true {
		t.Errorf("user task output not merged into context: %v", done.Context)
	}
	if calls.Load() != 1 {
		t.Errorf("follow-up step ran %d times, want 1", calls.Load())
	}
}

func TestCompleteUserTaskRequiresMatchingWait(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	def := deployDef(t, eng, startStep(), endStep(1))
	inst, err := eng.Start(ctx, def.ID, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if inst.Status != api.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", inst.Status)
	}

	if _, err := eng.CompleteUserTask(ctx, inst.ID, nil); !api.IsValidationError(err) {
		t.Errorf("completing a non-waiting instance: got %v, want ValidationError", err)
	}

	// A timer wait must not accept a user-task completion.
	timed := deployDef(t, eng, startStep(), timerStep("cooldown", 1, "1h"), endStep(2))
	waiting, err := eng.Start(ctx, timed.ID, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := eng.CompleteUserTask(ctx, waiting.ID, nil); !api.IsValidationError(err) {
		t.Errorf("completing a timer wait as a user task: got %v, want ValidationError", err)
	}
}

func TestTimerParksAndFires(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	def := deployDef(t, eng, startStep(), timerStep("cooldown", 1, "1h"), endStep(2))

	inst, err := eng.Start(ctx, def.ID, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if inst.Status != api.StatusWaiting || inst.Wait == nil || inst.Wait.Kind != api.WaitTimer {
		t.Fatalf("instance not parked on timer: status=%s wait=%+v", inst.Status, inst.Wait)
	}
	wantDeadline := inst.Wait.Since.Add(time.Hour)
	if !inst.Wait.Deadline.Equal(wantDeadline) {
		t.Errorf("deadline = %v, want since+1h (%v)", inst.Wait.Deadline, wantDeadline)
	}

	done, err := eng.FireTimer(ctx, inst.ID)
	if err != nil {
		t.Fatalf("FireTimer failed: %v", err)
	}
	if done.Status != api.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED after the timer fired", done.Status)
	}

	events, _ := eng.ListEvents(ctx, inst.ID)
	var fired bool
	for _, ev := range events {
		if ev.Type == api.EventTimerFired && ev.StepID == "cooldown" {
			fired = true
		}
	}
	if !fired {
		t.Error("expected a timer.fired event")
	}
}

func TestTimerWithBadDurationUsesErrorRouting(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	calls, exec := countingExecutor(nil)
	registerNamed(t, eng, "comp", exec)

	broken := timerStep("cooldown", 1, "not-a-duration")
	broken.ErrorStepID = "compensate"

	def := deployDef(t, eng, startStep(), broken, taskStep("compensate", 2, "comp"), endStep(3))

	inst, err := eng.Start(ctx, def.ID, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if inst.Status != api.StatusCompleted || calls.Load() != 1 {
		t.Fatalf("broken timer should route to its error step (status %s, calls %d)", inst.Status, calls.Load())
	}
}

func TestTimeoutStepFailsUnroutedWait(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	approve := userTaskStep("approve", 1)
	approve.Timeout = time.Minute
	def := deployDef(t, eng, startStep(), approve, endStep(2))

	inst, err := eng.Start(ctx, def.ID, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if inst.Wait == nil || inst.Wait.Deadline.IsZero() {
		t.Fatalf("user task with timeout must record a deadline, got %+v", inst.Wait)
	}

	timedOut, err := eng.TimeoutStep(ctx, inst.ID, "approve")
	if err == nil {
		t.Fatal("expected the timeout to surface the failure")
	}
	if timedOut.Status != api.StatusFailed {
		t.Fatalf("status = %s, want FAILED", timedOut.Status)
	}

	events, _ := eng.ListEvents(ctx, inst.ID)
	var sawTimeout bool
	for _, ev := range events {
		if ev.Type == api.EventStepTimeout {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Error("expected a step.timeout event")
	}
}

func TestTimeoutStepRoutesToErrorStep(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	calls, exec := countingExecutor(nil)
	registerNamed(t, eng, "escalate", exec)

	approve := userTaskStep("approve", 1)
	approve.Timeout = time.Minute
	approve.ErrorStepID = "escalate"
	def := deployDef(t, eng, startStep(), approve, taskStep("escalate", 2, "escalate"), endStep(3))

	inst, err := eng.Start(ctx, def.ID, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	done, err := eng.TimeoutStep(ctx, inst.ID, "approve")
	if err != nil {
		t.Fatalf("TimeoutStep failed: %v", err)
	}
	if done.Status != api.StatusCompleted || calls.Load() != 1 {
		t.Fatalf("timeout should continue through the error step (status %s, calls %d)", done.Status, calls.Load())
	}
}

func TestTimeoutStepIgnoresStaleDeadline(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	def := deployDef(t, eng, startStep(), userTaskStep("approve", 1), endStep(2))
	inst, err := eng.Start(ctx, def.ID, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := eng.CompleteUserTask(ctx, inst.ID, nil); err != nil {
		t.Fatalf("CompleteUserTask failed: %v", err)
	}

	// The wait was already satisfied; a late deadline delivery is a no-op.
	got, err := eng.TimeoutStep(ctx, inst.ID, "approve")
	if err != nil {
		t.Fatalf("stale TimeoutStep errored: %v", err)
	}
	if got.Status != api.StatusCompleted {
		t.Fatalf("stale timeout changed status to %s", got.Status)
	}
}

func TestSuspendResumeAroundUserTask(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	def := deployDef(t, eng, startStep(), userTaskStep("approve", 1), endStep(2))
	inst, err := eng.Start(ctx, def.ID, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	suspended, err := eng.Suspend(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	if suspended.Status != api.StatusSuspended {
		t.Fatalf("status = %s, want SUSPENDED", suspended.Status)
	}

	// Signals are rejected while suspended.
	if _, err := eng.CompleteUserTask(ctx, inst.ID, nil); !api.IsValidationError(err) {
		t.Errorf("completing a suspended instance: got %v, want ValidationError", err)
	}

	resumed, err := eng.Resume(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if resumed.Status != api.StatusWaiting || resumed.Wait == nil {
		t.Fatalf("resume must restore the pending wait, got status %s wait %+v", resumed.Status, resumed.Wait)
	}

	done, err := eng.CompleteUserTask(ctx, inst.ID, nil)
	if err != nil {
		t.Fatalf("CompleteUserTask failed: %v", err)
	}
	if done.Status != api.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", done.Status)
	}
}

func TestSuspendIsIdempotentAndRejectsTerminal(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	def := deployDef(t, eng, startStep(), userTaskStep("approve", 1), endStep(2))
	inst, _ := eng.Start(ctx, def.ID, nil)

	if _, err := eng.Suspend(ctx, inst.ID); err != nil {
		t.Fatalf("Suspend failed: %v", err)
	}
	if _, err := eng.Suspend(ctx, inst.ID); err != nil {
		t.Fatalf("second Suspend should be a no-op, got %v", err)
	}

	if _, err := eng.Cancel(ctx, inst.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if _, err := eng.Suspend(ctx, inst.ID); !api.IsValidationError(err) {
		t.Errorf("suspending a terminal instance: got %v, want ValidationError", err)
	}
}

func TestResumeRequiresSuspended(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	def := deployDef(t, eng, startStep(), userTaskStep("approve", 1), endStep(2))
	inst, _ := eng.Start(ctx, def.ID, nil)

	if _, err := eng.Resume(ctx, inst.ID); !api.IsValidationError(err) {
		t.Fatalf("resuming a WAITING instance: got %v, want ValidationError", err)
	}
}

func TestCancelWaitingInstance(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	def := deployDef(t, eng, startStep(), userTaskStep("approve", 1), endStep(2))
	inst, _ := eng.Start(ctx, def.ID, nil)

	cancelled, err := eng.Cancel(ctx, inst.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != api.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", cancelled.Status)
	}
	if cancelled.Wait != nil {
		t.Error("cancellation must clear the pending wait")
	}

	if _, err := eng.Cancel(ctx, inst.ID); !api.IsValidationError(err) {
		t.Errorf("cancelling twice: got %v, want ValidationError", err)
	}
}

func TestTerminateRecordsReason(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	def := deployDef(t, eng, startStep(), userTaskStep("approve", 1), endStep(2))
	inst, _ := eng.Start(ctx, def.ID, nil)

	terminated, err := eng.Terminate(ctx, inst.ID, "fraud hold")
	if err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if terminated.Status != api.StatusTerminated {
		t.Fatalf("status = %s, want TERMINATED", terminated.Status)
	}
	if terminated.Error != "fraud hold" {
		t.Errorf("reason = %q, want %q", terminated.Error, "fraud hold")
	}
}

func TestCancelInterruptsRunningStep(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	started := make(chan string, 1)
	registerNamed(t, eng, "slow", api.ExecutorFunc(func(ctx context.Context, ec api.ExecutionContext) (api.ExecutionResult, error) {
		started <- ec.InstanceID
		<-ctx.Done()
		return api.ExecutionResult{}, ctx.Err()
	}))

	def := deployDef(t, eng, startStep(), taskStep("slow", 1, "slow"), endStep(2))

	result := make(chan *api.WorkflowInstance, 1)
	go func() {
		inst, _ := eng.Start(ctx, def.ID, nil)
		result <- inst
	}()

	var instanceID string
	select {
	case instanceID = <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("step never started")
	}

	if _, err := eng.Cancel(ctx, instanceID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	select {
	case inst := <-result:
		if inst.Status != api.StatusCancelled {
			t.Fatalf("status = %s, want CANCELLED (the interrupted step's result is discarded)", inst.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not finish after cancellation")
	}
}
