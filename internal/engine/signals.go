package engine

import (
	"context"
	"fmt"
	"maps"

	"github.com/mkarlsen/stepflow/pkg/api"
)

func (e *engineImpl) CompleteUserTask(ctx context.Context, instanceID string, output map[string]any) (*api.WorkflowInstance, error) {
	mu := e.lock(instanceID)
	mu.Lock()
	defer mu.Unlock()

	inst, def, err := e.loadWaiting(ctx, instanceID, api.WaitUserTask)
	if err != nil {
		return nil, err
	}
	step, ok := def.StepByID(inst.Wait.StepID)
	if !ok {
		return inst, fmt.Errorf("waiting step not found: %s", inst.Wait.StepID)
	}

	if len(output) > 0 {
		if inst.Context == nil {
			inst.Context = map[string]any{}
		}
		maps.Copy(inst.Context, output)
		if err := e.instances.UpdateContext(inst.ID, inst.Context); err != nil {
			return inst, err
		}
	}

	e.appendEvent(api.WorkflowEvent{
		InstanceID: inst.ID,
		Type:       api.EventStepCompleted,
		StepID:     step.ID,
		Detail:     "user task completed",
	})

	return e.resumeFromWait(ctx, def, inst, step, output)
}

func (e *engineImpl) FireTimer(ctx context.Context, instanceID string) (*api.WorkflowInstance, error) {
	mu := e.lock(instanceID)
	mu.Lock()
	defer mu.Unlock()

	inst, def, err := e.loadWaiting(ctx, instanceID, api.WaitTimer)
	if err != nil {
		return nil, err
	}
	step, ok := def.StepByID(inst.Wait.StepID)
	if !ok {
		return inst, fmt.Errorf("waiting step not found: %s", inst.Wait.StepID)
	}

	e.appendEvent(api.WorkflowEvent{
		InstanceID: inst.ID,
		Type:       api.EventTimerFired,
		StepID:     step.ID,
	})
	e.appendEvent(api.WorkflowEvent{
		InstanceID: inst.ID,
		Type:       api.EventStepCompleted,
		StepID:     step.ID,
	})

	return e.resumeFromWait(ctx, def, inst, step, nil)
}

func (e *engineImpl) TimeoutStep(ctx context.Context, instanceID, stepID string) (*api.WorkflowInstance, error) {
	mu := e.lock(instanceID)
	mu.Lock()
	defer mu.Unlock()

	inst, err := e.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != api.StatusWaiting || inst.Wait == nil || inst.Wait.StepID != stepID {
		// Stale deadline: the wait was already satisfied.
		return inst, nil
	}

	def, err := e.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return inst, err
	}
	step, ok := def.StepByID(stepID)
	if !ok {
		return inst, fmt.Errorf("waiting step not found: %s", stepID)
	}

	e.appendEvent(api.WorkflowEvent{
		InstanceID: inst.ID,
		Type:       api.EventStepTimeout,
		StepID:     step.ID,
	})

	if err := e.clearWait(inst); err != nil {
		return inst, err
	}

	// A timed-out wait is a failed step; its error routing applies.
	next, failErr := e.handleStepFailure(ctx, inst, step, "step deadline exceeded", nil)
	if failErr != nil || next == "" {
		return inst, failErr
	}
	if err := e.setRunning(inst); err != nil {
		return inst, err
	}
	if err := e.advanceTo(inst, next); err != nil {
		return inst, err
	}
	return e.run(ctx, def, inst, nil)
}

func (e *engineImpl) Suspend(ctx context.Context, instanceID string) (*api.WorkflowInstance, error) {
	ctl := e.control(instanceID)
	if ctl.running.Load() {
		inst, err := e.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		// The run loop holds the instance lock; it applies the transition
		// at the next step boundary.
		ctl.requestStop(api.StatusSuspended, "")
		return inst, nil
	}

	// Idle instance: serialize with the signal handlers and re-read the
	// status under the lock, so a signal that just finished the instance
	// cannot be overwritten.
	mu := e.lock(instanceID)
	mu.Lock()
	defer mu.Unlock()

	inst, err := e.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, api.NewValidationError(fmt.Sprintf("cannot suspend instance in status %s", inst.Status))
	}
	if inst.Status == api.StatusSuspended {
		return inst, nil
	}

	if err := e.instances.UpdateStatus(instanceID, api.StatusSuspended, ""); err != nil {
		return inst, err
	}
	inst.Status = api.StatusSuspended
	e.appendEvent(api.WorkflowEvent{InstanceID: inst.ID, Type: api.EventInstanceSuspended, StepID: inst.CurrentStep})
	return inst, nil
}

func (e *engineImpl) Resume(ctx context.Context, instanceID string) (*api.WorkflowInstance, error) {
	mu := e.lock(instanceID)
	mu.Lock()
	defer mu.Unlock()

	inst, err := e.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != api.StatusSuspended {
		return nil, api.NewValidationError(fmt.Sprintf("cannot resume instance in status %s", inst.Status))
	}

	e.appendEvent(api.WorkflowEvent{InstanceID: inst.ID, Type: api.EventInstanceResumed, StepID: inst.CurrentStep})

	// An instance suspended mid-wait goes back to WAITING. A wake-up that
	// fired during the suspension was rejected by the signal handlers and
	// dropped from the queue, so re-register the persisted deadline. A
	// past deadline is due immediately, and a duplicate delivery is
	// rejected as not-waiting.
	if inst.Wait != nil {
		if err := e.instances.UpdateStatus(instanceID, api.StatusWaiting, ""); err != nil {
			return inst, err
		}
		inst.Status = api.StatusWaiting

		if e.scheduler != nil {
			switch inst.Wait.Kind {
			case api.WaitTimer:
				if err := e.scheduler.ScheduleTimer(ctx, inst.ID, inst.Wait.StepID, inst.Wait.Deadline); err != nil {
					return inst, err
				}
			case api.WaitUserTask:
				if !inst.Wait.Deadline.IsZero() {
					if err := e.scheduler.ScheduleTimeout(ctx, inst.ID, inst.Wait.StepID, inst.Wait.Deadline); err != nil {
						return inst, err
					}
				}
			}
		}
		return inst, nil
	}

	def, err := e.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return inst, err
	}
	if err := e.setRunning(inst); err != nil {
		return inst, err
	}
	return e.run(ctx, def, inst, nil)
}

func (e *engineImpl) Cancel(ctx context.Context, instanceID string) (*api.WorkflowInstance, error) {
	return e.stop(ctx, instanceID, api.StatusCancelled, "")
}

func (e *engineImpl) Terminate(ctx context.Context, instanceID string, reason string) (*api.WorkflowInstance, error) {
	return e.stop(ctx, instanceID, api.StatusTerminated, reason)
}

func (e *engineImpl) stop(ctx context.Context, instanceID string, status api.InstanceStatus, reason string) (*api.WorkflowInstance, error) {
	ctl := e.control(instanceID)
	if ctl.running.Load() {
		inst, err := e.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if inst.Status.Terminal() {
			return nil, api.NewValidationError(fmt.Sprintf("instance already %s", inst.Status))
		}
		// Interrupt the in-flight step; the run loop persists the
		// transition and discards the step's result.
		ctl.requestStop(status, reason)
		return inst, nil
	}

	// Idle instance: same locking discipline as Suspend.
	mu := e.lock(instanceID)
	mu.Lock()
	defer mu.Unlock()

	inst, err := e.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, api.NewValidationError(fmt.Sprintf("instance already %s", inst.Status))
	}

	if err := e.instances.UpdateWait(instanceID, nil); err != nil {
		return inst, err
	}
	if err := e.instances.UpdateStatus(instanceID, status, reason); err != nil {
		return inst, err
	}
	inst.Status = status
	inst.Error = reason
	inst.Wait = nil

	eventType := api.EventInstanceCancelled
	if status == api.StatusTerminated {
		eventType = api.EventInstanceTerminated
	}
	e.appendEvent(api.WorkflowEvent{InstanceID: inst.ID, Type: eventType, StepID: inst.CurrentStep, Detail: reason})
	e.forgetInstance(inst)
	return inst, nil
}

// loadWaiting fetches an instance that must be WAITING for the given kind,
// together with its definition.
func (e *engineImpl) loadWaiting(ctx context.Context, instanceID string, kind api.WaitKind) (*api.WorkflowInstance, api.WorkflowDefinition, error) {
	inst, err := e.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, api.WorkflowDefinition{}, err
	}
	if inst.Status != api.StatusWaiting || inst.Wait == nil {
		return nil, api.WorkflowDefinition{}, api.NewValidationError(
			fmt.Sprintf("instance %s is not waiting (status %s)", instanceID, inst.Status))
	}
	if inst.Wait.Kind != kind {
		return nil, api.WorkflowDefinition{}, api.NewValidationError(
			fmt.Sprintf("instance %s is waiting on %s, not %s", instanceID, inst.Wait.Kind, kind))
	}

	def, err := e.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return nil, api.WorkflowDefinition{}, err
	}
	return inst, def, nil
}

// resumeFromWait clears the wait state and continues execution after the
// given step.
func (e *engineImpl) resumeFromWait(ctx context.Context, def api.WorkflowDefinition, inst *api.WorkflowInstance, step api.StepDefinition, input map[string]any) (*api.WorkflowInstance, error) {
	if err := e.clearWait(inst); err != nil {
		return inst, err
	}
	if err := e.setRunning(inst); err != nil {
		return inst, err
	}
	e.appendEvent(api.WorkflowEvent{InstanceID: inst.ID, Type: api.EventInstanceResumed, StepID: step.ID})

	next, ok := e.staticNext(def, step)
	if !ok {
		return e.completeInstance(ctx, inst, step)
	}
	if err := e.advanceTo(inst, next); err != nil {
		return inst, err
	}
	return e.run(ctx, def, inst, input)
}

func (e *engineImpl) clearWait(inst *api.WorkflowInstance) error {
	if err := e.instances.UpdateWait(inst.ID, nil); err != nil {
		return err
	}
	inst.Wait = nil
	return nil
}

func (e *engineImpl) setRunning(inst *api.WorkflowInstance) error {
	if err := e.instances.UpdateStatus(inst.ID, api.StatusRunning, ""); err != nil {
		return err
	}
	inst.Status = api.StatusRunning
	inst.Error = ""
	return nil
}
