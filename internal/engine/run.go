package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/mkarlsen/stepflow/internal/cond"
	"github.com/mkarlsen/stepflow/internal/parallel"
	"github.com/mkarlsen/stepflow/internal/persistence"
	"github.com/mkarlsen/stepflow/pkg/api"
)

// retryBaseDelay is the first backoff applied between retry attempts of
// SERVICE_CALL and EMAIL steps; it doubles per attempt up to retryMaxDelay.
const (
	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

func (e *engineImpl) Start(ctx context.Context, definitionID string, vars map[string]any) (*api.WorkflowInstance, error) {
	def, err := e.definitions.GetDefinition(definitionID)
	if err != nil {
		if errors.Is(err, persistence.ErrDefinitionNotFound) {
			return nil, fmt.Errorf("definition not found: %s", definitionID)
		}
		return nil, err
	}
	if def.Status != api.DefinitionActive {
		return nil, api.NewValidationError(fmt.Sprintf("definition %s is %s, not ACTIVE", definitionID, def.Status))
	}

	start, ok := def.StartStep()
	if !ok {
		return nil, api.NewValidationError(fmt.Sprintf("definition %s has no START step", definitionID))
	}

	now := time.Now()
	inst := &api.WorkflowInstance{
		ID:           uuid.NewString(),
		DefinitionID: def.ID,
		Status:       api.StatusCreated,
		CurrentStep:  start.ID,
		Context:      cloneVars(vars),
		StartedAt:    now,
		UpdatedAt:    now,
	}

	if err := e.instances.CreateInstance(inst); err != nil {
		return nil, err
	}

	e.observer.OnInstanceStart(ctx, inst)
	e.appendEvent(api.WorkflowEvent{
		InstanceID:   inst.ID,
		Type:         api.EventInstanceStarted,
		DefinitionID: def.ID,
		StepID:       start.ID,
	})

	mu := e.lock(inst.ID)
	mu.Lock()
	defer mu.Unlock()

	if err := e.setRunning(inst); err != nil {
		return inst, err
	}
	return e.run(ctx, def, inst, nil)
}

// run drives an instance from its current step until it completes, fails or
// parks. The caller must hold the instance lock.
func (e *engineImpl) run(ctx context.Context, def api.WorkflowDefinition, inst *api.WorkflowInstance, input map[string]any) (*api.WorkflowInstance, error) {
	ctl := e.control(inst.ID)
	ctl.running.Store(true)
	defer ctl.running.Store(false)

	for {
		if done, err := e.applyPendingStop(ctx, inst, ctl); done {
			return inst, err
		}
		if err := ctx.Err(); err != nil {
			return e.failInstance(ctx, inst, err)
		}

		step, ok := def.StepByID(inst.CurrentStep)
		if !ok {
			return e.failInstance(ctx, inst, fmt.Errorf("unknown step: %s", inst.CurrentStep))
		}

		if step.Kind == api.KindEnd {
			return e.completeInstance(ctx, inst, step)
		}

		// A false precondition skips the step entirely.
		if step.Precondition != "" {
			met, err := cond.EvaluateBool(step.Precondition, inst.Context)
			if err != nil {
				if next, failErr := e.handleStepFailure(ctx, inst, step, err.Error(), err); failErr != nil || next == "" {
					return inst, failErr
				} else if advErr := e.advanceTo(inst, next); advErr != nil {
					return inst, advErr
				}
				input = nil
				continue
			}
			if !met {
				e.appendEvent(api.WorkflowEvent{
					InstanceID: inst.ID,
					Type:       api.EventStepCompleted,
					StepID:     step.ID,
					Detail:     "precondition not met, step skipped",
				})
				next, ok := e.staticNext(def, step)
				if !ok {
					return e.completeInstance(ctx, inst, step)
				}
				if err := e.advanceTo(inst, next); err != nil {
					return inst, err
				}
				input = nil
				continue
			}
		}

		// Waiting kinds park the instance instead of dispatching.
		switch step.Kind {
		case api.KindUserTask:
			return e.parkUserTask(ctx, inst, step)
		case api.KindTimer:
			return e.parkTimer(ctx, def, inst, step)
		}

		e.observer.OnStepStart(ctx, inst, step)
		e.appendEvent(api.WorkflowEvent{
			InstanceID: inst.ID,
			Type:       api.EventStepStarted,
			StepID:     step.ID,
		})

		stepCtx, cancelStep := context.WithCancel(ctx)
		ctl.setCancel(cancelStep)

		started := time.Now()
		res, err := e.dispatch(stepCtx, def, inst, step, input)
		duration := time.Since(started)

		ctl.setCancel(nil)
		cancelStep()

		e.observer.OnStepCompleted(ctx, inst, step, err, duration)

		// A cancel/terminate that arrived mid-step wins over the step's
		// outcome; already-produced results are discarded.
		if status, reason, ok := ctl.takeTerminalStop(); ok {
			return inst, e.applyStop(ctx, inst, status, reason)
		}

		if err == nil && res.Status == api.ResultWaiting {
			// Executor asked to wait for an external completion; treat it
			// like a user task on this step.
			return e.parkUserTask(ctx, inst, step)
		}

		if err != nil || res.Status == api.ResultFailure {
			msg := res.Message
			if err != nil {
				msg = err.Error()
			}
			next, failErr := e.handleStepFailure(ctx, inst, step, msg, err)
			if failErr != nil || next == "" {
				return inst, failErr
			}
			if advErr := e.advanceTo(inst, next); advErr != nil {
				return inst, advErr
			}
			input = nil
			continue
		}

		// Success: merge output, record, advance.
		if len(res.Output) > 0 {
			if inst.Context == nil {
				inst.Context = map[string]any{}
			}
			maps.Copy(inst.Context, res.Output)
			if err := e.instances.UpdateContext(inst.ID, inst.Context); err != nil {
				return inst, err
			}
		}
		e.appendEvent(api.WorkflowEvent{
			InstanceID: inst.ID,
			Type:       api.EventStepCompleted,
			StepID:     step.ID,
			Detail:     res.Message,
		})

		next := res.NextStepID
		if next == "" {
			var ok bool
			next, ok = e.staticNext(def, step)
			if !ok {
				return e.completeInstance(ctx, inst, step)
			}
		}
		if err := e.advanceTo(inst, next); err != nil {
			return inst, err
		}
		input = res.Output
	}
}

// dispatch executes one non-waiting step and returns its result.
func (e *engineImpl) dispatch(ctx context.Context, def api.WorkflowDefinition, inst *api.WorkflowInstance, step api.StepDefinition, input map[string]any) (api.ExecutionResult, error) {
	switch {
	case step.Kind == api.KindStart:
		return api.Success(nil), nil

	case step.Kind == api.KindCondition:
		// Routing honors the step timeout like task execution does.
		if step.Timeout > 0 {
			routeCtx, cancel := context.WithTimeout(ctx, step.Timeout)
			defer cancel()
			return e.router.Route(routeCtx, step, inst.Context, input)
		}
		return e.router.Route(ctx, step, inst.Context, input)

	case step.Kind == api.KindParallelGateway:
		coord := parallel.NewCoordinator(e.branchRunner(def, inst))
		return coord.Execute(ctx, step, cloneVars(inst.Context))

	case step.Kind.TaskLike():
		return e.executeTask(ctx, inst, step, input)

	default:
		return api.ExecutionResult{}, api.NewExecutionError(step.ID, fmt.Sprintf("cannot dispatch step kind %s", step.Kind), nil)
	}
}

// executeTask runs a task-like step through its executor, honoring the step
// timeout and, for retryable kinds, the retry budget.
func (e *engineImpl) executeTask(ctx context.Context, inst *api.WorkflowInstance, step api.StepDefinition, input map[string]any) (api.ExecutionResult, error) {
	exec, err := e.lookupExecutor(step)
	if err != nil {
		return api.ExecutionResult{}, err
	}

	attempts := 1
	if step.Kind.Retryable() && step.RetryCount > 0 {
		attempts = 1 + step.RetryCount
	}

	ec := api.ExecutionContext{
		InstanceID: inst.ID,
		Step:       step,
		Variables:  cloneVars(inst.Context),
		Input:      input,
	}

	delay := retryBaseDelay
	var lastRes api.ExecutionResult
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if step.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		}

		lastRes, lastErr = exec.Execute(attemptCtx, ec)
		if cancel != nil {
			cancel()
		}

		if lastErr == nil && lastRes.Status != api.ResultFailure {
			return lastRes, nil
		}
		if ctx.Err() != nil {
			// Caller cancellation is not retried.
			break
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return api.ExecutionResult{}, ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}

	if lastErr != nil {
		return api.ExecutionResult{}, api.NewExecutionError(step.ID, "step execution failed", lastErr)
	}
	return lastRes, nil
}

// branchRunner returns the parallel coordinator's callback: it runs one
// branch's member steps sequentially, threading outputs forward.
func (e *engineImpl) branchRunner(def api.WorkflowDefinition, inst *api.WorkflowInstance) parallel.BranchRunner {
	return func(ctx context.Context, branch api.ParallelBranch, vars map[string]any) (map[string]any, error) {
		scoped := cloneVars(vars)
		output := map[string]any{}
		var input map[string]any

		for _, stepID := range branch.Steps {
			member, ok := def.StepByID(stepID)
			if !ok {
				return nil, api.NewExecutionError(stepID, fmt.Sprintf("branch %s references unknown step", branch.ID), nil)
			}
			if !member.Kind.TaskLike() {
				return nil, api.NewExecutionError(stepID, fmt.Sprintf("branch member %s is not task-like", member.Kind), nil)
			}

			scopedInst := &api.WorkflowInstance{ID: inst.ID, DefinitionID: inst.DefinitionID, Context: scoped}
			res, err := e.executeTask(ctx, scopedInst, member, input)
			if err != nil {
				return nil, err
			}
			if res.Status != api.ResultSuccess {
				return nil, api.NewExecutionError(member.ID, res.Message, nil)
			}

			maps.Copy(scoped, res.Output)
			maps.Copy(output, res.Output)
			input = res.Output
		}
		return output, nil
	}
}

// parkUserTask moves the instance to WAITING on a user task and registers
// the step deadline with the scheduler, if any.
func (e *engineImpl) parkUserTask(ctx context.Context, inst *api.WorkflowInstance, step api.StepDefinition) (*api.WorkflowInstance, error) {
	now := time.Now()
	wait := &api.WaitState{
		Kind:   api.WaitUserTask,
		StepID: step.ID,
		Since:  now,
	}
	if step.Timeout > 0 {
		wait.Deadline = now.Add(step.Timeout)
	}
	if err := e.park(ctx, inst, step, wait); err != nil {
		return inst, err
	}

	if e.scheduler != nil && !wait.Deadline.IsZero() {
		if err := e.scheduler.ScheduleTimeout(ctx, inst.ID, step.ID, wait.Deadline); err != nil {
			return inst, err
		}
	}
	return inst, nil
}

// parkTimer moves the instance to WAITING on a timer step.
func (e *engineImpl) parkTimer(ctx context.Context, def api.WorkflowDefinition, inst *api.WorkflowInstance, step api.StepDefinition) (*api.WorkflowInstance, error) {
	wd, err := step.WaitDuration()
	if err != nil {
		next, failErr := e.handleStepFailure(ctx, inst, step, err.Error(), err)
		if failErr != nil || next == "" {
			return inst, failErr
		}
		if advErr := e.advanceTo(inst, next); advErr != nil {
			return inst, advErr
		}
		return e.run(ctx, def, inst, nil)
	}

	now := time.Now()
	wait := &api.WaitState{
		Kind:     api.WaitTimer,
		StepID:   step.ID,
		Since:    now,
		Deadline: now.Add(wd),
	}
	if err := e.park(ctx, inst, step, wait); err != nil {
		return inst, err
	}

	if e.scheduler != nil {
		if err := e.scheduler.ScheduleTimer(ctx, inst.ID, step.ID, wait.Deadline); err != nil {
			return inst, err
		}
	}
	return inst, nil
}

func (e *engineImpl) park(ctx context.Context, inst *api.WorkflowInstance, step api.StepDefinition, wait *api.WaitState) error {
	e.observer.OnStepStart(ctx, inst, step)
	e.appendEvent(api.WorkflowEvent{
		InstanceID: inst.ID,
		Type:       api.EventStepStarted,
		StepID:     step.ID,
	})

	if err := e.instances.UpdateWait(inst.ID, wait); err != nil {
		return err
	}
	if err := e.instances.UpdateStatus(inst.ID, api.StatusWaiting, ""); err != nil {
		return err
	}
	inst.Wait = wait
	inst.Status = api.StatusWaiting

	e.appendEvent(api.WorkflowEvent{
		InstanceID: inst.ID,
		Type:       api.EventInstanceWaiting,
		StepID:     step.ID,
		Detail:     string(wait.Kind),
	})
	return nil
}

// handleStepFailure applies the failure routing of one step: the error
// transition first, then the optional flag, otherwise the instance fails.
// It returns the id of the step to continue from, or "" when the instance
// is finished (failed).
func (e *engineImpl) handleStepFailure(ctx context.Context, inst *api.WorkflowInstance, step api.StepDefinition, msg string, cause error) (string, error) {
	e.appendEvent(api.WorkflowEvent{
		InstanceID: inst.ID,
		Type:       api.EventStepFailed,
		StepID:     step.ID,
		Detail:     msg,
	})

	if step.ErrorStepID != "" {
		return step.ErrorStepID, nil
	}
	if step.Optional {
		// Optional steps swallow their own failures.
		if step.NextStepID != "" {
			return step.NextStepID, nil
		}
		return "", e.completeOrFailAfterOptional(ctx, inst, step)
	}

	if cause == nil {
		cause = api.NewExecutionError(step.ID, msg, nil)
	}
	_, ferr := e.failInstance(ctx, inst, cause)
	return "", ferr
}

// completeOrFailAfterOptional finishes an instance whose failing optional
// step had no outgoing transition.
func (e *engineImpl) completeOrFailAfterOptional(ctx context.Context, inst *api.WorkflowInstance, step api.StepDefinition) error {
	def, err := e.definitions.GetDefinition(inst.DefinitionID)
	if err == nil {
		if next, ok := def.StepAfter(step.ID); ok {
			if advErr := e.advanceTo(inst, next.ID); advErr != nil {
				return advErr
			}
			_, runErr := e.run(ctx, def, inst, nil)
			return runErr
		}
	}
	_, cErr := e.completeInstance(ctx, inst, step)
	return cErr
}

func (e *engineImpl) staticNext(def api.WorkflowDefinition, step api.StepDefinition) (string, bool) {
	if step.NextStepID != "" {
		return step.NextStepID, true
	}
	next, ok := def.StepAfter(step.ID)
	if !ok {
		return "", false
	}
	return next.ID, true
}

func (e *engineImpl) advanceTo(inst *api.WorkflowInstance, stepID string) error {
	if err := e.instances.UpdateCurrentStep(inst.ID, stepID); err != nil {
		return err
	}
	inst.CurrentStep = stepID
	return nil
}

func (e *engineImpl) completeInstance(ctx context.Context, inst *api.WorkflowInstance, step api.StepDefinition) (*api.WorkflowInstance, error) {
	if err := e.advanceTo(inst, step.ID); err != nil {
		return inst, err
	}
	if err := e.instances.UpdateStatus(inst.ID, api.StatusCompleted, ""); err != nil {
		return inst, err
	}
	inst.Status = api.StatusCompleted

	e.appendEvent(api.WorkflowEvent{
		InstanceID: inst.ID,
		Type:       api.EventInstanceCompleted,
		StepID:     step.ID,
	})
	e.observer.OnInstanceCompleted(ctx, inst)
	e.forgetInstance(inst)
	return inst, nil
}

func (e *engineImpl) failInstance(ctx context.Context, inst *api.WorkflowInstance, cause error) (*api.WorkflowInstance, error) {
	if err := e.instances.UpdateStatus(inst.ID, api.StatusFailed, cause.Error()); err != nil {
		return inst, err
	}
	inst.Status = api.StatusFailed
	inst.Error = cause.Error()

	e.appendEvent(api.WorkflowEvent{
		InstanceID: inst.ID,
		Type:       api.EventInstanceFailed,
		StepID:     inst.CurrentStep,
		Detail:     cause.Error(),
	})
	e.observer.OnInstanceFailed(ctx, inst, cause)
	e.forgetInstance(inst)
	return inst, cause
}

// applyPendingStop consumes a stop requested by Suspend/Cancel/Terminate
// and persists the corresponding transition.
func (e *engineImpl) applyPendingStop(ctx context.Context, inst *api.WorkflowInstance, ctl *runControl) (bool, error) {
	status, reason, ok := ctl.takeStop()
	if !ok {
		return false, nil
	}
	return true, e.applyStop(ctx, inst, status, reason)
}

func (e *engineImpl) applyStop(ctx context.Context, inst *api.WorkflowInstance, status api.InstanceStatus, reason string) error {
	switch status {
	case api.StatusSuspended:
		if err := e.instances.UpdateStatus(inst.ID, api.StatusSuspended, ""); err != nil {
			return err
		}
		inst.Status = api.StatusSuspended
		e.appendEvent(api.WorkflowEvent{InstanceID: inst.ID, Type: api.EventInstanceSuspended, StepID: inst.CurrentStep})

	case api.StatusCancelled:
		if err := e.instances.UpdateWait(inst.ID, nil); err != nil {
			return err
		}
		if err := e.instances.UpdateStatus(inst.ID, api.StatusCancelled, ""); err != nil {
			return err
		}
		inst.Status = api.StatusCancelled
		inst.Wait = nil
		e.appendEvent(api.WorkflowEvent{InstanceID: inst.ID, Type: api.EventInstanceCancelled, StepID: inst.CurrentStep})

	case api.StatusTerminated:
		if err := e.instances.UpdateWait(inst.ID, nil); err != nil {
			return err
		}
		if err := e.instances.UpdateStatus(inst.ID, api.StatusTerminated, reason); err != nil {
			return err
		}
		inst.Status = api.StatusTerminated
		inst.Error = reason
		inst.Wait = nil
		e.appendEvent(api.WorkflowEvent{InstanceID: inst.ID, Type: api.EventInstanceTerminated, StepID: inst.CurrentStep, Detail: reason})
	}
	e.forgetInstance(inst)
	return nil
}

func cloneVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	maps.Copy(out, vars)
	return out
}
