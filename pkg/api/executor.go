package api

import "context"

// ResultStatus classifies the outcome of a single step dispatch.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "SUCCESS"
	ResultFailure ResultStatus = "FAILURE"
	ResultWaiting ResultStatus = "WAITING"
)

// ExecutionResult is the uniform return value of every step dispatch:
// executors, the conditional router and the parallel coordinator all
// produce one.
type ExecutionResult struct {
	Status ResultStatus

	// NextStepID overrides the step's static NextStepID when non-empty.
	// Routers use this to resolve conditional transitions.
	NextStepID string

	// Output is merged into the instance context on success.
	Output map[string]any

	// Message carries a human-oriented note, usually the failure reason.
	Message string
}

// Success returns a successful result carrying the given output.
func Success(output map[string]any) ExecutionResult {
	return ExecutionResult{Status: ResultSuccess, Output: output}
}

// Failure returns a failed result with the given message.
func Failure(message string) ExecutionResult {
	return ExecutionResult{Status: ResultFailure, Message: message}
}

// ExecutionContext is the read-only view a StepExecutor gets of the
// instance it is acting for.
type ExecutionContext struct {
	InstanceID string
	Step       StepDefinition

	// Variables is a copy of the instance context; mutating it has no
	// effect on the instance.
	Variables map[string]any

	// Input is the output of the previous step, if any.
	Input map[string]any
}

// StepExecutor performs the business action of a task-like step. One
// implementation per task-like kind is injected by the host application;
// individual steps may select a specific implementation by name through
// their Executor reference.
type StepExecutor interface {
	Execute(ctx context.Context, ec ExecutionContext) (ExecutionResult, error)
}

// ExecutorFunc adapts a plain function to the StepExecutor interface.
type ExecutorFunc func(ctx context.Context, ec ExecutionContext) (ExecutionResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, ec ExecutionContext) (ExecutionResult, error) {
	return f(ctx, ec)
}
