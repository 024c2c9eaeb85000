package api

import (
	"context"
	"time"
)

// Engine is the high-level execution engine API. It drives many instances
// independently; within one instance all state transitions are serialized.
type Engine interface {
	// Deploy validates nothing further (definitions arrive sealed from the
	// builder), stores the definition and marks it ACTIVE. A missing id is
	// assigned.
	Deploy(ctx context.Context, def WorkflowDefinition) (WorkflowDefinition, error)

	// GetDefinition looks up a stored definition by id.
	GetDefinition(ctx context.Context, id string) (WorkflowDefinition, error)

	// SetDefinitionStatus moves a definition through its lifecycle
	// (ACTIVE/INACTIVE/DEPRECATED). Instances may only be started from
	// ACTIVE definitions.
	SetDefinitionStatus(ctx context.Context, id string, status DefinitionStatus) error

	// Start creates an instance of the given definition with the initial
	// variable context and drives it until it completes, fails, or parks
	// in WAITING.
	Start(ctx context.Context, definitionID string, vars map[string]any) (*WorkflowInstance, error)

	// GetInstance looks up an instance by id.
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)

	// ListInstances returns instances matching the given options.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*WorkflowInstance, error)

	// ListEvents returns the append-only history of an instance.
	ListEvents(ctx context.Context, instanceID string) ([]WorkflowEvent, error)

	// CompleteUserTask delivers the external completion signal for the
	// user task the instance is currently waiting on. The output map is
	// merged into the instance context and execution continues.
	CompleteUserTask(ctx context.Context, instanceID string, output map[string]any) (*WorkflowInstance, error)

	// Suspend pauses a RUNNING or WAITING instance.
	Suspend(ctx context.Context, instanceID string) (*WorkflowInstance, error)

	// Resume continues a SUSPENDED instance.
	Resume(ctx context.Context, instanceID string) (*WorkflowInstance, error)

	// Cancel transitions any non-terminal instance to CANCELLED.
	// Outstanding parallel branches are abandoned best-effort; results of
	// already-dispatched executor calls are discarded.
	Cancel(ctx context.Context, instanceID string) (*WorkflowInstance, error)

	// Terminate forcibly ends a non-terminal instance with the given
	// reason.
	Terminate(ctx context.Context, instanceID string, reason string) (*WorkflowInstance, error)

	// FireTimer is raised by the external scheduler when a TIMER step's
	// wait elapses. It resumes the waiting instance.
	FireTimer(ctx context.Context, instanceID string) (*WorkflowInstance, error)

	// TimeoutStep is raised by the external scheduler when a waiting
	// step's wall-clock deadline expires. The step is treated as failed
	// and its error routing applies.
	TimeoutStep(ctx context.Context, instanceID, stepID string) (*WorkflowInstance, error)

	// RegisterExecutor installs the executor handling all task-like steps
	// of the given kind.
	RegisterExecutor(kind StepKind, exec StepExecutor) error

	// RegisterNamedExecutor installs an executor selectable by a step's
	// Executor reference, taking precedence over the kind registration.
	RegisterNamedExecutor(name string, exec StepExecutor) error

	// RegisterEvaluator installs a condition evaluator for the given
	// condition kind, extending the built-in set.
	RegisterEvaluator(kind string, ev ConditionEvaluator) error
}

// TimerScheduler is the engine's outbound collaborator for wall-clock
// deadlines. The engine never busy-waits: it records the wait and asks the
// scheduler to raise FireTimer/TimeoutStep back into it later.
type TimerScheduler interface {
	// ScheduleTimer asks for FireTimer(instanceID) at fireAt.
	ScheduleTimer(ctx context.Context, instanceID, stepID string, fireAt time.Time) error

	// ScheduleTimeout asks for TimeoutStep(instanceID, stepID) at deadline.
	ScheduleTimeout(ctx context.Context, instanceID, stepID string, deadline time.Time) error
}
