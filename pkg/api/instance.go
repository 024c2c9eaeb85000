package api

import "time"

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	StatusCreated    InstanceStatus = "CREATED"
	StatusRunning    InstanceStatus = "RUNNING"
	StatusWaiting    InstanceStatus = "WAITING"
	StatusSuspended  InstanceStatus = "SUSPENDED"
	StatusCompleted  InstanceStatus = "COMPLETED"
	StatusCancelled  InstanceStatus = "CANCELLED"
	StatusTerminated InstanceStatus = "TERMINATED"
	StatusFailed     InstanceStatus = "FAILED"
)

// Terminal reports whether the status ends the instance lifecycle.
// No further mutation is permitted once a terminal status is reached.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusTerminated, StatusFailed:
		return true
	}
	return false
}

// WaitKind says why a WAITING instance is parked.
type WaitKind string

const (
	WaitUserTask WaitKind = "USER_TASK"
	WaitTimer    WaitKind = "TIMER"
)

// WaitState records what a WAITING instance is blocked on.
type WaitState struct {
	Kind   WaitKind
	StepID string
	Since  time.Time

	// Deadline is the wall-clock timeout for the wait, checked by the
	// external scheduler. Zero means no deadline.
	Deadline time.Time
}

// WorkflowInstance is one execution of a workflow definition.
//
// An instance is owned by the execution engine while it runs; every state
// transition is persisted through the store boundary. Once the status is
// terminal the instance is never mutated again.
type WorkflowInstance struct {
	ID           string
	DefinitionID string
	Status       InstanceStatus
	CurrentStep  string

	// Context is the instance's variable context. Step outputs are merged
	// into it as steps complete.
	Context map[string]any

	// Error carries the captured failure message for FAILED/TERMINATED
	// instances.
	Error string

	// Wait is set while the instance is WAITING (or while SUSPENDED with a
	// pending wait), nil otherwise.
	Wait *WaitState

	StartedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy of the instance. Stores hand out clones so
// callers can never mutate engine-owned state behind its back.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	if w == nil {
		return nil
	}
	cp := *w
	if w.Context != nil {
		cp.Context = make(map[string]any, len(w.Context))
		for k, v := range w.Context {
			cp.Context[k] = v
		}
	}
	if w.Wait != nil {
		ws := *w.Wait
		cp.Wait = &ws
	}
	return &cp
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	// DefinitionID, if non-empty, limits results to instances of the given
	// definition.
	DefinitionID string

	// Status, if non-empty, limits results to instances with the given
	// status.
	Status InstanceStatus
}
