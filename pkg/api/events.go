package api

import "time"

// EventType identifies an instance history event.
type EventType string

const (
	EventDefinitionDeployed EventType = "definition.deployed"

	EventInstanceStarted    EventType = "instance.started"
	EventInstanceWaiting    EventType = "instance.waiting"
	EventInstanceResumed    EventType = "instance.resumed"
	EventInstanceSuspended  EventType = "instance.suspended"
	EventInstanceCompleted  EventType = "instance.completed"
	EventInstanceCancelled  EventType = "instance.cancelled"
	EventInstanceTerminated EventType = "instance.terminated"
	EventInstanceFailed     EventType = "instance.failed"

	EventStepStarted   EventType = "step.started"
	EventStepCompleted EventType = "step.completed"
	EventStepFailed    EventType = "step.failed"

	EventTimerFired  EventType = "timer.fired"
	EventStepTimeout EventType = "step.timeout"
)

// WorkflowEvent is a minimal append-only history record for audit/debugging.
// It is intentionally small and stable; richer history can be layered later.
type WorkflowEvent struct {
	InstanceID string
	At         time.Time
	Type       EventType

	// Optional context.
	DefinitionID string
	StepID       string

	// Small, human-oriented details (e.g. failure message, chosen branch).
	// Keep this low-volume: do NOT dump large payloads here.
	Detail string
}
