package timerqueue

import (
	"context"
	"time"
)

// TaskType identifies what the poller should do when a task fires.
type TaskType string

const (
	// TaskTypeTimerFired wakes an instance parked on a TIMER step.
	TaskTypeTimerFired TaskType = "timer-fired"

	// TaskTypeStepTimeout expires a step-level deadline, typically on a
	// user task that nobody completed in time.
	TaskTypeStepTimeout TaskType = "step-timeout"
)

// Task is a scheduled wake-up for a workflow instance.
type Task struct {
	ID         string
	Type       TaskType
	InstanceID string
	StepID     string

	EnqueuedAt time.Time

	// FireAt is the earliest time this task should be eligible for
	// processing. Zero value means "immediately".
	FireAt time.Time
}

// Queue is a due-time ordered task queue.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next due task, blocking until one
	// becomes due or the context is cancelled.
	Dequeue(ctx context.Context) (*Task, error)

	// Len returns the approximate number of tasks queued, due or not.
	Len() int
}
