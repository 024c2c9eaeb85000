// Package scheduler provides the wall-clock collaborator for the execution
// engine: timer and deadline registrations land in a durable queue, and a
// poller raises them back into the engine when they become due.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mkarlsen/stepflow/internal/timerqueue"
	"github.com/mkarlsen/stepflow/pkg/api"
)

// QueueScheduler implements api.TimerScheduler on top of a timer queue.
type QueueScheduler struct {
	queue timerqueue.Queue
}

var _ api.TimerScheduler = (*QueueScheduler)(nil)

// NewQueueScheduler creates a scheduler writing into the given queue.
func NewQueueScheduler(queue timerqueue.Queue) *QueueScheduler {
	return &QueueScheduler{queue: queue}
}

func (s *QueueScheduler) ScheduleTimer(ctx context.Context, instanceID, stepID string, fireAt time.Time) error {
	return s.queue.Enqueue(ctx, timerqueue.Task{
		Type:       timerqueue.TaskTypeTimerFired,
		InstanceID: instanceID,
		StepID:     stepID,
		FireAt:     fireAt,
	})
}

func (s *QueueScheduler) ScheduleTimeout(ctx context.Context, instanceID, stepID string, deadline time.Time) error {
	return s.queue.Enqueue(ctx, timerqueue.Task{
		Type:       timerqueue.TaskTypeStepTimeout,
		InstanceID: instanceID,
		StepID:     stepID,
		FireAt:     deadline,
	})
}

// TimerTarget is the slice of the engine the poller needs.
type TimerTarget interface {
	FireTimer(ctx context.Context, instanceID string) (*api.WorkflowInstance, error)
	TimeoutStep(ctx context.Context, instanceID, stepID string) (*api.WorkflowInstance, error)
}

// Poller drains due tasks from a timer queue and delivers them to the
// engine. Run one poller per queue; the engine serializes per instance.
type Poller struct {
	queue  timerqueue.Queue
	target TimerTarget
	logger *slog.Logger
}

// NewPoller creates a poller delivering due tasks from queue to target.
// A nil logger falls back to slog.Default.
func NewPoller(queue timerqueue.Queue, target TimerTarget, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{queue: queue, target: target, logger: logger}
}

// ProcessOne blocks until one task becomes due, delivers it, and returns.
// Delivery errors are returned after logging; queue errors end the call.
func (p *Poller) ProcessOne(ctx context.Context) error {
	task, err := p.queue.Dequeue(ctx)
	if err != nil {
		return err
	}
	return p.deliver(ctx, task)
}

// Run processes tasks until the context is cancelled. Delivery errors are
// logged and skipped so one bad task cannot stall the queue.
func (p *Poller) Run(ctx context.Context) error {
	for {
		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			p.logger.Error("timer dequeue failed", "error", err)
			continue
		}
		if err := p.deliver(ctx, task); err != nil {
			p.logger.Error("timer delivery failed",
				"type", string(task.Type),
				"instance", task.InstanceID,
				"step", task.StepID,
				"error", err)
		}
	}
}

func (p *Poller) deliver(ctx context.Context, task *timerqueue.Task) error {
	switch task.Type {
	case timerqueue.TaskTypeTimerFired:
		_, err := p.target.FireTimer(ctx, task.InstanceID)
		return err
	case timerqueue.TaskTypeStepTimeout:
		_, err := p.target.TimeoutStep(ctx, task.InstanceID, task.StepID)
		return err
	default:
		p.logger.Warn("unknown timer task type", "type", string(task.Type))
		return nil
	}
}
