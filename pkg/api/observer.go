package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the execution engine for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay instance execution.
type Observer interface {
	// OnInstanceStart is called once when an instance is first started,
	// before its first step is dispatched.
	OnInstanceStart(ctx context.Context, inst *WorkflowInstance)

	// OnInstanceCompleted is called when an instance reaches
	// StatusCompleted.
	OnInstanceCompleted(ctx context.Context, inst *WorkflowInstance)

	// OnInstanceFailed is called when an instance transitions to
	// StatusFailed.
	OnInstanceFailed(ctx context.Context, inst *WorkflowInstance, err error)

	// OnStepStart is called before a step is dispatched to its handler.
	OnStepStart(ctx context.Context, inst *WorkflowInstance, step StepDefinition)

	// OnStepCompleted is called after a step handler returns, for both
	// successes and failures (err != nil).
	OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step StepDefinition, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnInstanceStart(ctx context.Context, inst *WorkflowInstance)                {}
func (NoopObserver) OnInstanceCompleted(ctx context.Context, inst *WorkflowInstance)            {}
func (NoopObserver) OnInstanceFailed(ctx context.Context, inst *WorkflowInstance, err error)    {}
func (NoopObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, step StepDefinition) {
}
func (NoopObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step StepDefinition, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnInstanceStart(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnInstanceStart(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceCompleted(ctx context.Context, inst *WorkflowInstance) {
	for _, o := range c.observers {
		o.OnInstanceCompleted(ctx, inst)
	}
}

func (c *CompositeObserver) OnInstanceFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	for _, o := range c.observers {
		o.OnInstanceFailed(ctx, inst, err)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, step StepDefinition) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, inst, step)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step StepDefinition, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, inst, step, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs instance / step lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnInstanceStart(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "instance_start",
		slog.String("definition_id", inst.DefinitionID),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnInstanceCompleted(ctx context.Context, inst *WorkflowInstance) {
	o.Logger.InfoContext(ctx, "instance_completed",
		slog.String("definition_id", inst.DefinitionID),
		slog.String("instance_id", inst.ID),
	)
}

func (o *LoggingObserver) OnInstanceFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	o.Logger.ErrorContext(ctx, "instance_failed",
		slog.String("definition_id", inst.DefinitionID),
		slog.String("instance_id", inst.ID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, inst *WorkflowInstance, step StepDefinition) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("definition_id", inst.DefinitionID),
		slog.String("instance_id", inst.ID),
		slog.String("step", step.Name),
		slog.String("step_id", step.ID),
		slog.String("kind", string(step.Kind)),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step StepDefinition, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("definition_id", inst.DefinitionID),
		slog.String("instance_id", inst.ID),
		slog.String("step", step.Name),
		slog.String("step_id", step.ID),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	instancesStarted   atomic.Int64
	instancesCompleted atomic.Int64
	instancesFailed    atomic.Int64
	stepsCompleted     atomic.Int64
	totalStepDuration  atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	InstancesStarted   int64
	InstancesCompleted int64
	InstancesFailed    int64
	ActiveInstances    int64

	StepsCompleted  int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnInstanceStart(ctx context.Context, inst *WorkflowInstance) {
	m.instancesStarted.Add(1)
}

func (m *BasicMetrics) OnInstanceCompleted(ctx context.Context, inst *WorkflowInstance) {
	m.instancesCompleted.Add(1)
}

func (m *BasicMetrics) OnInstanceFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	m.instancesFailed.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, inst *WorkflowInstance, step StepDefinition, err error, d time.Duration) {
	// Only count successful steps for average duration.
	if err == nil {
		m.stepsCompleted.Add(1)
		m.totalStepDuration.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.instancesStarted.Load()
	completed := m.instancesCompleted.Load()
	failed := m.instancesFailed.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		InstancesStarted:   started,
		InstancesCompleted: completed,
		InstancesFailed:    failed,
		ActiveInstances:    started - completed - failed,
		StepsCompleted:     steps,
		AvgStepDuration:    avg,
	}
}
