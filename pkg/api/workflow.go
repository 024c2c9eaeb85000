package api

import (
	"fmt"
	"time"
)

// StepKind identifies the behavior of a step within a workflow definition.
type StepKind string

const (
	KindStart           StepKind = "START"
	KindEnd             StepKind = "END"
	KindTask            StepKind = "TASK"
	KindUserTask        StepKind = "USER_TASK"
	KindServiceCall     StepKind = "SERVICE_CALL"
	KindScript          StepKind = "SCRIPT"
	KindEmail           StepKind = "EMAIL"
	KindTimer           StepKind = "TIMER"
	KindCondition       StepKind = "CONDITION"
	KindParallelGateway StepKind = "PARALLEL_GATEWAY"
)

// TaskLike reports whether steps of this kind are dispatched to an
// externally supplied StepExecutor.
func (k StepKind) TaskLike() bool {
	switch k {
	case KindTask, KindServiceCall, KindScript, KindEmail:
		return true
	}
	return false
}

// Retryable reports whether steps of this kind honor RetryCount.
// Only service calls and emails are retried; everything else fails fast.
func (k StepKind) Retryable() bool {
	return k == KindServiceCall || k == KindEmail
}

// Valid reports whether k is one of the known step kinds.
func (k StepKind) Valid() bool {
	switch k {
	case KindStart, KindEnd, KindTask, KindUserTask, KindServiceCall,
		KindScript, KindEmail, KindTimer, KindCondition, KindParallelGateway:
		return true
	}
	return false
}

// DefinitionStatus is the lifecycle state of a workflow definition.
type DefinitionStatus string

const (
	DefinitionDraft      DefinitionStatus = "DRAFT"
	DefinitionActive     DefinitionStatus = "ACTIVE"
	DefinitionInactive   DefinitionStatus = "INACTIVE"
	DefinitionDeprecated DefinitionStatus = "DEPRECATED"
)

// StepDefinition describes a single step in a sealed workflow definition.
//
// Once a definition is built its steps are never mutated; the builder
// replaces whole records when rewiring transitions.
type StepDefinition struct {
	// ID is unique within the definition.
	ID   string
	Name string
	Kind StepKind

	// Order is unique within the definition; steps are sorted by it.
	Order int

	// Executor names the StepExecutor implementation for task-like kinds.
	Executor string

	// Config holds kind-specific opaque settings (URLs, script bodies,
	// recipients, wait durations, ...).
	Config map[string]any

	// Precondition, if non-empty, is a boolean expression over instance
	// variables; a false result skips the step.
	Precondition string

	NextStepID  string
	ErrorStepID string

	// Optional steps swallow their own failures; execution proceeds to
	// NextStepID as if the step had succeeded.
	Optional bool

	Timeout    time.Duration
	RetryCount int

	// Condition is set only for KindCondition steps.
	Condition *ConditionConfig

	// Parallel is set only for KindParallelGateway steps.
	Parallel *ParallelConfig
}

// ConfigString returns the string value stored under key, or "" when the
// key is absent or not a string.
func (s StepDefinition) ConfigString(key string) string {
	if s.Config == nil {
		return ""
	}
	v, ok := s.Config[key].(string)
	if !ok {
		return ""
	}
	return v
}

// WaitDuration returns the configured wait duration of a TIMER step.
func (s StepDefinition) WaitDuration() (time.Duration, error) {
	raw := s.ConfigString(ConfigKeyWaitDuration)
	if raw == "" {
		return 0, fmt.Errorf("step %q: missing %s", s.Name, ConfigKeyWaitDuration)
	}
	return time.ParseDuration(raw)
}

// Well-known step configuration keys used by the builder and the built-in
// executors.
const (
	ConfigKeyURL          = "url"
	ConfigKeyMethod       = "method"
	ConfigKeyScript       = "script"
	ConfigKeyRecipient    = "to"
	ConfigKeySubject      = "subject"
	ConfigKeyWaitDuration = "waitDuration"
	ConfigKeyAssignee     = "assignee"
)

// WorkflowDefinition is a sealed, effectively immutable workflow graph.
type WorkflowDefinition struct {
	ID      string
	Name    string
	Version string
	Status  DefinitionStatus

	// Steps are sorted by Order. Step IDs and Orders are unique, and all
	// NextStepID/ErrorStepID values reference existing steps.
	Steps []StepDefinition

	Config map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StepByID returns the step with the given id.
func (d WorkflowDefinition) StepByID(id string) (StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// StepByName returns the first step with the given name.
func (d WorkflowDefinition) StepByName(name string) (StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// StartStep returns the START step of the definition.
func (d WorkflowDefinition) StartStep() (StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.Kind == KindStart {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// StepAfter returns the step following the given one in Order. It is the
// fallback transition for steps without an explicit NextStepID.
func (d WorkflowDefinition) StepAfter(id string) (StepDefinition, bool) {
	for i, s := range d.Steps {
		if s.ID == id {
			if i+1 < len(d.Steps) {
				return d.Steps[i+1], true
			}
			return StepDefinition{}, false
		}
	}
	return StepDefinition{}, false
}
