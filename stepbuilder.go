package stepflow

import (
	"fmt"
	"time"

	"github.com/mkarlsen/stepflow/pkg/api"
)

// Kind-driven defaults, applied when the kind is set and revisable by later
// setters.
const (
	defaultUserTaskTimeout    = 24 * time.Hour
	defaultServiceCallTimeout = 30 * time.Second
	defaultServiceCallRetries = 3
	defaultScriptTimeout      = 5 * time.Minute
	defaultConditionTimeout   = 10 * time.Second
)

// StepBuilder assembles a single StepDefinition:
//
//	sb := stepflow.NewStep("charge-card").
//	    Kind(stepflow.KindServiceCall).
//	    Config(stepflow.ConfigKeyURL, "https://payments.internal/charge").
//	    Retries(5)
//
//	def, err := stepflow.NewDefinition("order").AddStep(sb).Build()
//
// Setting a kind applies that kind's defaults (timeouts, retries, HTTP
// method); explicit setters called afterwards override them. Invalid input
// is recorded and reported when the definition is built, never swallowed.
type StepBuilder struct {
	step api.StepDefinition
	err  error
}

// NewStep starts a step with the given name. The step's id and order are
// assigned by the definition builder unless set explicitly.
func NewStep(name string) *StepBuilder {
	b := &StepBuilder{step: api.StepDefinition{Name: name}}
	if name == "" {
		b.fail("name", "step name must not be empty")
	}
	return b
}

func (b *StepBuilder) fail(field, reason string) {
	if b.err == nil {
		b.err = api.NewConfigurationError(field, reason)
	}
}

// ID overrides the auto-assigned step id.
func (b *StepBuilder) ID(id string) *StepBuilder {
	if id == "" {
		b.fail("id", "step id must not be empty")
		return b
	}
	b.step.ID = id
	return b
}

// Kind sets the step kind and applies the kind's defaults.
func (b *StepBuilder) Kind(kind api.StepKind) *StepBuilder {
	if !kind.Valid() {
		b.fail("kind", fmt.Sprintf("unknown step kind %q", kind))
		return b
	}
	b.step.Kind = kind

	switch kind {
	case api.KindUserTask:
		if b.step.Timeout == 0 {
			b.step.Timeout = defaultUserTaskTimeout
		}
	case api.KindServiceCall:
		if b.step.Timeout == 0 {
			b.step.Timeout = defaultServiceCallTimeout
		}
		if b.step.RetryCount == 0 {
			b.step.RetryCount = defaultServiceCallRetries
		}
		if b.step.ConfigString(api.ConfigKeyMethod) == "" {
			b.setConfig(api.ConfigKeyMethod, "POST")
		}
	case api.KindScript:
		if b.step.Timeout == 0 {
			b.step.Timeout = defaultScriptTimeout
		}
	case api.KindCondition:
		if b.step.Timeout == 0 {
			b.step.Timeout = defaultConditionTimeout
		}
	}
	return b
}

// Order overrides the auto-assigned step order.
func (b *StepBuilder) Order(order int) *StepBuilder {
	b.step.Order = order
	return b
}

// Executor names the StepExecutor implementation handling this step.
// Required for task-like kinds.
func (b *StepBuilder) Executor(name string) *StepBuilder {
	b.step.Executor = name
	return b
}

// Config sets one kind-specific configuration entry.
func (b *StepBuilder) Config(key string, value any) *StepBuilder {
	if key == "" {
		b.fail("config", "config key must not be empty")
		return b
	}
	b.setConfig(key, value)
	return b
}

func (b *StepBuilder) setConfig(key string, value any) {
	if b.step.Config == nil {
		b.step.Config = make(map[string]any)
	}
	b.step.Config[key] = value
}

// Precondition attaches a boolean expression over instance variables; when
// it evaluates to false at run time the step is skipped.
func (b *StepBuilder) Precondition(expr string) *StepBuilder {
	b.step.Precondition = expr
	return b
}

// Timeout bounds a single execution attempt of the step.
func (b *StepBuilder) Timeout(d time.Duration) *StepBuilder {
	if d < 0 {
		b.fail("timeout", "timeout must not be negative")
		return b
	}
	b.step.Timeout = d
	return b
}

// Retries sets the retry count. Only SERVICE_CALL and EMAIL steps honor it.
func (b *StepBuilder) Retries(n int) *StepBuilder {
	if n < 0 {
		b.fail("retryCount", "retry count must not be negative")
		return b
	}
	b.step.RetryCount = n
	return b
}

// Optional marks the step's failures as non-fatal; execution proceeds to
// the next step as if it had succeeded.
func (b *StepBuilder) Optional() *StepBuilder {
	b.step.Optional = true
	return b
}

// seal applies kind-specific validation and returns the finished record.
func (b *StepBuilder) seal() (api.StepDefinition, error) {
	if b.err != nil {
		return api.StepDefinition{}, b.err
	}
	s := b.step

	if s.Kind == "" {
		return api.StepDefinition{}, api.NewConfigurationError(s.Name, "step kind is required")
	}
	if s.Kind.TaskLike() && s.Executor == "" {
		return api.StepDefinition{}, api.NewConfigurationError(s.Name, "task-like step requires an executor")
	}

	switch s.Kind {
	case api.KindServiceCall:
		if s.ConfigString(api.ConfigKeyURL) == "" {
			return api.StepDefinition{}, api.NewConfigurationError(s.Name, "service call requires a target URL")
		}
	case api.KindScript:
		if s.ConfigString(api.ConfigKeyScript) == "" {
			return api.StepDefinition{}, api.NewConfigurationError(s.Name, "script step requires a script body")
		}
	case api.KindEmail:
		if s.ConfigString(api.ConfigKeyRecipient) == "" || s.ConfigString(api.ConfigKeySubject) == "" {
			return api.StepDefinition{}, api.NewConfigurationError(s.Name, "email step requires a recipient and a subject")
		}
	case api.KindTimer:
		if _, err := s.WaitDuration(); err != nil {
			return api.StepDefinition{}, api.NewConfigurationError(s.Name, err.Error())
		}
	}
	return s, nil
}
