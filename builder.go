package stepflow

import (
	"fmt"
	"sort"
	"time"

	"github.com/mkarlsen/stepflow/internal/cond"
	"github.com/mkarlsen/stepflow/pkg/api"
)

// DefinitionBuilder assembles a workflow definition:
//
//	def, err := stepflow.NewDefinition("order-fulfilment").
//	    AddTask("reserve-stock", "inventory").
//	    AddServiceCall("charge-card", "https://payments.internal/charge").
//	    AddUserTask("approve-refund", "finance-team").
//	    Connect("reserve-stock", "charge-card").
//	    OnError("charge-card", "approve-refund").
//	    Build()
//
// Steps are addressed by name in Connect and OnError; ids and orders are
// auto-assigned unless a StepBuilder overrides them. START and END steps are
// inserted automatically when absent. Bad input is recorded at the offending
// call and reported by Build; a fluent chain never returns a partial
// definition.
type DefinitionBuilder struct {
	name    string
	version string
	config  map[string]any
	steps   []api.StepDefinition
	byName  map[string]int
	err     error
}

// NewDefinition starts a builder for a workflow with the given name.
func NewDefinition(name string) *DefinitionBuilder {
	b := &DefinitionBuilder{
		name:    name,
		version: "1",
		byName:  make(map[string]int),
	}
	if name == "" {
		b.fail("name", "workflow name must not be empty")
	}
	return b
}

func (b *DefinitionBuilder) fail(field, reason string) {
	if b.err == nil {
		b.err = api.NewConfigurationError(field, reason)
	}
}

// Version sets the definition version. Defaults to "1".
func (b *DefinitionBuilder) Version(v string) *DefinitionBuilder {
	if v == "" {
		b.fail("version", "version must not be empty")
		return b
	}
	b.version = v
	return b
}

// Config sets one definition-level configuration entry.
func (b *DefinitionBuilder) Config(key string, value any) *DefinitionBuilder {
	if key == "" {
		b.fail("config", "config key must not be empty")
		return b
	}
	if b.config == nil {
		b.config = make(map[string]any)
	}
	b.config[key] = value
	return b
}

// AddStep seals the given StepBuilder and appends its step, auto-assigning
// id and order when the builder did not set them.
func (b *DefinitionBuilder) AddStep(sb *StepBuilder) *DefinitionBuilder {
	if b.err != nil {
		return b
	}
	step, err := sb.seal()
	if err != nil {
		b.err = err
		return b
	}
	b.append(step)
	return b
}

// AddTask appends a TASK step dispatched to the named executor.
func (b *DefinitionBuilder) AddTask(name, executor string) *DefinitionBuilder {
	return b.AddStep(NewStep(name).Kind(api.KindTask).Executor(executor))
}

// AddUserTask appends a USER_TASK step assigned to the given party. The
// instance parks in WAITING at this step until CompleteUserTask is called.
func (b *DefinitionBuilder) AddUserTask(name, assignee string) *DefinitionBuilder {
	return b.AddStep(NewStep(name).
		Kind(api.KindUserTask).
		Config(api.ConfigKeyAssignee, assignee))
}

// AddServiceCall appends a SERVICE_CALL step targeting the given URL.
// Defaults: POST, 30s timeout, 3 retries.
func (b *DefinitionBuilder) AddServiceCall(name, url string) *DefinitionBuilder {
	return b.AddStep(NewStep(name).
		Kind(api.KindServiceCall).
		Executor(ExecutorHTTP).
		Config(api.ConfigKeyURL, url))
}

// AddScript appends a SCRIPT step with the given script body.
func (b *DefinitionBuilder) AddScript(name, script string) *DefinitionBuilder {
	return b.AddStep(NewStep(name).
		Kind(api.KindScript).
		Executor(ExecutorScript).
		Config(api.ConfigKeyScript, script))
}

// AddEmail appends an EMAIL step for the given recipient and subject.
func (b *DefinitionBuilder) AddEmail(name, to, subject string) *DefinitionBuilder {
	return b.AddStep(NewStep(name).
		Kind(api.KindEmail).
		Executor(ExecutorEmail).
		Config(api.ConfigKeyRecipient, to).
		Config(api.ConfigKeySubject, subject))
}

// AddTimer appends a TIMER step that parks the instance for the given
// duration.
func (b *DefinitionBuilder) AddTimer(name string, wait time.Duration) *DefinitionBuilder {
	if wait <= 0 {
		b.fail(name, "timer wait duration must be positive")
		return b
	}
	return b.AddStep(NewStep(name).
		Kind(api.KindTimer).
		Config(api.ConfigKeyWaitDuration, wait.String()))
}

// AddConditionalStep appends a CONDITION step with the given routing table
// at an explicit order. An empty strategy defaults to FIRST_MATCH.
func (b *DefinitionBuilder) AddConditionalStep(name string, order int, cfg api.ConditionConfig) *DefinitionBuilder {
	if b.err != nil {
		return b
	}
	if cfg.Strategy == "" {
		cfg.Strategy = api.StrategyFirstMatch
	}
	step, err := NewStep(name).Kind(api.KindCondition).Order(order).seal()
	if err != nil {
		b.err = err
		return b
	}
	step.Condition = &cfg
	b.appendOrdered(step)
	return b
}

// AddParallelSteps appends a PARALLEL_GATEWAY step with the given fan-out
// configuration at an explicit order. An empty join type defaults to AND.
func (b *DefinitionBuilder) AddParallelSteps(name string, order int, cfg api.ParallelConfig) *DefinitionBuilder {
	if b.err != nil {
		return b
	}
	if cfg.Join == "" {
		cfg.Join = api.JoinAnd
	}
	step, err := NewStep(name).Kind(api.KindParallelGateway).Order(order).seal()
	if err != nil {
		b.err = err
		return b
	}
	step.Parallel = &cfg
	b.appendOrdered(step)
	return b
}

// Connect rewires the transition from the step named from to the step named
// to. Both steps must already exist.
func (b *DefinitionBuilder) Connect(from, to string) *DefinitionBuilder {
	if b.err != nil {
		return b
	}
	fi, ok := b.byName[from]
	if !ok {
		b.fail(from, "connect: unknown step")
		return b
	}
	ti, ok := b.byName[to]
	if !ok {
		b.fail(to, "connect: unknown step")
		return b
	}

	// Replace the record rather than mutating it in place; anything handed
	// out from an earlier Build stays untouched.
	s := b.steps[fi]
	s.NextStepID = b.steps[ti].ID
	b.steps[fi] = s
	return b
}

// OnError routes failures of the step named from to the step named target.
func (b *DefinitionBuilder) OnError(from, target string) *DefinitionBuilder {
	if b.err != nil {
		return b
	}
	fi, ok := b.byName[from]
	if !ok {
		b.fail(from, "onError: unknown step")
		return b
	}
	ti, ok := b.byName[target]
	if !ok {
		b.fail(target, "onError: unknown step")
		return b
	}

	s := b.steps[fi]
	s.ErrorStepID = b.steps[ti].ID
	b.steps[fi] = s
	return b
}

// append stores a step with auto id and order (= step count so far + 1).
func (b *DefinitionBuilder) append(step api.StepDefinition) {
	if step.Order == 0 && step.Kind != api.KindStart {
		step.Order = len(b.steps) + 1
	}
	b.appendOrdered(step)
}

func (b *DefinitionBuilder) appendOrdered(step api.StepDefinition) {
	if step.ID == "" {
		step.ID = fmt.Sprintf("step-%d", len(b.steps)+1)
	}
	if _, dup := b.byName[step.Name]; dup {
		b.fail(step.Name, "duplicate step name")
		return
	}
	b.byName[step.Name] = len(b.steps)
	b.steps = append(b.steps, step)
}

// Build validates the accumulated graph and seals it into an immutable
// WorkflowDefinition. START (order 0) and END (order max+1) steps are
// inserted when missing. Build may be called repeatedly; each call returns a
// structurally equivalent definition.
func (b *DefinitionBuilder) Build() (api.WorkflowDefinition, error) {
	if b.err != nil {
		return api.WorkflowDefinition{}, b.err
	}
	if len(b.steps) == 0 {
		return api.WorkflowDefinition{}, api.NewValidationError("workflow has no steps")
	}

	steps := make([]api.StepDefinition, len(b.steps))
	copy(steps, b.steps)

	hasStart, hasEnd := false, false
	maxOrder := 0
	for _, s := range steps {
		if s.Kind == api.KindStart {
			hasStart = true
		}
		if s.Kind == api.KindEnd {
			hasEnd = true
		}
		if s.Order > maxOrder {
			maxOrder = s.Order
		}
	}
	if !hasStart {
		steps = append(steps, api.StepDefinition{ID: "start", Name: "start", Kind: api.KindStart, Order: 0})
	}
	if !hasEnd {
		steps = append(steps, api.StepDefinition{ID: "end", Name: "end", Kind: api.KindEnd, Order: maxOrder + 1})
	}

	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	if err := validateGraph(steps); err != nil {
		return api.WorkflowDefinition{}, err
	}

	now := time.Now()
	def := api.WorkflowDefinition{
		Name:      b.name,
		Version:   b.version,
		Status:    api.DefinitionDraft,
		Steps:     steps,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if b.config != nil {
		def.Config = make(map[string]any, len(b.config))
		for k, v := range b.config {
			def.Config[k] = v
		}
	}
	return def, nil
}

// MustBuild is Build for init-time use; it panics on error.
func (b *DefinitionBuilder) MustBuild() api.WorkflowDefinition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

// validateGraph checks the sealed-definition invariants: unique ids and
// orders, existing transition targets, and well-formed condition and
// parallel configurations.
func validateGraph(steps []api.StepDefinition) error {
	ids := make(map[string]bool, len(steps))
	orders := make(map[int]bool, len(steps))
	for _, s := range steps {
		if ids[s.ID] {
			return api.NewValidationError("duplicate step id: " + s.ID)
		}
		ids[s.ID] = true
		if orders[s.Order] {
			return api.NewValidationError(fmt.Sprintf("duplicate step order %d (step %s)", s.Order, s.ID))
		}
		orders[s.Order] = true
	}

	reg := cond.NewRegistry()
	for _, s := range steps {
		if s.NextStepID != "" && !ids[s.NextStepID] {
			return api.NewValidationError(fmt.Sprintf("step %s: nextStepId %q does not exist", s.ID, s.NextStepID))
		}
		if s.ErrorStepID != "" && !ids[s.ErrorStepID] {
			return api.NewValidationError(fmt.Sprintf("step %s: errorStepId %q does not exist", s.ID, s.ErrorStepID))
		}

		switch s.Kind {
		case api.KindCondition:
			if s.Condition == nil {
				return api.NewValidationError("condition step " + s.ID + " has no condition configuration")
			}
			if err := reg.ValidateConditionConfig(*s.Condition); err != nil {
				return err
			}
			for _, br := range s.Condition.Branches {
				if !ids[br.Target] {
					return api.NewValidationError(fmt.Sprintf("step %s: branch target %q does not exist", s.ID, br.Target))
				}
			}
			if t := s.Condition.DefaultTarget; t != "" && !ids[t] {
				return api.NewValidationError(fmt.Sprintf("step %s: default target %q does not exist", s.ID, t))
			}
			if t := s.Condition.ErrorTarget; t != "" && !ids[t] {
				return api.NewValidationError(fmt.Sprintf("step %s: error target %q does not exist", s.ID, t))
			}
		case api.KindParallelGateway:
			if s.Parallel == nil {
				return api.NewValidationError("parallel gateway " + s.ID + " has no parallel configuration")
			}
			if err := s.Parallel.Validate(); err != nil {
				return err
			}
			for _, br := range s.Parallel.Branches {
				for _, member := range br.Steps {
					if !ids[member] {
						return api.NewValidationError(fmt.Sprintf("step %s: branch %s member %q does not exist", s.ID, br.ID, member))
					}
				}
			}
			if t := s.Parallel.TimeoutTarget; t != "" && !ids[t] {
				return api.NewValidationError(fmt.Sprintf("step %s: timeout target %q does not exist", s.ID, t))
			}
		}
	}
	return nil
}
