package cond

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/mkarlsen/stepflow/pkg/api"
)

// Registry maps condition kinds to their evaluators. It starts with the
// built-in set and is extended by registration, never by editing a switch.
type Registry struct {
	mu sync.RWMutex
	m  map[string]api.ConditionEvaluator
}

// NewRegistry returns a registry preloaded with the built-in evaluators.
func NewRegistry() *Registry {
	return &Registry{
		m: map[string]api.ConditionEvaluator{
			api.CondExpression: ExpressionEvaluator{},
			api.CondComparison: ComparisonEvaluator{},
			api.CondRegex:      RegexEvaluator{},
			api.CondRange:      RangeEvaluator{},
			api.CondContains:   ContainsEvaluator{},
			api.CondNullCheck:  NullCheckEvaluator{},
			api.CondScript:     ScriptEvaluator{},
			api.CondDefault:    DefaultEvaluator{},
		},
	}
}

// Register installs an evaluator for the given kind. Re-registering an
// existing kind is an error; built-ins are not silently replaceable.
func (r *Registry) Register(kind string, ev api.ConditionEvaluator) error {
	if kind == "" {
		return fmt.Errorf("condition kind must not be empty")
	}
	if ev == nil {
		return fmt.Errorf("evaluator for kind %q is nil", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.m[kind]; exists {
		return fmt.Errorf("condition kind already registered: %s", kind)
	}
	r.m[kind] = ev
	return nil
}

// Lookup returns the evaluator for a condition kind.
func (r *Registry) Lookup(kind string) (api.ConditionEvaluator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ev, ok := r.m[kind]
	if !ok {
		return nil, fmt.Errorf("unknown condition kind: %s", kind)
	}
	return ev, nil
}

// ValidateConditionConfig checks a CONDITION step's routing table at build
// time: strategy and branch shape, plus eager compilation of regex
// patterns so malformed patterns fail the build instead of a run.
func (r *Registry) ValidateConditionConfig(cfg api.ConditionConfig) error {
	switch cfg.Strategy {
	case api.StrategyFirstMatch, api.StrategyAllMatch, api.StrategyPriority:
	default:
		return api.NewValidationError("invalid evaluation strategy: " + string(cfg.Strategy))
	}
	if len(cfg.Branches) == 0 {
		return api.NewValidationError("condition step requires at least one branch")
	}
	for i, b := range cfg.Branches {
		if b.Target == "" {
			return api.NewValidationError(fmt.Sprintf("condition branch %d has no target", i))
		}
		if _, err := r.Lookup(b.Condition.Kind); err != nil {
			return api.NewValidationError(err.Error())
		}
		if b.Condition.Kind == api.CondRegex {
			pattern, _ := b.Condition.Params["pattern"].(string)
			if pattern == "" {
				return api.NewValidationError(fmt.Sprintf("condition branch %d: regex condition missing pattern", i))
			}
			if _, err := regexp.Compile(pattern); err != nil {
				return api.NewValidationError(fmt.Sprintf("condition branch %d: %v", i, err))
			}
		}
	}
	return nil
}
