package api

import "context"

// EvalStrategy controls how a CONDITION step's branches are evaluated.
type EvalStrategy string

const (
	// StrategyFirstMatch evaluates branches in list order and
	// short-circuits on the first match.
	StrategyFirstMatch EvalStrategy = "FIRST_MATCH"

	// StrategyAllMatch evaluates every branch; any evaluator error aborts
	// the whole evaluation.
	StrategyAllMatch EvalStrategy = "ALL_MATCH"

	// StrategyPriority evaluates every branch, tolerating individual
	// evaluator errors, and picks the highest-priority branch among the
	// ones that matched.
	StrategyPriority EvalStrategy = "PRIORITY"
)

// Built-in condition kinds. Hosts may register further kinds through the
// engine's evaluator registry.
const (
	CondExpression = "expression"
	CondComparison = "comparison"
	CondRegex      = "regex"
	CondRange      = "range"
	CondContains   = "contains"
	CondNullCheck  = "null-check"
	CondScript     = "script"
	CondDefault    = "default"
)

// Condition is a serializable condition descriptor: a kind resolved
// through the evaluator registry plus its parameters. Conditions are never
// embedded executable code, which keeps definitions storable as plain maps.
type Condition struct {
	Kind   string
	Params map[string]any
}

// ConditionBranch is one routing alternative of a CONDITION step.
type ConditionBranch struct {
	Condition Condition

	// Target is the step id the instance moves to when the branch matches.
	Target string

	// Priority orders branches under StrategyPriority; higher wins.
	Priority int

	Description string
}

// ConditionConfig is the full routing table of a CONDITION step.
type ConditionConfig struct {
	// Branches are evaluated in list order.
	Branches []ConditionBranch

	Strategy EvalStrategy

	// DefaultTarget is used when no branch matches. Optional.
	DefaultTarget string

	// ErrorTarget is used when evaluation itself fails. Optional; without
	// it an evaluation error fails the instance.
	ErrorTarget string
}

// EvalContext is the read-only context handed to a condition evaluator.
type EvalContext struct {
	// Params are the condition's own parameters.
	Params map[string]any

	// Variables is the instance variable context.
	Variables map[string]any

	// Input is the current step input, if any.
	Input map[string]any

	// Scratch carries evaluation-scoped data shared between branches of
	// one routing decision (diagnostics, memoized lookups).
	Scratch map[string]any
}

// EvalResult is a condition evaluator's verdict.
type EvalResult struct {
	Matched bool

	// Target optionally overrides the branch's static target.
	Target string

	// Details carries diagnostics for logging and PRIORITY bookkeeping.
	Details string
}

// ConditionEvaluator decides whether a condition matches given the current
// execution context. Implementations are registered per condition kind and
// must be safe for concurrent use.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, ec EvalContext) (EvalResult, error)
}

// EvaluatorFunc adapts a function to the ConditionEvaluator interface.
type EvaluatorFunc func(ctx context.Context, ec EvalContext) (EvalResult, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, ec EvalContext) (EvalResult, error) {
	return f(ctx, ec)
}
