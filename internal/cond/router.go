package cond

import (
	"context"
	"errors"
	"fmt"

	"github.com/mkarlsen/stepflow/pkg/api"
)

// Router executes CONDITION steps: it evaluates the step's branches under
// the configured strategy and resolves the instance's next step.
type Router struct {
	reg *Registry
}

// NewRouter creates a Router backed by the given evaluator registry.
func NewRouter(reg *Registry) *Router {
	return &Router{reg: reg}
}

// Route resolves one CONDITION step. A matched branch's target becomes the
// next step; with no match the default target is used; if evaluation fails
// and an error target is configured, the instance routes there instead of
// failing.
func (r *Router) Route(ctx context.Context, step api.StepDefinition, vars, input map[string]any) (api.ExecutionResult, error) {
	cfg := step.Condition
	if cfg == nil {
		return api.ExecutionResult{}, api.NewRoutingError(step.ID, errors.New("condition step has no condition config"))
	}

	// Scratch is shared across the branches of this one routing decision.
	scratch := map[string]any{}

	var (
		target  string
		details string
		err     error
	)
	switch cfg.Strategy {
	case api.StrategyFirstMatch:
		target, details, err = r.firstMatch(ctx, *cfg, vars, input, scratch)
	case api.StrategyAllMatch:
		target, details, err = r.allMatch(ctx, *cfg, vars, input, scratch)
	case api.StrategyPriority:
		target, details, err = r.priority(ctx, *cfg, vars, input, scratch)
	default:
		err = fmt.Errorf("unknown evaluation strategy: %s", cfg.Strategy)
	}

	if err != nil {
		if cfg.ErrorTarget != "" {
			return api.ExecutionResult{
				Status:     api.ResultSuccess,
				NextStepID: cfg.ErrorTarget,
				Message:    "condition evaluation failed, routed to error target: " + err.Error(),
			}, nil
		}
		return api.ExecutionResult{}, api.NewRoutingError(step.ID, err)
	}

	if target == "" {
		target = cfg.DefaultTarget
		details = "no branch matched, using default target"
	}
	if target == "" {
		noMatch := errors.New("no branch matched and no default target configured")
		if cfg.ErrorTarget != "" {
			return api.ExecutionResult{
				Status:     api.ResultSuccess,
				NextStepID: cfg.ErrorTarget,
				Message:    noMatch.Error(),
			}, nil
		}
		return api.ExecutionResult{}, api.NewRoutingError(step.ID, noMatch)
	}

	return api.ExecutionResult{
		Status:     api.ResultSuccess,
		NextStepID: target,
		Message:    details,
	}, nil
}

// firstMatch evaluates branches in list order and short-circuits on the
// first match; later branches are never evaluated.
func (r *Router) firstMatch(ctx context.Context, cfg api.ConditionConfig, vars, input, scratch map[string]any) (string, string, error) {
	for i, b := range cfg.Branches {
		res, err := r.evalBranch(ctx, b, vars, input, scratch)
		if err != nil {
			return "", "", fmt.Errorf("branch %d: %w", i, err)
		}
		if res.Matched {
			return branchTarget(b, res), res.Details, nil
		}
	}
	return "", "", nil
}

// allMatch evaluates every branch; any evaluator error aborts the whole
// evaluation with no partial result. The first matched branch wins.
func (r *Router) allMatch(ctx context.Context, cfg api.ConditionConfig, vars, input, scratch map[string]any) (string, string, error) {
	var (
		target  string
		details string
	)
	for i, b := range cfg.Branches {
		res, err := r.evalBranch(ctx, b, vars, input, scratch)
		if err != nil {
			return "", "", fmt.Errorf("branch %d: %w", i, err)
		}
		if res.Matched && target == "" {
			target = branchTarget(b, res)
			details = res.Details
		}
	}
	return target, details, nil
}

// priority evaluates every branch, tolerating individual evaluator errors,
// and selects the highest-priority branch among the ones that matched. A
// failing high-priority branch never masks a lower-priority match.
func (r *Router) priority(ctx context.Context, cfg api.ConditionConfig, vars, input, scratch map[string]any) (string, string, error) {
	var (
		best      *api.ConditionBranch
		bestRes   api.EvalResult
		evalErrs  []error
		anyResult bool
	)
	for i := range cfg.Branches {
		b := cfg.Branches[i]
		res, err := r.evalBranch(ctx, b, vars, input, scratch)
		if err != nil {
			evalErrs = append(evalErrs, fmt.Errorf("branch %d: %w", i, err))
			continue
		}
		anyResult = true
		if !res.Matched {
			continue
		}
		if best == nil || b.Priority > best.Priority {
			best = &cfg.Branches[i]
			bestRes = res
		}
	}
	if best != nil {
		details := bestRes.Details
		if len(evalErrs) > 0 {
			details = fmt.Sprintf("%s (%d branch evaluations failed)", details, len(evalErrs))
		}
		return branchTarget(*best, bestRes), details, nil
	}
	// Nothing matched. Only surface an error when every branch failed to
	// evaluate; otherwise fall through to the default target.
	if !anyResult && len(evalErrs) > 0 {
		return "", "", errors.Join(evalErrs...)
	}
	return "", "", nil
}

func (r *Router) evalBranch(ctx context.Context, b api.ConditionBranch, vars, input, scratch map[string]any) (api.EvalResult, error) {
	ev, err := r.reg.Lookup(b.Condition.Kind)
	if err != nil {
		return api.EvalResult{}, err
	}
	return ev.Evaluate(ctx, api.EvalContext{
		Params:    b.Condition.Params,
		Variables: vars,
		Input:     input,
		Scratch:   scratch,
	})
}

func branchTarget(b api.ConditionBranch, res api.EvalResult) string {
	if res.Target != "" {
		return res.Target
	}
	return b.Target
}
