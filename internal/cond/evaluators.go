package cond

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/mkarlsen/stepflow/pkg/api"
)

// ExpressionEvaluator matches when the boolean expression in the
// "expression" parameter evaluates to true over the instance variables.
type ExpressionEvaluator struct{}

func (ExpressionEvaluator) Evaluate(ctx context.Context, ec api.EvalContext) (api.EvalResult, error) {
	expr, _ := ec.Params["expression"].(string)
	if expr == "" {
		return api.EvalResult{}, fmt.Errorf("expression condition: missing expression parameter")
	}
	ok, err := EvaluateBool(expr, ec.Variables)
	if err != nil {
		return api.EvalResult{}, fmt.Errorf("expression condition: %w", err)
	}
	return api.EvalResult{Matched: ok, Details: expr}, nil
}

// ComparisonEvaluator compares "left" and "right" with the "operator"
// parameter (==, !=, >, >=, <, <=). Operands are coerced to numbers when
// possible, with lexical string comparison as the fallback. "${name}"
// operands resolve against the instance variables.
type ComparisonEvaluator struct{}

func (ComparisonEvaluator) Evaluate(ctx context.Context, ec api.EvalContext) (api.EvalResult, error) {
	op, _ := ec.Params["operator"].(string)
	if op == "" {
		return api.EvalResult{}, fmt.Errorf("comparison condition: missing operator parameter")
	}
	left := ResolveRef(ec.Params["left"], ec.Variables)
	right := ResolveRef(ec.Params["right"], ec.Variables)
	ok, err := Compare(left, right, op)
	if err != nil {
		return api.EvalResult{}, fmt.Errorf("comparison condition: %w", err)
	}
	return api.EvalResult{
		Matched: ok,
		Details: fmt.Sprintf("%v %s %v", left, op, right),
	}, nil
}

// RegexEvaluator matches when "value" matches the "pattern" parameter.
// Patterns are also compiled eagerly by ValidateConditionConfig, so a
// malformed pattern fails at build time rather than during routing.
type RegexEvaluator struct{}

func (RegexEvaluator) Evaluate(ctx context.Context, ec api.EvalContext) (api.EvalResult, error) {
	pattern, _ := ec.Params["pattern"].(string)
	if pattern == "" {
		return api.EvalResult{}, fmt.Errorf("regex condition: missing pattern parameter")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return api.EvalResult{}, fmt.Errorf("regex condition: %w", err)
	}
	value := fmt.Sprint(ResolveRef(ec.Params["value"], ec.Variables))
	return api.EvalResult{
		Matched: re.MatchString(value),
		Details: fmt.Sprintf("%q ~ /%s/", value, pattern),
	}, nil
}

// RangeEvaluator matches when the numeric "value" lies within [min, max].
// An absent bound leaves that side unbounded.
type RangeEvaluator struct{}

func (RangeEvaluator) Evaluate(ctx context.Context, ec api.EvalContext) (api.EvalResult, error) {
	raw := ResolveRef(ec.Params["value"], ec.Variables)
	value, ok := ToFloat(raw)
	if !ok {
		return api.EvalResult{}, fmt.Errorf("range condition: value %v is not numeric", raw)
	}
	matched := true
	if rawMin, present := ec.Params["min"]; present {
		min, ok := ToFloat(ResolveRef(rawMin, ec.Variables))
		if !ok {
			return api.EvalResult{}, fmt.Errorf("range condition: min %v is not numeric", rawMin)
		}
		matched = matched && value >= min
	}
	if rawMax, present := ec.Params["max"]; present {
		max, ok := ToFloat(ResolveRef(rawMax, ec.Variables))
		if !ok {
			return api.EvalResult{}, fmt.Errorf("range condition: max %v is not numeric", rawMax)
		}
		matched = matched && value <= max
	}
	return api.EvalResult{Matched: matched, Details: fmt.Sprintf("value=%v", value)}, nil
}

// ContainsEvaluator matches when "value" contains "search": substring
// containment for strings, membership for slices.
type ContainsEvaluator struct{}

func (ContainsEvaluator) Evaluate(ctx context.Context, ec api.EvalContext) (api.EvalResult, error) {
	value := ResolveRef(ec.Params["value"], ec.Variables)
	search := ResolveRef(ec.Params["search"], ec.Variables)
	switch v := value.(type) {
	case string:
		return api.EvalResult{Matched: strings.Contains(v, fmt.Sprint(search))}, nil
	case []any:
		for _, item := range v {
			if fmt.Sprint(item) == fmt.Sprint(search) {
				return api.EvalResult{Matched: true}, nil
			}
		}
		return api.EvalResult{Matched: false}, nil
	case []string:
		for _, item := range v {
			if item == fmt.Sprint(search) {
				return api.EvalResult{Matched: true}, nil
			}
		}
		return api.EvalResult{Matched: false}, nil
	case nil:
		return api.EvalResult{Matched: false}, nil
	}
	return api.EvalResult{}, fmt.Errorf("contains condition: unsupported value type %T", value)
}

// NullCheckEvaluator matches when "value" resolves to nil or an empty
// string. Setting the "negate" parameter flips the verdict.
type NullCheckEvaluator struct{}

func (NullCheckEvaluator) Evaluate(ctx context.Context, ec api.EvalContext) (api.EvalResult, error) {
	value := ResolveRef(ec.Params["value"], ec.Variables)
	isNull := value == nil || value == ""
	if negate, _ := ec.Params["negate"].(bool); negate {
		isNull = !isNull
	}
	return api.EvalResult{Matched: isNull}, nil
}

// DefaultEvaluator always matches. Useful as a catch-all branch.
type DefaultEvaluator struct{}

func (DefaultEvaluator) Evaluate(ctx context.Context, ec api.EvalContext) (api.EvalResult, error) {
	return api.EvalResult{Matched: true, Details: "default"}, nil
}
