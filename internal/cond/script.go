package cond

import (
	"context"
	"fmt"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/mkarlsen/stepflow/pkg/api"
)

// ScriptEvaluator interprets the "script" parameter as a Go expression over
// the instance variables, exposed as `vars map[string]interface{}`. The
// expression's result is taken through the usual truthiness rules.
//
//	script: vars["amount"].(float64) > 1000 && vars["region"] == "EU"
//
// Each evaluation runs in a fresh interpreter so scripts cannot leak state
// into one another.
type ScriptEvaluator struct{}

func (ScriptEvaluator) Evaluate(ctx context.Context, ec api.EvalContext) (result api.EvalResult, err error) {
	script, _ := ec.Params["script"].(string)
	if script == "" {
		return api.EvalResult{}, fmt.Errorf("script condition: missing script parameter")
	}

	// The interpreter panics on some malformed programs; fold those into
	// the error return.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("script condition: %v", r)
		}
	}()

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return api.EvalResult{}, fmt.Errorf("script condition: %w", err)
	}

	v, err := i.Eval("func(vars map[string]interface{}) interface{} { return " + script + " }")
	if err != nil {
		return api.EvalResult{}, fmt.Errorf("script condition: %w", err)
	}
	fn, ok := v.Interface().(func(map[string]interface{}) interface{})
	if !ok {
		return api.EvalResult{}, fmt.Errorf("script condition: script did not produce a callable expression")
	}

	vars := ec.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	out := fn(vars)
	return api.EvalResult{Matched: Truthy(out), Details: fmt.Sprintf("script => %v", out)}, nil
}
