// Package cond implements condition evaluation for CONDITION steps: the
// evaluator registry, the built-in evaluators, and the router that resolves
// a condition step's branches to the instance's next step.
package cond

import (
	"fmt"
	"strconv"
	"strings"
)

// ResolveRef resolves "${name}" references against the variable context.
// Dotted names descend into nested maps. Anything that is not a reference
// is returned unchanged; unresolvable references yield nil.
func ResolveRef(v any, vars map[string]any) any {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return v
	}
	return lookupPath(strings.TrimSuffix(strings.TrimPrefix(s, "${"), "}"), vars)
}

func lookupPath(path string, vars map[string]any) any {
	var cur any = vars
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

// ToFloat coerces numeric values (and numeric strings) to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// Compare applies op to left and right with numeric coercion, falling back
// to lexical string comparison when either operand is not numeric.
func Compare(left, right any, op string) (bool, error) {
	lf, lok := ToFloat(left)
	rf, rok := ToFloat(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		}
		return false, fmt.Errorf("unknown comparison operator %q", op)
	}

	ls, rs := fmt.Sprint(left), fmt.Sprint(right)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case ">":
		return ls > rs, nil
	case ">=":
		return ls >= rs, nil
	case "<":
		return ls < rs, nil
	case "<=":
		return ls <= rs, nil
	}
	return false, fmt.Errorf("unknown comparison operator %q", op)
}

// Truthy reports whether a value counts as true: non-zero numbers,
// non-empty strings/slices/maps, and true itself.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	if f, ok := ToFloat(v); ok {
		return f != 0
	}
	return true
}

// EvaluateBool evaluates a flat boolean expression over the given
// variables. The grammar is deliberately small: comparisons or bare
// (possibly negated) references joined by && and ||, with || binding
// loosest. Parentheses are not supported; use a script condition for
// anything richer.
//
//	amount > 1000 && region == 'EU'
//	approved || retries >= 3
//	successCount / totalCount >= 0.5
func EvaluateBool(expr string, vars map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, fmt.Errorf("empty expression")
	}
	for _, disjunct := range strings.Split(expr, "||") {
		all := true
		for _, conjunct := range strings.Split(disjunct, "&&") {
			ok, err := evalAtom(strings.TrimSpace(conjunct), vars)
			if err != nil {
				return false, err
			}
			if !ok {
				all = false
				break
			}
		}
		if all {
			return true, nil
		}
	}
	return false, nil
}

var comparisonOps = []string{">=", "<=", "==", "!=", ">", "<"}

func evalAtom(atom string, vars map[string]any) (bool, error) {
	if atom == "" {
		return false, fmt.Errorf("empty term in expression")
	}
	for _, op := range comparisonOps {
		idx := indexOutsideQuotes(atom, op)
		if idx < 0 {
			continue
		}
		left, err := evalOperand(strings.TrimSpace(atom[:idx]), vars)
		if err != nil {
			return false, err
		}
		right, err := evalOperand(strings.TrimSpace(atom[idx+len(op):]), vars)
		if err != nil {
			return false, err
		}
		return Compare(left, right, op)
	}

	// Bare (possibly negated) reference.
	if strings.HasPrefix(atom, "!") {
		v, err := evalOperand(strings.TrimSpace(atom[1:]), vars)
		if err != nil {
			return false, err
		}
		return !Truthy(v), nil
	}
	v, err := evalOperand(atom, vars)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// evalOperand parses literals (quoted strings, numbers, booleans) and
// variable references. A single "a / b" ratio of numeric references is
// supported for join conditions like "successCount / totalCount >= 0.5".
func evalOperand(s string, vars map[string]any) (any, error) {
	if s == "" {
		return nil, fmt.Errorf("empty operand")
	}
	if idx := indexOutsideQuotes(s, "/"); idx > 0 {
		num, err := evalOperand(strings.TrimSpace(s[:idx]), vars)
		if err != nil {
			return nil, err
		}
		den, err := evalOperand(strings.TrimSpace(s[idx+1:]), vars)
		if err != nil {
			return nil, err
		}
		nf, nok := ToFloat(num)
		df, dok := ToFloat(den)
		if !nok || !dok {
			return nil, fmt.Errorf("non-numeric ratio operands in %q", s)
		}
		if df == 0 {
			return 0.0, nil
		}
		return nf / df, nil
	}

	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1], nil
		}
	}
	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "nil":
		return nil, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	// ${x} or bare identifier: both resolve against the variables.
	if strings.HasPrefix(s, "${") {
		return ResolveRef(s, vars), nil
	}
	return lookupPath(s, vars), nil
}

func indexOutsideQuotes(s, sub string) int {
	inSingle, inDouble := false, false
	for i := 0; i+len(sub) <= len(s); i++ {
		switch s[i] {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		}
		if inSingle || inDouble {
			continue
		}
		if s[i:i+len(sub)] == sub {
			// Avoid matching ">" inside ">=" etc.
			if (sub == ">" || sub == "<") && i+1 < len(s) && s[i+1] == '=' {
				continue
			}
			return i
		}
	}
	return -1
}
