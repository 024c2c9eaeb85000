package api

import (
	"fmt"
	"time"
)

// DefinitionToMap exports a sealed definition to a generic string-keyed map
// suitable for storage by an external persistence layer. The result
// contains only plain values (strings, numbers, bools, maps, slices), so it
// survives JSON, YAML, BSON and gob encoding unchanged.
func DefinitionToMap(def WorkflowDefinition) map[string]any {
	m := map[string]any{
		"id":      def.ID,
		"name":    def.Name,
		"version": def.Version,
		"status":  string(def.Status),
	}
	if len(def.Config) > 0 {
		m["config"] = def.Config
	}
	if !def.CreatedAt.IsZero() {
		m["createdAt"] = def.CreatedAt.Format(time.RFC3339Nano)
	}
	if !def.UpdatedAt.IsZero() {
		m["updatedAt"] = def.UpdatedAt.Format(time.RFC3339Nano)
	}

	steps := make([]any, 0, len(def.Steps))
	for _, s := range def.Steps {
		steps = append(steps, stepToMap(s))
	}
	m["steps"] = steps
	return m
}

func stepToMap(s StepDefinition) map[string]any {
	m := map[string]any{
		"id":    s.ID,
		"name":  s.Name,
		"kind":  string(s.Kind),
		"order": s.Order,
	}
	if s.Executor != "" {
		m["executor"] = s.Executor
	}
	if len(s.Config) > 0 {
		m["config"] = s.Config
	}
	if s.Precondition != "" {
		m["precondition"] = s.Precondition
	}
	if s.NextStepID != "" {
		m["nextStepId"] = s.NextStepID
	}
	if s.ErrorStepID != "" {
		m["errorStepId"] = s.ErrorStepID
	}
	if s.Optional {
		m["optional"] = true
	}
	if s.Timeout > 0 {
		m["timeout"] = s.Timeout.String()
	}
	if s.RetryCount > 0 {
		m["retryCount"] = s.RetryCount
	}
	if s.Condition != nil {
		m["condition"] = conditionConfigToMap(*s.Condition)
	}
	if s.Parallel != nil {
		m["parallel"] = parallelConfigToMap(*s.Parallel)
	}
	return m
}

func conditionConfigToMap(c ConditionConfig) map[string]any {
	branches := make([]any, 0, len(c.Branches))
	for _, b := range c.Branches {
		bm := map[string]any{
			"kind":   b.Condition.Kind,
			"target": b.Target,
		}
		if len(b.Condition.Params) > 0 {
			bm["params"] = b.Condition.Params
		}
		if b.Priority != 0 {
			bm["priority"] = b.Priority
		}
		if b.Description != "" {
			bm["description"] = b.Description
		}
		branches = append(branches, bm)
	}
	m := map[string]any{
		"strategy": string(c.Strategy),
		"branches": branches,
	}
	if c.DefaultTarget != "" {
		m["defaultTarget"] = c.DefaultTarget
	}
	if c.ErrorTarget != "" {
		m["errorTarget"] = c.ErrorTarget
	}
	return m
}

func parallelConfigToMap(c ParallelConfig) map[string]any {
	branches := make([]any, 0, len(c.Branches))
	for _, b := range c.Branches {
		steps := make([]any, 0, len(b.Steps))
		for _, id := range b.Steps {
			steps = append(steps, id)
		}
		bm := map[string]any{
			"id":    b.ID,
			"steps": steps,
		}
		if b.Name != "" {
			bm["name"] = b.Name
		}
		if len(b.Config) > 0 {
			bm["config"] = b.Config
		}
		if b.Priority != 0 {
			bm["priority"] = b.Priority
		}
		if b.Optional {
			bm["optional"] = true
		}
		branches = append(branches, bm)
	}
	m := map[string]any{
		"join":     string(c.Join),
		"branches": branches,
	}
	if c.JoinCondition != "" {
		m["joinCondition"] = c.JoinCondition
	}
	if c.Mode != "" {
		m["mode"] = string(c.Mode)
	}
	if c.MaxConcurrency > 0 {
		m["maxConcurrency"] = c.MaxConcurrency
	}
	if c.BatchSize > 0 {
		m["batchSize"] = c.BatchSize
	}
	if c.Timeout > 0 {
		m["timeout"] = c.Timeout.String()
	}
	if c.TimeoutTarget != "" {
		m["timeoutTarget"] = c.TimeoutTarget
	}
	if c.CollectResults {
		m["collectResults"] = true
	}
	if c.WaitForAll {
		m["waitForAll"] = true
	}
	return m
}

// DefinitionFromMap reconstructs a definition from its map form. The
// resulting step graph is structurally equivalent to the exported one:
// same ids, orders and transitions.
func DefinitionFromMap(m map[string]any) (WorkflowDefinition, error) {
	def := WorkflowDefinition{
		ID:      mapString(m, "id"),
		Name:    mapString(m, "name"),
		Version: mapString(m, "version"),
		Status:  DefinitionStatus(mapString(m, "status")),
		Config:  mapChild(m, "config"),
	}
	var err error
	if def.CreatedAt, err = mapTime(m, "createdAt"); err != nil {
		return WorkflowDefinition{}, err
	}
	if def.UpdatedAt, err = mapTime(m, "updatedAt"); err != nil {
		return WorkflowDefinition{}, err
	}

	rawSteps, ok := m["steps"].([]any)
	if !ok {
		return WorkflowDefinition{}, NewValidationError("definition map has no steps list")
	}
	def.Steps = make([]StepDefinition, 0, len(rawSteps))
	for i, raw := range rawSteps {
		sm, ok := raw.(map[string]any)
		if !ok {
			return WorkflowDefinition{}, NewValidationError(fmt.Sprintf("step %d is not a map", i))
		}
		step, err := stepFromMap(sm)
		if err != nil {
			return WorkflowDefinition{}, err
		}
		def.Steps = append(def.Steps, step)
	}
	return def, nil
}

func stepFromMap(m map[string]any) (StepDefinition, error) {
	s := StepDefinition{
		ID:           mapString(m, "id"),
		Name:         mapString(m, "name"),
		Kind:         StepKind(mapString(m, "kind")),
		Order:        mapInt(m, "order"),
		Executor:     mapString(m, "executor"),
		Config:       mapChild(m, "config"),
		Precondition: mapString(m, "precondition"),
		NextStepID:   mapString(m, "nextStepId"),
		ErrorStepID:  mapString(m, "errorStepId"),
		Optional:     mapBool(m, "optional"),
		RetryCount:   mapInt(m, "retryCount"),
	}
	var err error
	if s.Timeout, err = mapDuration(m, "timeout"); err != nil {
		return StepDefinition{}, err
	}
	if cm := mapChild(m, "condition"); cm != nil {
		cc, err := conditionConfigFromMap(cm)
		if err != nil {
			return StepDefinition{}, err
		}
		s.Condition = &cc
	}
	if pm := mapChild(m, "parallel"); pm != nil {
		pc, err := parallelConfigFromMap(pm)
		if err != nil {
			return StepDefinition{}, err
		}
		s.Parallel = &pc
	}
	return s, nil
}

func conditionConfigFromMap(m map[string]any) (ConditionConfig, error) {
	c := ConditionConfig{
		Strategy:      EvalStrategy(mapString(m, "strategy")),
		DefaultTarget: mapString(m, "defaultTarget"),
		ErrorTarget:   mapString(m, "errorTarget"),
	}
	raw, _ := m["branches"].([]any)
	for i, rb := range raw {
		bm, ok := rb.(map[string]any)
		if !ok {
			return ConditionConfig{}, NewValidationError(fmt.Sprintf("condition branch %d is not a map", i))
		}
		c.Branches = append(c.Branches, ConditionBranch{
			Condition: Condition{
				Kind:   mapString(bm, "kind"),
				Params: mapChild(bm, "params"),
			},
			Target:      mapString(bm, "target"),
			Priority:    mapInt(bm, "priority"),
			Description: mapString(bm, "description"),
		})
	}
	return c, nil
}

func parallelConfigFromMap(m map[string]any) (ParallelConfig, error) {
	c := ParallelConfig{
		Join:           JoinType(mapString(m, "join")),
		JoinCondition:  mapString(m, "joinCondition"),
		Mode:           DispatchMode(mapString(m, "mode")),
		MaxConcurrency: mapInt(m, "maxConcurrency"),
		BatchSize:      mapInt(m, "batchSize"),
		TimeoutTarget:  mapString(m, "timeoutTarget"),
		CollectResults: mapBool(m, "collectResults"),
		WaitForAll:     mapBool(m, "waitForAll"),
	}
	var err error
	if c.Timeout, err = mapDuration(m, "timeout"); err != nil {
		return ParallelConfig{}, err
	}
	raw, _ := m["branches"].([]any)
	for i, rb := range raw {
		bm, ok := rb.(map[string]any)
		if !ok {
			return ParallelConfig{}, NewValidationError(fmt.Sprintf("parallel branch %d is not a map", i))
		}
		b := ParallelBranch{
			ID:       mapString(bm, "id"),
			Name:     mapString(bm, "name"),
			Config:   mapChild(bm, "config"),
			Priority: mapInt(bm, "priority"),
			Optional: mapBool(bm, "optional"),
		}
		if rawSteps, ok := bm["steps"].([]any); ok {
			for _, rs := range rawSteps {
				b.Steps = append(b.Steps, fmt.Sprint(rs))
			}
		}
		c.Branches = append(c.Branches, b)
	}
	return c, nil
}

// Map helpers tolerant of the numeric types produced by the YAML, JSON and
// BSON decoders.

func mapString(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func mapBool(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func mapInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func mapChild(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

func mapDuration(m map[string]any, key string) (time.Duration, error) {
	raw, ok := m[key].(string)
	if !ok || raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, NewValidationError(fmt.Sprintf("invalid %s duration %q", key, raw))
	}
	return d, nil
}

func mapTime(m map[string]any, key string) (time.Time, error) {
	raw, ok := m[key].(string)
	if !ok || raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, NewValidationError(fmt.Sprintf("invalid %s timestamp %q", key, raw))
	}
	return t, nil
}
