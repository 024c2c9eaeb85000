package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mkarlsen/stepflow/pkg/api"
)

func conditionStep(id string, order int, cfg api.ConditionConfig) api.StepDefinition {
	return api.StepDefinition{ID: id, Name: id, Kind: api.KindCondition, Order: order, Condition: &cfg}
}

func exprBranch(expr, target string) api.ConditionBranch {
	return api.ConditionBranch{
		Condition: api.Condition{Kind: api.CondExpression, Params: map[string]any{"expression": expr}},
		Target:    target,
	}
}

func TestConditionRoutesByExpression(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	highCalls, high := countingExecutor(map[string]any{"route": "high"})
	lowCalls, low := countingExecutor(map[string]any{"route": "low"})
	registerNamed(t, eng, "high", high)
	registerNamed(t, eng, "low", low)

	highStep := taskStep("handle-high", 2, "high")
	highStep.NextStepID = "end"
	def := deployDef(t, eng,
		startStep(),
		conditionStep("route", 1, api.ConditionConfig{
			Strategy: api.StrategyFirstMatch,
			Branches: []api.ConditionBranch{
				exprBranch("amount > 1000", "handle-high"),
				exprBranch("amount <= 1000", "handle-low"),
			},
		}),
		highStep,
		taskStep("handle-low", 3, "low"),
		endStep(4),
	)

	inst, err := eng.Start(ctx, def.ID, map[string]any{"amount": 5000})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if inst.Status != api.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", inst.Status)
	}
	if highCalls.Load() != 1 || lowCalls.Load() != 0 {
		t.Errorf("branch dispatch: high=%d low=%d, want 1/0", highCalls.Load(), lowCalls.Load())
	}
	if inst.Context["route"] != "high" {
		t.Errorf("context route = %v, want high", inst.Context["route"])
	}
}

func TestConditionDefaultTarget(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	calls, exec := countingExecutor(nil)
	registerNamed(t, eng, "fallback", exec)

	def := deployDef(t, eng,
		startStep(),
		conditionStep("route", 1, api.ConditionConfig{
			Strategy:      api.StrategyFirstMatch,
			Branches:      []api.ConditionBranch{exprBranch("amount > 1000", "end")},
			DefaultTarget: "fallback",
		}),
		taskStep("fallback", 2, "fallback"),
		endStep(3),
	)

	inst, err := eng.Start(ctx, def.ID, map[string]any{"amount": 10})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if inst.Status != api.StatusCompleted || calls.Load() != 1 {
		t.Fatalf("default target not taken (status %s, calls %d)", inst.Status, calls.Load())
	}
}

func TestConditionCustomEvaluator(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	err := eng.RegisterEvaluator("is-vip", api.EvaluatorFunc(func(ctx context.Context, ec api.EvalContext) (api.EvalResult, error) {
		tier, _ := ec.Variables["tier"].(string)
		return api.EvalResult{Matched: tier == "vip"}, nil
	}))
	if err != nil {
		t.Fatalf("RegisterEvaluator failed: %v", err)
	}

	calls, exec := countingExecutor(nil)
	registerNamed(t, eng, "concierge", exec)

	def := deployDef(t, eng,
		startStep(),
		conditionStep("route", 1, api.ConditionConfig{
			Strategy: api.StrategyFirstMatch,
			Branches: []api.ConditionBranch{{
				Condition: api.Condition{Kind: "is-vip"},
				Target:    "concierge",
			}},
			DefaultTarget: "end",
		}),
		taskStep("concierge", 2, "concierge"),
		endStep(3),
	)

	inst, err := eng.Start(ctx, def.ID, map[string]any{"tier": "vip"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if inst.Status != api.StatusCompleted || calls.Load() != 1 {
		t.Fatalf("custom evaluator branch not taken (status %s, calls %d)", inst.Status, calls.Load())
	}
}

func TestConditionEvaluationFailureWithoutErrorTarget(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	def := deployDef(t, eng,
		startStep(),
		conditionStep("route", 1, api.ConditionConfig{
			Strategy: api.StrategyFirstMatch,
			Branches: []api.ConditionBranch{{
				Condition: api.Condition{Kind: api.CondComparison, Params: map[string]any{"left": "${x}"}},
				Target:    "end",
			}},
		}),
		endStep(2),
	)

	inst, err := eng.Start(ctx, def.ID, nil)
	if err == nil {
		t.Fatal("expected the routing failure to surface")
	}
	if inst.Status != api.StatusFailed {
		t.Fatalf("status = %s, want FAILED", inst.Status)
	}
}

func TestConditionEvaluationFailureRoutesToErrorTarget(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	calls, exec := countingExecutor(nil)
	registerNamed(t, eng, "review", exec)

	def := deployDef(t, eng,
		startStep(),
		conditionStep("route", 1, api.ConditionConfig{
			Strategy: api.StrategyFirstMatch,
			Branches: []api.ConditionBranch{{
				Condition: api.Condition{Kind: api.CondComparison, Params: map[string]any{"left": "${x}"}},
				Target:    "end",
			}},
			ErrorTarget: "manual-review",
		}),
		taskStep("manual-review", 2, "review"),
		endStep(3),
	)

	inst, err := eng.Start(ctx, def.ID, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if inst.Status != api.StatusCompleted || calls.Load() != 1 {
		t.Fatalf("error target not taken (status %s, calls %d)", inst.Status, calls.Load())
	}
}

func TestParallelGatewayThroughEngine(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	stockCalls, stock := countingExecutor(map[string]any{"stock": "reserved"})
	fraudCalls, fraud := countingExecutor(map[string]any{"fraud": "clear"})
	registerNamed(t, eng, "stock", stock)
	registerNamed(t, eng, "fraud", fraud)

	gateway := api.StepDefinition{
		ID: "checks", Name: "checks", Kind: api.KindParallelGateway, Order: 1,
		NextStepID: "end",
		Parallel: &api.ParallelConfig{
			Join: api.JoinAnd,
			Branches: []api.ParallelBranch{
				{ID: "inventory", Steps: []string{"check-stock"}},
				{ID: "risk", Steps: []string{"check-fraud"}},
			},
			CollectResults: true,
		},
	}

	def := deployDef(t, eng,
		startStep(),
		gateway,
		taskStep("check-stock", 2, "stock"),
		taskStep("check-fraud", 3, "fraud"),
		endStep(4),
	)

	inst, err := eng.Start(ctx, def.ID, map[string]any{"orderId": "o-77"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if inst.Status != api.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", inst.Status)
	}
	if stockCalls.Load() != 1 || fraudCalls.Load() != 1 {
		t.Errorf("branch members ran stock=%d fraud=%d, want 1/1", stockCalls.Load(), fraudCalls.Load())
	}

	// The gateway merges its aggregate counters and, with CollectResults,
	// the per-branch outputs into the instance context.
	if inst.Context["successCount"] != 2 {
		t.Errorf("successCount = %v, want 2", inst.Context["successCount"])
	}
	branches, ok := inst.Context["branches"].(map[string]any)
	if !ok {
		t.Fatalf("branches = %T, want map", inst.Context["branches"])
	}
	inv, ok := branches["inventory"].(map[string]any)
	if !ok || inv["stock"] != "reserved" {
		t.Errorf("inventory branch output = %v", branches["inventory"])
	}
}

func TestParallelGatewayBranchFailureFailsInstance(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	_, ok := countingExecutor(nil)
	registerNamed(t, eng, "ok", ok)
	registerNamed(t, eng, "boom", failingExecutor("inventory system offline"))

	gateway := api.StepDefinition{
		ID: "checks", Name: "checks", Kind: api.KindParallelGateway, Order: 1,
		NextStepID: "end",
		Parallel: &api.ParallelConfig{
			Join: api.JoinAnd,
			Branches: []api.ParallelBranch{
				{ID: "a", Steps: []string{"step-a"}},
				{ID: "b", Steps: []string{"step-b"}},
			},
		},
	}

	def := deployDef(t, eng,
		startStep(),
		gateway,
		taskStep("step-a", 2, "ok"),
		taskStep("step-b", 3, "boom"),
		endStep(4),
	)

	inst, err := eng.Start(ctx, def.ID, nil)
	if err == nil {
		t.Fatal("expected the gateway failure to surface")
	}
	if inst.Status != api.StatusFailed {
		t.Fatalf("status = %s, want FAILED", inst.Status)
	}
	if !strings.Contains(inst.Error, "join not satisfied") {
		t.Errorf("error = %q, want a join diagnostic", inst.Error)
	}
}

func TestParallelGatewayErrorRouting(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	compCalls, comp := countingExecutor(nil)
	registerNamed(t, eng, "comp", comp)
	registerNamed(t, eng, "boom", failingExecutor("downstream unavailable"))

	gateway := api.StepDefinition{
		ID: "checks", Name: "checks", Kind: api.KindParallelGateway, Order: 1,
		NextStepID:  "end",
		ErrorStepID: "compensate",
		Parallel: &api.ParallelConfig{
			Join:     api.JoinAnd,
			Branches: []api.ParallelBranch{{ID: "a", Steps: []string{"step-a"}}},
		},
	}

	comp2 := taskStep("compensate", 3, "comp")
	def := deployDef(t, eng,
		startStep(),
		gateway,
		taskStep("step-a", 2, "boom"),
		comp2,
		endStep(4),
	)

	inst, err := eng.Start(ctx, def.ID, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if inst.Status != api.StatusCompleted || compCalls.Load() != 1 {
		t.Fatalf("gateway error routing not taken (status %s, calls %d)", inst.Status, compCalls.Load())
	}
}

func TestConditionTimeoutBoundsEvaluation(t *testing.T) {
	ctx := context.Background()
	eng := NewInMemoryEngine()

	stall := api.EvaluatorFunc(func(ctx context.Context, ec api.EvalContext) (api.EvalResult, error) {
		<-ctx.Done()
		return api.EvalResult{}, ctx.Err()
	})
	if err := eng.RegisterEvaluator("stall", stall); err != nil {
		t.Fatalf("RegisterEvaluator failed: %v", err)
	}

	route := conditionStep("route", 1, api.ConditionConfig{
		Strategy: api.StrategyFirstMatch,
		Branches: []api.ConditionBranch{{
			Condition: api.Condition{Kind: "stall"},
			Target:    "end",
		}},
	})
	route.Timeout = 30 * time.Millisecond
	def := deployDef(t, eng, startStep(), route, endStep(2))

	type result struct {
		inst *api.WorkflowInstance
		err  error
	}
	done := make(chan result, 1)
	go func() {
		inst, err := eng.Start(ctx, def.ID, nil)
		done <- result{inst, err}
	}()

	select {
	case res := <-done:
		if res.err == nil {
			t.Fatal("Start succeeded, want a routing failure")
		}
		if res.inst.Status != api.StatusFailed {
			t.Fatalf("status = %s, want FAILED", res.inst.Status)
		}
		if !strings.Contains(res.inst.Error, "context deadline exceeded") {
			t.Errorf("instance error = %q, want deadline exceeded", res.inst.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("condition evaluation was not bounded by the step timeout")
	}
}
