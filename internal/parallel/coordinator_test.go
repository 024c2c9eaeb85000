package parallel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mkarlsen/stepflow/pkg/api"
)

func gatewayStep(cfg api.ParallelConfig) api.StepDefinition {
	return api.StepDefinition{ID: "gw", Name: "gw", Kind: api.KindParallelGateway, Parallel: &cfg}
}

func branches(n int) []api.ParallelBranch {
	out := make([]api.ParallelBranch, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, api.ParallelBranch{
			ID:    string(rune('a' + i)),
			Steps: []string{"member"},
		})
	}
	return out
}

// runnerFor fails the branches whose ids appear in failing and returns a
// per-branch output otherwise.
func runnerFor(failing ...string) BranchRunner {
	bad := make(map[string]bool, len(failing))
	for _, id := range failing {
		bad[id] = true
	}
	return func(ctx context.Context, branch api.ParallelBranch, vars map[string]any) (map[string]any, error) {
		if bad[branch.ID] {
			return nil, errors.New("branch " + branch.ID + " failed")
		}
		return map[string]any{"done-" + branch.ID: true}, nil
	}
}

func TestAndJoinRequiresEveryBranch(t *testing.T) {
	cfg := api.ParallelConfig{Branches: branches(3), Join: api.JoinAnd, CollectResults: true}

	res, err := NewCoordinator(runnerFor()).Execute(context.Background(), gatewayStep(cfg), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != api.ResultSuccess {
		t.Fatalf("status = %s, want SUCCESS", res.Status)
	}
	if res.Output["successCount"] != 3 {
		t.Errorf("successCount = %v, want 3", res.Output["successCount"])
	}
	collected, _ := res.Output["branches"].(map[string]any)
	if len(collected) != 3 {
		t.Errorf("collected %d branch outputs, want 3", len(collected))
	}
}

func TestAndJoinFailsOnRequiredBranchFailure(t *testing.T) {
	cfg := api.ParallelConfig{Branches: branches(3), Join: api.JoinAnd}

	res, err := NewCoordinator(runnerFor("b")).Execute(context.Background(), gatewayStep(cfg), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != api.ResultFailure {
		t.Fatalf("status = %s, want FAILURE", res.Status)
	}
}

func TestAndJoinIgnoresOptionalBranchFailure(t *testing.T) {
	brs := branches(3)
	brs[1].Optional = true
	cfg := api.ParallelConfig{Branches: brs, Join: api.JoinAnd}

	res, err := NewCoordinator(runnerFor("b")).Execute(context.Background(), gatewayStep(cfg), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != api.ResultSuccess {
		t.Fatalf("status = %s, want SUCCESS when only an optional branch fails", res.Status)
	}
}

func TestOrJoinSucceedsOnFirstSuccess(t *testing.T) {
	var slowStarted atomic.Bool
	release := make(chan struct{})
	runner := func(ctx context.Context, branch api.ParallelBranch, vars map[string]any) (map[string]any, error) {
		if branch.ID == "slow" {
			slowStarted.Store(true)
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return map[string]any{}, nil
	}
	defer close(release)

	cfg := api.ParallelConfig{
		Branches: []api.ParallelBranch{
			{ID: "fast", Steps: []string{"m"}},
			{ID: "slow", Steps: []string{"m"}},
		},
		Join: api.JoinOr,
	}

	res, err := NewCoordinator(runner).Execute(context.Background(), gatewayStep(cfg), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != api.ResultSuccess {
		t.Fatalf("status = %s, want SUCCESS as soon as one branch succeeds", res.Status)
	}
}

func TestOrJoinFailsWhenEveryBranchFails(t *testing.T) {
	cfg := api.ParallelConfig{Branches: branches(2), Join: api.JoinOr}

	res, err := NewCoordinator(runnerFor("a", "b")).Execute(context.Background(), gatewayStep(cfg), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != api.ResultFailure {
		t.Fatalf("status = %s, want FAILURE", res.Status)
	}
}

func TestCustomJoinThreshold(t *testing.T) {
	cfg := api.ParallelConfig{
		Branches:      branches(4),
		Join:          api.JoinCustom,
		JoinCondition: "successCount >= 2",
		Mode:          api.DispatchSequential,
	}

	res, err := NewCoordinator(runnerFor("c", "d")).Execute(context.Background(), gatewayStep(cfg), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != api.ResultSuccess {
		t.Fatalf("status = %s, want SUCCESS once two branches succeeded", res.Status)
	}
}

func TestCustomJoinSuccessRate(t *testing.T) {
	cfg := api.ParallelConfig{
		Branches:      branches(4),
		Join:          api.JoinCustom,
		JoinCondition: "successRate >= 0.75",
		Mode:          api.DispatchSequential,
	}

	res, err := NewCoordinator(runnerFor("d")).Execute(context.Background(), gatewayStep(cfg), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != api.ResultFailure {
		t.Fatalf("status = %s, want FAILURE at 3/4 when 0.75 is required of all four", res.Status)
	}
}

func TestSequentialDispatchRunsOneAtATime(t *testing.T) {
	var active, maxActive int32
	runner := func(ctx context.Context, branch api.ParallelBranch, vars map[string]any) (map[string]any, error) {
		cur := atomic.AddInt32(&active, 1)
		defer atomic.AddInt32(&active, -1)
		for {
			prev := atomic.LoadInt32(&maxActive)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxActive, prev, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	}

	cfg := api.ParallelConfig{Branches: branches(4), Join: api.JoinAnd, Mode: api.DispatchSequential}
	if _, err := NewCoordinator(runner).Execute(context.Background(), gatewayStep(cfg), nil); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Errorf("max concurrent branches = %d, want 1", got)
	}
}

func TestParallelDispatchHonorsMaxConcurrency(t *testing.T) {
	var active, maxActive int32
	runner := func(ctx context.Context, branch api.ParallelBranch, vars map[string]any) (map[string]any, error) {
		cur := atomic.AddInt32(&active, 1)
		defer atomic.AddInt32(&active, -1)
		for {
			prev := atomic.LoadInt32(&maxActive)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxActive, prev, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return nil, nil
	}

	cfg := api.ParallelConfig{Branches: branches(6), Join: api.JoinAnd, MaxConcurrency: 2}
	if _, err := NewCoordinator(runner).Execute(context.Background(), gatewayStep(cfg), nil); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := atomic.LoadInt32(&maxActive); got > 2 {
		t.Errorf("max concurrent branches = %d, want <= 2", got)
	}
}

func TestBatchDispatchGroups(t *testing.T) {
	var mu sync.Mutex
	var order []string
	runner := func(ctx context.Context, branch api.ParallelBranch, vars map[string]any) (map[string]any, error) {
		mu.Lock()
		order = append(order, branch.ID)
		mu.Unlock()
		return nil, nil
	}

	cfg := api.ParallelConfig{Branches: branches(5), Join: api.JoinAnd, Mode: api.DispatchBatch, BatchSize: 2}
	res, err := NewCoordinator(runner).Execute(context.Background(), gatewayStep(cfg), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != api.ResultSuccess {
		t.Fatalf("status = %s, want SUCCESS", res.Status)
	}
	if len(order) != 5 {
		t.Errorf("ran %d branches, want 5", len(order))
	}
}

func TestGatewayTimeoutRoutesToTimeoutTarget(t *testing.T) {
	runner := func(ctx context.Context, branch api.ParallelBranch, vars map[string]any) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, nil
		}
	}

	cfg := api.ParallelConfig{
		Branches:      branches(2),
		Join:          api.JoinAnd,
		Timeout:       50 * time.Millisecond,
		TimeoutTarget: "escalate",
	}

	res, err := NewCoordinator(runner).Execute(context.Background(), gatewayStep(cfg), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.NextStepID != "escalate" {
		t.Errorf("routed to %q, want escalate", res.NextStepID)
	}
}

func TestGatewayTimeoutWithoutTargetFails(t *testing.T) {
	runner := func(ctx context.Context, branch api.ParallelBranch, vars map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	cfg := api.ParallelConfig{Branches: branches(1), Join: api.JoinAnd, Timeout: 30 * time.Millisecond}
	res, err := NewCoordinator(runner).Execute(context.Background(), gatewayStep(cfg), nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Status != api.ResultFailure {
		t.Fatalf("status = %s, want FAILURE on timeout without target", res.Status)
	}
}

func TestCallerCancellationPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := api.ParallelConfig{Branches: branches(2), Join: api.JoinAnd, Mode: api.DispatchSequential}
	_, err := NewCoordinator(runnerFor()).Execute(ctx, gatewayStep(cfg), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestExecuteRejectsMissingConfig(t *testing.T) {
	step := api.StepDefinition{ID: "gw", Kind: api.KindParallelGateway}
	if _, err := NewCoordinator(runnerFor()).Execute(context.Background(), step, nil); !api.IsExecutionError(err) {
		t.Fatalf("got %v, want ExecutionError", err)
	}
}
