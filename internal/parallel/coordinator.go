// Package parallel implements the PARALLEL_GATEWAY coordinator: branch
// dispatch under a concurrency strategy, join-policy evaluation as branch
// completions arrive, and gateway-level timeout handling.
package parallel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mkarlsen/stepflow/internal/cond"
	"github.com/mkarlsen/stepflow/pkg/api"
)

// BranchRunner executes the member steps of one branch sequentially and
// returns the branch's merged output. The engine injects it so the
// coordinator never touches executors or stores directly.
type BranchRunner func(ctx context.Context, branch api.ParallelBranch, vars map[string]any) (map[string]any, error)

// Coordinator manages one PARALLEL_GATEWAY step execution.
type Coordinator struct {
	runner BranchRunner
}

// NewCoordinator creates a Coordinator dispatching branches through runner.
func NewCoordinator(runner BranchRunner) *Coordinator {
	return &Coordinator{runner: runner}
}

type outcome struct {
	branch api.ParallelBranch
	output map[string]any
	err    error
}

// tracker accumulates branch outcomes and evaluates the join policy each
// time a branch reports in.
type tracker struct {
	cfg      api.ParallelConfig
	required int // non-optional branch count

	done        int
	successes   int
	failures    int // non-optional failures only
	reqSuccess  int
	outputs     map[string]map[string]any
	firstErr    error
	decided     bool
	joinSuccess bool
}

func newTracker(cfg api.ParallelConfig) *tracker {
	required := 0
	for _, b := range cfg.Branches {
		if !b.Optional {
			required++
		}
	}
	return &tracker{
		cfg:      cfg,
		required: required,
		outputs:  make(map[string]map[string]any, len(cfg.Branches)),
	}
}

// add records one branch outcome and re-evaluates the join. The decision is
// sticky: once made, further outcomes are observational only.
func (t *tracker) add(o outcome) error {
	t.done++
	if o.err == nil {
		t.successes++
		if !o.branch.Optional {
			t.reqSuccess++
		}
		if t.cfg.CollectResults && o.output != nil {
			t.outputs[o.branch.ID] = o.output
		}
	} else if !o.branch.Optional {
		// An optional branch's failure is excluded from the join; a
		// required branch's failure counts.
		t.failures++
		if t.firstErr == nil {
			t.firstErr = o.err
		}
	}
	if t.decided {
		return nil
	}

	switch t.cfg.Join {
	case api.JoinAnd:
		if t.failures > 0 {
			t.decided, t.joinSuccess = true, false
		} else if t.reqSuccess == t.required {
			t.decided, t.joinSuccess = true, true
		}
	case api.JoinOr:
		if t.successes > 0 {
			t.decided, t.joinSuccess = true, true
		}
	case api.JoinCustom:
		ok, err := cond.EvaluateBool(t.cfg.JoinCondition, t.counters())
		if err != nil {
			return fmt.Errorf("join condition: %w", err)
		}
		if ok {
			t.decided, t.joinSuccess = true, true
		}
	}

	// All branches reported and no policy fired: the gateway failed.
	if !t.decided && t.done == len(t.cfg.Branches) {
		t.decided, t.joinSuccess = true, false
	}
	return nil
}

func (t *tracker) counters() map[string]any {
	total := len(t.cfg.Branches)
	rate := 0.0
	if total > 0 {
		rate = float64(t.successes) / float64(total)
	}
	return map[string]any{
		"successCount": t.successes,
		"failureCount": t.failures,
		"totalCount":   total,
		"successRate":  rate,
	}
}

func (t *tracker) result(step api.StepDefinition) api.ExecutionResult {
	output := t.counters()
	if t.cfg.CollectResults {
		branches := make(map[string]any, len(t.outputs))
		for id, out := range t.outputs {
			branches[id] = out
		}
		output["branches"] = branches
	}
	if t.joinSuccess {
		return api.ExecutionResult{Status: api.ResultSuccess, Output: output}
	}
	msg := fmt.Sprintf("parallel gateway %s: join not satisfied (%d/%d succeeded)",
		step.Name, t.successes, len(t.cfg.Branches))
	if t.firstErr != nil {
		msg += ": " + t.firstErr.Error()
	}
	return api.ExecutionResult{Status: api.ResultFailure, Output: output, Message: msg}
}

// Execute runs one PARALLEL_GATEWAY step to its join decision.
//
// A (result, nil) return with ResultFailure means the gateway itself failed
// and the step's error routing applies; a non-nil error is reserved for
// cancellation and configuration problems.
func (c *Coordinator) Execute(ctx context.Context, step api.StepDefinition, vars map[string]any) (api.ExecutionResult, error) {
	cfg := step.Parallel
	if cfg == nil {
		return api.ExecutionResult{}, api.NewExecutionError(step.ID, "parallel gateway has no parallel config", nil)
	}

	gwCtx := ctx
	var cancel context.CancelFunc
	if cfg.Timeout > 0 {
		gwCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	// Priority orders dispatch only; it never influences the join.
	branches := make([]api.ParallelBranch, len(cfg.Branches))
	copy(branches, cfg.Branches)
	sort.SliceStable(branches, func(i, j int) bool {
		return branches[i].Priority > branches[j].Priority
	})

	t := newTracker(*cfg)
	var err error
	switch cfg.Mode {
	case api.DispatchSequential:
		err = c.runSequential(gwCtx, branches, vars, t)
	case api.DispatchBatch:
		err = c.runBatches(gwCtx, branches, vars, t, cfg.BatchSize)
	default: // DispatchParallel is the default mode
		err = c.runParallel(gwCtx, branches, vars, t, cfg.MaxConcurrency)
	}

	// Gateway deadline, not caller cancellation. Branches interrupted by the
	// deadline report ordinary failures, so the expired context is the
	// authoritative signal.
	timedOut := errors.Is(gwCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil

	if err != nil {
		if timedOut {
			return c.timeoutResult(step, *cfg), nil
		}
		return api.ExecutionResult{}, err
	}

	res := t.result(step)
	if res.Status == api.ResultFailure && timedOut {
		return c.timeoutResult(step, *cfg), nil
	}
	return res, nil
}

func (c *Coordinator) timeoutResult(step api.StepDefinition, cfg api.ParallelConfig) api.ExecutionResult {
	msg := fmt.Sprintf("parallel gateway %s timed out after %s", step.Name, cfg.Timeout)
	if cfg.TimeoutTarget != "" {
		return api.ExecutionResult{
			Status:     api.ResultSuccess,
			NextStepID: cfg.TimeoutTarget,
			Message:    msg,
		}
	}
	return api.ExecutionResult{Status: api.ResultFailure, Message: msg}
}

func (c *Coordinator) runSequential(ctx context.Context, branches []api.ParallelBranch, vars map[string]any, t *tracker) error {
	for _, b := range branches {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := c.runner(ctx, b, vars)
		if addErr := t.add(outcome{branch: b, output: out, err: err}); addErr != nil {
			return addErr
		}
		if t.decided && !t.cfg.WaitForAll {
			return nil
		}
	}
	return nil
}

func (c *Coordinator) runParallel(ctx context.Context, branches []api.ParallelBranch, vars map[string]any, t *tracker, maxConcurrency int) error {
	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan outcome, len(branches))
	var sem chan struct{}
	if maxConcurrency > 0 {
		sem = make(chan struct{}, maxConcurrency)
	}

	var wg sync.WaitGroup
	for _, b := range branches {
		wg.Add(1)
		go func(b api.ParallelBranch) {
			defer wg.Done()
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-branchCtx.Done():
					results <- outcome{branch: b, err: branchCtx.Err()}
					return
				}
			}
			out, err := c.runner(branchCtx, b, vars)
			results <- outcome{branch: b, output: out, err: err}
		}(b)
	}

	for i := 0; i < len(branches); i++ {
		select {
		case o := <-results:
			if err := t.add(o); err != nil {
				return err
			}
			if t.decided && !t.cfg.WaitForAll {
				// Abandon in-flight siblings best-effort; already
				// dispatched work may still run but its results are
				// discarded.
				cancel()
				return nil
			}
		case <-ctx.Done():
			cancel()
			wg.Wait()
			return ctx.Err()
		}
	}
	return nil
}

func (c *Coordinator) runBatches(ctx context.Context, branches []api.ParallelBranch, vars map[string]any, t *tracker, batchSize int) error {
	for start := 0; start < len(branches); start += batchSize {
		end := start + batchSize
		if end > len(branches) {
			end = len(branches)
		}
		if err := c.runParallel(ctx, branches[start:end], vars, t, 0); err != nil {
			return err
		}
		if t.decided && !t.cfg.WaitForAll {
			return nil
		}
	}
	return nil
}
