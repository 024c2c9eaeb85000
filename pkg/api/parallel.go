package api

import "time"

// JoinType is the policy deciding when a parallel gateway's branches are
// collectively complete.
type JoinType string

const (
	// JoinAnd requires every non-optional branch to succeed.
	JoinAnd JoinType = "AND"

	// JoinOr is satisfied by any single branch succeeding.
	JoinOr JoinType = "OR"

	// JoinCustom evaluates a boolean expression over the aggregate
	// counters successCount, failureCount, totalCount and successRate.
	JoinCustom JoinType = "CUSTOM"
)

// DispatchMode is the concurrency strategy for gateway branches.
type DispatchMode string

const (
	// DispatchParallel runs branches concurrently, optionally capped by
	// MaxConcurrency.
	DispatchParallel DispatchMode = "PARALLEL"

	// DispatchSequential runs one branch at a time, in priority order.
	DispatchSequential DispatchMode = "SEQUENTIAL"

	// DispatchBatch runs fixed-size concurrent groups of BatchSize.
	DispatchBatch DispatchMode = "BATCH"
)

// ParallelBranch is one execution path of a PARALLEL_GATEWAY step.
type ParallelBranch struct {
	ID   string
	Name string

	// Steps is the ordered list of member step ids; they run sequentially
	// within the branch.
	Steps []string

	Config map[string]any

	// Priority affects dispatch ordering only, never the join decision.
	Priority int

	// Optional branches are excluded from the AND-join requirement and
	// their failures are swallowed.
	Optional bool
}

// ParallelConfig is the full fan-out/join specification of a
// PARALLEL_GATEWAY step.
type ParallelConfig struct {
	Branches []ParallelBranch

	Join JoinType

	// JoinCondition is the boolean expression for JoinCustom, e.g.
	// "successCount >= 2" or "successRate >= 0.5".
	JoinCondition string

	Mode DispatchMode

	// MaxConcurrency caps concurrent branches under DispatchParallel.
	// Zero means unbounded.
	MaxConcurrency int

	// BatchSize is the group size under DispatchBatch.
	BatchSize int

	// Timeout bounds the whole gateway. On expiry the instance routes to
	// TimeoutTarget if set, otherwise the gateway fails.
	Timeout       time.Duration
	TimeoutTarget string

	// CollectResults aggregates per-branch outputs into the gateway's
	// output, keyed by branch id.
	CollectResults bool

	// WaitForAll keeps the coordinator waiting for straggling branches
	// after the join is already decided. Observational only; it never
	// changes the join decision.
	WaitForAll bool
}

// Validate checks the structural invariants of the gateway configuration.
func (c ParallelConfig) Validate() error {
	if len(c.Branches) == 0 {
		return NewValidationError("parallel gateway requires at least one branch")
	}
	switch c.Join {
	case JoinAnd, JoinOr:
	case JoinCustom:
		if c.JoinCondition == "" {
			return NewValidationError("CUSTOM join requires a join condition")
		}
	default:
		return NewValidationError("invalid join type: " + string(c.Join))
	}
	switch c.Mode {
	case DispatchParallel, DispatchSequential, "":
	case DispatchBatch:
		if c.BatchSize <= 0 {
			return NewValidationError("BATCH dispatch requires batchSize > 0")
		}
	default:
		return NewValidationError("invalid dispatch mode: " + string(c.Mode))
	}
	if c.MaxConcurrency < 0 {
		return NewValidationError("maxConcurrency must be >= 0")
	}
	seen := make(map[string]bool, len(c.Branches))
	for _, b := range c.Branches {
		if b.ID == "" {
			return NewValidationError("parallel branch requires an id")
		}
		if seen[b.ID] {
			return NewValidationError("duplicate parallel branch id: " + b.ID)
		}
		seen[b.ID] = true
		if len(b.Steps) == 0 {
			return NewValidationError("parallel branch " + b.ID + " has no member steps")
		}
	}
	return nil
}
