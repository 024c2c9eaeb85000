// Package stepflow provides an embeddable workflow definition and execution
// engine for Go.
//
// Stepflow lets a backend service declaratively assemble a directed graph of
// typed steps (tasks, service calls, scripts, emails, user tasks, timers,
// conditions, parallel gateways), validate that graph, and drive instances
// of it through their state machine to completion or failure. It runs fully
// in Go, supports multiple persistence backends, and integrates into
// existing codebases without extra infrastructure.
//
// # Core Concepts
//
// The stepflow programming model is intentionally small:
//
//  1. DefinitionBuilder
//  2. Engine
//  3. StepExecutor
//  4. Scheduler / Poller
//  5. LocalRunner
//
// # DefinitionBuilder
//
// DefinitionBuilder is the declarative API for assembling a workflow
// definition. Steps get ids and orders automatically, transitions are wired
// by step name, START and END markers are inserted when missing, and Build
// validates the whole graph before sealing it:
//
//	def, err := stepflow.NewDefinition("order-fulfilment").
//	    AddTask("reserve-stock", "inventory").
//	    AddServiceCall("charge-card", "https://payments.internal/charge").
//	    Connect("reserve-stock", "charge-card").
//	    Build()
//
// Conditional routing and parallel fan-out are configured through
// AddConditionalStep and AddParallelSteps with their ConditionConfig and
// ParallelConfig tables.
//
// # Engine
//
// The Engine deploys sealed definitions, starts instances, and owns every
// instance state transition: dispatching steps by kind, applying retries and
// timeouts, routing conditions, joining parallel branches, and parking
// instances that wait for user tasks or timers. It exposes the full
// lifecycle surface: Start, CompleteUserTask, Suspend, Resume, Cancel,
// Terminate, plus instance and event queries.
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// # StepExecutor
//
// A StepExecutor performs the business action of a task-like step:
//
//	type StepExecutor interface {
//	    Execute(ctx context.Context, ec ExecutionContext) (ExecutionResult, error)
//	}
//
// Hosts register executors by name or per step kind; built-ins cover HTTP
// service calls, scripts, and logged emails.
//
// # Scheduler and Poller
//
// Timers and user-task deadlines are wall-clock events. The engine never
// busy-waits: it parks the instance, registers the deadline with a
// TimerScheduler backed by a durable timer queue, and a Poller later raises
// the fired timer or timeout back into the engine.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine, timer queue, and poller into a
// single process-local helper for development and tests. NewSQLiteBundle is
// its durable counterpart on a SQLite database.
//
// For runnable programs, see the /examples directory.
package stepflow
