package stepflow

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mkarlsen/stepflow/internal/engine"
	"github.com/mkarlsen/stepflow/internal/timerqueue"
	"github.com/mkarlsen/stepflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine              = api.Engine
	TimerScheduler      = api.TimerScheduler
	WorkflowDefinition  = api.WorkflowDefinition
	StepDefinition      = api.StepDefinition
	StepKind            = api.StepKind
	DefinitionStatus    = api.DefinitionStatus
	WorkflowInstance    = api.WorkflowInstance
	InstanceStatus      = api.InstanceStatus
	InstanceListOptions = api.InstanceListOptions
	WaitState           = api.WaitState
	WaitKind            = api.WaitKind
	WorkflowEvent       = api.WorkflowEvent
	EventType           = api.EventType

	StepExecutor     = api.StepExecutor
	ExecutorFunc     = api.ExecutorFunc
	ExecutionContext = api.ExecutionContext
	ExecutionResult  = api.ExecutionResult
	ResultStatus     = api.ResultStatus

	Condition          = api.Condition
	ConditionBranch    = api.ConditionBranch
	ConditionConfig    = api.ConditionConfig
	ConditionEvaluator = api.ConditionEvaluator
	EvaluatorFunc      = api.EvaluatorFunc
	EvalContext        = api.EvalContext
	EvalResult         = api.EvalResult
	EvalStrategy       = api.EvalStrategy

	ParallelConfig = api.ParallelConfig
	ParallelBranch = api.ParallelBranch
	JoinType       = api.JoinType
	DispatchMode   = api.DispatchMode

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver

	Success = api.Success
	Failure = api.Failure

	MarshalDefinitionYAML   = api.MarshalDefinitionYAML
	UnmarshalDefinitionYAML = api.UnmarshalDefinitionYAML
	DefinitionToMap         = api.DefinitionToMap
	DefinitionFromMap       = api.DefinitionFromMap
)

// Re-export step kinds.

const (
	KindStart           = api.KindStart
	KindEnd             = api.KindEnd
	KindTask            = api.KindTask
	KindUserTask        = api.KindUserTask
	KindServiceCall     = api.KindServiceCall
	KindScript          = api.KindScript
	KindEmail           = api.KindEmail
	KindTimer           = api.KindTimer
	KindCondition       = api.KindCondition
	KindParallelGateway = api.KindParallelGateway
)

// Re-export instance and definition statuses.

const (
	StatusCreated    = api.StatusCreated
	StatusRunning    = api.StatusRunning
	StatusWaiting    = api.StatusWaiting
	StatusSuspended  = api.StatusSuspended
	StatusCompleted  = api.StatusCompleted
	StatusCancelled  = api.StatusCancelled
	StatusTerminated = api.StatusTerminated
	StatusFailed     = api.StatusFailed

	DefinitionDraft      = api.DefinitionDraft
	DefinitionActive     = api.DefinitionActive
	DefinitionInactive   = api.DefinitionInactive
	DefinitionDeprecated = api.DefinitionDeprecated
)

// Re-export routing and gateway policies.

const (
	StrategyFirstMatch = api.StrategyFirstMatch
	StrategyAllMatch   = api.StrategyAllMatch
	StrategyPriority   = api.StrategyPriority

	JoinAnd    = api.JoinAnd
	JoinOr     = api.JoinOr
	JoinCustom = api.JoinCustom

	DispatchParallel   = api.DispatchParallel
	DispatchSequential = api.DispatchSequential
	DispatchBatch      = api.DispatchBatch
)

// Re-export built-in condition kinds.

const (
	CondExpression = api.CondExpression
	CondComparison = api.CondComparison
	CondRegex      = api.CondRegex
	CondRange      = api.CondRange
	CondContains   = api.CondContains
	CondNullCheck  = api.CondNullCheck
	CondScript     = api.CondScript
	CondDefault    = api.CondDefault
)

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine()
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given Observer.
func NewInMemoryEngineWithObserver(obs Observer) Engine {
	return engine.NewInMemoryEngineWithObserver(obs)
}

// NewSQLiteEngine returns an Engine that persists instances and history in a
// SQLite database. Definitions are kept in-memory.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return engine.NewSQLiteEngine(db)
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs Observer) (Engine, error) {
	return engine.NewSQLiteEngineWithObserver(db, obs)
}

// NewPostgresEngine returns an Engine that persists instances in PostgreSQL.
func NewPostgresEngine(db *sql.DB) (Engine, error) {
	return engine.NewPostgresEngine(db)
}

// NewPostgresEngineWithObserver returns a Postgres-backed Engine with the given Observer.
func NewPostgresEngineWithObserver(db *sql.DB, obs Observer) (Engine, error) {
	return engine.NewPostgresEngineWithObserver(db, obs)
}

// NewRedisEngine returns an Engine that persists instances in Redis.
func NewRedisEngine(client *redis.Client) Engine {
	return engine.NewRedisEngine(client)
}

// NewRedisEngineWithObserver returns a Redis-backed Engine with the given Observer.
func NewRedisEngineWithObserver(client *redis.Client, obs Observer) Engine {
	return engine.NewRedisEngineWithObserver(client, obs)
}

// NewMongoEngine returns an Engine that persists instances in MongoDB.
// An empty dbName defaults to "stepflow".
func NewMongoEngine(client *mongo.Client, dbName string) Engine {
	return engine.NewMongoEngine(client, dbName)
}

// NewMongoEngineWithObserver returns a Mongo-backed Engine with the given Observer.
func NewMongoEngineWithObserver(client *mongo.Client, dbName string, obs Observer) Engine {
	return engine.NewMongoEngineWithObserver(client, dbName, obs)
}

// NewSQLiteTimerQueue returns a durable timer queue sharing the engine's
// SQLite database, for use with scheduler.NewQueueScheduler and
// scheduler.NewPoller.
func NewSQLiteTimerQueue(db *sql.DB) (TimerQueue, error) {
	return timerqueue.NewSQLiteQueue(db)
}

// TimerQueue is the queue contract shared by the scheduler package.
type TimerQueue = timerqueue.Queue

// Convenience helpers that just forward to the underlying Engine.

// Start creates and runs an instance of a deployed definition.
func Start(ctx context.Context, eng Engine, definitionID string, vars map[string]any) (*WorkflowInstance, error) {
	return eng.Start(ctx, definitionID, vars)
}

// GetInstance fetches an instance by ID.
func GetInstance(ctx context.Context, eng Engine, id string) (*WorkflowInstance, error) {
	return eng.GetInstance(ctx, id)
}

// ListInstances lists workflow instances according to the given options.
func ListInstances(ctx context.Context, eng Engine, opts InstanceListOptions) ([]*WorkflowInstance, error) {
	return eng.ListInstances(ctx, opts)
}
