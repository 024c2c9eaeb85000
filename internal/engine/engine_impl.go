package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mkarlsen/stepflow/internal/cond"
	"github.com/mkarlsen/stepflow/internal/persistence"
	"github.com/mkarlsen/stepflow/pkg/api"
)

// engineImpl is a synchronous, in-process engine implementation. Instances
// run on the caller's goroutine; a WAITING instance releases the goroutine
// and is picked up again when its signal arrives.
type engineImpl struct {
	definitions persistence.DefinitionStore
	instances   persistence.InstanceStore
	events      persistence.EventStore

	evaluators *cond.Registry
	router     *cond.Router

	execMu     sync.RWMutex
	execByKind map[api.StepKind]api.StepExecutor
	execByName map[string]api.StepExecutor

	observer  api.Observer
	scheduler api.TimerScheduler

	locks    sync.Map // instance id -> *sync.Mutex
	controls sync.Map // instance id -> *runControl
}

// Config describes how to construct an engineImpl.
// Only used inside this package; external callers use the helper functions.
type Config struct {
	Persistence persistence.Persistence
	Observer    api.Observer

	// Scheduler receives timer and deadline registrations. Nil means waits
	// are recorded but nothing fires them automatically; the host calls
	// FireTimer/TimeoutStep itself.
	Scheduler api.TimerScheduler
}

// NewInMemoryEngine returns an engine with all state held in memory.
func NewInMemoryEngine() api.Engine {
	return NewInMemoryEngineWithObserver(nil)
}

// NewInMemoryEngineWithObserver returns an in-memory engine reporting to obs.
func NewInMemoryEngineWithObserver(obs api.Observer) api.Engine {
	return NewInMemoryEngineWithOptions(obs, nil)
}

// NewInMemoryEngineWithOptions returns an in-memory engine with the given
// observer and timer scheduler, either of which may be nil.
func NewInMemoryEngineWithOptions(obs api.Observer, sched api.TimerScheduler) api.Engine {
	mem := persistence.NewInMemoryStore()
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Definitions: mem,
			Instances:   mem,
			Events:      mem,
		},
		Observer:  obs,
		Scheduler: sched,
	})
}

// NewSQLiteEngine returns an engine persisting instances and history in the
// given SQLite database. Definitions remain in-memory; they arrive sealed
// from the builder on every deploy.
func NewSQLiteEngine(db *sql.DB) (api.Engine, error) {
	return NewSQLiteEngineWithObserver(db, nil)
}

// NewSQLiteEngineWithObserver returns a SQLite-backed engine reporting to obs.
func NewSQLiteEngineWithObserver(db *sql.DB, obs api.Observer) (api.Engine, error) {
	return NewSQLiteEngineWithOptions(db, obs, nil)
}

// NewSQLiteEngineWithOptions returns a SQLite-backed engine with the given
// observer and timer scheduler, either of which may be nil.
func NewSQLiteEngineWithOptions(db *sql.DB, obs api.Observer, sched api.TimerScheduler) (api.Engine, error) {
	p, err := sqlitePersistence(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{Persistence: p, Observer: obs, Scheduler: sched}), nil
}

func sqlitePersistence(db *sql.DB) (persistence.Persistence, error) {
	inst, err := persistence.NewSQLiteInstanceStore(db)
	if err != nil {
		return persistence.Persistence{}, err
	}
	events, err := persistence.NewSQLiteEventStore(db)
	if err != nil {
		return persistence.Persistence{}, err
	}
	return persistence.Persistence{
		Definitions: persistence.NewInMemoryStore(),
		Instances:   inst,
		Events:      events,
	}, nil
}

// NewPostgresEngine returns an engine persisting instances and history in
// the given Postgres database. Definitions remain in-memory, like SQLite.
func NewPostgresEngine(db *sql.DB) (api.Engine, error) {
	return NewPostgresEngineWithObserver(db, nil)
}

// NewPostgresEngineWithObserver returns a Postgres-backed engine reporting
// to obs.
func NewPostgresEngineWithObserver(db *sql.DB, obs api.Observer) (api.Engine, error) {
	inst, err := persistence.NewPostgresInstanceStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewPostgresEventStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Definitions: persistence.NewInMemoryStore(),
			Instances:   inst,
			Events:      events,
		},
		Observer: obs,
	}), nil
}

// NewRedisEngine returns an engine persisting instances and history in Redis.
func NewRedisEngine(client *redis.Client) api.Engine {
	return NewRedisEngineWithObserver(client, nil)
}

// NewRedisEngineWithObserver returns a Redis-backed engine reporting to obs.
func NewRedisEngineWithObserver(client *redis.Client, obs api.Observer) api.Engine {
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Definitions: persistence.NewInMemoryStore(),
			Instances:   persistence.NewRedisInstanceStore(client, "stepflow:"),
			Events:      persistence.NewRedisEventStore(client, "stepflow:"),
		},
		Observer: obs,
	})
}

// NewMongoEngine returns an engine persisting instances and history in
// MongoDB. An empty dbName defaults to "stepflow".
func NewMongoEngine(client *mongo.Client, dbName string) api.Engine {
	return NewMongoEngineWithObserver(client, dbName, nil)
}

// NewMongoEngineWithObserver returns a Mongo-backed engine reporting to obs.
func NewMongoEngineWithObserver(client *mongo.Client, dbName string, obs api.Observer) api.Engine {
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Definitions: persistence.NewInMemoryStore(),
			Instances:   persistence.NewMongoInstanceStore(client, dbName, ""),
			Events:      persistence.NewMongoEventStore(client, dbName, ""),
		},
		Observer: obs,
	})
}

// NewEngine returns an Engine over the given stores with default options.
func NewEngine(p persistence.Persistence) api.Engine {
	return NewEngineWithConfig(Config{Persistence: p})
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}

	reg := cond.NewRegistry()
	return &engineImpl{
		definitions: cfg.Persistence.Definitions,
		instances:   cfg.Persistence.Instances,
		events:      cfg.Persistence.Events,
		evaluators:  reg,
		router:      cond.NewRouter(reg),
		execByKind:  make(map[api.StepKind]api.StepExecutor),
		execByName:  make(map[string]api.StepExecutor),
		observer:    obs,
		scheduler:   cfg.Scheduler,
	}
}

var _ api.Engine = (*engineImpl)(nil)

func (e *engineImpl) Deploy(ctx context.Context, def api.WorkflowDefinition) (api.WorkflowDefinition, error) {
	if len(def.Steps) == 0 {
		return api.WorkflowDefinition{}, api.NewValidationError("definition has no steps")
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	now := time.Now()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	def.Status = api.DefinitionActive

	if err := e.definitions.CreateDefinition(def); err != nil {
		return api.WorkflowDefinition{}, err
	}

	// Definition lifecycle events are recorded under the definition id.
	e.appendEvent(api.WorkflowEvent{
		InstanceID:   def.ID,
		At:           now,
		Type:         api.EventDefinitionDeployed,
		DefinitionID: def.ID,
		Detail:       fmt.Sprintf("%s v%s", def.Name, def.Version),
	})

	return def, nil
}

func (e *engineImpl) GetDefinition(ctx context.Context, id string) (api.WorkflowDefinition, error) {
	def, err := e.definitions.GetDefinition(id)
	if err != nil {
		if errors.Is(err, persistence.ErrDefinitionNotFound) {
			return api.WorkflowDefinition{}, fmt.Errorf("definition not found: %s", id)
		}
		return api.WorkflowDefinition{}, err
	}
	return def, nil
}

func (e *engineImpl) SetDefinitionStatus(ctx context.Context, id string, status api.DefinitionStatus) error {
	switch status {
	case api.DefinitionActive, api.DefinitionInactive, api.DefinitionDeprecated:
	default:
		return api.NewValidationError(fmt.Sprintf("invalid definition status: %s", status))
	}
	if err := e.definitions.UpdateDefinitionStatus(id, status); err != nil {
		if errors.Is(err, persistence.ErrDefinitionNotFound) {
			return fmt.Errorf("definition not found: %s", id)
		}
		return err
	}
	return nil
}

func (e *engineImpl) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	inst, err := e.instances.GetInstance(id)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, fmt.Errorf("instance not found: %s", id)
		}
		return nil, err
	}
	// Late signals on a finished instance recreate its bookkeeping entries
	// on their way in; sweep them back out.
	e.forgetInstance(inst)
	return inst, nil
}

func (e *engineImpl) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	return e.instances.ListInstances(persistence.InstanceFilter{
		DefinitionID: opts.DefinitionID,
		Status:       opts.Status,
	})
}

func (e *engineImpl) ListEvents(ctx context.Context, instanceID string) ([]api.WorkflowEvent, error) {
	return e.events.ListEvents(instanceID)
}

func (e *engineImpl) RegisterExecutor(kind api.StepKind, exec api.StepExecutor) error {
	if !kind.TaskLike() {
		return api.NewConfigurationError("kind", fmt.Sprintf("%s steps do not take executors", kind))
	}
	if exec == nil {
		return api.NewConfigurationError("executor", "executor must not be nil")
	}

	e.execMu.Lock()
	defer e.execMu.Unlock()
	e.execByKind[kind] = exec
	return nil
}

func (e *engineImpl) RegisterNamedExecutor(name string, exec api.StepExecutor) error {
	if name == "" {
		return api.NewConfigurationError("name", "executor name must not be empty")
	}
	if exec == nil {
		return api.NewConfigurationError("executor", "executor must not be nil")
	}

	e.execMu.Lock()
	defer e.execMu.Unlock()
	if _, exists := e.execByName[name]; exists {
		return api.NewConfigurationError("name", fmt.Sprintf("executor %q already registered", name))
	}
	e.execByName[name] = exec
	return nil
}

func (e *engineImpl) RegisterEvaluator(kind string, ev api.ConditionEvaluator) error {
	return e.evaluators.Register(kind, ev)
}

// lookupExecutor resolves the executor for a task-like step: a named
// reference wins over the kind registration.
func (e *engineImpl) lookupExecutor(step api.StepDefinition) (api.StepExecutor, error) {
	e.execMu.RLock()
	defer e.execMu.RUnlock()

	if step.Executor != "" {
		if exec, ok := e.execByName[step.Executor]; ok {
			return exec, nil
		}
		return nil, api.NewExecutionError(step.ID, fmt.Sprintf("no executor named %q", step.Executor), nil)
	}
	if exec, ok := e.execByKind[step.Kind]; ok {
		return exec, nil
	}
	return nil, api.NewExecutionError(step.ID, fmt.Sprintf("no executor registered for kind %s", step.Kind), nil)
}

// appendEvent records a history event; history failures never fail the
// instance transition that produced them.
func (e *engineImpl) appendEvent(ev api.WorkflowEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_ = e.events.AppendEvent(ev)
}

// lock returns the per-instance mutex that serializes all state transitions
// of one instance.
func (e *engineImpl) lock(instanceID string) *sync.Mutex {
	v, _ := e.locks.LoadOrStore(instanceID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (e *engineImpl) control(instanceID string) *runControl {
	v, _ := e.controls.LoadOrStore(instanceID, &runControl{})
	return v.(*runControl)
}

// forgetInstance drops the per-instance lock and run control once the
// instance reaches a terminal status, so a long-lived engine does not grow
// with every finished instance. Terminal statuses are immutable; a caller
// racing the cleanup re-reads the persisted status and rejects anyway.
func (e *engineImpl) forgetInstance(inst *api.WorkflowInstance) {
	if inst == nil || !inst.Status.Terminal() {
		return
	}
	e.locks.Delete(inst.ID)
	e.controls.Delete(inst.ID)
}
