package stepflow

import (
	"database/sql"

	"github.com/mkarlsen/stepflow/internal/engine"
	"github.com/mkarlsen/stepflow/internal/timerqueue"
	"github.com/mkarlsen/stepflow/pkg/scheduler"
)

// Bundle is a durable single-process setup: an Engine, its timer queue, and a
// Poller sharing the same database. Timers enqueued before a restart survive
// it and fire once the poller is running again.
type Bundle struct {
	Engine Engine
	Queue  TimerQueue
	Poller *scheduler.Poller
}

// NewSQLiteBundle wires an Engine and a timer queue on top of db and returns
// the pieces ready to use. The caller owns db and decides when to run the
// poller, typically:
//
//	db, _ := sql.Open("sqlite", "flows.db")
//	b, err := stepflow.NewSQLiteBundle(db)
//	...
//	go b.Poller.Run(ctx)
//
// Required tables are created if they do not exist.
func NewSQLiteBundle(db *sql.DB) (*Bundle, error) {
	return NewSQLiteBundleWithObserver(db, nil)
}

// NewSQLiteBundleWithObserver is NewSQLiteBundle with an Observer attached to
// the engine.
func NewSQLiteBundleWithObserver(db *sql.DB, obs Observer) (*Bundle, error) {
	q, err := timerqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}

	sched := scheduler.NewQueueScheduler(q)
	eng, err := engine.NewSQLiteEngineWithOptions(db, obs, sched)
	if err != nil {
		return nil, err
	}

	// A fresh engine has no named executors yet, so this cannot fail.
	_ = RegisterBuiltinExecutors(eng)

	return &Bundle{
		Engine: eng,
		Queue:  q,
		Poller: scheduler.NewPoller(q, eng, nil),
	}, nil
}
