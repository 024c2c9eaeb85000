package stepflow

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/mkarlsen/stepflow/internal/engine"
	"github.com/mkarlsen/stepflow/internal/timerqueue"
	"github.com/mkarlsen/stepflow/pkg/scheduler"
)

// LocalRunner bundles an in-memory Engine, an in-memory timer queue, and a
// Poller so TIMER steps and user-task deadlines fire without any external
// infrastructure.
//
// Typical usage:
//
//	runner := stepflow.NewLocalRunner()
//	def, _ := stepflow.NewDefinition("my-flow").AddTask("work", "worker").Build()
//	def, _ = runner.Engine.Deploy(ctx, def)
//
//	_ = runner.StartTimers(ctx)
//	inst, err := runner.Engine.Start(ctx, def.ID, vars)
//	...
//	runner.Stop()
//
// LocalRunner is intentionally not crash-durable; use NewSQLiteBundle for a
// durable single-process setup.
type LocalRunner struct {
	// Engine is the in-memory workflow engine used by this runner.
	Engine Engine

	// Queue holds the pending timers and deadlines.
	Queue TimerQueue

	// Poller delivers due timers from Queue into Engine.
	Poller *scheduler.Poller

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine and
// timer queue.
//
// This is intended for local development, tests, and simple single-process
// deployments.
func NewLocalRunner() *LocalRunner {
	return NewLocalRunnerWithObserver(nil)
}

// NewLocalRunnerWithObserver is NewLocalRunner with an Observer attached to
// the engine.
func NewLocalRunnerWithObserver(obs Observer) *LocalRunner {
	q := timerqueue.NewInMemoryQueue()
	sched := scheduler.NewQueueScheduler(q)
	eng := engine.NewInMemoryEngineWithOptions(obs, sched)

	// A fresh engine has no named executors yet, so this cannot fail.
	_ = RegisterBuiltinExecutors(eng)

	return &LocalRunner{
		Engine: eng,
		Queue:  q,
		Poller: scheduler.NewPoller(q, eng, nil),
	}
}

// StartTimers starts a goroutine that continuously delivers due timers until
// Stop is called. Calling it twice without Stop returns an error.
func (r *LocalRunner) StartTimers(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("stepflow: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Poller.Run(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			log.Printf("stepflow: local runner timer poller error: %v", err)
		}
	}()

	return nil
}

// Stop cancels the timer goroutine started by StartTimers and waits for it
// to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}
