package timerqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryQueue is a Queue implementation that keeps pending tasks sorted by
// due time. Dequeue polls until the earliest task becomes due. It is safe for
// concurrent use.
type InMemoryQueue struct {
	mu           sync.Mutex
	tasks        []Task
	pollInterval time.Duration
}

// NewInMemoryQueue creates an empty in-memory timer queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		pollInterval: 20 * time.Millisecond,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if t.FireAt.IsZero() {
		t.FireAt = t.EnqueuedAt
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	sort.SliceStable(q.tasks, func(i, j int) bool {
		return q.tasks[i].FireAt.Before(q.tasks[j].FireAt)
	})
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		if t := q.takeDue(time.Now()); t != nil {
			return t, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *InMemoryQueue) takeDue(now time.Time) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 || q.tasks[0].FireAt.After(now) {
		return nil
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return &t
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
