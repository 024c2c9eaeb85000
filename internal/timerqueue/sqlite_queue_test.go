package timerqueue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestSQLiteQueue(t *testing.T) *SQLiteQueue {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	q, err := NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("NewSQLiteQueue failed: %v", err)
	}
	return q
}

func TestSQLiteQueue_EnqueueDequeue(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	err := q.Enqueue(ctx, Task{
		Type:       TaskTypeTimerFired,
		InstanceID: "inst-1",
		StepID:     "delay",
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 queued task, got %d", q.Len())
	}

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if got.Type != TaskTypeTimerFired || got.InstanceID != "inst-1" || got.StepID != "delay" {
		t.Fatalf("unexpected task: %+v", got)
	}
	if got.ID == "" {
		t.Fatalf("expected a non-empty task ID")
	}
	if q.Len() != 0 {
		t.Fatalf("expected empty queue after dequeue, got %d", q.Len())
	}
}

func TestSQLiteQueue_RespectsFireAt(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	fireAt := time.Now().Add(80 * time.Millisecond)
	err := q.Enqueue(ctx, Task{
		Type:       TaskTypeStepTimeout,
		InstanceID: "inst-1",
		StepID:     "approve",
		FireAt:     fireAt,
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Not due yet: a short dequeue should time out.
	shortCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	if _, err := q.Dequeue(shortCtx); err == nil {
		t.Fatalf("expected timeout dequeueing an undue task")
	}
	cancel()

	got, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if time.Now().Before(fireAt) {
		t.Fatalf("task dequeued before its fire time")
	}
	if got.StepID != "approve" {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestSQLiteQueue_DueTimeOrdering(t *testing.T) {
	q := newTestSQLiteQueue(t)
	ctx := context.Background()

	now := time.Now()
	if err := q.Enqueue(ctx, Task{Type: TaskTypeTimerFired, InstanceID: "late", FireAt: now.Add(30 * time.Millisecond)}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.Enqueue(ctx, Task{Type: TaskTypeTimerFired, InstanceID: "soon", FireAt: now.Add(5 * time.Millisecond)}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	first, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if first.InstanceID != "soon" {
		t.Fatalf("expected earliest task first, got %+v", first)
	}
}
