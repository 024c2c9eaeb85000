package persistence

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mkarlsen/stepflow/pkg/api"
)

func newTestSQLiteStore(t *testing.T) *SQLiteInstanceStore {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
	})

	store, err := NewSQLiteInstanceStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteInstanceStore failed: %v", err)
	}

	return store
}

func TestSQLiteInstanceStore_CreateGetUpdate(t *testing.T) {
	store := newTestSQLiteStore(t)

	inst := sampleInstance("inst-1", "def-1")
	if err := store.CreateInstance(inst); err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	got, err := store.GetInstance("inst-1")
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if got.ID != inst.ID {
		t.Fatalf("expected ID %q, got %q", inst.ID, got.ID)
	}
	if got.DefinitionID != "def-1" {
		t.Fatalf("expected DefinitionID %q, got %q", "def-1", got.DefinitionID)
	}
	if got.Status != api.StatusRunning {
		t.Fatalf("expected Status %q, got %q", api.StatusRunning, got.Status)
	}
	if got.Context["customer"] != "acme" {
		t.Fatalf("unexpected context: %v", got.Context)
	}
	if got.Context["amount"] != 42.0 {
		t.Fatalf("unexpected context amount: %v", got.Context["amount"])
	}

	if err := store.UpdateCurrentStep("inst-1", "charge"); err != nil {
		t.Fatalf("UpdateCurrentStep failed: %v", err)
	}
	if err := store.UpdateStatus("inst-1", api.StatusFailed, "boom"); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	got, err = store.GetInstance("inst-1")
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if got.CurrentStep != "charge" {
		t.Fatalf("expected current step %q, got %q", "charge", got.CurrentStep)
	}
	if got.Status != api.StatusFailed || got.Error != "boom" {
		t.Fatalf("unexpected status/error: %q %q", got.Status, got.Error)
	}
}

func TestSQLiteInstanceStore_GetNotFound(t *testing.T) {
	store := newTestSQLiteStore(t)

	_, err := store.GetInstance("missing")
	if !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestSQLiteInstanceStore_UpdateMissingInstance(t *testing.T) {
	store := newTestSQLiteStore(t)

	if err := store.UpdateStatus("missing", api.StatusCompleted, ""); !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
	if err := store.UpdateCurrentStep("missing", "x"); !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
	if err := store.UpdateContext("missing", map[string]any{"a": 1}); !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestSQLiteInstanceStore_WaitRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)

	inst := sampleInstance("inst-1", "def-1")
	if err := store.CreateInstance(inst); err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	wait := &api.WaitState{
		Kind:     api.WaitTimer,
		StepID:   "delay",
		Since:    time.Now(),
		Deadline: deadline,
	}
	if err := store.UpdateWait("inst-1", wait); err != nil {
		t.Fatalf("UpdateWait failed: %v", err)
	}

	got, err := store.GetInstance("inst-1")
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if got.Wait == nil || got.Wait.Kind != api.WaitTimer || got.Wait.StepID != "delay" {
		t.Fatalf("unexpected wait state: %+v", got.Wait)
	}
	if !got.Wait.Deadline.Equal(deadline) {
		t.Fatalf("expected deadline %v, got %v", deadline, got.Wait.Deadline)
	}

	if err := store.UpdateWait("inst-1", nil); err != nil {
		t.Fatalf("UpdateWait(nil) failed: %v", err)
	}
	got, err = store.GetInstance("inst-1")
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if got.Wait != nil {
		t.Fatalf("expected wait state to be cleared, got %+v", got.Wait)
	}
}

func TestSQLiteInstanceStore_ListInstancesFilter(t *testing.T) {
	store := newTestSQLiteStore(t)

	a := sampleInstance("inst-a", "def-1")
	b := sampleInstance("inst-b", "def-1")
	b.Status = api.StatusCompleted
	c := sampleInstance("inst-c", "def-2")

	for _, inst := range []*api.WorkflowInstance{a, b, c} {
		if err := store.CreateInstance(inst); err != nil {
			t.Fatalf("CreateInstance failed: %v", err)
		}
	}

	all, err := store.ListInstances(InstanceFilter{})
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(all))
	}

	running, err := store.ListInstances(InstanceFilter{DefinitionID: "def-1", Status: api.StatusRunning})
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if len(running) != 1 || running[0].ID != "inst-a" {
		t.Fatalf("unexpected filtered result: %+v", running)
	}
}

func TestSQLiteEventStore_AppendAndList(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteEventStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteEventStore failed: %v", err)
	}

	base := time.Now()
	events := []api.WorkflowEvent{
		{InstanceID: "inst-1", At: base, Type: api.EventInstanceStarted, DefinitionID: "def-1"},
		{InstanceID: "inst-1", At: base.Add(time.Millisecond), Type: api.EventStepStarted, StepID: "start"},
		{InstanceID: "inst-2", At: base, Type: api.EventInstanceStarted, DefinitionID: "def-2"},
	}
	for _, ev := range events {
		if err := store.AppendEvent(ev); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	got, err := store.ListEvents("inst-1")
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != api.EventInstanceStarted || got[1].StepID != "start" {
		t.Fatalf("unexpected events: %+v", got)
	}
}
