package stepflow

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func TestSQLiteBundleEndToEnd(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b, err := NewSQLiteBundle(db)
	if err != nil {
		t.Fatalf("NewSQLiteBundle failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Poller.Run(ctx) }()

	def, err := NewDefinition("billing-reminder").
		AddTimer("grace-period", 50*time.Millisecond).
		AddEmail("remind", "billing@example.com", "payment overdue").
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	def, err = b.Engine.Deploy(ctx, def)
	if err != nil {
		t.Fatalf("Deploy failed: %v", err)
	}

	inst, err := b.Engine.Start(ctx, def.ID, map[string]any{"invoice": "inv-12"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if inst.Status != StatusWaiting {
		t.Fatalf("status = %s, want WAITING during the grace period", inst.Status)
	}

	done := waitForStatus(t, b.Engine, inst.ID, StatusCompleted)
	if done.Context["emailSent"] != true {
		t.Errorf("reminder not recorded: %v", done.Context)
	}
}
