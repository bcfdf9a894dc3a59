package retention

import (
	"context"
	"testing"
	"time"

	"github.com/inletworks/inlet/internal/history"
	"github.com/inletworks/inlet/internal/schema"
	"github.com/inletworks/inlet/internal/tasks"
	"github.com/inletworks/inlet/internal/testutil"
)

func TestSweepPrunesIdleContextsAndFinishedTasks(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()

	now := time.Now().UTC()
	// Backdate the first context and task so the sweep sees them as
	// expired against the real clock.
	clock := now.Add(-48 * time.Hour)
	nowFn := func() time.Time { return clock }

	hist := history.NewSQLiteStore(db, history.WithClock(nowFn))
	taskStore := tasks.NewStore(db, tasks.WithClock(nowFn))

	ctx := context.Background()
	if _, err := hist.CreateContext(ctx, "old-ctx"); err != nil {
		t.Fatalf("create context: %v", err)
	}
	task, err := taskStore.Create(ctx, tasks.Spec{ContextID: "old-ctx"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := taskStore.SetStatus(ctx, task.ID, schema.TaskStatus{State: schema.StateWorking}); err != nil {
		t.Fatalf("set working: %v", err)
	}
	if _, err := taskStore.SetStatus(ctx, task.ID, schema.TaskStatus{State: schema.StateCompleted}); err != nil {
		t.Fatalf("set completed: %v", err)
	}

	// A fresh context that must survive the sweep.
	clock = now
	if _, err := hist.CreateContext(ctx, "fresh-ctx"); err != nil {
		t.Fatalf("create fresh context: %v", err)
	}

	sweeper, err := NewSweeper(Config{
		History:    hist,
		Tasks:      taskStore,
		ContextTTL: 24 * time.Hour,
		TaskTTL:    24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	sweeper.Sweep(ctx)

	if _, err := hist.GetContext(ctx, "old-ctx"); err == nil {
		t.Errorf("idle context survived the sweep")
	}
	if _, err := hist.GetContext(ctx, "fresh-ctx"); err != nil {
		t.Errorf("fresh context was pruned: %v", err)
	}
	if _, err := taskStore.Get(ctx, task.ID); err == nil {
		t.Errorf("finished task survived the sweep")
	}
}

func TestNewSweeperRejectsBadCron(t *testing.T) {
	if _, err := NewSweeper(Config{CronExpr: "not a cron line"}); err == nil {
		t.Fatalf("bad cron expression accepted")
	}
}
