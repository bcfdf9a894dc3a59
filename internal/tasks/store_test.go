package tasks

import (
	"context"
	"errors"
	"testing"

	"github.com/inletworks/inlet/internal/history"
	"github.com/inletworks/inlet/internal/schema"
	"github.com/inletworks/inlet/internal/testutil"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)
	contexts := history.NewSQLiteStore(db)
	c, err := contexts.CreateContext(context.Background(), "")
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	return NewStore(db), c.ID
}

func TestCreateAndGet(t *testing.T) {
	store, contextID := newTestStore(t)
	ctx := context.Background()

	task, err := store.Create(ctx, Spec{ContextID: contextID})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Status.State != schema.StateSubmitted {
		t.Fatalf("expected submitted, got %s", task.Status.State)
	}

	got, err := store.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ContextID != contextID {
		t.Fatalf("context id mismatch: %s", got.ContextID)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestCreateRejectsBadCustomID(t *testing.T) {
	store, contextID := newTestStore(t)
	if _, err := store.Create(context.Background(), Spec{ID: "Bad_ID", ContextID: contextID}); err == nil {
		t.Fatalf("expected custom id validation error")
	}
}

func TestLifecycleTransitions(t *testing.T) {
	store, contextID := newTestStore(t)
	ctx := context.Background()
	task, _ := store.Create(ctx, Spec{ContextID: contextID})

	if _, err := store.SetStatus(ctx, task.ID, schema.TaskStatus{State: schema.StateWorking}); err != nil {
		t.Fatalf("submitted -> working: %v", err)
	}

	prompt := schema.AgentMessage("need key")
	if _, err := store.SetStatus(ctx, task.ID, schema.TaskStatus{
		State:   schema.StateAuthRequired,
		Message: &prompt,
	}); err != nil {
		t.Fatalf("working -> auth_required: %v", err)
	}

	got, _ := store.Get(ctx, task.ID)
	if got.Status.Message == nil || got.Status.Message.Text() != "need key" {
		t.Fatalf("suspended status must carry the prompting message, got %+v", got.Status.Message)
	}

	if _, err := store.SetStatus(ctx, task.ID, schema.TaskStatus{State: schema.StateWorking}); err != nil {
		t.Fatalf("auth_required -> working: %v", err)
	}
	if _, err := store.SetStatus(ctx, task.ID, schema.TaskStatus{State: schema.StateCompleted}); err != nil {
		t.Fatalf("working -> completed: %v", err)
	}
}

func TestTerminalAdmitsNothing(t *testing.T) {
	store, contextID := newTestStore(t)
	ctx := context.Background()
	task, _ := store.Create(ctx, Spec{ContextID: contextID})
	if _, err := store.SetStatus(ctx, task.ID, schema.TaskStatus{State: schema.StateCompleted}); err != nil {
		t.Fatalf("submitted -> completed: %v", err)
	}

	for _, next := range []schema.TaskState{
		schema.StateWorking,
		schema.StateCompleted,
		schema.StateFailed,
		schema.StateCanceled,
	} {
		_, err := store.SetStatus(ctx, task.ID, schema.TaskStatus{State: next})
		if !errors.Is(err, ErrInvalidStatusTransition) {
			t.Fatalf("completed -> %s should be a protocol error, got %v", next, err)
		}
		var transErr *StatusTransitionError
		if !errors.As(err, &transErr) {
			t.Fatalf("expected StatusTransitionError, got %T", err)
		}
	}
}

func TestSuspendedRequiresPrompt(t *testing.T) {
	store, contextID := newTestStore(t)
	ctx := context.Background()
	task, _ := store.Create(ctx, Spec{ContextID: contextID})

	_, err := store.SetStatus(ctx, task.ID, schema.TaskStatus{State: schema.StateInputRequired})
	if !errors.Is(err, ErrMissingPrompt) {
		t.Fatalf("expected ErrMissingPrompt, got %v", err)
	}
}

func TestFindSuspended(t *testing.T) {
	store, contextID := newTestStore(t)
	ctx := context.Background()

	if _, found, err := store.FindSuspended(ctx, contextID); err != nil || found {
		t.Fatalf("expected no suspended task, found=%v err=%v", found, err)
	}

	task, _ := store.Create(ctx, Spec{ContextID: contextID})
	prompt := schema.AgentMessage("which file?")
	if _, err := store.SetStatus(ctx, task.ID, schema.TaskStatus{
		State:   schema.StateInputRequired,
		Message: &prompt,
	}); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	got, found, err := store.FindSuspended(ctx, contextID)
	if err != nil || !found {
		t.Fatalf("expected suspended task, found=%v err=%v", found, err)
	}
	if got.ID != task.ID {
		t.Fatalf("wrong task: %s", got.ID)
	}
}

func TestSetStatusRecordsUpdates(t *testing.T) {
	store, contextID := newTestStore(t)
	ctx := context.Background()
	task, _ := store.Create(ctx, Spec{ContextID: contextID})
	_, _ = store.SetStatus(ctx, task.ID, schema.TaskStatus{State: schema.StateWorking})
	_, _ = store.SetStatus(ctx, task.ID, schema.TaskStatus{State: schema.StateFailed,
		Errors: []schema.ErrorDetail{{Title: "boom", Message: "it broke"}}})

	updates, err := store.ListUpdates(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("list updates: %v", err)
	}
	if len(updates) != 3 {
		t.Fatalf("expected 3 updates (created, working, failed), got %d", len(updates))
	}

	got, _ := store.Get(ctx, task.ID)
	if len(got.Status.Errors) != 1 || got.Status.Errors[0].Title != "boom" {
		t.Fatalf("error details not persisted: %+v", got.Status.Errors)
	}
}

func TestCanTransitionTable(t *testing.T) {
	cases := []struct {
		from, to schema.TaskState
		ok       bool
	}{
		{schema.StateSubmitted, schema.StateWorking, true},
		{schema.StateSubmitted, schema.StateCompleted, true},
		{schema.StateWorking, schema.StateInputRequired, true},
		{schema.StateWorking, schema.StateAuthRequired, true},
		{schema.StateInputRequired, schema.StateWorking, true},
		{schema.StateInputRequired, schema.StateCompleted, true},
		{schema.StateAuthRequired, schema.StateFailed, true},
		{schema.StateInputRequired, schema.StateAuthRequired, false},
		{schema.StateCompleted, schema.StateWorking, false},
		{schema.StateFailed, schema.StateFailed, false},
		{schema.StateCanceled, schema.StateWorking, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}
