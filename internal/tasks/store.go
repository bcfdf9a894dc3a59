// Package tasks owns the task lifecycle: one row per execution attempt,
// with every status change validated against the transition table and
// recorded in an audit trail.
package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/inletworks/inlet/internal/idgen"
	"github.com/inletworks/inlet/internal/schema"
	"github.com/inletworks/inlet/internal/state"
)

// Task is one execution attempt. The id is stable across resumptions.
type Task struct {
	ID        string            `json:"id"`
	ContextID string            `json:"context_id"`
	Status    schema.TaskStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Update is one entry of a task's audit trail.
type Update struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Spec creates a task. A client-supplied ID must pass custom-id rules.
type Spec struct {
	ID        string `json:"id,omitempty"`
	ContextID string `json:"context_id"`
}

type ListFilter struct {
	ContextID string
	State     schema.TaskState
	Limit     int
}

type Store struct {
	db *sql.DB

	nowFn   func() time.Time
	newIDFn func() string
}

type Option func(*Store)

func WithClock(nowFn func() time.Time) Option {
	return func(s *Store) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func WithIDGenerator(newIDFn func() string) Option {
	return func(s *Store) {
		if newIDFn != nil {
			s.newIDFn = newIDFn
		}
	}
}

func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:      db,
		nowFn:   func() time.Time { return time.Now().UTC() },
		newIDFn: idgen.New,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) now() time.Time {
	return s.nowFn().UTC()
}

func (s *Store) Create(ctx context.Context, spec Spec) (Task, error) {
	if spec.ContextID == "" {
		return Task{}, fmt.Errorf("context_id is required")
	}
	id := spec.ID
	if id == "" {
		id = s.newIDFn()
	} else if err := idgen.ValidateCustomID(id); err != nil {
		return Task{}, err
	}

	createdAt := s.now()
	status := schema.TaskStatus{State: schema.StateSubmitted, Timestamp: createdAt}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, context_id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, spec.ContextID, string(status.State), createdAt.Format(time.RFC3339Nano), createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}

	task := Task{
		ID:        id,
		ContextID: spec.ContextID,
		Status:    status,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	_ = s.recordUpdate(ctx, id, "created", map[string]any{"state": status.State})
	return task, nil
}

func (s *Store) Get(ctx context.Context, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, context_id, state, status_message, status_errors, status_data, created_at, updated_at
		FROM tasks WHERE id = ?
	`, taskID)
	return scanTask(row)
}

func (s *Store) List(ctx context.Context, filter ListFilter) ([]Task, error) {
	query := `
		SELECT id, context_id, state, status_message, status_errors, status_data, created_at, updated_at
		FROM tasks
	`
	var clauses []string
	var args []any
	if filter.ContextID != "" {
		clauses = append(clauses, "context_id = ?")
		args = append(args, filter.ContextID)
	}
	if filter.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, string(filter.State))
	}
	if len(clauses) > 0 {
		query += " WHERE " + clauses[0]
		for _, c := range clauses[1:] {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// FindSuspended returns the suspended task for a context, if any. A
// context has at most one: the orchestrator serializes runs per context
// and routes new messages to a suspended task as resumes.
func (s *Store) FindSuspended(ctx context.Context, contextID string) (Task, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, context_id, state, status_message, status_errors, status_data, created_at, updated_at
		FROM tasks
		WHERE context_id = ? AND state IN (?, ?)
		ORDER BY updated_at DESC LIMIT 1
	`, contextID, string(schema.StateInputRequired), string(schema.StateAuthRequired))
	task, err := scanTask(row)
	if errors.Is(err, ErrTaskNotFound) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	return task, true, nil
}

// SetStatus validates and applies a status transition. The compare-and-
// swap on the current state makes concurrent writers lose cleanly with
// a StatusTransitionError instead of clobbering each other.
func (s *Store) SetStatus(ctx context.Context, taskID string, status schema.TaskStatus) (Task, error) {
	if _, ok := schema.ParseTaskState(string(status.State)); !ok {
		return Task{}, fmt.Errorf("unknown task state %q", status.State)
	}
	if status.State.Suspended() && status.Message == nil {
		return Task{}, ErrMissingPrompt
	}

	current, err := s.Get(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if !CanTransition(current.Status.State, status.State) {
		return Task{}, &StatusTransitionError{TaskID: taskID, From: current.Status.State, To: status.State}
	}

	if status.Timestamp.IsZero() {
		status.Timestamp = s.now()
	}
	messageJSON, err := encodeJSON(status.Message)
	if err != nil {
		return Task{}, fmt.Errorf("encode status message: %w", err)
	}
	errorsJSON, err := encodeJSON(status.Errors)
	if err != nil {
		return Task{}, fmt.Errorf("encode status errors: %w", err)
	}
	dataJSON, err := encodeJSON(status.Data)
	if err != nil {
		return Task{}, fmt.Errorf("encode status data: %w", err)
	}

	updatedAt := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, status_message = ?, status_errors = ?, status_data = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`, string(status.State), messageJSON, errorsJSON, dataJSON,
		updatedAt.Format(time.RFC3339Nano), taskID, string(current.Status.State))
	if err != nil {
		return Task{}, fmt.Errorf("update task status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Task{}, fmt.Errorf("update task status rows affected: %w", err)
	}
	if affected == 0 {
		latest, err := s.Get(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		return Task{}, &StatusTransitionError{TaskID: taskID, From: latest.Status.State, To: status.State}
	}

	_ = s.recordUpdate(ctx, taskID, string(status.State), map[string]any{"state": status.State})

	current.Status = status
	current.UpdatedAt = updatedAt
	return current, nil
}

func (s *Store) ListUpdates(ctx context.Context, taskID string, limit int) ([]Update, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, kind, payload, created_at
		FROM task_updates
		WHERE task_id = ?
		ORDER BY id ASC
		LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}
	defer rows.Close()

	var out []Update
	for rows.Next() {
		var upd Update
		var payloadStr sql.NullString
		var createdAtStr string
		if err := rows.Scan(&upd.ID, &upd.TaskID, &upd.Kind, &payloadStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		upd.Payload = decodeJSONMap(payloadStr.String)
		upd.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, upd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate updates: %w", err)
	}
	return out, nil
}

// DeleteTerminalBefore prunes terminal tasks last touched before cutoff.
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	bound := cutoff.UTC().Format(time.RFC3339Nano)
	terminal := []any{
		string(schema.StateCompleted),
		string(schema.StateFailed),
		string(schema.StateCanceled),
	}
	args := append([]any{}, terminal...)
	args = append(args, bound)
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM task_updates WHERE task_id IN
			(SELECT id FROM tasks WHERE state IN (?, ?, ?) AND updated_at < ?)
	`, args...); err != nil {
		return 0, fmt.Errorf("prune task updates: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE state IN (?, ?, ?) AND updated_at < ?
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune tasks rows affected: %w", err)
	}
	return int(removed), nil
}

func (s *Store) recordUpdate(ctx context.Context, taskID, kind string, payload map[string]any) error {
	payloadJSON, err := encodeJSON(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return state.ExecWithRetry(ctx, s.db, `
		INSERT INTO task_updates (id, task_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, idgen.HistoryID(), taskID, kind, payloadJSON, s.now().Format(time.RFC3339Nano))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var task Task
	var stateStr, createdAtStr, updatedAtStr string
	var messageStr, errorsStr, dataStr sql.NullString
	if err := row.Scan(&task.ID, &task.ContextID, &stateStr, &messageStr, &errorsStr, &dataStr, &createdAtStr, &updatedAtStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, fmt.Errorf("scan task: %w", err)
	}

	taskState, ok := schema.ParseTaskState(stateStr)
	if !ok {
		return Task{}, fmt.Errorf("task %s has unknown state %q", task.ID, stateStr)
	}
	task.Status.State = taskState
	if messageStr.Valid && messageStr.String != "" {
		var msg schema.Message
		if err := json.Unmarshal([]byte(messageStr.String), &msg); err == nil {
			task.Status.Message = &msg
		}
	}
	if errorsStr.Valid && errorsStr.String != "" {
		_ = json.Unmarshal([]byte(errorsStr.String), &task.Status.Errors)
	}
	if dataStr.Valid && dataStr.String != "" {
		task.Status.Data = decodeJSONMap(dataStr.String)
	}
	task.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	task.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	task.Status.Timestamp = task.UpdatedAt
	return task, nil
}

func encodeJSON(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case *schema.Message:
		if val == nil {
			return nil, nil
		}
	case []schema.ErrorDetail:
		if len(val) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(val) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeJSONMap(v string) map[string]any {
	if v == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}
