package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/inletworks/inlet/internal/idgen"
	"github.com/inletworks/inlet/internal/schema"
)

// SQLiteStore is the durable Store for multi-process deployments.
type SQLiteStore struct {
	db *sql.DB

	nowFn   func() time.Time
	newIDFn func() string
}

type SQLiteOption func(*SQLiteStore)

func WithClock(nowFn func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func WithIDGenerator(newIDFn func() string) SQLiteOption {
	return func(s *SQLiteStore) {
		if newIDFn != nil {
			s.newIDFn = newIDFn
		}
	}
}

func NewSQLiteStore(db *sql.DB, opts ...SQLiteOption) *SQLiteStore {
	s := &SQLiteStore{
		db:      db,
		nowFn:   func() time.Time { return time.Now().UTC() },
		newIDFn: idgen.HistoryID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *SQLiteStore) now() time.Time {
	return s.nowFn().UTC()
}

func (s *SQLiteStore) CreateContext(ctx context.Context, id string) (Context, error) {
	if id == "" {
		id = idgen.New()
	}
	createdAt := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contexts (id, created_at, last_active_at) VALUES (?, ?, ?)
	`, id, createdAt.Format(time.RFC3339Nano), createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return Context{}, fmt.Errorf("insert context: %w", err)
	}
	return Context{ID: id, CreatedAt: createdAt, LastActiveAt: createdAt}, nil
}

func (s *SQLiteStore) GetContext(ctx context.Context, id string) (Context, error) {
	var out Context
	var createdAtStr, lastActiveStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, last_active_at FROM contexts WHERE id = ?
	`, id).Scan(&out.ID, &createdAtStr, &lastActiveStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Context{}, ErrContextNotFound
		}
		return Context{}, fmt.Errorf("load context: %w", err)
	}
	out.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	out.LastActiveAt, _ = time.Parse(time.RFC3339Nano, lastActiveStr)
	return out, nil
}

func (s *SQLiteStore) TouchContext(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE contexts SET last_active_at = ? WHERE id = ?
	`, s.now().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("touch context: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch context rows affected: %w", err)
	}
	if affected == 0 {
		return ErrContextNotFound
	}
	return nil
}

func (s *SQLiteStore) ListContexts(ctx context.Context, limit int) ([]Context, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, last_active_at FROM contexts
		ORDER BY last_active_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list contexts: %w", err)
	}
	defer rows.Close()

	var out []Context
	for rows.Next() {
		var c Context
		var createdAtStr, lastActiveStr string
		if err := rows.Scan(&c.ID, &createdAtStr, &lastActiveStr); err != nil {
			return nil, fmt.Errorf("scan context: %w", err)
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		c.LastActiveAt, _ = time.Parse(time.RFC3339Nano, lastActiveStr)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contexts: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Append(ctx context.Context, contextID, taskID string, env schema.Envelope) (Item, error) {
	if contextID == "" {
		return Item{}, fmt.Errorf("context_id is required")
	}
	if env == nil {
		return Item{}, fmt.Errorf("envelope is required")
	}
	payload, err := schema.MarshalEnvelope(env)
	if err != nil {
		return Item{}, fmt.Errorf("encode envelope: %w", err)
	}

	id := s.newIDFn()
	createdAt := s.now()
	// No retry here: a duplicated append would violate the ordered-log
	// invariant, so append failures surface to the caller as-is.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO context_history (id, context_id, kind, task_id, envelope, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, contextID, string(env.EnvelopeKind()), nullString(taskID), string(payload), createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return Item{}, fmt.Errorf("append history: %w", err)
	}

	return Item{
		ID:        id,
		ContextID: contextID,
		Kind:      env.EnvelopeKind(),
		TaskID:    taskID,
		Envelope:  env,
		CreatedAt: createdAt,
	}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, contextID string, opts LoadOptions) ([]Item, error) {
	if contextID == "" {
		return nil, fmt.Errorf("context_id is required")
	}
	query := `
		SELECT id, context_id, kind, task_id, envelope, created_at
		FROM context_history WHERE context_id = ?
	`
	args := []any{contextID}
	if opts.AsOfID != "" {
		query += " AND id <= ?"
		args = append(args, opts.AsOfID)
	}
	query += " ORDER BY id ASC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Truncate(ctx context.Context, contextID, fromID string, force bool) (int, error) {
	if contextID == "" {
		return 0, fmt.Errorf("context_id is required")
	}
	if fromID == "" {
		return 0, fmt.Errorf("from_id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin truncate tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if !force {
		var fenced int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM context_history
			WHERE context_id = ? AND id >= ? AND kind = ?
		`, contextID, fromID, string(schema.KindArtifact)).Scan(&fenced)
		if err != nil {
			return 0, fmt.Errorf("check artifact fence: %w", err)
		}
		if fenced > 0 {
			return 0, ErrArtifactFence
		}
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM context_history WHERE context_id = ? AND id >= ?
	`, contextID, fromID)
	if err != nil {
		return 0, fmt.Errorf("truncate history: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("truncate rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit truncate: %w", err)
	}
	return int(removed), nil
}

func (s *SQLiteStore) DeleteInactiveSince(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	bound := cutoff.UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM context_history WHERE context_id IN
			(SELECT id FROM contexts WHERE last_active_at < ?)
	`, bound); err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM task_updates WHERE task_id IN
			(SELECT id FROM tasks WHERE context_id IN
				(SELECT id FROM contexts WHERE last_active_at < ?))
	`, bound); err != nil {
		return 0, fmt.Errorf("prune task updates: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM tasks WHERE context_id IN
			(SELECT id FROM contexts WHERE last_active_at < ?)
	`, bound); err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM contexts WHERE last_active_at < ?`, bound)
	if err != nil {
		return 0, fmt.Errorf("prune contexts: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return int(removed), nil
}

func scanItem(rows *sql.Rows) (Item, error) {
	var item Item
	var taskID sql.NullString
	var kindStr, envelopeStr, createdAtStr string
	if err := rows.Scan(&item.ID, &item.ContextID, &kindStr, &taskID, &envelopeStr, &createdAtStr); err != nil {
		return Item{}, fmt.Errorf("scan history item: %w", err)
	}
	env, err := schema.UnmarshalEnvelope([]byte(envelopeStr))
	if err != nil {
		return Item{}, fmt.Errorf("decode history item %s: %w", item.ID, err)
	}
	item.Kind = schema.Kind(kindStr)
	item.Envelope = env
	item.TaskID = taskID.String
	item.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	return item, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
