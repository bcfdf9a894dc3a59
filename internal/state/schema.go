package state

const schemaSQL = `
CREATE TABLE IF NOT EXISTS contexts (
  id TEXT PRIMARY KEY,
  created_at TEXT NOT NULL,
  last_active_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  context_id TEXT NOT NULL,
  state TEXT NOT NULL,
  status_message TEXT,
  status_errors TEXT,
  status_data TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  FOREIGN KEY(context_id) REFERENCES contexts(id)
);

CREATE INDEX IF NOT EXISTS idx_tasks_context_id ON tasks(context_id);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);

CREATE TABLE IF NOT EXISTS task_updates (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  payload TEXT,
  created_at TEXT NOT NULL,
  FOREIGN KEY(task_id) REFERENCES tasks(id)
);

CREATE INDEX IF NOT EXISTS idx_task_updates_task_id ON task_updates(task_id);

CREATE TABLE IF NOT EXISTS context_history (
  id TEXT PRIMARY KEY,
  context_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  task_id TEXT,
  envelope TEXT NOT NULL,
  created_at TEXT NOT NULL,
  FOREIGN KEY(context_id) REFERENCES contexts(id)
);

CREATE INDEX IF NOT EXISTS idx_context_history_context_id ON context_history(context_id, id);
`
