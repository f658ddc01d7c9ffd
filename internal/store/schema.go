package store

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		vars TEXT,
		completion_order TEXT,
		rollback_on_cancel INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		payload TEXT,
		compensate TEXT,
		max_retries INTEGER NOT NULL DEFAULT 0,
		max_duration_ns INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		claimed_by TEXT,
		last_error TEXT,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		FOREIGN KEY (instance_id) REFERENCES instances(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_instance ON tasks(instance_id);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task_id ON task_dependencies(task_id);

	CREATE TABLE IF NOT EXISTS failures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		instance_id TEXT,
		attempt INTEGER NOT NULL,
		class TEXT NOT NULL,
		detail TEXT,
		at DATETIME NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_failures_task_at ON failures(task_id, at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
