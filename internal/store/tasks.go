package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/aristath/conductor/internal/task"
)

// SaveTasks upserts a whole submission in one transaction: all tasks
// first, then their dependency edges, so insertion order never matters.
func (s *SQLiteStore) SaveTasks(ctx context.Context, tasks []*task.Task) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	for _, t := range tasks {
		if err := upsertTask(ctx, tx, t); err != nil {
			return err
		}
	}
	for _, t := range tasks {
		if err := replaceDependencies(ctx, tx, t); err != nil {
			return err
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

// SaveTask upserts a single task and its dependency edges.
func (s *SQLiteStore) SaveTask(ctx context.Context, t *task.Task) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := upsertTask(ctx, tx, t); err != nil {
		return err
	}
	if err := replaceDependencies(ctx, tx, t); err != nil {
		return err
	}

	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

func upsertTask(ctx context.Context, tx *sql.Tx, t *task.Task) error {
	payload := ""
	if t.Payload != nil {
		payload = string(t.Payload)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, instance_id, name, type, priority, payload, compensate,
			max_retries, max_duration_ns, state, attempts, claimed_by, last_error,
			created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			priority = excluded.priority,
			payload = excluded.payload,
			compensate = excluded.compensate,
			max_retries = excluded.max_retries,
			max_duration_ns = excluded.max_duration_ns,
			state = excluded.state,
			attempts = excluded.attempts,
			claimed_by = excluded.claimed_by,
			last_error = excluded.last_error,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`, t.ID, t.InstanceID, t.Name, t.Type, t.Priority, payload, t.Compensate,
		t.MaxRetries, int64(t.MaxDuration), string(t.State), t.Attempts, t.ClaimedBy, t.LastError,
		t.CreatedAt.UTC(), nullableTime(t.StartedAt), nullableTime(t.FinishedAt))
	if err != nil {
		return errors.Wrapf(err, "failed to upsert task %s", t.ID)
	}
	return nil
}

func replaceDependencies(ctx context.Context, tx *sql.Tx, t *task.Task) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, t.ID); err != nil {
		return errors.Wrapf(err, "failed to delete old dependencies of %s", t.ID)
	}
	for _, depID := range t.DependsOn {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id)
			VALUES (?, ?)
		`, t.ID, depID)
		if err != nil {
			return errors.Wrapf(err, "failed to insert dependency %s -> %s", t.ID, depID)
		}
	}
	return nil
}

// ListTasks returns the instance's tasks with dependencies, in creation
// order.
func (s *SQLiteStore) ListTasks(ctx context.Context, instanceID string) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, name, type, priority, payload, compensate,
			max_retries, max_duration_ns, state, attempts, claimed_by, last_error,
			created_at, started_at, finished_at
		FROM tasks
		WHERE instance_id = ?
		ORDER BY created_at, id
	`, instanceID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query tasks of instance %s", instanceID)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t := &task.Task{}
		var payload, compensate, claimedBy, lastError sql.NullString
		var durationNS int64
		var state string
		var started, finished sql.NullTime

		err := rows.Scan(&t.ID, &t.InstanceID, &t.Name, &t.Type, &t.Priority, &payload, &compensate,
			&t.MaxRetries, &durationNS, &state, &t.Attempts, &claimedBy, &lastError,
			&t.CreatedAt, &started, &finished)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan task")
		}

		if payload.String != "" {
			t.Payload = json.RawMessage(payload.String)
		}
		t.Compensate = compensate.String
		t.ClaimedBy = claimedBy.String
		t.LastError = lastError.String
		t.MaxDuration = time.Duration(durationNS)
		t.State = task.State(state)
		t.StartedAt = fromNull(started)
		t.FinishedAt = fromNull(finished)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating tasks")
	}

	for _, t := range tasks {
		deps, err := s.listDependencies(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		t.DependsOn = deps
	}
	return tasks, nil
}

func (s *SQLiteStore) listDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id
		FROM task_dependencies
		WHERE task_id = ?
		ORDER BY depends_on_id
	`, taskID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query dependencies of %s", taskID)
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return nil, errors.Wrap(err, "failed to scan dependency")
		}
		deps = append(deps, depID)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating dependencies")
	}
	return deps, nil
}
