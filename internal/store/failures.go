package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/aristath/conductor/internal/task"
)

// AppendFailure records one failed execution attempt.
func (s *SQLiteStore) AppendFailure(ctx context.Context, rec task.FailureRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failures (task_id, instance_id, attempt, class, detail, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.TaskID, rec.InstanceID, rec.Attempt, string(rec.Class), rec.Detail, rec.At.UTC())
	if err != nil {
		return errors.Wrapf(err, "failed to append failure for task %s", rec.TaskID)
	}
	return nil
}

// ListFailures returns a task's failure history, oldest first.
func (s *SQLiteStore) ListFailures(ctx context.Context, taskID string) ([]task.FailureRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, instance_id, attempt, class, detail, at
		FROM failures
		WHERE task_id = ?
		ORDER BY at, id
	`, taskID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query failures of %s", taskID)
	}
	defer rows.Close()

	var out []task.FailureRecord
	for rows.Next() {
		var rec task.FailureRecord
		var class string
		if err := rows.Scan(&rec.TaskID, &rec.InstanceID, &rec.Attempt, &class, &rec.Detail, &rec.At); err != nil {
			return nil, errors.Wrap(err, "failed to scan failure")
		}
		rec.Class = task.Class(class)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating failures")
	}
	return out, nil
}
