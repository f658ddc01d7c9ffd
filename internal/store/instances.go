package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"
)

// SaveInstance upserts one instance record.
func (s *SQLiteStore) SaveInstance(ctx context.Context, rec *InstanceRecord) error {
	vars, err := json.Marshal(rec.Vars)
	if err != nil {
		return errors.Wrap(err, "failed to marshal instance vars")
	}
	order, err := json.Marshal(rec.CompletionOrder)
	if err != nil {
		return errors.Wrap(err, "failed to marshal completion order")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instances (id, name, status, reason, vars, completion_order, rollback_on_cancel, created_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			reason = excluded.reason,
			vars = excluded.vars,
			completion_order = excluded.completion_order,
			rollback_on_cancel = excluded.rollback_on_cancel,
			finished_at = excluded.finished_at,
			updated_at = CURRENT_TIMESTAMP
	`, rec.ID, rec.Name, rec.Status, rec.Reason, string(vars), string(order),
		rec.RollbackOnCancel, rec.CreatedAt.UTC(), nullableTime(rec.FinishedAt))
	if err != nil {
		return errors.Wrapf(err, "failed to save instance %s", rec.ID)
	}
	return nil
}

// GetInstance loads one instance record.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*InstanceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, reason, vars, completion_order, rollback_on_cancel, created_at, updated_at, finished_at
		FROM instances
		WHERE id = ?
	`, id)

	rec, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "instance %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query instance %s", id)
	}
	return rec, nil
}

// ListInstances returns all instance records in creation order.
func (s *SQLiteStore) ListInstances(ctx context.Context) ([]*InstanceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, reason, vars, completion_order, rollback_on_cancel, created_at, updated_at, finished_at
		FROM instances
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query instances")
	}
	defer rows.Close()

	var out []*InstanceRecord
	for rows.Next() {
		rec, err := scanInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan instance")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating instances")
	}
	return out, nil
}

// DeleteInstance removes an instance; its tasks, dependencies, and
// failure history cascade away with it.
func (s *SQLiteStore) DeleteInstance(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete instance %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "instance %s", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*InstanceRecord, error) {
	rec := &InstanceRecord{}
	var reason, vars, order sql.NullString
	var finished sql.NullTime

	err := row.Scan(&rec.ID, &rec.Name, &rec.Status, &reason, &vars, &order,
		&rec.RollbackOnCancel, &rec.CreatedAt, &rec.UpdatedAt, &finished)
	if err != nil {
		return nil, err
	}

	rec.Reason = reason.String
	rec.FinishedAt = fromNull(finished)
	if vars.String != "" {
		if err := json.Unmarshal([]byte(vars.String), &rec.Vars); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal instance vars")
		}
	}
	if order.String != "" {
		if err := json.Unmarshal([]byte(order.String), &rec.CompletionOrder); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal completion order")
		}
	}
	return rec, nil
}
