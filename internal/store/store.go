// Package store persists workflow instances, their tasks, and failure
// history so a restarted runtime can recover in-flight work.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/aristath/conductor/internal/task"
)

// ErrNotFound marks lookups for records that do not exist.
var ErrNotFound = errors.New("not found")

// InstanceRecord is the persisted form of one workflow instance.
type InstanceRecord struct {
	ID               string
	Name             string
	Status           string
	Reason           string
	Vars             map[string]any
	CompletionOrder  []string
	RollbackOnCancel bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
	FinishedAt       time.Time
}

// Store is the persistence boundary. Everything the runtime needs to
// survive a restart goes through here.
type Store interface {
	SaveInstance(ctx context.Context, rec *InstanceRecord) error
	GetInstance(ctx context.Context, id string) (*InstanceRecord, error)
	ListInstances(ctx context.Context) ([]*InstanceRecord, error)
	DeleteInstance(ctx context.Context, id string) error

	// SaveTasks upserts a whole submission in one transaction.
	SaveTasks(ctx context.Context, tasks []*task.Task) error
	SaveTask(ctx context.Context, t *task.Task) error
	ListTasks(ctx context.Context, instanceID string) ([]*task.Task, error)

	AppendFailure(ctx context.Context, rec task.FailureRecord) error
	ListFailures(ctx context.Context, taskID string) ([]task.FailureRecord, error)

	Close() error
}

// SQLiteStore implements Store on SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) a SQLite store at the given
// path with WAL mode and a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create store directory")
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore opens an in-memory store for tests. Each call gets its
// own database; the shared cache only spans this store's connections.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:mem-%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// modernc.org/sqlite ignores _foreign_keys in the conn string.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to enable foreign keys")
	}

	// One writer plus one reader keeps list queries with per-row
	// subqueries from deadlocking.
	db.SetMaxOpenConns(2)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to initialize schema")
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func fromNull(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time
}
