package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/store"
	"github.com/aristath/conductor/internal/task"
)

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusRunning               Status = "RUNNING"
	StatusPaused                Status = "PAUSED"
	StatusCompleted             Status = "COMPLETED"
	StatusFailed                Status = "FAILED"
	StatusCancelled             Status = "CANCELLED"
	StatusCompensating          Status = "COMPENSATING"
	StatusCompensated           Status = "COMPENSATED"
	StatusCompensatedWithErrors Status = "COMPENSATED_WITH_ERRORS"
)

// Terminal reports whether the instance will never run another task.
// COMPENSATING is not terminal: a rollback is still in flight.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled,
		StatusCompensated, StatusCompensatedWithErrors:
		return true
	}
	return false
}

// Retryable reports whether Retry may resurrect the instance.
func (s Status) Retryable() bool {
	switch s {
	case StatusFailed, StatusCompensated, StatusCompensatedWithErrors:
		return true
	}
	return false
}

// instance is one submitted workflow: its task graph plus the state
// that lives outside the graph. Everything below the graph pointer is
// guarded by the runtime's per-instance lock; the graph guards itself.
type instance struct {
	id        string
	name      string
	graph     *scheduler.Graph
	createdAt time.Time

	// ctx is cancelled when the instance is cancelled, so running
	// handlers can stop cooperatively.
	ctx    context.Context
	cancel context.CancelFunc

	status          Status
	reason          string
	vars            map[string]any
	outputs         map[string]json.RawMessage
	completionOrder []string
	finishedAt      time.Time

	// rollbackOnCancel compensates completed tasks on Cancel.
	// rollbackPending defers that rollback until the last in-flight
	// task retires.
	rollbackOnCancel bool
	rollbackPending  bool

	// timers holds the pending backoff timer per RETRYING task.
	timers map[string]*time.Timer

	// failures accumulates per-task attempt history for dead-letter
	// entries and operator inspection.
	failures map[string][]task.FailureRecord
}

func newInstance(id, name string, g *scheduler.Graph, vars map[string]any, now time.Time) *instance {
	ctx, cancel := context.WithCancel(context.Background())
	return &instance{
		id:        id,
		name:      name,
		graph:     g,
		createdAt: now,
		ctx:       ctx,
		cancel:    cancel,
		status:    StatusRunning,
		vars:      copyVars(vars),
		outputs:   make(map[string]json.RawMessage),
		timers:    make(map[string]*time.Timer),
		failures:  make(map[string][]task.FailureRecord),
	}
}

// record snapshots the instance for persistence. Caller holds the
// instance lock.
func (i *instance) record() *store.InstanceRecord {
	return &store.InstanceRecord{
		ID:               i.id,
		Name:             i.name,
		Status:           string(i.status),
		Reason:           i.reason,
		Vars:             copyVars(i.vars),
		CompletionOrder:  append([]string(nil), i.completionOrder...),
		RollbackOnCancel: i.rollbackOnCancel,
		CreatedAt:        i.createdAt,
		FinishedAt:       i.finishedAt,
	}
}

// view snapshots the instance for callers. Caller holds the instance
// lock.
func (i *instance) view() *InstanceView {
	outputs := make(map[string]json.RawMessage, len(i.outputs))
	for id, out := range i.outputs {
		outputs[id] = append(json.RawMessage(nil), out...)
	}
	return &InstanceView{
		ID:              i.id,
		Name:            i.name,
		Status:          i.status,
		Reason:          i.reason,
		Progress:        i.graph.Progress(),
		Tasks:           i.graph.Tasks(),
		Vars:            copyVars(i.vars),
		Outputs:         outputs,
		CompletionOrder: append([]string(nil), i.completionOrder...),
		CreatedAt:       i.createdAt,
		FinishedAt:      i.finishedAt,
	}
}

// stopTimersLocked cancels all pending retry timers. Caller holds the
// instance lock.
func (i *instance) stopTimersLocked() {
	for id, tm := range i.timers {
		tm.Stop()
		delete(i.timers, id)
	}
}

// completedInOrder returns clones of the completed tasks in completion
// order, for compensation. Caller holds the instance lock.
func (i *instance) completedInOrder() []*task.Task {
	out := make([]*task.Task, 0, len(i.completionOrder))
	for _, id := range i.completionOrder {
		if t, ok := i.graph.Get(id); ok && t.State == task.StateCompleted {
			out = append(out, t)
		}
	}
	return out
}

// InstanceView is a point-in-time snapshot of a workflow instance.
type InstanceView struct {
	ID              string                     `json:"id"`
	Name            string                     `json:"name"`
	Status          Status                     `json:"status"`
	Reason          string                     `json:"reason,omitempty"`
	Progress        scheduler.Progress         `json:"progress"`
	Tasks           []*task.Task               `json:"tasks"`
	Vars            map[string]any             `json:"vars,omitempty"`
	Outputs         map[string]json.RawMessage `json:"outputs,omitempty"`
	CompletionOrder []string                   `json:"completion_order,omitempty"`
	CreatedAt       time.Time                  `json:"created_at"`
	FinishedAt      time.Time                  `json:"finished_at,omitempty"`
}

func copyVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}
