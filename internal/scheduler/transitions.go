package scheduler

import (
	"fmt"
	"time"

	"github.com/aristath/conductor/internal/task"
)

// Claim moves a READY task to RUNNING on behalf of a worker, recording
// the worker id and incrementing the attempt count. It returns a clone
// for execution. A TransitionError means the task was cancelled or
// otherwise moved between dequeue and claim; the caller drops it.
func (g *Graph) Claim(taskID, workerID string) (*task.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, exists := g.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("task %q not found", taskID)
	}
	if err := t.Transition(task.StateRunning); err != nil {
		return nil, err
	}
	t.Attempts++
	t.ClaimedBy = workerID
	t.StartedAt = time.Now()
	return t.Clone(), nil
}

// MarkReady promotes a task into the queueable state.
func (g *Graph) MarkReady(taskID string) error {
	return g.transition(taskID, task.StateReady, func(t *task.Task) {
		t.ClaimedBy = ""
	})
}

// MarkCompleted records a successful execution.
func (g *Graph) MarkCompleted(taskID string) error {
	return g.transition(taskID, task.StateCompleted, func(t *task.Task) {
		t.LastError = ""
		t.FinishedAt = time.Now()
	})
}

// MarkFailed records a failed execution. The task normally sits in
// FAILED only until the failure policy decides between RETRYING and
// DEAD_LETTERED.
func (g *Graph) MarkFailed(taskID, detail string) error {
	return g.transition(taskID, task.StateFailed, func(t *task.Task) {
		t.LastError = detail
		t.ClaimedBy = ""
	})
}

// MarkRetrying parks a failed task until its backoff delay elapses.
func (g *Graph) MarkRetrying(taskID string) error {
	return g.transition(taskID, task.StateRetrying, nil)
}

// MarkDeadLettered retires a failed task after its retry budget is
// exhausted or its error was classified permanent.
func (g *Graph) MarkDeadLettered(taskID string) error {
	return g.transition(taskID, task.StateDeadLettered, func(t *task.Task) {
		t.FinishedAt = time.Now()
	})
}

// MarkCancelled terminates a task that will not run.
func (g *Graph) MarkCancelled(taskID string) error {
	return g.transition(taskID, task.StateCancelled, func(t *task.Task) {
		t.FinishedAt = time.Now()
	})
}

// Requeue returns a RUNNING task to READY without touching its attempt
// count. Used on restart recovery when the claiming worker no longer
// exists.
func (g *Graph) Requeue(taskID string) error {
	return g.transition(taskID, task.StateReady, func(t *task.Task) {
		t.ClaimedBy = ""
		t.StartedAt = time.Time{}
	})
}

// Replay resurrects a DEAD_LETTERED task with a fresh retry budget and
// returns a clone for enqueueing.
func (g *Graph) Replay(taskID string) (*task.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, exists := g.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("task %q not found", taskID)
	}
	if err := t.Transition(task.StateReady); err != nil {
		return nil, err
	}
	t.Attempts = 0
	t.ClaimedBy = ""
	t.LastError = ""
	t.FinishedAt = time.Time{}
	return t.Clone(), nil
}

// CancelRemaining cancels every task that has not started and is not
// terminal: PENDING, READY, and RETRYING. RUNNING tasks are left to
// finish under cooperative cancellation. Returns clones of the tasks it
// cancelled.
func (g *Graph) CancelRemaining() []*task.Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []*task.Task
	for _, id := range g.sortedIDs() {
		t := g.tasks[id]
		switch t.State {
		case task.StatePending, task.StateReady, task.StateRetrying:
			t.State = task.StateCancelled
			t.FinishedAt = time.Now()
			out = append(out, t.Clone())
		}
	}
	return out
}

// Reset returns the given tasks to a fresh PENDING state for a partial
// or full resubmission. RUNNING tasks are always left alone. COMPLETED
// tasks keep their results unless includeCompleted is set, which a
// caller uses after compensation has undone their effects. Everything
// else in the id set is wiped back to PENDING regardless of the
// transition table, which has no ordinary path out of CANCELLED.
// Returns clones of the tasks it reset.
func (g *Graph) Reset(ids []string, includeCompleted bool) []*task.Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []*task.Task
	for _, id := range ids {
		t, exists := g.tasks[id]
		if !exists {
			continue
		}
		if t.State == task.StateRunning {
			continue
		}
		if t.State == task.StateCompleted && !includeCompleted {
			continue
		}
		t.State = task.StatePending
		t.Attempts = 0
		t.ClaimedBy = ""
		t.LastError = ""
		t.StartedAt = time.Time{}
		t.FinishedAt = time.Time{}
		out = append(out, t.Clone())
	}
	return out
}

func (g *Graph) transition(taskID string, to task.State, mutate func(*task.Task)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	if err := t.Transition(to); err != nil {
		return err
	}
	if mutate != nil {
		mutate(t)
	}
	return nil
}
