package runtime

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/scheduler"
	"github.com/aristath/conductor/internal/task"
)

// Submit validates a workflow, builds its task graph, persists it,
// promotes the dependency-free tasks to READY, and enqueues them.
// Returns the initial snapshot.
func (r *Runtime) Submit(ctx context.Context, spec WorkflowSpec) (*InstanceView, error) {
	r.mu.RLock()
	stopped := r.stopped
	r.mu.RUnlock()
	if stopped {
		return nil, errors.New("runtime is stopped")
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	name := spec.Name
	if name == "" {
		name = id
	}
	now := time.Now()

	tasks := spec.materialize(id, r.policy.Config().MaxRetries, now)
	g, err := scheduler.Build(tasks)
	if err != nil {
		return nil, err
	}
	inst := newInstance(id, name, g, spec.Vars, now)
	inst.rollbackOnCancel = spec.RollbackOnCancel

	r.mu.Lock()
	if _, dup := r.instances[id]; dup {
		r.mu.Unlock()
		return nil, task.Validationf("instance %q already exists", id)
	}
	r.instances[id] = inst
	r.mu.Unlock()

	var (
		tevs []events.TaskEvent
		enq  []*task.Task
	)
	r.locks.Lock(id)
	for _, t := range g.Tasks() {
		tevs = append(tevs, taskEvent(t))
	}
	for _, e := range g.Eligible() {
		if err := g.MarkReady(e.ID); err != nil {
			continue
		}
		ready, _ := g.Get(e.ID)
		enq = append(enq, ready)
		tevs = append(tevs, taskEvent(ready))
	}
	all := g.Tasks()
	rec := inst.record()
	view := inst.view()
	iev := instanceEvent(inst, events.InstanceCreated)
	r.locks.Unlock(id)

	r.persistInstance(rec)
	r.persistTasks(all...)
	for _, t := range enq {
		r.queue.Enqueue(t)
	}
	r.emitInstance(iev)
	r.emitTask(tevs...)

	r.logger.Info("workflow submitted",
		zap.String("instance", id),
		zap.String("name", name),
		zap.Int("tasks", len(all)))
	return view, nil
}

// SubmitTask wraps a single task in a one-task workflow.
func (r *Runtime) SubmitTask(ctx context.Context, ts TaskSpec) (*InstanceView, error) {
	name := ts.Name
	if name == "" {
		name = ts.Type
	}
	return r.Submit(ctx, WorkflowSpec{Name: name, Tasks: []TaskSpec{ts}})
}
