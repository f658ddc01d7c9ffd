package runtime

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/store"
	"github.com/aristath/conductor/internal/task"
)

// Pause stops the instance's tasks from being claimed. Running tasks
// finish and their results are recorded; promoted tasks are parked in
// the queue until Resume.
func (r *Runtime) Pause(instanceID string) error {
	inst := r.instance(instanceID)
	if inst == nil {
		return errors.Wrapf(ErrInstanceNotFound, "instance %s", instanceID)
	}

	r.locks.Lock(instanceID)
	if inst.status != StatusRunning {
		status := inst.status
		r.locks.Unlock(instanceID)
		return errors.Errorf("instance %s is %s, only RUNNING instances can be paused", instanceID, status)
	}
	inst.status = StatusPaused
	held := r.queue.Hold(instanceID)
	rec := inst.record()
	iev := instanceEvent(inst, events.InstancePaused)
	r.locks.Unlock(instanceID)

	r.persistInstance(rec)
	r.emitInstance(iev)
	r.logger.Info("instance paused",
		zap.String("instance", instanceID), zap.Int("held", held))
	return nil
}

// Resume lifts a pause and re-enqueues every READY task, including
// ones whose claims were rejected while paused.
func (r *Runtime) Resume(instanceID string) error {
	inst := r.instance(instanceID)
	if inst == nil {
		return errors.Wrapf(ErrInstanceNotFound, "instance %s", instanceID)
	}

	r.locks.Lock(instanceID)
	if inst.status != StatusPaused {
		status := inst.status
		r.locks.Unlock(instanceID)
		return errors.Errorf("instance %s is %s, only PAUSED instances can be resumed", instanceID, status)
	}
	inst.status = StatusRunning
	var ready []*task.Task
	for _, t := range inst.graph.Tasks() {
		if t.State == task.StateReady {
			ready = append(ready, t)
		}
	}
	rec := inst.record()
	iev := instanceEvent(inst, events.InstanceResumed)
	r.locks.Unlock(instanceID)

	released := r.queue.Release(instanceID)
	for _, t := range ready {
		r.queue.Enqueue(t)
	}
	r.persistInstance(rec)
	r.emitInstance(iev)
	r.logger.Info("instance resumed",
		zap.String("instance", instanceID), zap.Int("released", released))
	return nil
}

// Cancel terminates an instance. Waiting tasks are cancelled and
// pending retries abandoned. Without rollback-on-cancel the instance
// context is cancelled so running handlers can stop, and their late
// reports are recorded as CANCELLED. With rollback-on-cancel, running
// tasks are left to finish so their effects can be compensated along
// with every other completed task; the instance ends COMPENSATED
// instead of CANCELLED.
func (r *Runtime) Cancel(instanceID, reason string) error {
	inst := r.instance(instanceID)
	if inst == nil {
		return errors.Wrapf(ErrInstanceNotFound, "instance %s", instanceID)
	}
	if reason == "" {
		reason = "cancelled by operator"
	}

	r.locks.Lock(instanceID)
	switch {
	case inst.status == StatusCancelled:
		r.locks.Unlock(instanceID)
		return nil
	case inst.status == StatusCompensating:
		r.locks.Unlock(instanceID)
		return errors.Errorf("instance %s is compensating and cannot be cancelled", instanceID)
	case inst.status.Terminal():
		status := inst.status
		r.locks.Unlock(instanceID)
		return errors.Errorf("instance %s is already %s", instanceID, status)
	}
	inst.stopTimersLocked()

	cancelled := inst.graph.CancelRemaining()
	tevs := make([]events.TaskEvent, 0, len(cancelled))
	for _, t := range cancelled {
		tevs = append(tevs, taskEvent(t))
	}

	compensable := false
	if inst.rollbackOnCancel {
		for _, c := range inst.completedInOrder() {
			if c.Compensate != "" {
				compensable = true
				break
			}
		}
	}

	var (
		rollback []*task.Task
		rollVars map[string]any
		iev      events.InstanceEvent
	)
	inst.reason = reason
	if compensable {
		inst.status = StatusCompensating
		if inst.graph.Progress().Running > 0 {
			// In-flight tasks finish first; the last retirement
			// launches the rollback over everything completed by then.
			inst.rollbackPending = true
		} else {
			rollback = inst.completedInOrder()
			rollVars = copyVars(inst.vars)
		}
		iev = instanceEvent(inst, events.InstanceCompensating)
	} else {
		inst.status = StatusCancelled
		inst.finishedAt = time.Now()
		iev = instanceEvent(inst, events.InstanceCancelled)
	}
	rec := inst.record()
	r.locks.Unlock(instanceID)

	if !compensable {
		inst.cancel()
	}
	r.queue.Remove(instanceID)
	r.persistTasks(cancelled...)
	r.persistInstance(rec)
	r.emitTask(tevs...)
	r.emitInstance(iev)
	r.logger.Info("instance cancelled",
		zap.String("instance", instanceID),
		zap.String("reason", reason),
		zap.Int("tasks_cancelled", len(cancelled)),
		zap.Bool("rollback", compensable))
	if rollback != nil {
		r.wg.Add(1)
		go r.runRollback(inst, rollback, rollVars)
	}
	return nil
}

// Retry resurrects a FAILED or compensated instance. With an empty
// fromTaskID the whole failed portion is reset; after compensation,
// completed tasks reset too since their effects were rolled back. A
// non-empty fromTaskID resets that task and everything downstream of
// it regardless of state.
func (r *Runtime) Retry(instanceID, fromTaskID string) error {
	inst := r.instance(instanceID)
	if inst == nil {
		return errors.Wrapf(ErrInstanceNotFound, "instance %s", instanceID)
	}

	var (
		save []*task.Task
		enq  []*task.Task
		tevs []events.TaskEvent
		rec  *store.InstanceRecord
		iev  events.InstanceEvent
	)
	r.locks.Lock(instanceID)
	if !inst.status.Retryable() {
		status := inst.status
		r.locks.Unlock(instanceID)
		return errors.Errorf("instance %s is %s, only failed or compensated instances can be retried", instanceID, status)
	}

	includeCompleted := inst.status != StatusFailed
	var ids []string
	if fromTaskID != "" {
		if _, ok := inst.graph.Get(fromTaskID); !ok {
			r.locks.Unlock(instanceID)
			return errors.Errorf("task %q not found in instance %s", fromTaskID, instanceID)
		}
		ids = append([]string{fromTaskID}, inst.graph.Descendants(fromTaskID)...)
		includeCompleted = true
	} else {
		ids = inst.graph.Order()
	}

	// A reset scope whose upstream did not complete would sit blocked
	// forever; force the operator to widen the scope instead.
	scope := make(map[string]bool, len(ids))
	for _, id := range ids {
		scope[id] = true
	}
	for _, id := range ids {
		t, ok := inst.graph.Get(id)
		if !ok {
			continue
		}
		for _, dep := range t.DependsOn {
			if scope[dep] {
				continue
			}
			if d, ok := inst.graph.Get(dep); ok && !d.State.Successful() {
				r.locks.Unlock(instanceID)
				return errors.Errorf("task %q depends on %q which did not complete, retry from %q instead", id, dep, dep)
			}
		}
	}

	reset := inst.graph.Reset(ids, includeCompleted)
	if len(reset) == 0 {
		r.locks.Unlock(instanceID)
		return errors.Errorf("nothing to retry in instance %s", instanceID)
	}
	wasReset := make(map[string]bool, len(reset))
	for _, t := range reset {
		wasReset[t.ID] = true
		delete(inst.failures, t.ID)
		delete(inst.outputs, t.ID)
	}
	kept := inst.completionOrder[:0]
	for _, id := range inst.completionOrder {
		if !wasReset[id] {
			kept = append(kept, id)
		}
	}
	inst.completionOrder = kept

	inst.status = StatusRunning
	inst.reason = ""
	inst.finishedAt = time.Time{}
	save = append(save, reset...)

	for _, e := range inst.graph.Eligible() {
		if err := inst.graph.MarkReady(e.ID); err != nil {
			continue
		}
		ready, _ := inst.graph.Get(e.ID)
		save = append(save, ready)
		enq = append(enq, ready)
		tevs = append(tevs, taskEvent(ready))
	}
	rec = inst.record()
	iev = instanceEvent(inst, events.InstanceResumed)
	r.locks.Unlock(instanceID)

	for _, t := range reset {
		r.dlq.Remove(t.ID)
	}
	r.persistTasks(save...)
	r.persistInstance(rec)
	for _, t := range enq {
		r.queue.Enqueue(t)
	}
	r.emitTask(tevs...)
	r.emitInstance(iev)
	r.logger.Info("instance retrying",
		zap.String("instance", instanceID),
		zap.String("from", fromTaskID),
		zap.Int("reset", len(reset)))
	return nil
}

// ReplayDeadLettered puts one dead-lettered task back in the queue with
// a fresh retry budget. Replaying on a FAILED instance resurrects it;
// cancelled or compensated instances cannot be replayed into, since
// their other tasks will never run again.
func (r *Runtime) ReplayDeadLettered(taskID string) error {
	entry, ok := r.dlq.Get(taskID)
	if !ok {
		return errors.Errorf("task %q is not dead-lettered", taskID)
	}
	inst := r.instance(entry.Task.InstanceID)
	if inst == nil {
		return errors.Wrapf(ErrInstanceNotFound, "instance %s", entry.Task.InstanceID)
	}

	r.locks.Lock(inst.id)
	switch inst.status {
	case StatusCancelled, StatusCompensating, StatusCompensated, StatusCompensatedWithErrors:
		status := inst.status
		r.locks.Unlock(inst.id)
		return errors.Errorf("instance %s is %s, its dead letters cannot be replayed", inst.id, status)
	}
	replayed, err := inst.graph.Replay(taskID)
	if err != nil {
		r.locks.Unlock(inst.id)
		return err
	}
	delete(inst.failures, taskID)

	var ievs []events.InstanceEvent
	if inst.status == StatusFailed {
		inst.status = StatusRunning
		inst.reason = ""
		inst.finishedAt = time.Time{}
		ievs = append(ievs, instanceEvent(inst, events.InstanceResumed))
	}
	rec := inst.record()
	tev := taskEvent(replayed)
	r.locks.Unlock(inst.id)

	r.dlq.Remove(taskID)
	r.persistTasks(replayed)
	r.persistInstance(rec)
	r.queue.Enqueue(replayed)
	r.emitTask(tev)
	r.emitInstance(ievs...)
	r.logger.Info("dead letter replayed",
		zap.String("task", taskID), zap.String("instance", inst.id))
	return nil
}
